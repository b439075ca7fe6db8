// Package node wires every networking-core component into one running
// process: address book, peer set, connector/listener, chain
// synchronizer, mempool, and the best-tip-height fan-in.
//
// Grounded on internal/torrent/torrent.go: a top-level struct owning
// every subsystem, constructed once in NewTorrent-style fashion and
// driven by one errgroup.WithContext in Run, generalized from a
// per-torrent swarm to a single long-lived peer-networking node.
package node

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zebrad/zebrad/internal/addrbook"
	"github.com/zebrad/zebrad/internal/besttip"
	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/handshake"
	"github.com/zebrad/zebrad/internal/mempool"
	"github.com/zebrad/zebrad/internal/peerconn"
	"github.com/zebrad/zebrad/internal/peerset"
	"github.com/zebrad/zebrad/internal/sync"
	"github.com/zebrad/zebrad/internal/wire"
)

// Node owns every long-lived networking-core component and starts them
// together under one cancellation scope.
type Node struct {
	log *slog.Logger

	book       *addrbook.AddressBook
	candidates *addrbook.CandidateSet
	peers      *peerset.PeerSet
	connector  *handshake.Connector
	syncer     *sync.Syncer
	mempool    *mempool.Service
	tipWatch   *besttip.Watch
	sweeper    *besttip.Sweeper
}

// Deps bundles the external collaborators spec.md §1 names out of
// scope: persistent chain state, the block/tx verifier, and the
// height-to-minimum-version table (all consensus-layer concerns).
type Deps struct {
	State         sync.State
	Verifier      sync.Verifier
	TxVerifier    mempool.TxVerifier
	MinVersionFor besttip.MinVersionForHeight
	LocalAddr     wire.PeerAddress
}

func New(log *slog.Logger, deps Deps) *Node {
	cfg := config.Load()
	magic := networkMagic(cfg.Network)

	book := addrbook.New(log)
	candidates := addrbook.NewCandidateSet(book, log)
	peers := peerset.New(log)

	handlers := peerconn.Handlers{
		OnAddr:   func(_ netip.AddrPort, m *wire.AddrMessage) { recordGossip(book, m) },
		OnAddrV2: func(_ netip.AddrPort, m *wire.AddrV2Message) { recordGossipV2(book, m) },
		OnInv: func(addr netip.AddrPort, m *wire.InvMessage) {
			for _, h := range m.Hashes {
				peers.Inventory().Record(addr, h.Type, h.Hash)
			}
		},
	}

	tipWatch := besttip.New()
	sweeper := besttip.NewSweeper(tipWatch, peers, deps.MinVersionFor)

	currentHeight := func() int32 { return int32(tipWatch.Current()) }
	minVersion := func(height int32) uint32 { return deps.MinVersionFor(besttip.Height(height)) }
	connector := handshake.NewConnector(log, magic, deps.LocalAddr, handlers, currentHeight, minVersion)

	syncer := sync.NewSyncer(log, peers, deps.State, deps.Verifier)

	verified := mempool.NewVerifiedSet(cfg.MempoolCapacity, cfg.MempoolRejectionCacheSize)
	crawler := mempool.NewCrawler(log, peers, verified, deps.TxVerifier)
	mempoolSvc := mempool.NewService(log, verified, crawler, tipWatch, syncer.Status())

	return &Node{
		log:        log.With("component", "node"),
		book:       book,
		candidates: candidates,
		peers:      peers,
		connector:  connector,
		syncer:     syncer,
		mempool:    mempoolSvc,
		tipWatch:   tipWatch,
		sweeper:    sweeper,
	}
}

func networkMagic(n config.Network) wire.Magic {
	switch n {
	case config.NetworkTestnet:
		return wire.MagicTestnet
	case config.NetworkRegtest:
		return wire.MagicRegtest
	default:
		return wire.MagicMainnet
	}
}

func recordGossip(book *addrbook.AddressBook, m *wire.AddrMessage) {
	for _, e := range m.Entries {
		book.UpsertGossiped(e.Addr, chain.Time32(e.Time))
	}
}

func recordGossipV2(book *addrbook.AddressBook, m *wire.AddrV2Message) {
	for _, e := range m.Entries {
		if e.Unimplemented {
			continue
		}
		addr := wire.PeerAddress{Addr: e.Addr(), Services: e.Services}
		book.UpsertGossiped(addr, chain.Time32(e.Time))
	}
}

// Run starts every subsystem and blocks until one fails or ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.peers.Run(gctx) })
	g.Go(func() error { return n.syncer.Run(gctx) })
	g.Go(func() error { return n.mempool.Run(gctx) })
	g.Go(func() error { return n.sweeper.Run(gctx) })
	g.Go(func() error { return n.outboundLoop(gctx) })
	g.Go(func() error { return n.discoveryLoop(gctx) })

	if config.Load().ListenPort != 0 {
		g.Go(func() error { return n.listenLoop(gctx) })
	}

	return g.Wait()
}

// outboundLoop maintains MaxOutboundPeers connections, dialing
// CandidateSet.Next()'s picks whenever the peer set signals room (spec
// §4.4/§4.5).
func (n *Node) outboundLoop(ctx context.Context) error {
	n.fillOutbound(ctx)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.peers.MorePeers():
			n.fillOutbound(ctx)
		case <-ticker.C:
			n.fillOutbound(ctx)
		}
	}
}

func (n *Node) fillOutbound(ctx context.Context) {
	cfg := config.Load()
	for {
		out, _ := n.peers.Counts()
		if out >= cfg.MaxOutboundPeers {
			return
		}
		candidate, ok := n.candidates.Next()
		if !ok {
			return
		}
		go n.dial(ctx, candidate.Addr.Addr)
	}
}

func (n *Node) dial(ctx context.Context, addr netip.AddrPort) {
	now := chain.SaturatingFromTime(time.Now())

	client, meta, err := n.connector.Connect(ctx, addr, 0)
	if err != nil {
		n.book.RecordFailure(addr, now)
		return
	}
	n.book.RecordResponse(addr, now)
	n.peers.Insert(ctx, addr, client, meta.Version, false)
}

func (n *Node) listenLoop(ctx context.Context) error {
	cfg := config.Load()
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.ListenPort).String())
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.log.Warn("accept failed", "error", err)
			continue
		}

		if _, inbound := n.peers.Counts(); inbound >= cfg.MaxInboundPeers {
			_ = conn.Close()
			continue
		}

		go n.acceptInbound(ctx, conn)
	}
}

func (n *Node) acceptInbound(ctx context.Context, conn net.Conn) {
	client, meta, err := n.connector.AcceptInbound(ctx, conn, 0)
	if err != nil {
		return
	}
	n.peers.Insert(ctx, client.Addr, client, meta.Version, true)
}

// discoveryLoop periodically refreshes the address book from connected
// peers (spec §4.4 CandidateSet.Update).
func (n *Node) discoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Load().MinPeerGetAddrInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.candidates.Update(ctx, n.peers); err != nil {
				n.log.Debug("candidate set update failed", "error", err)
			}
		}
	}
}
