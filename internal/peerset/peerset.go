// Package peerset implements the load-balanced multi-peer service (spec
// §4.5): a p2c-over-peak-EWMA selector across every Ready connection,
// an inventory registry for targeted GetData, and the connection
// counters the rest of the node consults before dialing more peers.
//
// Grounded on internal/scheduler/scheduler.go: its single-owner event
// loop draining an eventQueue channel into a netip.AddrPort-keyed map
// generalizes directly from per-piece peer bookkeeping to per-connection
// bookkeeping.
package peerset

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/meta"
	"github.com/zebrad/zebrad/internal/peerconn"
	"github.com/zebrad/zebrad/internal/wire"
)

var (
	ErrNoReadyPeers    = errors.New("peerset: no ready peers")
	ErrPeerNotFound    = errors.New("peerset: peer not connected")
	ErrUnexpectedReply = errors.New("peerset: unexpected reply message")
)

const (
	inventoryRegistryCapacity = 4096

	// holderPreferenceWindow bounds how recently a peer must have
	// advertised a hash via inv for Call to target it directly instead
	// of falling back to p2c (spec §4.5: "Targeted requests prefer
	// peers that recently advertised the requested hash").
	holderPreferenceWindow = 2 * time.Minute
)

type trackedPeer struct {
	client  *peerconn.Client
	ewma    *peakEWMA
	version uint32
	inbound bool
}

type changeKind int

const (
	changeInsert changeKind = iota
	changeRemove
)

type change struct {
	kind    changeKind
	addr    netip.AddrPort
	client  *peerconn.Client
	version uint32
	inbound bool
}

// PeerSet is the single-owner registry of live peer connections. All
// mutations to the peers map happen inside Run's event loop; readers
// outside that loop use the RWMutex-guarded map directly since they
// never need to observe a consistent multi-peer snapshot, only
// individual lookups.
type PeerSet struct {
	log *slog.Logger

	changes chan change

	mu    sync.RWMutex
	peers map[netip.AddrPort]*trackedPeer

	outboundCount atomic.Int32
	inboundCount  atomic.Int32

	morePeers chan struct{}
	inventory *InventoryRegistry
}

func New(log *slog.Logger) *PeerSet {
	return &PeerSet{
		log:       log.With("component", "peerset"),
		changes:   make(chan change, 128),
		peers:     make(map[netip.AddrPort]*trackedPeer),
		morePeers: make(chan struct{}, 1),
		inventory: NewInventoryRegistry(inventoryRegistryCapacity),
	}
}

// Run drains the changes channel, applying inserts/removals to the
// peers map, until ctx is cancelled.
func (s *PeerSet) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-s.changes:
			s.apply(ch)
		}
	}
}

func (s *PeerSet) apply(ch change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ch.kind {
	case changeInsert:
		s.peers[ch.addr] = &trackedPeer{
			client:  ch.client,
			ewma:    newPeakEWMA(),
			version: ch.version,
			inbound: ch.inbound,
		}
		if ch.inbound {
			s.inboundCount.Add(1)
		} else {
			s.outboundCount.Add(1)
		}

	case changeRemove:
		tp, ok := s.peers[ch.addr]
		if !ok {
			return
		}
		delete(s.peers, ch.addr)
		if tp.inbound {
			s.inboundCount.Add(-1)
		} else {
			s.outboundCount.Add(-1)
		}
		s.signalMorePeers()
	}
}

// Insert registers a handshaked client (spec §4.5's Change::Insert) and
// starts its Run loop under ctx. The set observes Run's return value and
// automatically retires the entry — callers never need to call Remove
// themselves.
func (s *PeerSet) Insert(ctx context.Context, addr netip.AddrPort, client *peerconn.Client, version uint32, inbound bool) {
	s.changes <- change{kind: changeInsert, addr: addr, client: client, version: version, inbound: inbound}

	go func() {
		err := client.Run(ctx)
		s.log.Debug("peer connection ended", "addr", addr, "error", err)
		s.changes <- change{kind: changeRemove, addr: addr}
	}()
}

func (s *PeerSet) signalMorePeers() {
	select {
	case s.morePeers <- struct{}{}:
	default:
	}
}

// MorePeers fires whenever a connection is retired, signalling the
// address crawler that the peer set has room (spec §4.5).
func (s *PeerSet) MorePeers() <-chan struct{} { return s.morePeers }

// Counts returns the current outbound/inbound connection counts, for
// comparison against MaxOutboundPeers/MaxInboundPeers.
func (s *PeerSet) Counts() (outbound, inbound int) {
	return int(s.outboundCount.Load()), int(s.inboundCount.Load())
}

// Inventory exposes the shared inventory registry so read loops can
// record Inv announcements as they arrive.
func (s *PeerSet) Inventory() *InventoryRegistry { return s.inventory }

// SetMinimumVersion evicts every currently connected peer whose
// advertised protocol version is below min (spec §4.5
// min_remote_for_height: peers too old to serve blocks near the current
// tip height are dropped rather than kept idle).
func (s *PeerSet) SetMinimumVersion(min uint32) {
	s.mu.RLock()
	var stale []*peerconn.Client
	for _, tp := range s.peers {
		if tp.version < min {
			stale = append(stale, tp.client)
		}
	}
	s.mu.RUnlock()

	for _, client := range stale {
		client.Close()
	}
}

// Call routes req to a known holder of hash if the inventory registry
// has recorded one within holderPreferenceWindow, else picks two
// candidate ready peers at random and routes to whichever has the lower
// peak-EWMA load estimate (spec §4.5's p2c balancer), then folds the
// observed latency back into that peer's estimate. Pass a zero hash
// when the request names nothing the registry could have recorded
// (e.g. GetAddr), which disables holder preference and falls straight
// to p2c.
func (s *PeerSet) Call(ctx context.Context, req wire.Message, want wire.Command, count int, hash chain.BlockHash) ([]wire.Message, error) {
	chosen := s.pickHolder(hash)
	if chosen == nil {
		a, b := s.pickTwo()
		chosen = a
		if chosen == nil {
			chosen = b
		} else if b != nil && b.ewma.Estimate() < a.ewma.Estimate() {
			chosen = b
		}
	}
	if chosen == nil {
		return nil, ErrNoReadyPeers
	}

	start := time.Now()
	resp, err := chosen.client.Call(ctx, req, want, count)
	chosen.ewma.Observe(time.Since(start))
	return resp, err
}

// pickHolder returns the first ready peer that recently advertised
// hash via inv, most-recently-seen first (spec §4.5). Returns nil for
// a zero hash or when no recorded holder is currently ready, letting
// the caller fall back to p2c.
func (s *PeerSet) pickHolder(hash chain.BlockHash) *trackedPeer {
	if hash.IsZero() {
		return nil
	}

	holders := s.inventory.Holders(hash, holderPreferenceWindow)
	if len(holders) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, addr := range holders {
		if tp, ok := s.peers[addr]; ok && tp.client.Ready() {
			return tp
		}
	}
	return nil
}

func (s *PeerSet) pickTwo() (*trackedPeer, *trackedPeer) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ready := make([]*trackedPeer, 0, len(s.peers))
	for _, tp := range s.peers {
		if tp.client.Ready() {
			ready = append(ready, tp)
		}
	}

	switch len(ready) {
	case 0:
		return nil, nil
	case 1:
		return ready[0], nil
	default:
		i := rand.Intn(len(ready))
		j := rand.Intn(len(ready) - 1)
		if j >= i {
			j++
		}
		return ready[i], ready[j]
	}
}

// Fanout issues a freshly built request to up to n distinct ready
// peers concurrently (spec §4.4 GetAddr fanout, §4.6 obtain_tips/
// extend_tips). Peers that error are simply omitted from the result;
// a partial fanout is expected, not a failure.
func (s *PeerSet) Fanout(ctx context.Context, n int, build func() (req wire.Message, want wire.Command, count int)) [][]wire.Message {
	targets := s.readyN(n)
	results := make([][]wire.Message, len(targets))

	var wg sync.WaitGroup
	for i, tp := range targets {
		i, tp := i, tp
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, want, count := build()
			start := time.Now()
			res, err := tp.client.Call(ctx, req, want, count)
			tp.ewma.Observe(time.Since(start))
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()
	return results
}

// Broadcast dispatches msg to every currently ready peer without
// waiting for a reply (spec §4.5: "Broadcast requests (e.g.,
// AdvertiseTransactionIds, AdvertiseBlock) are dispatched to all
// currently-ready peers"). Send failures are logged and otherwise
// ignored; a partial broadcast is expected, not a failure.
func (s *PeerSet) Broadcast(msg wire.Message) {
	s.mu.RLock()
	targets := make([]*peerconn.Client, 0, len(s.peers))
	for _, tp := range s.peers {
		if tp.client.Ready() {
			targets = append(targets, tp.client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		if err := client.Send(msg); err != nil {
			s.log.Debug("broadcast send failed", "addr", client.Addr, "error", err)
		}
	}
}

func (s *PeerSet) readyN(n int) []*trackedPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*trackedPeer, 0, n)
	for _, tp := range s.peers {
		if len(out) >= n {
			break
		}
		if tp.client.Ready() {
			out = append(out, tp)
		}
	}
	return out
}

// RequestAddrs implements addrbook.AddrRequester: it asks the specific
// peer at addr for its address list rather than using p2c selection,
// since CandidateSet already chose which peers to fan out to.
func (s *PeerSet) RequestAddrs(ctx context.Context, addr netip.AddrPort) ([]meta.GossipedAddr, error) {
	s.mu.RLock()
	tp, ok := s.peers[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPeerNotFound
	}

	msgs, err := tp.client.Call(ctx, &wire.GetAddrMessage{}, wire.CmdAddr, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) != 1 {
		return nil, ErrUnexpectedReply
	}
	addrMsg, ok := msgs[0].(*wire.AddrMessage)
	if !ok {
		return nil, ErrUnexpectedReply
	}

	out := make([]meta.GossipedAddr, 0, len(addrMsg.Entries))
	for _, e := range addrMsg.Entries {
		out = append(out, meta.GossipedAddr{Addr: e.Addr, LastSeen: chain.Time32(e.Time)})
	}
	return out, nil
}
