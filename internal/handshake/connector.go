package handshake

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/peerconn"
	"github.com/zebrad/zebrad/internal/wire"
)

var ErrNotTCP = errors.New("handshake: connection has no AddrPort-capable remote address")

// Connector dials outbound peers (or finishes the responder side of an
// already-accepted inbound socket), performs the handshake, and
// produces a ready peerconn.Client — the "Insert" half of the peer
// set's Change stream (spec §4.3, §4.5).
//
// Grounded on internal/tracker/tracker.go's getTracker: dial-then-cache
// per key generalizes here to dial-then-handshake per address, with the
// cache itself living one layer up in internal/peerset.
type Connector struct {
	log           *slog.Logger
	magic         wire.Magic
	nonces        *NonceSet
	localID       wire.PeerAddress
	handlers      peerconn.Handlers
	currentHeight func() int32
	minVersion    func(height int32) uint32
}

// NewConnector builds a Connector. currentHeight and minVersion supply
// the best-tip height and the height-to-minimum-version predicate
// spec §4.3 step 2 checks the remote's advertised version against.
func NewConnector(log *slog.Logger, magic wire.Magic, localID wire.PeerAddress, handlers peerconn.Handlers, currentHeight func() int32, minVersion func(height int32) uint32) *Connector {
	return &Connector{
		log:           log.With("component", "connector"),
		magic:         magic,
		nonces:        NewNonceSet(config.Load().NonceSetTTL),
		localID:       localID,
		handlers:      handlers,
		currentHeight: currentHeight,
		minVersion:    minVersion,
	}
}

// Connect dials addr, performs the outbound handshake, and returns an
// un-started Client. The caller starts client.Run in its own goroutine
// so it can observe Run's error and retire the address (spec §4.5).
func (c *Connector) Connect(ctx context.Context, addr netip.AddrPort, startHeight int32) (*peerconn.Client, PeerMetaData, error) {
	cfg := config.Load()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, PeerMetaData{}, err
	}

	return c.finish(ctx, conn, addr, startHeight)
}

// AcceptInbound completes the handshake on a connection this node's
// listener just accepted.
func (c *Connector) AcceptInbound(ctx context.Context, conn net.Conn, startHeight int32) (*peerconn.Client, PeerMetaData, error) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		_ = conn.Close()
		return nil, PeerMetaData{}, ErrNotTCP
	}

	return c.finish(ctx, conn, tcpAddr.AddrPort(), startHeight)
}

func (c *Connector) finish(ctx context.Context, conn net.Conn, addr netip.AddrPort, startHeight int32) (*peerconn.Client, PeerMetaData, error) {
	hs := New(c.magic, c.nonces, c.localID, c.currentHeight, c.minVersion)
	meta, err := hs.Exchange(ctx, conn, wire.PeerAddress{Addr: addr}, startHeight)
	if err != nil {
		_ = conn.Close()
		c.log.Debug("handshake failed", "addr", addr, "error", err)
		return nil, PeerMetaData{}, err
	}

	client := peerconn.NewClient(peerconn.ClientOpts{
		Log:      c.log,
		Addr:     addr,
		Conn:     conn,
		Codec:    wire.NewCodec(c.magic),
		Version:  meta.Version,
		Services: meta.Services,
		Handlers: c.handlers,
	})
	c.log.Info("handshake complete", "addr", addr, "version", meta.Version, "user_agent", meta.UserAgent)
	return client, meta, nil
}
