package peerconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/wire"
)

var (
	ErrClientClosed = errors.New("peerconn: client closed")
	ErrOverloaded   = errors.New("peerconn: request queue full")
)

// Handlers routes unsolicited messages the Client receives that are not
// the reply to an outstanding local request: gossip, inventory
// announcements, and the remote peer's own requests of us.
type Handlers struct {
	OnAddr    func(netip.AddrPort, *wire.AddrMessage)
	OnAddrV2  func(netip.AddrPort, *wire.AddrV2Message)
	OnInv     func(netip.AddrPort, *wire.InvMessage)
	OnGetData func(netip.AddrPort, *wire.GetDataMessage)
	OnGetAddr func(netip.AddrPort, *wire.GetAddrMessage)
	OnTx      func(netip.AddrPort, *wire.TxMessage)
	OnMemPool func(netip.AddrPort)
}

type call struct {
	req     wire.Message
	want    wire.Command
	count   int
	timeout time.Duration
	reply   chan callResult
}

type callResult struct {
	msgs []wire.Message
	err  error
}

// Client is a live, post-handshake connection to one peer (spec §4.1,
// §4.2). Exactly one Call may be outstanding at a time: a Call made while
// another is in flight fails with ErrOverloaded, and one that gets into
// the request channel while another is in flight fails with
// ErrRequestInFlight when the write loop takes it.
type Client struct {
	log      *slog.Logger
	Addr     netip.AddrPort
	Version  uint32
	Services uint64

	conn  net.Conn
	codec *wire.Codec
	state *Connection
	err   ErrorSlot

	handlers Handlers

	calls chan *call

	mu        sync.Mutex
	active    *call
	closeOnce sync.Once
	stopped   atomic.Bool
	done      chan struct{}
	cancel    context.CancelFunc
}

type ClientOpts struct {
	Log      *slog.Logger
	Addr     netip.AddrPort
	Conn     net.Conn
	Codec    *wire.Codec
	Version  uint32
	Services uint64
	Handlers Handlers
}

func NewClient(opts ClientOpts) *Client {
	return &Client{
		log:      opts.Log.With("component", "client", "addr", opts.Addr),
		Addr:     opts.Addr,
		Version:  opts.Version,
		Services: opts.Services,
		conn:     opts.Conn,
		codec:    opts.Codec,
		state:    NewConnection(),
		handlers: opts.Handlers,
		calls:    make(chan *call, config.Load().PeerRequestQueueBacklog),
		done:     make(chan struct{}),
	}
}

// Run drives the connection until ctx is cancelled, the socket fails, or
// a heartbeat ping cannot be written. It always returns after tearing the connection
// down (spec §4.1: Drop semantics — the Client cannot be reused).
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	err := g.Wait()
	if err != nil {
		c.fail(err)
	}
	return err
}

// Close tears down the connection exactly once; safe to call
// concurrently and more than once (spec §4.1 Drop semantics).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		c.state.Fail()
		close(c.done)
	})
}

func (c *Client) fail(err error) {
	c.err.TrySet(err)
	c.state.Fail()
}

// Ready reports whether the client can currently accept a new request
// (spec §4.2): not closed, not failed, no request already in flight.
func (c *Client) Ready() bool {
	if c.stopped.Load() {
		return false
	}
	if _, failed := c.err.Get(); failed {
		return false
	}
	return c.state.Ready()
}

// LastError returns the error that terminated this connection, if any.
func (c *Client) LastError() (error, bool) { return c.err.Get() }

// Call issues one request and blocks for its accumulated reply: `want`
// is the command the reply messages carry and `count` is how many of
// them make up a complete answer (1 for most requests; len(hashes) for
// a getdata/getblocks-style fan-out).
func (c *Client) Call(ctx context.Context, req wire.Message, want wire.Command, count int) ([]wire.Message, error) {
	if !c.Ready() {
		if err, failed := c.err.Get(); failed {
			return nil, err
		}
		if c.stopped.Load() {
			return nil, ErrClientClosed
		}
		return nil, ErrOverloaded
	}

	cl := &call{
		req:     req,
		want:    want,
		count:   count,
		timeout: config.Load().RequestTimeout,
		reply:   make(chan callResult, 1),
	}

	select {
	case c.calls <- cl:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	default:
		return nil, ErrOverloaded
	}

	select {
	case res := <-cl.reply:
		return res.msgs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Send writes a one-way message with no reply expected (spec §4.5's
// broadcast requests), bypassing the request/reply state machine
// entirely so it never competes with an in-flight Call for the single
// pending-request slot.
func (c *Client) Send(msg wire.Message) error {
	if c.stopped.Load() {
		return ErrClientClosed
	}
	if err, failed := c.err.Get(); failed {
		return err
	}
	return c.codec.Encode(c.conn, msg)
}

func (c *Client) writeLoop(ctx context.Context) error {
	l := c.log.With("component", "write loop")

	for {
		select {
		case <-ctx.Done():
			return nil

		case cl := <-c.calls:
			if err := c.state.BeginRequest(cl.want, cl.count, cl.timeout); err != nil {
				cl.reply <- callResult{err: err}
				continue
			}

			c.mu.Lock()
			c.active = cl
			c.mu.Unlock()

			if err := c.codec.Encode(c.conn, cl.req); err != nil {
				l.Warn("write failed", "error", err)
				c.deliverActive(callResult{err: err})
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	l := c.log.With("component", "read loop")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(config.Load().HeartbeatTimeout))
		msg, err := c.codec.Decode(c.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if timeoutErr := c.state.CheckTimeout(time.Now()); timeoutErr != nil {
					c.deliverActive(callResult{err: timeoutErr})
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return err
			}
			l.Warn("read failed", "error", err)
			return err
		}

		if done, ok := c.state.Accumulate(msg); ok {
			c.deliverActive(callResult{msgs: done})
			continue
		}

		c.handleUnsolicited(msg)
	}
}

func (c *Client) deliverActive(res callResult) {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active != nil {
		active.reply <- res
	}
}

func (c *Client) handleUnsolicited(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.PingMessage:
		_ = c.codec.Encode(c.conn, &wire.PongMessage{Nonce: m.Nonce})
	case *wire.AddrMessage:
		if c.handlers.OnAddr != nil {
			c.handlers.OnAddr(c.Addr, m)
		}
	case *wire.AddrV2Message:
		if c.handlers.OnAddrV2 != nil {
			c.handlers.OnAddrV2(c.Addr, m)
		}
	case *wire.InvMessage:
		if c.handlers.OnInv != nil {
			c.handlers.OnInv(c.Addr, m)
		}
	case *wire.GetDataMessage:
		if c.handlers.OnGetData != nil {
			c.handlers.OnGetData(c.Addr, m)
		}
	case *wire.GetAddrMessage:
		if c.handlers.OnGetAddr != nil {
			c.handlers.OnGetAddr(c.Addr, m)
		}
	case *wire.TxMessage:
		if c.handlers.OnTx != nil {
			c.handlers.OnTx(c.Addr, m)
		}
	case *wire.MemPoolMessage:
		if c.handlers.OnMemPool != nil {
			c.handlers.OnMemPool(c.Addr)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	cfg := config.Load()
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			nonce := rand.Uint64()
			if err := c.codec.Encode(c.conn, &wire.PingMessage{Nonce: nonce}); err != nil {
				return err
			}
		}
	}
}
