// Package peerconn implements the per-connection protocol state machine
// and the Client handle used to issue requests to one peer (spec §4.1,
// §4.2).
//
// Grounded on internal/peer/peer.go: its errgroup-driven read/write/
// heartbeat loops, outbox channel, and closeOnce teardown generalize
// directly from BitTorrent's choke/interested exchange to the Zcash
// request/accumulate/reply cycle.
package peerconn

import (
	"errors"
	"sync"
	"time"

	"github.com/zebrad/zebrad/internal/wire"
)

var (
	ErrRequestTimeout  = errors.New("peerconn: request timed out")
	ErrRequestInFlight = errors.New("peerconn: request already in flight")
	ErrConnectionFailed = errors.New("peerconn: connection failed")
)

type connState int

const (
	stateAwaitingRequest connState = iota
	stateAwaitingResponse
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingResponse:
		return "AwaitingResponse"
	case stateFailed:
		return "Failed"
	default:
		return "AwaitingRequest"
	}
}

// awaitingResponse describes the one in-flight local request: the
// command we are waiting to see replies for, how many reply messages
// constitute a complete answer (e.g. N `block` messages for a `getdata`
// naming N hashes), and the ones seen so far.
type awaitingResponse struct {
	want     wire.Command
	count    int
	deadline time.Time
	cached   []wire.Message
}

// Connection is the per-peer request state machine (spec §4.1): exactly
// one local request may be outstanding at a time, and replies accumulate
// until `count` have arrived or the deadline passes.
type Connection struct {
	mu      sync.Mutex
	state   connState
	pending *awaitingResponse
}

func NewConnection() *Connection {
	return &Connection{state: stateAwaitingRequest}
}

// Ready reports whether a new request may be started.
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAwaitingRequest
}

// BeginRequest transitions AwaitingRequest -> AwaitingResponse. Fails if
// a request is already in flight or the connection already failed.
func (c *Connection) BeginRequest(want wire.Command, count int, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateFailed:
		return ErrConnectionFailed
	case stateAwaitingResponse:
		return ErrRequestInFlight
	}

	c.state = stateAwaitingResponse
	c.pending = &awaitingResponse{want: want, count: count, deadline: time.Now().Add(timeout)}
	return nil
}

// Accumulate feeds one candidate reply message into the in-flight
// request. It returns ok=true with the full accumulated set once `count`
// matching messages have arrived, transitioning back to AwaitingRequest.
// A message whose command doesn't match the pending request is ignored
// (the caller routes it elsewhere) and accumulate returns ok=false.
func (c *Connection) Accumulate(msg wire.Message) (done []wire.Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateAwaitingResponse || c.pending == nil {
		return nil, false
	}
	if msg.Command() != c.pending.want {
		return nil, false
	}

	c.pending.cached = append(c.pending.cached, msg)
	if len(c.pending.cached) < c.pending.count {
		return nil, false
	}

	done = c.pending.cached
	c.state = stateAwaitingRequest
	c.pending = nil
	return done, true
}

// CheckTimeout fails the in-flight request if its deadline has passed,
// returning ErrRequestTimeout when it does so.
func (c *Connection) CheckTimeout(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateAwaitingResponse || c.pending == nil {
		return nil
	}
	if now.Before(c.pending.deadline) {
		return nil
	}

	c.state = stateAwaitingRequest
	c.pending = nil
	return ErrRequestTimeout
}

// Fail terminates the connection's state machine permanently; no further
// requests may begin.
func (c *Connection) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateFailed
	c.pending = nil
}

func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}
