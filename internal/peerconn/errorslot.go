package peerconn

import "sync"

// ErrorSlot is a write-once-per-connection cell (spec §4.1 invariant 2):
// once an error is recorded, every later writer loses and every reader
// observes the same first error forever. Every goroutine touching a
// Connection (read loop, write loop, heartbeat) races to report the
// first failure; only one may win.
//
// Grounded on internal/peer/peer.go's closeOnce/stopped pattern,
// generalized from "close exactly once" to "record exactly one error".
type ErrorSlot struct {
	mu  sync.Mutex
	err error
}

// TrySet records err as the connection's terminal error if none is set
// yet. Reports whether this call won the race.
func (s *ErrorSlot) TrySet(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

// Get returns the recorded error, if any.
func (s *ErrorSlot) Get() (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err, s.err != nil
}
