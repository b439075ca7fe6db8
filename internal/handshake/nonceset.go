// Package handshake implements the version/verack exchange and
// outbound-connection Connector (spec §4.3).
//
// Grounded on internal/protocol/handshake.go: its write-then-read-then-
// validate Exchange() generalizes directly from BitTorrent's
// pstr/info_hash handshake to the version/verack exchange, and its
// info-hash equality check becomes the nonce-based self-connection
// check below.
package handshake

import (
	"sync"
	"time"
)

// NonceSet tracks nonces from VersionMessages we generated for our own
// outbound handshakes, pruned by TTL. If a remote's version message
// carries a nonce we ourselves issued, we dialed ourselves (spec §4.3).
type NonceSet struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[uint64]time.Time
}

func NewNonceSet(ttl time.Duration) *NonceSet {
	return &NonceSet{ttl: ttl, seen: make(map[uint64]time.Time)}
}

// Add records a nonce we just sent in an outbound version message.
func (s *NonceSet) Add(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())
	s.seen[nonce] = time.Now()
}

// Contains reports whether nonce was one we issued ourselves and has
// not yet aged out.
func (s *NonceSet) Contains(nonce uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(time.Now())
	_, ok := s.seen[nonce]
	return ok
}

func (s *NonceSet) prune(now time.Time) {
	for n, t := range s.seen {
		if now.Sub(t) > s.ttl {
			delete(s.seen, n)
		}
	}
}
