// Package addrbook implements the process-wide address book and
// candidate set (spec §4.4): discovery, sanitization, and rate-limited
// gossip of peer addresses.
//
// Grounded on internal/tracker/tracker.go: that file's tiered-tracker
// announce loop (try each tracker, promote successes, back off on
// failure) generalizes directly into CandidateSet.update()'s fan-out
// "ask N peers for addresses, merge what validates" and the per-address
// reconnect cooldown mirrors its exponential backoff.
package addrbook

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/meta"
	"github.com/zebrad/zebrad/internal/wire"
)

// AddressBook is a process-wide shared structure mapping PeerAddress to
// MetaAddr (spec §4.4). The mutex guards only short critical sections;
// it is never held across an await/channel-op (spec §5).
type AddressBook struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[netip.AddrPort]meta.MetaAddr
}

func New(log *slog.Logger) *AddressBook {
	return &AddressBook{
		log:     log.With("component", "addrbook"),
		entries: make(map[netip.AddrPort]meta.MetaAddr),
	}
}

// UpsertGossiped merges an address learned from another peer's
// addr/addrv2 message. It never overwrites a more authoritative record
// (Responded/Failed) with weaker gossip-only data; it only advances the
// UntrustedLastSeen field.
func (b *AddressBook) UpsertGossiped(addr wire.PeerAddress, seen chain.Time32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.entries[addr.Addr]
	if !ok {
		b.entries[addr.Addr] = meta.NewGossiped(addr, seen)
		return
	}
	b.entries[addr.Addr] = existing.WithGossiped(seen)
}

// AddLocalListener registers our own listening address so it is always
// considered recently reachable (spec §4.4).
func (b *AddressBook) AddLocalListener(addr wire.PeerAddress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[addr.Addr] = meta.NewLocalListener(addr)
}

// RecordAttempt marks that we just initiated a connection.
func (b *AddressBook) RecordAttempt(addr netip.AddrPort, now chain.Time32) {
	b.mutate(addr, func(m meta.MetaAddr) meta.MetaAddr { return m.WithAttempt(now) })
}

// RecordResponse marks that we received a response from addr.
func (b *AddressBook) RecordResponse(addr netip.AddrPort, now chain.Time32) {
	b.mutate(addr, func(m meta.MetaAddr) meta.MetaAddr { return m.WithResponse(now) })
}

// RecordFailure marks that a connection attempt to addr failed.
func (b *AddressBook) RecordFailure(addr netip.AddrPort, now chain.Time32) {
	b.mutate(addr, func(m meta.MetaAddr) meta.MetaAddr { return m.WithFailure(now) })
}

func (b *AddressBook) mutate(addr netip.AddrPort, f func(meta.MetaAddr) meta.MetaAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.entries[addr]
	if !ok {
		existing = meta.MetaAddr{Addr: wire.PeerAddress{Addr: addr}}
	}
	b.entries[addr] = f(existing)
}

// Get returns the current entry for addr, if any.
func (b *AddressBook) Get(addr netip.AddrPort) (meta.MetaAddr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.entries[addr]
	return m, ok
}

// Snapshot returns all entries ordered by connection priority (spec
// §4.4). The returned slice is a copy; callers may sort/filter freely.
func (b *AddressBook) Snapshot() []meta.MetaAddr {
	b.mu.Lock()
	out := make([]meta.MetaAddr, 0, len(b.entries))
	for _, m := range b.entries {
		out = append(out, m)
	}
	b.mu.Unlock()

	meta.SortByPriority(out)
	return out
}

// SanitizedForGossip returns the subset of the book safe to advertise to
// another peer right now (spec §4.4: never-reachable entries are
// omitted).
func (b *AddressBook) SanitizedForGossip(now chain.Time32, reachableWindow uint32, limit int) []meta.Sanitized {
	snap := b.Snapshot()

	out := make([]meta.Sanitized, 0, min(limit, len(snap)))
	for _, m := range snap {
		if len(out) >= limit {
			break
		}
		if s, ok := m.Sanitize(now, reachableWindow); ok {
			out = append(out, s)
		}
	}
	return out
}

