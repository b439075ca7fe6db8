package meta

import (
	"net/netip"
	"testing"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/wire"
)

func addrAt(i int) wire.PeerAddress {
	port := uint16(8233 + i)
	return wire.PeerAddress{Addr: netip.AddrPortFrom(netip.MustParseAddr("203.0.113.1"), port)}
}

// S1 — Gossiped future times are bounded (spec §8).
func TestValidateAddrsBoundsFutureTimestamps(t *testing.T) {
	now := chain.Time32(1_700_000_000)
	peers := []GossipedAddr{
		{Addr: addrAt(0), LastSeen: now + 30*60},
		{Addr: addrAt(1), LastSeen: now + 15*60},
		{Addr: addrAt(2), LastSeen: now + 45*60},
	}

	got := ValidateAddrs(peers, now)
	if len(got) != 3 {
		t.Fatalf("expected all 3 entries retained, got %d", len(got))
	}

	want := []chain.Time32{now - 15*60, now - 30*60, now}
	for i, g := range got {
		if g.LastSeen != want[i] {
			t.Fatalf("entry %d: got %d want %d", i, g.LastSeen, want[i])
		}
		if g.LastSeen > now {
			t.Fatalf("entry %d exceeds limit: %d > %d", i, g.LastSeen, now)
		}
	}
}

// S2 — Underflow rejects all (spec §8).
func TestValidateAddrsUnderflowRejectsAll(t *testing.T) {
	now := chain.Time32(1_700_000_000)
	peers := []GossipedAddr{
		{Addr: addrAt(0), LastSeen: 0},
		{Addr: addrAt(1), LastSeen: now},
		{Addr: addrAt(2), LastSeen: chain.MaxTime32},
	}

	got := ValidateAddrs(peers, now)
	if len(got) != 0 {
		t.Fatalf("expected empty output on underflow, got %d entries", len(got))
	}
}

// Invariant 1: for all outputs, LastSeen <= limit, across random-ish
// batches including the no-adjustment case.
func TestValidateAddrsInvariantAlwaysBelowLimit(t *testing.T) {
	now := chain.Time32(2_000_000_000)
	cases := [][]chain.Time32{
		{now - 100, now - 50, now},
		{now, now, now},
		{now - 1, now + 1},
		{0, chain.MaxTime32},
	}

	for _, seens := range cases {
		peers := make([]GossipedAddr, len(seens))
		for i, s := range seens {
			peers[i] = GossipedAddr{Addr: addrAt(i), LastSeen: s}
		}
		for _, g := range ValidateAddrs(peers, now) {
			if g.LastSeen > now {
				t.Fatalf("invariant violated for input %v: got %d > limit %d", seens, g.LastSeen, now)
			}
		}
	}
}

// Boundary: last_seen at 0 or u32::MAX must not panic or overflow.
func TestValidateAddrsBoundaryValues(t *testing.T) {
	// A single entry at MaxTime32 with limit 0 shifts to exactly the
	// limit without underflowing (offset == the entry's own value).
	got := ValidateAddrs([]GossipedAddr{{Addr: addrAt(0), LastSeen: chain.MaxTime32}}, 0)
	if len(got) != 1 || got[0].LastSeen != 0 {
		t.Fatalf("expected single max-value entry to clamp to 0, got %v", got)
	}

	// Adding a second, smaller entry makes the same shift underflow it,
	// so the whole batch is rejected.
	got = ValidateAddrs([]GossipedAddr{
		{Addr: addrAt(0), LastSeen: chain.MaxTime32},
		{Addr: addrAt(1), LastSeen: 0},
	}, 0)
	if len(got) != 0 {
		t.Fatalf("expected rejection when shifting would underflow a smaller entry, got %v", got)
	}

	// limit == MaxTime32 never needs a shift; zero passes through.
	got = ValidateAddrs([]GossipedAddr{{Addr: addrAt(0), LastSeen: 0}}, chain.MaxTime32)
	if len(got) != 1 || got[0].LastSeen != 0 {
		t.Fatalf("expected the zero entry to pass through unchanged, got %v", got)
	}
}

func TestSanitizeNeverReachableYieldsNone(t *testing.T) {
	now := chain.Time32(1_700_000_000)
	m := NewGossiped(addrAt(0), now)

	if _, ok := m.Sanitize(now, 3*3600); ok {
		t.Fatalf("expected sanitize of a never-reached entry to yield nothing")
	}
}

func TestSanitizeClampsToNow(t *testing.T) {
	now := chain.Time32(1_700_000_000)
	m := MetaAddr{Addr: addrAt(0)}
	m = m.WithAttempt(now - 100)
	m = m.WithResponse(now - 10)
	m = m.WithGossiped(now + 10_000) // future, should get clamped

	out, ok := m.Sanitize(now, 3*3600)
	if !ok {
		t.Fatalf("expected reachable entry to sanitize")
	}
	if out.LastSeen > now {
		t.Fatalf("sanitized last seen %d exceeds now %d", out.LastSeen, now)
	}
}

func TestResponseImpliesAttempt(t *testing.T) {
	now := chain.Time32(1000)
	var m MetaAddr
	m = m.WithResponse(now)

	if !m.HasAttempt {
		t.Fatalf("invariant violated: last_response without last_attempt")
	}
}

func TestGossipedOnlyEntryNotRecentlyReachable(t *testing.T) {
	now := chain.Time32(1_700_000_000)
	m := NewGossiped(addrAt(0), now)

	if m.RecentlyReachable(now, 3*3600) {
		t.Fatalf("gossip-only entry must not be recently reachable")
	}
	if !m.ActiveForGossip(now, 3*3600, 7*24*3600) {
		t.Fatalf("freshly gossiped entry should be active for gossip")
	}
}
