// Package meta implements the address-book entry shape (spec §3/§4.4):
// MetaAddr liveness bookkeeping, gossip sanitization, and the
// security-critical validate_addrs transform that stops a single remote
// from pushing addresses into the future to monopolize reconnect
// ordering.
//
// Grounded on internal/tracker/peer.go's address bookkeeping, adapted
// from BitTorrent peer lists (ip+port only) to the richer, multi-
// timestamp liveness record spec.md §3 requires.
package meta

import (
	"sort"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/wire"
)

// ConnectionState is the last-known outcome of talking to an address.
type ConnectionState uint8

const (
	NeverAttempted ConnectionState = iota
	AttemptPending
	Responded
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case AttemptPending:
		return "AttemptPending"
	case Responded:
		return "Responded"
	case Failed:
		return "Failed"
	default:
		return "NeverAttempted"
	}
}

// MetaAddr is one address-book entry (spec §3).
//
// Invariant: UntrustedLastSeen is never used for our own connection
// decisions except through RecentlyReachable/ActiveForGossip (spec
// §4.4); it is remote-supplied and unverified.
type MetaAddr struct {
	Addr     wire.PeerAddress
	Services uint64

	UntrustedLastSeen chain.Time32
	HasUntrustedSeen  bool

	LastResponse chain.Time32
	HasResponse  bool

	LastAttempt chain.Time32
	HasAttempt  bool

	LastFailure chain.Time32
	HasFailure  bool

	LastConnectionState ConnectionState

	// isLocalListener marks an entry we created for our own listening
	// socket; such entries are always "recently reachable" (spec §4.4).
	isLocalListener bool
}

// NewGossiped builds an entry learned from a remote peer's addr/addrv2
// message: only UntrustedLastSeen is populated.
func NewGossiped(addr wire.PeerAddress, lastSeen chain.Time32) MetaAddr {
	return MetaAddr{
		Addr:                addr,
		Services:            addr.Services,
		UntrustedLastSeen:   lastSeen,
		HasUntrustedSeen:    true,
		LastConnectionState: NeverAttempted,
	}
}

// NewLocalListener builds the entry for our own advertised listening
// address.
func NewLocalListener(addr wire.PeerAddress) MetaAddr {
	return MetaAddr{
		Addr:                addr,
		Services:            addr.Services,
		LastConnectionState: NeverAttempted,
		isLocalListener:     true,
	}
}

// WithAttempt records that we just initiated a connection. Per spec §3,
// writes must advance monotonically per field; callers pass the current
// time and earlier values are ignored.
func (m MetaAddr) WithAttempt(now chain.Time32) MetaAddr {
	if m.HasAttempt && m.LastAttempt >= now {
		return m
	}
	m.LastAttempt = now
	m.HasAttempt = true
	m.LastConnectionState = AttemptPending
	return m
}

// WithResponse records that we received a response. Per spec §3's
// invariant "last_response ⇒ last_attempt", this also stamps LastAttempt
// if it was never set.
func (m MetaAddr) WithResponse(now chain.Time32) MetaAddr {
	if !m.HasAttempt || m.LastAttempt > now {
		m.LastAttempt = now
		m.HasAttempt = true
	}
	if m.HasResponse && m.LastResponse >= now {
		return m
	}
	m.LastResponse = now
	m.HasResponse = true
	m.LastConnectionState = Responded
	return m
}

// WithFailure records that a connection attempt to this address failed.
func (m MetaAddr) WithFailure(now chain.Time32) MetaAddr {
	if m.HasFailure && m.LastFailure >= now {
		return m
	}
	m.LastFailure = now
	m.HasFailure = true
	m.LastConnectionState = Failed
	return m
}

// WithGossiped merges a newer untrusted-last-seen timestamp learned
// from a remote peer.
func (m MetaAddr) WithGossiped(seen chain.Time32) MetaAddr {
	if m.HasUntrustedSeen && m.UntrustedLastSeen >= seen {
		return m
	}
	m.UntrustedLastSeen = seen
	m.HasUntrustedSeen = true
	return m
}

// RecentlyReachable reports whether we can currently justify reconnect
// priority to this address (spec §4.4): either it is our own listener,
// or we received a response within window of now.
func (m MetaAddr) RecentlyReachable(now chain.Time32, window uint32) bool {
	if m.isLocalListener {
		return true
	}
	if !m.HasResponse {
		return false
	}
	age, ok := now.Sub(m.LastResponse)
	return ok && age <= window
}

// ActiveForGossip is the more permissive bound used only to decide
// whether to relay this address to other peers (spec §4.4): recently
// reachable, OR gossiped within a larger window (still never trusted
// for our own dial decisions).
func (m MetaAddr) ActiveForGossip(now chain.Time32, reachableWindow, gossipWindow uint32) bool {
	if m.RecentlyReachable(now, reachableWindow) {
		return true
	}
	if !m.HasUntrustedSeen {
		return false
	}
	age, ok := now.Sub(m.UntrustedLastSeen)
	return ok && age <= gossipWindow
}

// Sanitized is the gossip-safe projection of a MetaAddr: only
// publishable fields, with untrusted timestamps clamped.
type Sanitized struct {
	Addr     wire.PeerAddress
	LastSeen chain.Time32
}

// Sanitize produces a copy safe to gossip to another peer (spec §4.4).
// Returns ok=false for an entry that has never been reachable: we do
// not advertise addresses we have no evidence are live.
func (m MetaAddr) Sanitize(now chain.Time32, reachableWindow uint32) (Sanitized, bool) {
	if !m.RecentlyReachable(now, reachableWindow) {
		return Sanitized{}, false
	}

	lastSeen := m.UntrustedLastSeen
	if !m.HasUntrustedSeen || (m.HasResponse && m.LastResponse > lastSeen) {
		lastSeen = m.LastResponse
	}
	lastSeen = lastSeen.Clamp(chain.MinTime32, now)

	return Sanitized{Addr: m.Addr, LastSeen: lastSeen}, true
}

// GossipedAddr is one entry received from a remote peer's addr/addrv2,
// prior to validation.
type GossipedAddr struct {
	Addr     wire.PeerAddress
	LastSeen chain.Time32
}

// ValidateAddrs is the security-critical transform of spec §4.4/§8: it
// prevents a single malicious source from pushing addresses into the
// future to monopolize reconnect ordering.
//
// If the maximum LastSeen in peers exceeds limit, every entry is
// shifted back by the same offset (max - limit). If that uniform shift
// would underflow any entry (its LastSeen < offset), the ENTIRE batch
// is rejected — a partial correction would still let an attacker bias
// ordering for the entries that didn't underflow.
//
// Property (spec §8 invariant 1): every output p satisfies
// p.LastSeen <= limit.
func ValidateAddrs(peers []GossipedAddr, limit chain.Time32) []GossipedAddr {
	if len(peers) == 0 {
		return nil
	}

	maxTS := peers[0].LastSeen
	for _, p := range peers[1:] {
		if p.LastSeen > maxTS {
			maxTS = p.LastSeen
		}
	}

	var offset uint32
	if maxTS > limit {
		var ok bool
		offset, ok = func() (uint32, bool) { d, ok := maxTS.Sub(limit); return d, ok }()
		if !ok {
			// maxTS <= limit is impossible here since maxTS > limit was
			// just checked, so Sub cannot itself underflow; guarded for
			// clarity only.
			return nil
		}
	}

	out := make([]GossipedAddr, 0, len(peers))
	for _, p := range peers {
		adjusted := p.LastSeen
		if offset > 0 {
			if uint32(adjusted) < offset {
				// Uniform subtraction would underflow this entry:
				// reject the whole batch rather than silently clamp.
				return nil
			}
			adjusted = chain.Time32(uint32(adjusted) - offset)
		}
		if adjusted <= limit {
			out = append(out, GossipedAddr{Addr: p.Addr, LastSeen: adjusted})
		}
	}

	return out
}

// SortByPriority orders entries for reconnect candidate selection:
// Responded first, then NeverAttempted, then AttemptPending, then Failed
// last, each tier most-recently-useful first. AttemptPending entries are
// sorted like the rest; internal/addrbook skips them after sorting.
func SortByPriority(addrs []MetaAddr) {
	sort.SliceStable(addrs, func(i, j int) bool {
		pi, pj := tier(addrs[i]), tier(addrs[j])
		if pi != pj {
			return pi < pj
		}
		return recencyKey(addrs[i]) > recencyKey(addrs[j])
	})
}

func tier(m MetaAddr) int {
	switch m.LastConnectionState {
	case Responded:
		return 0
	case NeverAttempted:
		return 1
	case AttemptPending:
		return 2
	default: // Failed
		return 3
	}
}

func recencyKey(m MetaAddr) uint32 {
	if m.HasResponse {
		return uint32(m.LastResponse)
	}
	if m.HasUntrustedSeen {
		return uint32(m.UntrustedLastSeen)
	}
	return 0
}
