package addrbook

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/config"
	"github.com/zebrad/zebrad/internal/meta"
)

// AddrRequester asks a single already-connected peer for its known
// addresses. Implemented by internal/peerset against a live Client; kept
// as an interface here so addrbook has no dependency on the connection
// layer.
type AddrRequester interface {
	RequestAddrs(ctx context.Context, addr netip.AddrPort) ([]meta.GossipedAddr, error)
}

// CandidateSet drives discovery (update) and reconnect selection (next)
// over an AddressBook (spec §4.4).
//
// Grounded on internal/tracker/tracker.go's announceLoop: that loop asks
// one tracker at a time on a ticker and backs off on failure; update()
// generalizes this to "ask GetAddrFanout peers concurrently," rate
// limited the same way getNextAnnounceInterval paces announceLoop,
// implemented here with singleflight so concurrent callers collapse
// into one fan-out instead of one each.
type CandidateSet struct {
	book *AddressBook
	log  *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	lastUpdate time.Time
}

func NewCandidateSet(book *AddressBook, log *slog.Logger) *CandidateSet {
	return &CandidateSet{
		book: book,
		log:  log.With("component", "candidateset"),
	}
}

// Update asks a sample of the best-known peers for their address lists
// and merges validated results into the book. A call made less than
// MinPeerGetAddrInterval after the last fan-out began returns nil without
// asking any peer; concurrent callers past that interval collapse onto a
// single in-flight fan-out via singleflight.
func (c *CandidateSet) Update(ctx context.Context, requester AddrRequester) error {
	c.mu.Lock()
	if since := time.Since(c.lastUpdate); since < config.Load().MinPeerGetAddrInterval {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.group.Do("update", func() (any, error) {
		return nil, c.update(ctx, requester)
	})
	return err
}

func (c *CandidateSet) update(ctx context.Context, requester AddrRequester) error {
	c.mu.Lock()
	c.lastUpdate = time.Now()
	c.mu.Unlock()

	cfg := config.Load()
	targets := c.fanoutTargets(cfg.GetAddrFanout)
	if len(targets) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			gossiped, err := requester.RequestAddrs(gctx, target.Addr.Addr)
			if err != nil {
				c.log.Debug("getaddr failed", "addr", target.Addr.Addr, "error", err)
				return nil
			}

			limit := chain.SaturatingFromTime(time.Now())
			valid := meta.ValidateAddrs(gossiped, limit)
			if valid == nil && len(gossiped) > 0 {
				c.log.Warn("rejected addr batch: timestamp underflow", "peer", target.Addr.Addr)
			}
			for _, v := range valid {
				c.book.UpsertGossiped(v.Addr, v.LastSeen)
			}
			return nil
		})
	}
	return g.Wait()
}

// fanoutTargets picks up to n peers we believe are currently reachable
// to ask for addresses, highest priority first.
func (c *CandidateSet) fanoutTargets(n int) []meta.MetaAddr {
	cfg := config.Load()
	now := chain.SaturatingFromTime(time.Now())

	snap := c.book.Snapshot()
	out := make([]meta.MetaAddr, 0, n)
	for _, m := range snap {
		if len(out) >= n {
			break
		}
		if !m.RecentlyReachable(now, uint32(cfg.ReachablePeerDuration.Seconds())) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Next returns the highest-priority address not already AttemptPending
// whose reconnect cooldown has elapsed, marking it AttemptPending so
// concurrent dialers don't race for the same address (spec §4.4).
func (c *CandidateSet) Next() (meta.MetaAddr, bool) {
	cfg := config.Load()
	now := chain.SaturatingFromTime(time.Now())
	cooldown := uint32(cfg.ReconnectCooldown.Seconds())

	for _, m := range c.book.Snapshot() {
		if m.LastConnectionState == meta.AttemptPending {
			continue
		}
		if m.HasAttempt {
			if age, ok := now.Sub(m.LastAttempt); ok && age < cooldown {
				continue
			}
		}
		if m.HasFailure {
			if age, ok := now.Sub(m.LastFailure); ok && age < cooldown {
				continue
			}
		}

		c.book.RecordAttempt(m.Addr.Addr, now)
		m.LastConnectionState = meta.AttemptPending
		return m, true
	}
	return meta.MetaAddr{}, false
}
