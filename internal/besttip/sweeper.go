package besttip

import (
	"context"

	"github.com/zebrad/zebrad/internal/peerset"
)

// MinVersionForHeight maps a best-tip height to the minimum protocol
// version peers must advertise to stay connected (spec §4.8: "drives
// min_remote_for_height at handshake and during periodic eviction
// sweeps"). The mapping itself is a consensus-layer concern and is
// supplied by the caller.
type MinVersionForHeight func(Height) uint32

// Sweeper evicts peers below the current minimum version each time the
// best-tip height changes (spec §4.8).
type Sweeper struct {
	watch   *Watch
	peers   *peerset.PeerSet
	minimum MinVersionForHeight
}

func NewSweeper(watch *Watch, peers *peerset.PeerSet, minimum MinVersionForHeight) *Sweeper {
	return &Sweeper{watch: watch, peers: peers, minimum: minimum}
}

// Run applies SetMinimumVersion once up front and again on every
// coalesced height update until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.watch.Updates():
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	height := s.watch.Current()
	if height == NoHeight {
		return
	}
	s.peers.SetMinimumVersion(s.minimum(height))
}
