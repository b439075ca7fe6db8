package peerset

import (
	"math"
	"sync"
	"time"
)

// defaultRTT seeds a freshly connected peer's load estimate so it is
// neither favored nor starved by p2c selection before any real sample
// arrives.
const defaultRTT = 100 * time.Millisecond

// decayTime controls how quickly the peak estimate relaxes back toward
// the recent average once a peer stops being slow.
const decayTime = 10 * time.Second

// peakEWMA tracks a peer's round-trip latency as an exponentially
// decaying estimate that jumps immediately to any new peak (spec §4.5):
// one slow reply deprioritizes a peer right away, while the estimate
// only recovers gradually, discouraging the p2c balancer from
// oscillating between a momentarily-fast-then-slow peer.
type peakEWMA struct {
	mu           sync.Mutex
	estimate     float64
	lastObserved time.Time
}

func newPeakEWMA() *peakEWMA {
	return &peakEWMA{estimate: float64(defaultRTT)}
}

// Observe folds one latency sample into the running estimate.
func (e *peakEWMA) Observe(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	sample := float64(rtt)

	if e.lastObserved.IsZero() {
		e.estimate = sample
	} else {
		elapsed := now.Sub(e.lastObserved)
		weight := math.Exp(-float64(elapsed) / float64(decayTime))
		e.estimate = e.estimate*weight + sample*(1-weight)
	}

	if sample > e.estimate {
		e.estimate = sample
	}
	e.lastObserved = now
}

// Estimate returns the current load estimate in nanoseconds.
func (e *peakEWMA) Estimate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate
}
