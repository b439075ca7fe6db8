// Package besttip implements the best-tip-height fan-in (spec §4.8):
// two height inputs (a finalized-tip watch and a non-finalized-best-tip
// watch) collapse into one derived value, published lock-free for
// readers and coalesced into a single wakeup per change.
//
// Grounded on internal/config.Config's atomic.Value-backed Load/Swap
// publish pattern, adapted from a whole-struct snapshot to a single
// scalar plus a coalescing notification channel.
package besttip

import (
	"sync"
	"sync/atomic"
)

// Height is a block height; NoHeight means "not yet known."
type Height int32

const NoHeight Height = -1

// Watch fans the finalized and non-finalized tip height inputs into one
// derived best-tip height (spec §4.8): non-finalized wins whenever
// present, else finalized. It also carries the chain tip change
// stream's reset signal, consulted by internal/mempool's clear
// triggers without that package importing besttip directly (see
// mempool.TipWatch).
type Watch struct {
	mu          sync.Mutex
	finalized   Height
	nonFinal    Height
	haveNonFin  bool

	published atomic.Value // Height

	updates chan struct{}
	resets  chan struct{}
}

func New() *Watch {
	w := &Watch{
		finalized: NoHeight,
		updates:   make(chan struct{}, 1),
		resets:    make(chan struct{}, 1),
	}
	w.published.Store(NoHeight)
	return w
}

// SetFinalized updates the finalized-tip input and republishes if the
// derived value changed.
func (w *Watch) SetFinalized(h Height) {
	w.mu.Lock()
	w.finalized = h
	derived := w.deriveLocked()
	w.mu.Unlock()
	w.maybePublish(derived)
}

// SetNonFinalized updates the non-finalized-best-tip input. present
// false clears it, falling back to the finalized height.
func (w *Watch) SetNonFinalized(h Height, present bool) {
	w.mu.Lock()
	w.nonFinal = h
	w.haveNonFin = present
	derived := w.deriveLocked()
	w.mu.Unlock()
	w.maybePublish(derived)
}

func (w *Watch) deriveLocked() Height {
	if w.haveNonFin {
		return w.nonFinal
	}
	return w.finalized
}

// maybePublish swaps in derived only if it differs from the last
// published value, then signals Updates() — coalescing: a reader that
// hasn't drained the previous signal just sees one wakeup for several
// updates (spec §5: "coalesces intermediate updates; readers may skip
// values").
func (w *Watch) maybePublish(derived Height) {
	prev := w.published.Load().(Height)
	if prev == derived {
		return
	}
	w.published.Store(derived)
	select {
	case w.updates <- struct{}{}:
	default:
	}
}

// Current returns the most recently published derived height,
// lock-free.
func (w *Watch) Current() Height {
	return w.published.Load().(Height)
}

// Updates fires whenever Current's value has changed since the last
// receive.
func (w *Watch) Updates() <-chan struct{} { return w.updates }

// ReportReset signals that the chain tip change stream observed a reset
// (a reorg that is not a simple extension).
func (w *Watch) ReportReset() {
	select {
	case w.resets <- struct{}{}:
	default:
	}
}

// Resets implements mempool.TipWatch.
func (w *Watch) Resets() <-chan struct{} { return w.resets }
