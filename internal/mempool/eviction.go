package mempool

import (
	"math/rand"
	"sort"
)

// zip401LowFeeFraction is the portion of the verified set, ordered by
// fee rate ascending, eligible for weighted eviction (ZIP-401): only
// the cheapest entries are ever candidates, never the whole set.
const zip401LowFeeFraction = 0.25

// pickEvictionVictim selects one entry to evict via ZIP-401 weighted
// random sampling among the lowest-fee-rate entries: candidates are
// weighted inversely to their fee rate, so cheaper transactions are
// proportionally more likely to be evicted without being a FIFO
// guarantee (spec §9 open question: must be true weighted sampling,
// not FIFO, since the protocol encodes a RandomlyEvicted reason
// distinct from an ordered pruning).
//
// Grounded on internal/storage.Store's bounded pieceBuffers map, whose
// "oldest is implicit overwrite" approach spec §9 explicitly rejects in
// favor of fee-weighted sampling here.
func pickEvictionVictim(order []*entry) *entry {
	if len(order) == 0 {
		return nil
	}

	candidates := make([]*entry, len(order))
	copy(candidates, order)
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].tx.FeeRate(), candidates[j].tx.FeeRate()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].seq < candidates[j].seq
	})

	n := int(float64(len(candidates)) * zip401LowFeeFraction)
	if n < 1 {
		n = 1
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	candidates = candidates[:n]

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, e := range candidates {
		// Inverse fee rate: cheaper transactions carry proportionally
		// more weight. Size floors the weight so a zero-fee transaction
		// never divides by zero.
		weight := 1.0 / (e.tx.FeeRate() + 1.0/float64(max(e.tx.Size, 1)))
		weights[i] = weight
		total += weight
	}

	draw := rand.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if draw <= cumulative {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
