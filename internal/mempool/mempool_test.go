package mempool

import (
	"errors"
	"testing"

	"github.com/zebrad/zebrad/internal/chain"
)

func txid(b byte) chain.UnminedTxID {
	var id chain.TxID
	id[0] = b
	return chain.NewUnminedTxIDLegacy(id)
}

func outpoint(b byte) chain.Outpoint {
	var h chain.TxID
	h[0] = b
	return chain.Outpoint{Hash: h, Index: 0}
}

func TestVerifiedSetInsertIsIdempotent(t *testing.T) {
	v := NewVerifiedSet(10, 10)
	tx := chain.UnminedTx{ID: txid(1), Size: 100, FeeZat: 1000}

	if err := v.Insert(tx); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := v.Insert(tx); !errors.Is(err, ErrInMempool) {
		t.Fatalf("expected ErrInMempool on duplicate insert, got %v", err)
	}
	if v.Len() != 1 {
		t.Fatalf("expected length 1, got %d", v.Len())
	}
}

func TestVerifiedSetSpendConflictDetection(t *testing.T) {
	tests := []struct {
		name string
		a, b chain.UnminedTx
	}{
		{
			name: "shared transparent outpoint",
			a:    chain.UnminedTx{ID: txid(1), Size: 100, FeeZat: 1000, SpentOutpoints: []chain.Outpoint{outpoint(9)}},
			b:    chain.UnminedTx{ID: txid(2), Size: 100, FeeZat: 1000, SpentOutpoints: []chain.Outpoint{outpoint(9)}},
		},
		{
			name: "shared sprout nullifier",
			a:    chain.UnminedTx{ID: txid(3), Size: 100, FeeZat: 1000, SproutNullifiers: [][32]byte{{1}}},
			b:    chain.UnminedTx{ID: txid(4), Size: 100, FeeZat: 1000, SproutNullifiers: [][32]byte{{1}}},
		},
		{
			name: "shared sapling nullifier",
			a:    chain.UnminedTx{ID: txid(5), Size: 100, FeeZat: 1000, SaplingNullifiers: [][32]byte{{2}}},
			b:    chain.UnminedTx{ID: txid(6), Size: 100, FeeZat: 1000, SaplingNullifiers: [][32]byte{{2}}},
		},
		{
			name: "shared orchard nullifier",
			a:    chain.UnminedTx{ID: txid(7), Size: 100, FeeZat: 1000, OrchardNullifiers: [][32]byte{{3}}},
			b:    chain.UnminedTx{ID: txid(8), Size: 100, FeeZat: 1000, OrchardNullifiers: [][32]byte{{3}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifiedSet(10, 10)
			if err := v.Insert(tt.a); err != nil {
				t.Fatalf("insert a: %v", err)
			}
			err := v.Insert(tt.b)
			var rejected *RejectedError
			if !errors.As(err, &rejected) || rejected.Reason != RejectionSpendConflict {
				t.Fatalf("expected SpendConflict rejection, got %v", err)
			}
			if !v.Contains(tt.a.ID) {
				t.Fatalf("expected a to remain verified")
			}
			if v.Contains(tt.b.ID) {
				t.Fatalf("expected b to not be verified")
			}
			reason, ok := v.RejectionOf(tt.b.ID)
			if !ok || reason != RejectionSpendConflict {
				t.Fatalf("expected b cached as SpendConflict, got %v ok=%v", reason, ok)
			}

			// A later insert of b again must be served from the
			// rejection cache, not re-checked against the index.
			err2 := v.Insert(tt.b)
			if !errors.As(err2, &rejected) || rejected.Reason != RejectionSpendConflict {
				t.Fatalf("expected cached rejection on retry, got %v", err2)
			}
		})
	}
}

func TestVerifiedSetSpendConflictIsSymmetric(t *testing.T) {
	// Insert A then B: A wins, B rejected. Clear, insert B then A:
	// symmetric (spec §8 scenario S3).
	a := chain.UnminedTx{ID: txid(1), Size: 100, FeeZat: 1000, SpentOutpoints: []chain.Outpoint{outpoint(5)}}
	b := chain.UnminedTx{ID: txid(2), Size: 100, FeeZat: 1000, SpentOutpoints: []chain.Outpoint{outpoint(5)}}

	v := NewVerifiedSet(10, 10)
	_ = v.Insert(a)
	_ = v.Insert(b)
	if !v.Contains(a.ID) || v.Contains(b.ID) {
		t.Fatalf("expected a verified, b rejected")
	}

	v.Clear()
	_ = v.Insert(b)
	_ = v.Insert(a)
	if !v.Contains(b.ID) || v.Contains(a.ID) {
		t.Fatalf("expected b verified, a rejected after clear+reverse order")
	}
}

func TestVerifiedSetEvictsAtCapacity(t *testing.T) {
	v := NewVerifiedSet(3, 10)
	for i := byte(1); i <= 3; i++ {
		if err := v.Insert(chain.UnminedTx{ID: txid(i), Size: 100, FeeZat: int64(i) * 1000}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if v.Len() != 3 {
		t.Fatalf("expected 3 verified, got %d", v.Len())
	}

	// One more push over capacity must evict exactly one entry (spec §8
	// invariant 4): len stays at capacity and the evicted entry is
	// RandomlyEvicted.
	if err := v.Insert(chain.UnminedTx{ID: txid(4), Size: 100, FeeZat: 10000}); err != nil {
		t.Fatalf("insert over capacity: %v", err)
	}
	if v.Len() != 3 {
		t.Fatalf("expected length to stay at capacity 3, got %d", v.Len())
	}

	evictedCount := 0
	for i := byte(1); i <= 4; i++ {
		if _, ok := v.RejectionOf(txid(i)); ok {
			evictedCount++
		}
	}
	if evictedCount != 1 {
		t.Fatalf("expected exactly 1 eviction recorded, got %d", evictedCount)
	}
}

func TestVerifiedSetRemoveExactPreservesOrder(t *testing.T) {
	v := NewVerifiedSet(10, 10)
	txs := []chain.UnminedTx{
		{ID: txid(1), Size: 10, FeeZat: 1},
		{ID: txid(2), Size: 10, FeeZat: 1},
		{ID: txid(3), Size: 10, FeeZat: 1},
	}
	for _, tx := range txs {
		_ = v.Insert(tx)
	}

	v.RemoveExact(txid(2))
	got := v.Transactions()
	if len(got) != 2 || got[0].ID != txid(1) || got[1].ID != txid(3) {
		t.Fatalf("unexpected order after removal: %+v", got)
	}
}

func TestVerifiedSetRemoveSameEffectsMatchesByMinedID(t *testing.T) {
	v := NewVerifiedSet(10, 10)
	tx := chain.UnminedTx{ID: txid(1), Size: 10, FeeZat: 1}
	_ = v.Insert(tx)

	v.RemoveSameEffects(tx.ID.MinedID())
	if v.Contains(tx.ID) {
		t.Fatalf("expected tx removed by mined id match")
	}
}

func TestVerifiedSetClearDropsEverything(t *testing.T) {
	v := NewVerifiedSet(10, 10)
	tx := chain.UnminedTx{ID: txid(1), Size: 10, FeeZat: 1, SpentOutpoints: []chain.Outpoint{outpoint(1)}}
	_ = v.Insert(tx)
	v.rejected.Put(txid(2), RejectionExpired)

	v.Clear()
	if v.Len() != 0 {
		t.Fatalf("expected empty verified set after clear")
	}
	if _, ok := v.RejectionOf(txid(2)); ok {
		t.Fatalf("expected rejection cache cleared")
	}
	// Re-inserting the same outpoint must succeed now that the index
	// was cleared too.
	if err := v.Insert(chain.UnminedTx{ID: txid(3), Size: 10, FeeZat: 1, SpentOutpoints: []chain.Outpoint{outpoint(1)}}); err != nil {
		t.Fatalf("expected insert to succeed after clear, got %v", err)
	}
}

func TestRejectionCacheEvictsOldestPastCapacity(t *testing.T) {
	c := newRejectionCache(2)
	c.Put(txid(1), RejectionExpired)
	c.Put(txid(2), RejectionExpired)
	c.Put(txid(3), RejectionExpired) // evicts txid(1)'s slot

	if _, ok := c.Get(txid(1)); ok {
		t.Fatalf("expected txid(1) evicted")
	}
	if _, ok := c.Get(txid(3)); !ok {
		t.Fatalf("expected txid(3) present")
	}
}
