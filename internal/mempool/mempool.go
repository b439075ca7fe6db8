// Package mempool implements the local unconfirmed-transaction cache
// (spec §4.7): a capacity-bounded verified set with four spend-conflict
// indexes, a bounded rejection cache, ZIP-401 weighted-random eviction,
// and a background crawler.
//
// Grounded on internal/storage/storage.go's capacity-bounded,
// insertion-ordered store with a verification-state field, generalized
// from on-disk pieces keyed by index to in-memory transactions keyed by
// id, with conflict indexing added on top.
package mempool

import (
	"errors"
	"sync"

	"github.com/zebrad/zebrad/internal/chain"
)

// RejectionReason records why a transaction cannot enter the verified
// set (spec §4.7).
type RejectionReason int

const (
	RejectionNone RejectionReason = iota
	RejectionSpendConflict
	RejectionExpired
	RejectionRandomlyEvicted
	RejectionFailedVerification
)

func (r RejectionReason) String() string {
	switch r {
	case RejectionSpendConflict:
		return "SpendConflict"
	case RejectionExpired:
		return "Expired"
	case RejectionRandomlyEvicted:
		return "RandomlyEvicted"
	case RejectionFailedVerification:
		return "FailedVerification"
	default:
		return "None"
	}
}

// ErrInMempool is returned by Insert when tx.ID is already
// verified-present: idempotent, and must not refresh the entry's
// position (spec §4.7 step 2 — otherwise a malicious peer could keep a
// transaction alive forever by repeatedly resubmitting it).
var ErrInMempool = errors.New("mempool: transaction already present")

// RejectedError wraps the reason a transaction was rejected, either just
// now or previously (served from the rejection cache).
type RejectedError struct {
	Reason RejectionReason
}

func (e *RejectedError) Error() string { return "mempool: rejected: " + e.Reason.String() }

// entry is one verified transaction plus its insertion sequence number,
// used to break eviction ties within equal fee classes (spec §5
// ordering guarantee).
type entry struct {
	tx  chain.UnminedTx
	seq uint64
}

// VerifiedSet is an insertion-ordered collection of UnminedTx bounded by
// MEMPOOL_CAPACITY, plus the four conflict indexes named in spec §4.7.
// The mempool exclusively owns every entry it holds.
type VerifiedSet struct {
	mu       sync.Mutex
	capacity int
	nextSeq  uint64

	byID map[chain.UnminedTxID]*entry
	// order preserves insertion order for iteration and for
	// eviction tie-breaking within equal fee classes.
	order []*entry

	spentOutpoints    map[chain.Outpoint]chain.UnminedTxID
	sproutNullifiers  map[[32]byte]chain.UnminedTxID
	saplingNullifiers map[[32]byte]chain.UnminedTxID
	orchardNullifiers map[[32]byte]chain.UnminedTxID

	rejected *rejectionCache
}

func NewVerifiedSet(capacity, rejectionCacheSize int) *VerifiedSet {
	return &VerifiedSet{
		capacity:          capacity,
		byID:              make(map[chain.UnminedTxID]*entry),
		spentOutpoints:    make(map[chain.Outpoint]chain.UnminedTxID),
		sproutNullifiers:  make(map[[32]byte]chain.UnminedTxID),
		saplingNullifiers: make(map[[32]byte]chain.UnminedTxID),
		orchardNullifiers: make(map[[32]byte]chain.UnminedTxID),
		rejected:          newRejectionCache(rejectionCacheSize),
	}
}

// Insert runs the four-step algorithm of spec §4.7: rejection cache
// check, idempotent already-present check, spend-conflict check against
// all four index sets, then insertion with ZIP-401 eviction if over
// capacity.
func (v *VerifiedSet) Insert(tx chain.UnminedTx) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if reason, ok := v.rejected.Get(tx.ID); ok {
		return &RejectedError{Reason: reason}
	}
	if _, ok := v.byID[tx.ID]; ok {
		return ErrInMempool
	}

	if conflict := v.findConflict(tx); conflict {
		v.rejected.Put(tx.ID, RejectionSpendConflict)
		return &RejectedError{Reason: RejectionSpendConflict}
	}

	e := &entry{tx: tx, seq: v.nextSeq}
	v.nextSeq++
	v.byID[tx.ID] = e
	v.order = append(v.order, e)
	v.indexSpends(tx)

	if len(v.order) > v.capacity {
		v.evictOne()
	}
	return nil
}

// findConflict reports whether any outpoint or nullifier tx spends
// already belongs to a verified entry.
func (v *VerifiedSet) findConflict(tx chain.UnminedTx) bool {
	for _, o := range tx.SpentOutpoints {
		if _, ok := v.spentOutpoints[o]; ok {
			return true
		}
	}
	for _, n := range tx.SproutNullifiers {
		if _, ok := v.sproutNullifiers[n]; ok {
			return true
		}
	}
	for _, n := range tx.SaplingNullifiers {
		if _, ok := v.saplingNullifiers[n]; ok {
			return true
		}
	}
	for _, n := range tx.OrchardNullifiers {
		if _, ok := v.orchardNullifiers[n]; ok {
			return true
		}
	}
	return false
}

func (v *VerifiedSet) indexSpends(tx chain.UnminedTx) {
	for _, o := range tx.SpentOutpoints {
		v.spentOutpoints[o] = tx.ID
	}
	for _, n := range tx.SproutNullifiers {
		v.sproutNullifiers[n] = tx.ID
	}
	for _, n := range tx.SaplingNullifiers {
		v.saplingNullifiers[n] = tx.ID
	}
	for _, n := range tx.OrchardNullifiers {
		v.orchardNullifiers[n] = tx.ID
	}
}

func (v *VerifiedSet) unindexSpends(tx chain.UnminedTx) {
	for _, o := range tx.SpentOutpoints {
		delete(v.spentOutpoints, o)
	}
	for _, n := range tx.SproutNullifiers {
		delete(v.sproutNullifiers, n)
	}
	for _, n := range tx.SaplingNullifiers {
		delete(v.saplingNullifiers, n)
	}
	for _, n := range tx.OrchardNullifiers {
		delete(v.orchardNullifiers, n)
	}
}

// evictOne runs ZIP-401 weighted-random eviction among the lowest-fee
// transactions and records the victim as RandomlyEvicted. Caller must
// hold v.mu.
func (v *VerifiedSet) evictOne() {
	victim := pickEvictionVictim(v.order)
	if victim == nil {
		return
	}
	v.removeEntryLocked(victim, RejectionRandomlyEvicted)
}

func (v *VerifiedSet) removeEntryLocked(e *entry, reason RejectionReason) {
	delete(v.byID, e.tx.ID)
	v.unindexSpends(e.tx)
	for i, o := range v.order {
		if o == e {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	if reason != RejectionNone {
		v.rejected.Put(e.tx.ID, reason)
	}
}

// RemoveExact removes entries matching ids exactly (full witnessed id,
// i.e. identical proofs/signatures), preserving order of the rest.
func (v *VerifiedSet) RemoveExact(ids ...chain.UnminedTxID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		if e, ok := v.byID[id]; ok {
			v.removeEntryLocked(e, RejectionNone)
		}
	}
}

// RemoveSameEffects removes any entry whose mined id matches one of
// minedIDs, regardless of which wtxid it was stored under — used when a
// block mines the transaction (spec §4.7).
func (v *VerifiedSet) RemoveSameEffects(minedIDs ...chain.TxID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	want := make(map[chain.TxID]struct{}, len(minedIDs))
	for _, id := range minedIDs {
		want[id] = struct{}{}
	}

	var toRemove []*entry
	for _, e := range v.order {
		if _, ok := want[e.tx.ID.MinedID()]; ok {
			toRemove = append(toRemove, e)
		}
	}
	for _, e := range toRemove {
		v.removeEntryLocked(e, RejectionNone)
	}
}

// Contains reports whether id is currently verified-present.
func (v *VerifiedSet) Contains(id chain.UnminedTxID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.byID[id]
	return ok
}

// Len returns the number of verified entries.
func (v *VerifiedSet) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.order)
}

// Transactions returns the verified entries in insertion order.
func (v *VerifiedSet) Transactions() []chain.UnminedTx {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]chain.UnminedTx, len(v.order))
	for i, e := range v.order {
		out[i] = e.tx
	}
	return out
}

// RejectionOf returns the cached rejection reason for id, if any.
func (v *VerifiedSet) RejectionOf(id chain.UnminedTxID) (RejectionReason, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejected.Get(id)
}

// Clear drops every verified entry, every conflict index, and the
// rejection cache (spec §4.7 clear triggers (a)/(b)).
func (v *VerifiedSet) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.byID = make(map[chain.UnminedTxID]*entry)
	v.order = nil
	v.spentOutpoints = make(map[chain.Outpoint]chain.UnminedTxID)
	v.sproutNullifiers = make(map[[32]byte]chain.UnminedTxID)
	v.saplingNullifiers = make(map[[32]byte]chain.UnminedTxID)
	v.orchardNullifiers = make(map[[32]byte]chain.UnminedTxID)
	v.rejected.Clear()
}

// RejectExpired marks tx.ID as Expired in the rejection cache without
// ever entering the verified set, for transactions whose ExpiryHeight
// has already passed.
func (v *VerifiedSet) RejectExpired(id chain.UnminedTxID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejected.Put(id, RejectionExpired)
}

// RejectFailedVerification marks tx.ID as FailedVerification.
func (v *VerifiedSet) RejectFailedVerification(id chain.UnminedTxID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejected.Put(id, RejectionFailedVerification)
}
