package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/zebrad/zebrad/internal/chain"
	"github.com/zebrad/zebrad/internal/peerset"
	"github.com/zebrad/zebrad/internal/wire"
)

var ErrTipMismatch = errors.New("sync: extend tips response did not match expected_next")

// CheckedTip is a prospective chain tip (spec §3): the next ObtainTips
// or ExtendTips round validates its first returned hash against
// ExpectedNext before trusting the response.
type CheckedTip struct {
	Tip          chain.BlockHash
	ExpectedNext chain.BlockHash
}

// DownloadSet is an ordered, deduplicated set of hashes to download
// (spec §4.6): the first responder determines download order: later
// responses contribute only hashes not already present.
//
// Grounded on internal/piece/picker.go's peerBlockAssignments bookkeeping
// generalized from per-block ownership to a flat ordered hash set.
type DownloadSet struct {
	mu    sync.Mutex
	order []chain.BlockHash
	seen  map[chain.BlockHash]struct{}
}

func NewDownloadSet() *DownloadSet {
	return &DownloadSet{seen: make(map[chain.BlockHash]struct{})}
}

// Add inserts any hashes not already present, preserving call order,
// and returns only the ones newly added.
func (d *DownloadSet) Add(hashes ...chain.BlockHash) []chain.BlockHash {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := make([]chain.BlockHash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := d.seen[h]; ok {
			continue
		}
		d.seen[h] = struct{}{}
		d.order = append(d.order, h)
		added = append(added, h)
	}
	return added
}

func (d *DownloadSet) Contains(h chain.BlockHash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[h]
	return ok
}

// Remove drops h once it has been downloaded and committed.
func (d *DownloadSet) Remove(h chain.BlockHash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[h]; !ok {
		return
	}
	delete(d.seen, h)
	for i, o := range d.order {
		if o == h {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Hashes returns the current hashes in insertion order.
func (d *DownloadSet) Hashes() []chain.BlockHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]chain.BlockHash, len(d.order))
	copy(out, d.order)
	return out
}

func (d *DownloadSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// hashesFromInv extracts block hashes, in wire order, from an inv
// reply to a getblocks request.
func hashesFromInv(msg wire.Message) ([]chain.BlockHash, error) {
	inv, ok := msg.(*wire.InvMessage)
	if !ok {
		return nil, errors.New("sync: expected inv reply to getblocks")
	}
	out := make([]chain.BlockHash, 0, len(inv.Hashes))
	for _, h := range inv.Hashes {
		if h.Type != wire.InvBlock {
			continue
		}
		out = append(out, h.Hash)
	}
	return out, nil
}

// unknownTail scans hashes front-to-back for the first one not already
// present in state, returning everything from there to the end (spec
// §4.6 ObtainTips step 2).
func unknownTail(ctx context.Context, state State, hashes []chain.BlockHash) ([]chain.BlockHash, error) {
	for i, h := range hashes {
		known, err := state.ContainsHash(ctx, h)
		if err != nil {
			return nil, err
		}
		if !known {
			return hashes[i:], nil
		}
	}
	return nil, nil
}

// tipFromTail builds a prospective CheckedTip from the last two hashes
// of an unknown tail (spec §4.6: "use tip=second_last, expected_next=
// last so the next round can verify the first returned hash matches
// expected_next"). ok is false if tail has fewer than two elements.
func tipFromTail(tail []chain.BlockHash) (CheckedTip, bool) {
	if len(tail) < 2 {
		return CheckedTip{}, false
	}
	return CheckedTip{Tip: tail[len(tail)-2], ExpectedNext: tail[len(tail)-1]}, true
}

// obtainTips issues FindBlocks{known: locator} to fanout peers and
// merges their responses into newly prospective tips and download-set
// additions (spec §4.6 phase 2).
func obtainTips(ctx context.Context, peers *peerset.PeerSet, state State, downloads *DownloadSet, fanout int) ([]CheckedTip, int, error) {
	locator, err := state.BlockLocator(ctx)
	if err != nil {
		return nil, 0, err
	}

	responses := peers.Fanout(ctx, fanout, func() (wire.Message, wire.Command, int) {
		return &wire.GetBlocksMessage{Known: locator}, wire.CmdInv, 1
	})

	var tips []CheckedTip
	added := 0
	for _, msgs := range responses {
		if len(msgs) == 0 {
			continue
		}
		hashes, err := hashesFromInv(msgs[0])
		if err != nil || len(hashes) == 0 {
			continue
		}

		// The last hash is unreliable (peers sometimes append an
		// unrelated hash); drop it, we'll pick it up next round.
		hashes = hashes[:len(hashes)-1]

		tail, err := unknownTail(ctx, state, hashes)
		if err != nil || len(tail) == 0 {
			continue
		}

		tip, hasTip := tipFromTail(tail)
		expectedNextAlreadyQueued := hasTip && downloads.Contains(tip.ExpectedNext)

		added += len(downloads.Add(tail...))

		if !hasTip || expectedNextAlreadyQueued {
			// Either too short a tail to form a tip, or another,
			// longer response already covers this tip's successor:
			// drop the redundant prospective tip.
			continue
		}
		tips = append(tips, tip)
	}
	return tips, added, nil
}

// extendTipsOnce issues FindBlocks{known: [tip.Tip]} to fanout peers for
// a single prospective tip and returns its replacement(s), tolerating
// one spurious prefix hash (spec §4.6 phase 3, §8 scenario S4).
func extendTipsOnce(ctx context.Context, peers *peerset.PeerSet, downloads *DownloadSet, tip CheckedTip, fanout int) ([]CheckedTip, int, error) {
	responses := peers.Fanout(ctx, fanout, func() (wire.Message, wire.Command, int) {
		return &wire.GetBlocksMessage{Known: []chain.BlockHash{tip.Tip}}, wire.CmdInv, 1
	})

	var next []CheckedTip
	added := 0
	for _, msgs := range responses {
		if len(msgs) == 0 {
			continue
		}
		raw, err := hashesFromInv(msgs[0])
		if err != nil || len(raw) < 2 {
			continue
		}

		offset := 0
		switch {
		case raw[0] == tip.ExpectedNext:
			offset = 0
		case len(raw) > 1 && raw[1] == tip.ExpectedNext:
			offset = 1 // zcashd sometimes prepends one spurious hash
		default:
			continue // response doesn't extend this tip at all
		}
		if offset >= len(raw)-1 {
			continue
		}

		unknown := raw[offset : len(raw)-1] // discard the trailing unreliable hash
		added += len(downloads.Add(unknown...))

		if newTip, ok := tipFromTail(unknown); ok {
			next = append(next, newTip)
		}
	}
	return next, added, nil
}

// extendTips repeatedly extends every held prospective tip until no
// round produces a replacement, then the caller returns to ObtainTips.
// It returns the total count of hashes newly added to downloads.
func extendTips(ctx context.Context, peers *peerset.PeerSet, downloads *DownloadSet, tips []CheckedTip, fanout int) (int, error) {
	total := 0
	for len(tips) > 0 {
		var next []CheckedTip
		for _, tip := range tips {
			replacements, added, err := extendTipsOnce(ctx, peers, downloads, tip, fanout)
			if err != nil {
				return total, err
			}
			total += added
			next = append(next, replacements...)
		}
		if len(next) == 0 {
			return total, nil
		}
		tips = next
	}
	return total, nil
}
