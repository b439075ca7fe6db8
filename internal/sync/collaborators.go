// Package sync implements the chain synchronizer (spec §4.6): the
// obtain-tips/extend-tips control loop that drives bulk block download
// with bounded lookahead, hedged requests, and restart-on-failure
// semantics.
//
// Grounded on internal/scheduler/piece.go + internal/piece/picker.go's
// request/assignment/retry bookkeeping (owner tracking, CheckTimeouts,
// endgame-style over-request control), generalized from fixed-size
// torrent blocks to chain blocks named by hash, and on
// internal/retry/retry.go's backoff shape folded into the internal/svc
// middleware tree.
package sync

import (
	"context"
	"errors"

	"github.com/zebrad/zebrad/internal/chain"
)

// State is the external persistent chain state engine (spec §1 names it
// an out-of-scope collaborator; spec §6 gives its Request/Response
// shape). Only the subset the synchronizer needs is represented here.
type State interface {
	// GenesisHash returns the network's genesis block hash.
	GenesisHash(ctx context.Context) (chain.BlockHash, error)

	// ContainsHash reports whether hash is already present in the main
	// chain (spec §9 open question: depth-based presence checks query
	// only the main chain, not all forks — preserved here as-is).
	ContainsHash(ctx context.Context, hash chain.BlockHash) (bool, error)

	// BlockLocator returns a logarithmically-spaced list of hashes
	// along the local best chain, most recent first.
	BlockLocator(ctx context.Context) ([]chain.BlockHash, error)

	// CommitBlock validates ancestry against known state and commits a
	// non-finalized block.
	CommitBlock(ctx context.Context, block chain.Block, raw []byte) error
}

// Verifier is the external consensus verifier (spec §6): contextual
// validation the synchronizer delegates to and never performs itself.
type Verifier interface {
	VerifyBlock(ctx context.Context, raw []byte) (chain.BlockHash, error)
}

// Downloader continuation errors (spec §7): non-fatal to the syncer,
// the block is skipped and sync proceeds without a full restart.
var (
	ErrAlreadyVerified = errors.New("sync: block already verified")
	ErrAlreadyInChain  = errors.New("sync: block already in chain")
	ErrCancelled       = errors.New("sync: request cancelled")
	ErrBehindTipHeight = errors.New("sync: block behind tip height")
	ErrAlreadyCommitted = errors.New("sync: block already committed")
	ErrNotFound        = errors.New("sync: block not found")
)

// IsContinuationError reports whether err is one of the closed set of
// downloader continuation errors (spec §7, §8 invariant 5): any other
// error triggers a full sync-loop restart instead.
func IsContinuationError(err error) bool {
	switch {
	case errors.Is(err, ErrAlreadyVerified),
		errors.Is(err, ErrAlreadyInChain),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrBehindTipHeight),
		errors.Is(err, ErrAlreadyCommitted),
		errors.Is(err, ErrNotFound):
		return true
	default:
		return false
	}
}
