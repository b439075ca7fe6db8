package main

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/zebrad/zebrad/internal/chain"
)

// The consensus-layer state engine and the block/transaction verifiers
// are out-of-scope collaborators (spec.md §1): this repo implements the
// peer-networking core only and expects a real chain-state service and
// a real verifier to be wired in through node.Deps in production. The
// stubs below let the binary start end-to-end without one: they accept
// the genesis block unconditionally and never reject a block or
// transaction. Replace both before pointing this binary at mainnet.

func newStubState() *stubState {
	return &stubState{
		genesis: chain.BlockHash{},
		known:   map[chain.BlockHash]struct{}{{}: {}},
	}
}

type stubState struct {
	mu      sync.Mutex
	genesis chain.BlockHash
	known   map[chain.BlockHash]struct{}
}

func (s *stubState) GenesisHash(context.Context) (chain.BlockHash, error) {
	return s.genesis, nil
}

func (s *stubState) ContainsHash(_ context.Context, hash chain.BlockHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[hash]
	return ok, nil
}

func (s *stubState) BlockLocator(context.Context) ([]chain.BlockHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	locator := make([]chain.BlockHash, 0, len(s.known))
	for h := range s.known {
		locator = append(locator, h)
	}
	return locator, nil
}

func (s *stubState) CommitBlock(_ context.Context, block chain.Block, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[block.Hash] = struct{}{}
	return nil
}

type stubVerifier struct{}

func (stubVerifier) VerifyBlock(_ context.Context, raw []byte) (chain.BlockHash, error) {
	return sha256d(raw), nil
}

type stubTxVerifier struct{}

func (stubTxVerifier) VerifyTx(_ context.Context, raw []byte) (chain.UnminedTx, error) {
	id := chain.NewUnminedTxIDLegacy(chain.TxID(sha256d(raw)))
	return chain.UnminedTx{ID: id, Size: len(raw)}, nil
}

func sha256d(raw []byte) chain.BlockHash {
	first := sha256.Sum256(raw)
	return chain.BlockHash(sha256.Sum256(first[:]))
}
