package mempool

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// TipWatch is the subset of besttip.Watch the mempool service needs:
// a way to learn about chain resets without importing the besttip
// package's full watch-channel machinery.
type TipWatch interface {
	// Resets delivers a value each time the chain tip stream reports a
	// reset (a reorg that is not a simple extension).
	Resets() <-chan struct{}
}

// CloseToTipSource reports the syncer's close-to-tip signal (spec
// §4.6's SyncStatus, consulted here rather than imported directly so
// mempool has no compile-time dependency on the sync package).
type CloseToTipSource interface {
	IsCloseToTip() bool
}

// Service owns a VerifiedSet and a Crawler, applying the two clear
// triggers named in spec §4.7: a chain reset, or SyncStatus.IsCloseToTip
// transitioning from true to false.
type Service struct {
	log      *slog.Logger
	Verified *VerifiedSet
	crawler  *Crawler
	tips     TipWatch
	status   CloseToTipSource

	pollInterval time.Duration
}

func NewService(log *slog.Logger, verified *VerifiedSet, crawler *Crawler, tips TipWatch, status CloseToTipSource) *Service {
	return &Service{
		log:          log.With("component", "mempool service"),
		Verified:     verified,
		crawler:      crawler,
		tips:         tips,
		status:       status,
		pollInterval: time.Second,
	}
}

// Run drives the crawler and the two clear-trigger watchers until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.crawler.Run(gctx) })
	g.Go(func() error { return s.watchResets(gctx) })
	g.Go(func() error { return s.watchCloseToTip(gctx) })
	return g.Wait()
}

func (s *Service) watchResets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.tips.Resets():
			s.log.Info("clearing mempool: chain reset")
			s.Verified.Clear()
		}
	}
}

// watchCloseToTip clears the mempool on the falling edge of
// IsCloseToTip: becoming far-behind mid-sync means a stale mempool is
// now meaningless (spec §4.7 clear trigger (b)).
func (s *Service) watchCloseToTip(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	wasClose := s.status.IsCloseToTip()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			isClose := s.status.IsCloseToTip()
			if wasClose && !isClose {
				s.log.Info("clearing mempool: fell behind tip")
				s.Verified.Clear()
			}
			wasClose = isClose
		}
	}
}
