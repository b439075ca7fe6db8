package svc

import (
	"context"
	"math"
	"time"
)

// RetryConfig mirrors internal/retry.Config's functional-options shape,
// generalized to retry a Service call rather than a bare Operation.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	RetryIf      func(err error) bool
}

type RetryOption func(*RetryConfig)

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) RetryOption {
	return func(c *RetryConfig) { c.MaxAttempts = n }
}

func WithRetryIf(predicate func(err error) bool) RetryOption {
	return func(c *RetryConfig) { c.RetryIf = predicate }
}

type retryService[Req, Resp any] struct {
	inner Service[Req, Resp]
	cfg   *RetryConfig
}

// Retry wraps inner with bounded exponential-backoff retries (in the
// block download pipeline it is the layer just outside Timeout, limit
// BLOCK_DOWNLOAD_RETRY_LIMIT).
func Retry[Req, Resp any](inner Service[Req, Resp], opts ...RetryOption) Service[Req, Resp] {
	cfg := DefaultRetryConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &retryService[Req, Resp]{inner: inner, cfg: cfg}
}

func (s *retryService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var (
		resp Resp
		err  error
	)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resp, ctxErr
		}

		resp, err = s.inner.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		if s.cfg.RetryIf != nil && !s.cfg.RetryIf(err) {
			return resp, err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}

		delay := s.cfg.backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, ctx.Err()
		case <-timer.C:
		}
	}
	return resp, err
}

func (c *RetryConfig) backoff(attempt int) time.Duration {
	d := min(
		float64(c.MaxDelay),
		float64(c.InitialDelay)*math.Pow(c.Multiplier, float64(attempt-1)),
	)
	return time.Duration(d)
}
