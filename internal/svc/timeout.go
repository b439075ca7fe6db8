package svc

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("svc: request timed out")

// timeoutService bounds each call to d; expiry cancels the inner
// context and surfaces ErrTimeout to the caller (spec §4.6, §7: "Timeouts
// are composed as middleware: on expiry they signal cancellation upstream
// and return a Timeout error downstream").
type timeoutService[Req, Resp any] struct {
	inner Service[Req, Resp]
	d     time.Duration
}

// Timeout wraps inner so every call is bounded by d.
func Timeout[Req, Resp any](inner Service[Req, Resp], d time.Duration) Service[Req, Resp] {
	return &timeoutService[Req, Resp]{inner: inner, d: d}
}

func (s *timeoutService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	ctx, cancel := context.WithTimeout(ctx, s.d)
	defer cancel()

	resp, err := s.inner.Call(ctx, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		var zero Resp
		return zero, ErrTimeout
	}
	return resp, err
}
