package svc

import "context"

// concurrencyLimitService bounds in-flight calls to max via a buffered
// semaphore channel, matching spec §4.6's MaxConcurrentBlockReqs layer.
type concurrencyLimitService[Req, Resp any] struct {
	inner Service[Req, Resp]
	sem   chan struct{}
}

// ConcurrencyLimit wraps inner so at most max calls run concurrently;
// additional callers block until a slot frees or ctx is cancelled.
func ConcurrencyLimit[Req, Resp any](inner Service[Req, Resp], max int) Service[Req, Resp] {
	return &concurrencyLimitService[Req, Resp]{inner: inner, sem: make(chan struct{}, max)}
}

func (s *concurrencyLimitService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
	defer func() { <-s.sem }()

	return s.inner.Call(ctx, req)
}
