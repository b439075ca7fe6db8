package svc

import "context"

// loadShedService rejects immediately instead of queueing once max
// concurrent calls are already in flight (spec §7: "the inbound service
// uses a load-shed layer that returns Overloaded rather than queueing
// unbounded work"). Unlike ConcurrencyLimit, acquiring a slot never
// blocks.
type loadShedService[Req, Resp any] struct {
	inner Service[Req, Resp]
	sem   chan struct{}
}

// LoadShed wraps inner so at most max calls run concurrently; any call
// arriving while all slots are taken fails fast with ErrOverloaded.
func LoadShed[Req, Resp any](inner Service[Req, Resp], max int) Service[Req, Resp] {
	return &loadShedService[Req, Resp]{inner: inner, sem: make(chan struct{}, max)}
}

func (s *loadShedService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	select {
	case s.sem <- struct{}{}:
	default:
		var zero Resp
		return zero, ErrOverloaded
	}
	defer func() { <-s.sem }()

	return s.inner.Call(ctx, req)
}
