package svc

import (
	"context"
	"time"
)

type hedgeResult[Resp any] struct {
	resp Resp
	err  error
}

// hedgeService issues a second, duplicate call after delay has elapsed
// without a reply, and returns whichever call completes first (spec
// §4.6's outer two Hedge layers: "issue duplicate requests after latency
// percentile thresholds"). The loser's context is cancelled once a
// winner is chosen, per spec §7's cancellation semantics.
type hedgeService[Req, Resp any] struct {
	inner    Service[Req, Resp]
	delayFor func() time.Duration
}

// Hedge wraps inner so a slow call is raced against a duplicate fired
// after delay. Callers should set delay from an observed latency
// percentile (spec's HedgeDelayPercentile), not a fixed constant.
func Hedge[Req, Resp any](inner Service[Req, Resp], delay time.Duration) Service[Req, Resp] {
	return &hedgeService[Req, Resp]{inner: inner, delayFor: func() time.Duration { return delay }}
}

// HedgeDynamic is Hedge with the threshold recomputed on every call,
// for callers that track a moving latency percentile (spec §4.6's
// HedgeDelayPercentile) rather than a fixed duration.
func HedgeDynamic[Req, Resp any](inner Service[Req, Resp], delayFor func() time.Duration) Service[Req, Resp] {
	return &hedgeService[Req, Resp]{inner: inner, delayFor: delayFor}
}

func (s *hedgeService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan hedgeResult[Resp], 2)
	launch := func() {
		resp, err := s.inner.Call(ctx, req)
		results <- hedgeResult[Resp]{resp: resp, err: err}
	}

	go launch()

	timer := time.NewTimer(s.delayFor())
	defer timer.Stop()

	select {
	case res := <-results:
		return res.resp, res.err
	case <-timer.C:
		go launch()
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}

	// One hedge has fired; take the first of the two to answer.
	select {
	case res := <-results:
		return res.resp, res.err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}
