package svc

import "context"

type bufferJob[Req, Resp any] struct {
	ctx   context.Context
	req   Req
	reply chan bufferResult[Resp]
}

type bufferResult[Resp any] struct {
	resp Resp
	err  error
}

// Buffered decouples callers from inner via a bounded job queue drained
// by a single worker goroutine, the same shape as peerconn.Client's
// calls channel + writeLoop pump (spec §4.6's Buffer layer between the
// two Hedge wrappers). Run must be started by the caller before any
// Call is issued, matching the explicit Run(ctx) convention used by
// peerconn.Client and peerset.PeerSet.
type Buffered[Req, Resp any] struct {
	inner Service[Req, Resp]
	jobs  chan bufferJob[Req, Resp]
}

// Buffer wraps inner with a queue of the given capacity.
func Buffer[Req, Resp any](inner Service[Req, Resp], capacity int) *Buffered[Req, Resp] {
	return &Buffered[Req, Resp]{inner: inner, jobs: make(chan bufferJob[Req, Resp], capacity)}
}

// Run drains the job queue until ctx is cancelled, calling inner
// serially for each queued request.
func (b *Buffered[Req, Resp]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-b.jobs:
			resp, err := b.inner.Call(j.ctx, j.req)
			select {
			case j.reply <- bufferResult[Resp]{resp: resp, err: err}:
			case <-j.ctx.Done():
			}
		}
	}
}

func (b *Buffered[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	reply := make(chan bufferResult[Resp], 1)

	select {
	case b.jobs <- bufferJob[Req, Resp]{ctx: ctx, req: req, reply: reply}:
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	default:
		var zero Resp
		return zero, ErrOverloaded
	}

	select {
	case res := <-reply:
		return res.resp, res.err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}
