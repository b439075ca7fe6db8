// Package svc provides the generic request/response Service abstraction
// spec §9 asks for ("a trait/interface with a sum-typed Request and
// Response; middleware compose by wrapping an inner service... a tree,
// not a cycle") along with the middleware named in spec §4.6's download
// pipeline: Timeout, Retry, Hedge, ConcurrencyLimit, Buffer, LoadShed.
//
// Grounded on internal/retry/retry.go's functional-options Config/Option
// shape, generalized from a single retryable Operation into middleware
// that wraps an arbitrary Service[Req, Resp].
package svc

import (
	"context"
	"errors"
)

var (
	ErrOverloaded = errors.New("svc: service overloaded")
	ErrCancelled  = errors.New("svc: request cancelled")
)

// Service is the generic request/response contract every middleware in
// this package wraps. Implementations must be safe for concurrent Call.
type Service[Req, Resp any] interface {
	Call(ctx context.Context, req Req) (Resp, error)
}

// Func adapts a plain function into a Service.
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f Func[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}
