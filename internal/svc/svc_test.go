package svc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func echo(ctx context.Context, req int) (int, error) {
	return req, nil
}

func TestFuncServiceRoundTrip(t *testing.T) {
	var s Service[int, int] = Func[int, int](echo)
	resp, err := s.Call(context.Background(), 7)
	if err != nil || resp != 7 {
		t.Fatalf("got (%d, %v)", resp, err)
	}
}

func TestTimeoutReturnsErrTimeoutOnSlowInner(t *testing.T) {
	slow := Func[int, int](func(ctx context.Context, req int) (int, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return req, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})

	s := Timeout[int, int](slow, 5*time.Millisecond)
	_, err := s.Call(context.Background(), 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTimeoutPassesThroughFastInner(t *testing.T) {
	s := Timeout[int, int](Func[int, int](echo), 50*time.Millisecond)
	resp, err := s.Call(context.Background(), 3)
	if err != nil || resp != 3 {
		t.Fatalf("got (%d, %v)", resp, err)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	flaky := Func[int, int](func(ctx context.Context, req int) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("transient")
		}
		return req, nil
	})

	s := Retry[int, int](flaky, WithMaxAttempts(5))
	resp, err := s.Call(context.Background(), 9)
	if err != nil || resp != 9 {
		t.Fatalf("got (%d, %v)", resp, err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	alwaysFails := Func[int, int](func(ctx context.Context, req int) (int, error) {
		attempts.Add(1)
		return 0, errors.New("permanent")
	})

	s := Retry[int, int](alwaysFails, WithMaxAttempts(3))
	_, err := s.Call(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts.Load())
	}
}

func TestRetryHonorsRetryIf(t *testing.T) {
	var attempts atomic.Int32
	unretryable := errors.New("do not retry me")
	s := Retry[int, int](
		Func[int, int](func(ctx context.Context, req int) (int, error) {
			attempts.Add(1)
			return 0, unretryable
		}),
		WithMaxAttempts(5),
		WithRetryIf(func(err error) bool { return !errors.Is(err, unretryable) }),
	)

	_, err := s.Call(context.Background(), 1)
	if !errors.Is(err, unretryable) {
		t.Fatalf("expected unretryable error, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestHedgeFiresDuplicateAfterDelay(t *testing.T) {
	var calls atomic.Int32
	slowThenFast := Func[int, int](func(ctx context.Context, req int) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			select {
			case <-time.After(200 * time.Millisecond):
				return req, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		return req, nil
	})

	s := Hedge[int, int](slowThenFast, 10*time.Millisecond)
	start := time.Now()
	resp, err := s.Call(context.Background(), 4)
	elapsed := time.Since(start)

	if err != nil || resp != 4 {
		t.Fatalf("got (%d, %v)", resp, err)
	}
	if elapsed >= 200*time.Millisecond {
		t.Fatalf("expected the hedge to win before the slow original, took %v", elapsed)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 calls (original + hedge), got %d", calls.Load())
	}
}

func TestConcurrencyLimitBoundsInFlightCalls(t *testing.T) {
	var current, maxSeen atomic.Int32
	release := make(chan struct{})
	inner := Func[int, int](func(ctx context.Context, req int) (int, error) {
		n := current.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return req, nil
	})

	s := ConcurrencyLimit[int, int](inner, 2)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = s.Call(context.Background(), 1)
			done <- struct{}{}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}

	if maxSeen.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", maxSeen.Load())
	}
}

func TestLoadShedRejectsOnceSaturated(t *testing.T) {
	release := make(chan struct{})
	inner := Func[int, int](func(ctx context.Context, req int) (int, error) {
		<-release
		return req, nil
	})

	s := LoadShed[int, int](inner, 1)

	go func() { _, _ = s.Call(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond)

	_, err := s.Call(context.Background(), 2)
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	close(release)
}

func TestBufferSerializesCallsThroughOneWorker(t *testing.T) {
	var active atomic.Int32
	var overlapped atomic.Bool
	inner := Func[int, int](func(ctx context.Context, req int) (int, error) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return req, nil
	})

	b := Buffer[int, int](inner, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(i int) {
			resp, err := b.Call(context.Background(), i)
			if err != nil || resp != i {
				t.Errorf("call %d: got (%d, %v)", i, resp, err)
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	if overlapped.Load() {
		t.Fatalf("expected buffered calls to be serialized through one worker")
	}
}

func TestBufferRejectsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	inner := Func[int, int](func(ctx context.Context, req int) (int, error) {
		<-release
		return req, nil
	})

	b := Buffer[int, int](inner, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	go func() { _, _ = b.Call(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond) // let the worker pick it up, occupying the single job slot...
	go func() { _, _ = b.Call(context.Background(), 2) }()
	time.Sleep(10 * time.Millisecond) // ...then fill the queue with a second pending call

	_, err := b.Call(context.Background(), 3)
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	close(release)
}
