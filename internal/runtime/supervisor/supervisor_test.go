package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "digestbot/pkg/logx"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go0("boom", func(context.Context) { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatalf("expected panic error")
	}
	if s.Context().Err() == nil {
		t.Fatalf("supervisor context should be canceled")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLogger(logx.Nop()))
	var calls int32
	s.GoRestart("flaky", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	rc := s.RestartCounts()
	if len(rc) != 1 || rc[0].Name != "flaky" || rc[0].Restarts != 2 {
		t.Fatalf("restart counts = %+v", rc)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithLogger(logx.Nop()))
	var calls int32
	s.GoRestart("broken", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected final error")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestRetryBounded(t *testing.T) {
	t.Parallel()

	var calls int
	err := Retry(context.Background(), logx.Nop(), "start", 3, Backoff{Min: time.Millisecond, Max: time.Millisecond}, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond}.normalized()
	for i := 0; i < 6; i++ {
		if d := b.Next(); d > 48*time.Millisecond {
			t.Fatalf("step %d: %v exceeds max+jitter", i, d)
		}
	}
}
