package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "digestbot/pkg/logx"
)

// Backoff yields jittered, exponentially growing delays between Min and Max.
// The zero value uses 250ms..30s.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	cur time.Duration
}

func (b Backoff) normalized() *Backoff {
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	b.cur = b.Min
	return &b
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Min
	}
	wait := b.cur
	// 20% jitter.
	if j := time.Duration(int64(wait) / 5); j > 0 {
		wait += time.Duration(time.Now().UnixNano() % int64(j+1))
	}
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return wait
}

func (b *Backoff) Reset() { b.cur = b.Min }

// Sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ErrAttemptsExhausted wraps the last error returned by Retry.
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// Retry calls fn up to attempts times with backoff between failures.
// attempts <= 0 means a single call.
func Retry(ctx context.Context, log logx.Logger, name string, attempts int, bo Backoff, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	b := bo.normalized()
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i == attempts {
			break
		}
		wait := b.Next()
		log.Warn("retrying", logx.String("name", name), logx.Int("attempt", i), logx.Int("of", attempts), logx.Duration("backoff", wait), logx.Err(err))
		if !Sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w after %d tries: %w", name, ErrAttemptsExhausted, attempts, err)
}
