// Package dispatch fans one rendered message out to many chats.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type Config struct {
	Workers     int
	RatePerSec  float64 // aggregate across workers; burst is 1
	SendTimeout time.Duration
	RetryMax    int
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// Outcome is the per-run aggregate. Gone counts recipients that blocked the bot or no
// longer exist; they are included in Attempted but never retried.
type Outcome struct {
	Attempted int
	Succeeded int
	Gone      int
	Failures  []int64
}

func (o Outcome) Failed() int { return o.Attempted - o.Succeeded }

// Observer receives each send result. Optional.
type Observer interface {
	SendResult(ok bool, took time.Duration)
}

const maxFailures = 200

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  kit.Sender
	log     logx.Logger
	obs     Observer
}

func New(cfg Config, sender kit.Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	return &Dispatcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		sender:  sender,
		log:     log,
	}
}

func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	d.obs = o
	d.mu.Unlock()
}

// Apply swaps the configuration. Runs already in flight keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.normalized()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
}

// SendAll delivers text to every recipient with HTML formatting and link previews off.
// A failing recipient never stops the others, and partial failure is not an error:
// callers read the counts.
func (d *Dispatcher) SendAll(ctx context.Context, recipients []int64, text string) Outcome {
	if len(recipients) == 0 {
		return Outcome{}
	}

	d.mu.Lock()
	cfg, lim, sender, obs := d.cfg, d.limiter, d.sender, d.obs
	d.mu.Unlock()

	var (
		attempted, succeeded, gone atomic.Int64
		failMu                     sync.Mutex
		failures                   []int64
	)
	opt := &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true}
	jobs := make(chan int64)
	workers := min(cfg.Workers, len(recipients))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			for id := range jobs {
				attempted.Add(1)
				start := time.Now()
				err := d.sendOne(ctx, idx, cfg, lim, sender, id, text, opt)
				if obs != nil {
					obs.SendResult(err == nil, time.Since(start))
				}
				if err == nil {
					succeeded.Add(1)
					continue
				}
				if errors.Is(err, kit.ErrRecipientGone) {
					gone.Add(1)
				}
				failMu.Lock()
				if len(failures) < maxFailures {
					failures = append(failures, id)
				}
				failMu.Unlock()
			}
		}()
	}

	for _, id := range recipients {
		if ctx.Err() != nil {
			// Not handed to a worker; still counts as attempted so the totals add up.
			attempted.Add(1)
			failMu.Lock()
			if len(failures) < maxFailures {
				failures = append(failures, id)
			}
			failMu.Unlock()
			continue
		}
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	out := Outcome{
		Attempted: int(attempted.Load()),
		Succeeded: int(succeeded.Load()),
		Gone:      int(gone.Load()),
		Failures:  failures,
	}
	fields := []logx.Field{
		logx.Int("attempted", out.Attempted),
		logx.Int("succeeded", out.Succeeded),
		logx.Int("gone", out.Gone),
	}
	if out.Failed() > 0 {
		d.log.Warn("dispatch finished with failures", fields...)
	} else {
		d.log.Info("dispatch finished", fields...)
	}
	return out
}

func (d *Dispatcher) sendOne(ctx context.Context, worker int, cfg Config, lim *rate.Limiter, sender kit.Sender, chatID int64, text string, opt *kit.SendOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in dispatch worker", logx.Int("worker", worker), logx.Int64("chat_id", chatID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = errors.New("send panicked")
		}
	}()

	var last error
	for i := 0; i <= cfg.RetryMax; i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(sctx, kit.ChatTarget{ChatID: chatID}, text, opt)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, kit.ErrRecipientGone) || i == cfg.RetryMax {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		d.log.Debug("dispatch send retry scheduled", logx.Int64("chat_id", chatID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	if errors.Is(last, kit.ErrRecipientGone) {
		d.log.Info("dispatch recipient unreachable", logx.Int64("chat_id", chatID), logx.Err(last))
	} else {
		d.log.Warn("dispatch send failed", logx.Int64("chat_id", chatID), logx.Err(last))
	}
	return last
}
