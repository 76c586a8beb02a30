package delivery

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"digestbot/internal/digest"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/schedule"
	logx "digestbot/pkg/logx"
)

// State is the scheduler loop's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateFiring:
		return "firing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// maxDueWindow caps DueWindow so a missed slot is never fired hours late.
const maxDueWindow = 15 * time.Minute

type SchedulerConfig struct {
	PollInterval  time.Duration // time between due checks
	DueWindow     time.Duration // a slot fires at target <= now < target+DueWindow
	FirePause     time.Duration // no rescans for this long after a fire
	ErrorCooldown time.Duration // sleep after a failed cycle; kept above PollInterval
	ShutdownGrace time.Duration // how long an in-flight run may continue after cancel
}

func (c SchedulerConfig) normalized() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DueWindow <= 0 || c.DueWindow > maxDueWindow {
		c.DueWindow = maxDueWindow
	}
	if c.FirePause < 0 {
		c.FirePause = 0
	} else if c.FirePause == 0 {
		c.FirePause = 65 * time.Second
	}
	if c.ErrorCooldown <= c.PollInterval {
		c.ErrorCooldown = max(2*time.Minute, 2*c.PollInterval)
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 20 * time.Second
	}
	return c
}

// Runner executes the delivery pipeline.
type Runner interface {
	Run(ctx context.Context, kind digest.Kind) (Report, error)
}

// Entries supplies the enabled send times.
type Entries interface {
	ActiveEntries(ctx context.Context) []schedule.Entry
}

// Slot identifies one delivery opportunity: a calendar date plus a send time.
type Slot struct {
	Date string // YYYY-MM-DD in the delivery zone
	Key  string // HH:MM
}

func (s Slot) String() string { return s.Date + " " + s.Key }

const dateLayout = "2006-01-02"

// Scheduler is the delivery state machine. It owns the fired-slot records; they are
// process-local and lost on restart.
type Scheduler struct {
	cfg     SchedulerConfig
	now     func() time.Time
	entries Entries
	runner  Runner
	log     logx.Logger

	state     atomic.Int32
	heartbeat func()

	mu       sync.Mutex
	fired    map[Slot]time.Time
	lastRun  Report
	lastTick time.Time
}

type SchedulerOption func(*Scheduler)

// WithHeartbeat is called after every completed cycle, including failed ones.
func WithHeartbeat(fn func()) SchedulerOption { return func(s *Scheduler) { s.heartbeat = fn } }

// NewScheduler builds the loop. now must return the current time in the delivery zone.
func NewScheduler(cfg SchedulerConfig, now func() time.Time, entries Entries, runner Runner, log logx.Logger, opts ...SchedulerOption) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:     cfg.normalized(),
		now:     now,
		entries: entries,
		runner:  runner,
		log:     log,
		fired:   map[Slot]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Run polls until ctx is cancelled. A cycle error never ends the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("window", s.cfg.DueWindow))
	for {
		fired, err := s.Tick(ctx)
		wait := s.cfg.PollInterval
		switch {
		case err != nil:
			s.log.Error("scheduler cycle failed", logx.Err(err), logx.Duration("cooldown", s.cfg.ErrorCooldown))
			wait = s.cfg.ErrorCooldown
		case fired:
			wait = max(s.cfg.FirePause, s.cfg.PollInterval)
		}
		if s.heartbeat != nil {
			s.heartbeat()
		}
		if !supervisor.Sleep(ctx, wait) {
			s.log.Info("scheduler stopped")
			return nil
		}
	}
}

// Tick runs one CHECKING phase and, when slots are due, one FIRING phase.
// Several slots due in the same cycle are coalesced into a single run.
func (s *Scheduler) Tick(ctx context.Context) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduler cycle", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("scheduler cycle panicked: %v", r)
		}
		s.state.Store(int32(StateIdle))
	}()

	s.state.Store(int32(StateChecking))
	now := s.now()
	s.purge(now)

	due := s.dueSlots(now, s.entries.ActiveEntries(ctx))

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
	if len(due) == 0 {
		return false, nil
	}

	// Slots are marked before the run and never unmarked.
	s.mark(due, now)
	s.state.Store(int32(StateFiring))

	keys := make([]string, len(due))
	for i, d := range due {
		keys[i] = d.String()
	}
	s.log.Info("scheduled delivery due", logx.String("slots", strings.Join(keys, ",")), logx.Time("now", now))

	// A shutdown lets the run finish within the grace period.
	runCtx, cancel := graceContext(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	rep, err := s.runner.Run(runCtx, digest.KindScheduled)

	s.mu.Lock()
	s.lastRun = rep
	s.mu.Unlock()
	// A failed run still counts as fired: the slot is spent for today.
	if err != nil {
		s.log.Error("scheduled delivery failed", logx.String("slots", strings.Join(keys, ",")), logx.Err(err))
	}
	return true, nil
}

// dueSlots returns the unfired slots whose window contains now. Yesterday's targets are
// checked too so a window that spans midnight still fires.
func (s *Scheduler) dueSlots(now time.Time, entries []schedule.Entry) []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Slot
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		for _, e := range entries {
			if !e.Enabled {
				continue
			}
			target := e.At(day)
			if !InWindow(now, target, s.cfg.DueWindow) {
				continue
			}
			slot := Slot{Date: target.Format(dateLayout), Key: e.Key()}
			if _, done := s.fired[slot]; done {
				continue
			}
			out = append(out, slot)
		}
	}
	return out
}

// InWindow reports target <= now < target+window.
func InWindow(now, target time.Time, window time.Duration) bool {
	return !now.Before(target) && now.Before(target.Add(window))
}

func (s *Scheduler) mark(slots []Slot, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range slots {
		s.fired[sl] = at
	}
}

// purge drops records dated before yesterday.
func (s *Scheduler) purge(now time.Time) {
	cutoff := now.AddDate(0, 0, -1).Format(dateLayout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for sl := range s.fired {
		if sl.Date < cutoff {
			delete(s.fired, sl)
		}
	}
}

// Fired reports whether slot has a record.
func (s *Scheduler) Fired(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fired[slot]
	return ok
}

type SchedulerSnapshot struct {
	State    State
	LastTick time.Time
	LastRun  Report
	Fired    int
}

func (s *Scheduler) Snapshot() SchedulerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerSnapshot{State: s.State(), LastTick: s.lastTick, LastRun: s.lastRun, Fired: len(s.fired)}
}

// graceContext is detached from parent's cancellation but ends grace after parent is done.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
