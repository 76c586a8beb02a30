package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/digest"
	"digestbot/internal/schedule"
	logx "digestbot/pkg/logx"
)

var msk = time.FixedZone("MSK", 3*3600)

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.cur = t
	c.mu.Unlock()
}

type staticEntries []schedule.Entry

func (s staticEntries) ActiveEntries(context.Context) []schedule.Entry { return s }

type fakeRunner struct {
	calls  atomic.Int32
	err    error
	panics bool
	during func()
}

func (r *fakeRunner) Run(ctx context.Context, kind digest.Kind) (Report, error) {
	r.calls.Add(1)
	if r.during != nil {
		r.during()
	}
	if r.panics {
		panic("formatter exploded")
	}
	return Report{Kind: kind}, r.err
}

func at(day, h, m int) time.Time { return time.Date(2024, 5, day, h, m, 0, 0, msk) }

func newTestScheduler(clk *fakeClock, entries staticEntries, r *fakeRunner) *Scheduler {
	return NewScheduler(SchedulerConfig{}, clk.Now, entries, r, logx.Nop())
}

func TestInWindow(t *testing.T) {
	t.Parallel()

	target := at(1, 8, 0)
	cases := []struct {
		now  time.Time
		want bool
	}{
		{target.Add(-time.Second), false},
		{target, true},
		{target.Add(14*time.Minute + 59*time.Second), true},
		{target.Add(15 * time.Minute), false},
		{target.Add(3 * time.Hour), false},
	}
	for _, tc := range cases {
		if got := InWindow(tc.now, target, 15*time.Minute); got != tc.want {
			t.Fatalf("InWindow(%s) = %v, want %v", tc.now.Format("15:04:05"), got, tc.want)
		}
	}
}

func TestTwoSlotsFireIndependently(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	r := &fakeRunner{}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}, {Hour: 12, Minute: 0, Enabled: true}}, r)
	ctx := context.Background()

	steps := []struct {
		now       time.Time
		wantFired bool
		wantCalls int32
	}{
		{at(1, 7, 59), false, 0},
		{at(1, 8, 3), true, 1},
		{at(1, 8, 7), false, 1},
		{at(1, 12, 4), true, 2},
		{at(1, 12, 20), false, 2},
	}
	for _, st := range steps {
		clk.Set(st.now)
		fired, err := s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, st.wantFired, fired, "at %s", st.now.Format("15:04"))
		assert.Equal(t, st.wantCalls, r.calls.Load(), "at %s", st.now.Format("15:04"))
	}
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "08:00"}))
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "12:00"}))
}

func TestAtMostOncePerSlot(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	r := &fakeRunner{}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, r)

	// Sweep the window twice over, as if two polls landed in it on each pass.
	for pass := 0; pass < 2; pass++ {
		for t0 := at(1, 7, 50); t0.Before(at(1, 8, 30)); t0 = t0.Add(30 * time.Second) {
			clk.Set(t0)
			_, err := s.Tick(context.Background())
			require.NoError(t, err)
		}
	}
	assert.EqualValues(t, 1, r.calls.Load())

	clk.Set(at(2, 8, 1))
	fired, _ := s.Tick(context.Background())
	assert.True(t, fired, "next day's slot is independent")
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestSlotRecordedBeforePipeline(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 8, 0)}
	r := &fakeRunner{}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, r)
	var sawRecord, sawFiring bool
	r.during = func() {
		sawRecord = s.Fired(Slot{Date: "2024-05-01", Key: "08:00"})
		sawFiring = s.State() == StateFiring
	}
	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, sawRecord)
	assert.True(t, sawFiring)
	assert.Equal(t, StateIdle, s.State())
}

func TestFailedRunStaysFired(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 8, 1)}
	r := &fakeRunner{err: errors.New("subscribers unavailable")}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, r)

	fired, err := s.Tick(context.Background())
	assert.True(t, fired)
	assert.NoError(t, err, "pipeline errors are logged, not returned")

	clk.Set(at(1, 8, 5))
	fired, _ = s.Tick(context.Background())
	assert.False(t, fired)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestPanickingRunIsContained(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 8, 1)}
	r := &fakeRunner{panics: true}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, r)

	_, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "08:00"}))

	clk.Set(at(1, 8, 3))
	_, err = s.Tick(context.Background())
	assert.NoError(t, err)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestWindowAcrossMidnight(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(2, 0, 5)}
	r := &fakeRunner{}
	s := newTestScheduler(clk, staticEntries{{Hour: 23, Minute: 55, Enabled: true}}, r)

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "23:55"}))

	clk.Set(at(2, 0, 9))
	fired, _ = s.Tick(context.Background())
	assert.False(t, fired)
}

func TestSimultaneousSlotsCoalesce(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 8, 6)}
	r := &fakeRunner{}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}, {Hour: 8, Minute: 5, Enabled: true}}, r)

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)
	assert.EqualValues(t, 1, r.calls.Load())
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "08:00"}))
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "08:05"}))
}

func TestPurgeOldRecords(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 8, 0)}
	r := &fakeRunner{}
	s := newTestScheduler(clk, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, r)
	_, _ = s.Tick(context.Background())

	clk.Set(at(2, 9, 0))
	_, _ = s.Tick(context.Background())
	assert.True(t, s.Fired(Slot{Date: "2024-05-01", Key: "08:00"}), "yesterday is kept")

	clk.Set(at(3, 9, 0))
	_, _ = s.Tick(context.Background())
	assert.False(t, s.Fired(Slot{Date: "2024-05-01", Key: "08:00"}))
	assert.Equal(t, 0, s.Snapshot().Fired)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 10, 0)}
	var beats atomic.Int32
	s := NewScheduler(SchedulerConfig{PollInterval: 5 * time.Millisecond}, clk.Now, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, &fakeRunner{}, logx.Nop(),
		WithHeartbeat(func() { beats.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestGraceContextOutlivesParent(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	ctx, release := graceContext(parent, 30*time.Millisecond)
	defer release()

	cancel()
	assert.NoError(t, ctx.Err(), "run keeps going right after shutdown")
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 5*time.Millisecond)
}

func TestNormalizedConfig(t *testing.T) {
	t.Parallel()

	c := SchedulerConfig{PollInterval: 3 * time.Minute}.normalized()
	assert.Greater(t, c.ErrorCooldown, c.PollInterval)
	assert.Equal(t, 15*time.Minute, c.DueWindow)
	assert.Equal(t, 65*time.Second, c.FirePause)
}

func TestWideDueWindowIsClamped(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{cur: at(1, 13, 30)}
	r := &fakeRunner{}
	s := NewScheduler(SchedulerConfig{DueWindow: 6 * time.Hour}, clk.Now, staticEntries{{Hour: 8, Minute: 0, Enabled: true}}, r, logx.Nop())

	fired, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, fired, "08:00 must not fire at 13:30")
	assert.Zero(t, r.calls.Load())

	clk.Set(at(2, 8, 14))
	fired, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)
}
