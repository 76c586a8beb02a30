package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/digest"
	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/news"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

type memStore struct {
	mu          sync.Mutex
	settings    storage.Settings
	settingsErr error
	subs        []int64
	subsErr     error
	news        []storage.NewsItem
	log         []storage.DeliveryRecord
}

func (m *memStore) Settings(context.Context) (storage.Settings, error) {
	return m.settings, m.settingsErr
}

func (m *memStore) ActiveSubscribers(context.Context) ([]int64, error) { return m.subs, m.subsErr }

func (m *memStore) ReplaceNews(_ context.Context, items []storage.NewsItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.news = items
	return nil
}

func (m *memStore) AppendDelivery(_ context.Context, r storage.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, r)
	return nil
}

type fakeAgg struct {
	entries []news.Entry
	partial bool
	limit   int
}

func (f *fakeAgg) FetchAll(_ context.Context, limit int) ([]news.Entry, bool) {
	f.limit = limit
	return f.entries, f.partial
}

type fakeDisp struct {
	to   []int64
	text string
}

func (f *fakeDisp) SendAll(_ context.Context, recipients []int64, text string) dispatch.Outcome {
	f.to, f.text = recipients, text
	return dispatch.Outcome{Attempted: len(recipients), Succeeded: len(recipients) - 1}
}

type recorder struct{ reps []Report }

func (r *recorder) RunFinished(rep Report) { r.reps = append(r.reps, rep) }

func newPipeline(st *memStore, agg *fakeAgg, disp *fakeDisp, bus eventbus.Bus, rec *recorder) *Pipeline {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, msk)
	deps := Deps{
		Store:      st,
		Aggregator: agg,
		Formatter:  digest.NewFormatter(msk),
		Dispatcher: disp,
		Now:        func() time.Time { return now },
		Bus:        bus,
	}
	// Avoid storing a typed nil *recorder in the interface field.
	if rec != nil {
		deps.Recorder = rec
	}
	return NewPipeline(deps, logx.Nop())
}

func someNews() []news.Entry {
	return []news.Entry{
		{Title: "one", Link: "https://a/1", Source: "A"},
		{Title: "two", Link: "https://b/1", Source: "B"},
	}
}

func TestRunDeliversDigest(t *testing.T) {
	t.Parallel()

	st := &memStore{settings: storage.Settings{Active: true, NewsPerSource: 5, SendHour: 8}, subs: []int64{10, 20, 30}}
	agg := &fakeAgg{entries: someNews(), partial: true}
	disp := &fakeDisp{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TopicDeliveryFinished)
	defer unsub()
	rec := &recorder{}

	rep, err := newPipeline(st, agg, disp, bus, rec).Run(context.Background(), digest.KindScheduled)
	require.NoError(t, err)

	assert.Equal(t, 5, agg.limit)
	assert.Equal(t, []int64{10, 20, 30}, disp.to)
	assert.True(t, strings.HasPrefix(disp.text, "🗞 <b>Ежедневная рассылка новостей на 01.05.2024 08:00 (MSK):</b>"))
	assert.Contains(t, disp.text, digest.PartialNotice)
	assert.Contains(t, disp.text, digest.Footer)

	assert.Equal(t, 3, rep.Outcome.Attempted)
	assert.Equal(t, 2, rep.Outcome.Succeeded)
	assert.Equal(t, 2, rep.Entries)
	assert.True(t, rep.Partial)
	assert.Len(t, rep.RunID, 36)

	require.Len(t, st.news, 2, "fetched entries replace the news cache")
	require.Len(t, st.log, 1)
	assert.Equal(t, "scheduled", st.log[0].Kind)
	assert.Equal(t, 3, st.log[0].Attempted)
	require.Len(t, rec.reps, 1)

	e := <-events
	assert.Equal(t, rep.RunID, e.Data.(Report).RunID)
}

func TestRunSkips(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		st      *memStore
		agg     *fakeAgg
		kind    digest.Kind
		skipped string
	}{
		{"inactive", &memStore{settings: storage.Settings{Active: false, NewsPerSource: 3}, subs: []int64{1}}, &fakeAgg{entries: someNews()}, digest.KindScheduled, SkipInactive},
		{"no subscribers", &memStore{settings: storage.DefaultSettings()}, &fakeAgg{entries: someNews()}, digest.KindScheduled, SkipNoSubscribers},
		{"no news", &memStore{settings: storage.DefaultSettings(), subs: []int64{1}}, &fakeAgg{partial: true}, digest.KindScheduled, SkipNoNews},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			disp := &fakeDisp{}
			rep, err := newPipeline(tc.st, tc.agg, disp, nil, nil).Run(context.Background(), tc.kind)
			require.NoError(t, err)
			assert.Equal(t, tc.skipped, rep.Skipped)
			assert.Nil(t, disp.to, "nothing sent")
			assert.Zero(t, rep.Outcome.Attempted)
			require.Len(t, tc.st.log, 1)
			assert.Equal(t, tc.skipped, tc.st.log[0].Skipped)
		})
	}
}

func TestManualRunIgnoresActiveFlag(t *testing.T) {
	t.Parallel()

	st := &memStore{settings: storage.Settings{Active: false, NewsPerSource: 3}, subs: []int64{1}}
	disp := &fakeDisp{}
	rep, err := newPipeline(st, &fakeAgg{entries: someNews()}, disp, nil, nil).Run(context.Background(), digest.KindManual)
	require.NoError(t, err)
	assert.Empty(t, rep.Skipped)
	assert.True(t, strings.HasPrefix(disp.text, "🗞 <b>Свежие новости на"))
}

func TestRunSubscriberListFailure(t *testing.T) {
	t.Parallel()

	st := &memStore{settings: storage.DefaultSettings(), subsErr: errors.New("db locked")}
	disp := &fakeDisp{}
	rep, err := newPipeline(st, &fakeAgg{entries: someNews()}, disp, nil, nil).Run(context.Background(), digest.KindScheduled)
	require.Error(t, err)
	assert.Zero(t, rep.Outcome.Attempted)
	assert.Nil(t, disp.to)
	require.Len(t, st.log, 1)
	assert.Contains(t, st.log[0].Error, "db locked")
}

func TestSettingsErrorUsesDefaults(t *testing.T) {
	t.Parallel()

	st := &memStore{settingsErr: errors.New("gone"), subs: []int64{1}}
	agg := &fakeAgg{entries: someNews()}
	p := newPipeline(st, agg, &fakeDisp{}, nil, nil)
	assert.True(t, p.Active(context.Background()))

	b := p.Build(context.Background(), digest.KindOnDemand)
	assert.Equal(t, storage.DefaultSettings().NewsPerSource, agg.limit)
	assert.True(t, strings.HasPrefix(b.Text, "📰 <b>НОВОСТИ НА"))
	assert.NotContains(t, b.Text, digest.Footer)
}
