package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	"digestbot/internal/dispatch"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	kit "digestbot/internal/transport"
	"digestbot/internal/transport/telegram/router"
	logx "digestbot/pkg/logx"
)

const ownerID = 1

type sent struct {
	chat     int64
	text     string
	keyboard [][]string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kb [][]string
	if opt != nil {
		kb = opt.Keyboard
	}
	f.msgs = append(f.msgs, sent{chat: to.ChatID, text: text, keyboard: kb})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.text
	}
	return out
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	subs     map[int64]storage.Subscriber
	settings storage.Settings
	times    []storage.SendTime
	feeds    []storage.FeedSource
	runs     []storage.DeliveryRecord
	fail     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: map[int64]storage.Subscriber{}, settings: storage.DefaultSettings()}
}

func (s *fakeStore) AddSubscriber(_ context.Context, sub storage.Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	cur, ok := s.subs[sub.UserID]
	if ok && cur.Active {
		return false, nil
	}
	sub.Active = true
	s.subs[sub.UserID] = sub
	return true, nil
}

func (s *fakeStore) RemoveSubscriber(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[id]
	if !ok || !cur.Active {
		return false, nil
	}
	cur.Active = false
	s.subs[id] = cur
	return true, nil
}

func (s *fakeStore) ListSubscribers(context.Context) ([]storage.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Subscriber
	for _, v := range s.subs {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) Settings(context.Context) (storage.Settings, error) { return s.settings, nil }
func (s *fakeStore) SendTimes(context.Context) ([]storage.SendTime, error) {
	return s.times, nil
}
func (s *fakeStore) ListFeeds(context.Context) ([]storage.FeedSource, error) { return s.feeds, nil }
func (s *fakeStore) RecentDeliveries(_ context.Context, n int) ([]storage.DeliveryRecord, error) {
	if len(s.runs) < n {
		n = len(s.runs)
	}
	return s.runs[:n], nil
}

type fakeDigests struct {
	active bool
	built  delivery.Built
	kinds  []digest.Kind
}

func (f *fakeDigests) Active(context.Context) bool { return f.active }
func (f *fakeDigests) Build(_ context.Context, k digest.Kind) delivery.Built {
	f.kinds = append(f.kinds, k)
	return f.built
}

type staticEntries []schedule.Entry

func (s staticEntries) ActiveEntries(context.Context) []schedule.Entry { return s }

type counter struct{ names []string }

func (c *counter) Command(name string) { c.names = append(c.names, name) }

type harness struct {
	r     *router.Router
	out   *fakeSender
	store *fakeStore
	dg    *fakeDigests
	cnt   *counter
}

type fakeRuntime struct{}

func (fakeRuntime) Active() int64 { return 6 }

func (fakeRuntime) RestartCounts() []rtsup.RestartCount {
	return []rtsup.RestartCount{{Name: "delivery.alerts", Restarts: 2}}
}

func newHarness(t *testing.T, active bool) *harness {
	t.Helper()
	h := &harness{
		out:   &fakeSender{},
		store: newFakeStore(),
		dg:    &fakeDigests{active: active, built: delivery.Built{Text: "DIGEST"}},
		cnt:   &counter{},
	}
	b := New(Deps{
		Store:   h.store,
		Digests: h.dg,
		Entries: staticEntries{{Hour: 8, Enabled: true}, {Hour: 20, Minute: 30, Enabled: true}},
		SendNow: func(context.Context) (delivery.Report, error) {
			return delivery.Report{Entries: 4, Outcome: dispatch.Outcome{Attempted: 3, Succeeded: 2}}, nil
		},
		Now:      func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
		ZoneName: "Europe/Moscow",
		Counter:  h.cnt,
		Runtime:  fakeRuntime{},
	}, logx.Nop())
	h.r = router.New(logx.Nop(), h.out, []int64{ownerID})
	h.r.SetRegistry(b.Commands(), b.Fallback)
	return h
}

func (h *harness) send(t *testing.T, from int64, text string) {
	t.Helper()
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: from, FromID: from, FromUsername: "user", FromFirstName: "Ivan", Text: text,
	}}
	require.NoError(t, h.r.Dispatch(context.Background(), up))
}

func TestSubscribeLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	h.send(t, 42, "/подписаться")
	assert.Contains(t, h.out.last().text, "успешно подписались")
	assert.Contains(t, h.out.last().text, "08:00")
	assert.Equal(t, Keyboard(), h.out.last().keyboard)

	h.send(t, 42, BtnSubscribe)
	assert.Equal(t, "ℹ️ Вы уже подписаны на рассылку новостей.", h.out.last().text)

	sub := h.store.subs[42]
	assert.Equal(t, "user", sub.Username)
	assert.Equal(t, "Ivan", sub.FirstName)

	h.send(t, 42, "/unsubscribe")
	assert.Equal(t, "✅ Вы успешно отписались от рассылки новостей.", h.out.last().text)
	h.send(t, 42, BtnUnsubscribe)
	assert.Equal(t, "ℹ️ Вы не были подписаны на рассылку новостей.", h.out.last().text)

	assert.Equal(t, []string{"subscribe", "subscribe", "unsubscribe", "unsubscribe"}, h.cnt.names)
}

func TestSubscribeStoreError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.store.fail = errors.New("disk full")

	h.send(t, 42, "/subscribe")
	assert.Equal(t, msgFailed, h.out.last().text)
}

func TestNewsOnDemand(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	h.send(t, 5, BtnNews)
	assert.Equal(t, []string{msgSearch, "DIGEST"}, h.out.texts())
	assert.Equal(t, []digest.Kind{digest.KindOnDemand}, h.dg.kinds)
	assert.Equal(t, Keyboard(), h.out.last().keyboard)
}

func TestDisabledBot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	h.send(t, 5, "/новости")
	assert.Equal(t, []string{msgDisabled}, h.out.texts())
	assert.Empty(t, h.dg.kinds)

	// Unknown input is ignored entirely while disabled.
	h.send(t, 5, "hello")
	assert.Len(t, h.out.texts(), 1)

	// Owner commands keep working.
	h.send(t, ownerID, "/status")
	assert.Contains(t, h.out.last().text, "отключен")
}

func TestFallbackAndHelp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	h.send(t, 5, "что-то непонятное")
	assert.Equal(t, msgUnknown, h.out.last().text)

	h.send(t, 5, "/помощь")
	assert.Contains(t, h.out.last().text, "/новости")

	h.send(t, 5, "/start")
	assert.Contains(t, h.out.last().text, "Дайджест новостей")
}

func TestOwnerCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.store.feeds = []storage.FeedSource{{Name: "Лента", URL: "https://lenta.ru/rss", Active: true}}
	h.store.times = []storage.SendTime{{ID: 1, Hour: 20, Minute: 30, Active: true}}
	h.store.runs = []storage.DeliveryRecord{{Kind: "scheduled", StartedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), Attempted: 2, Succeeded: 2}}
	_, _ = h.store.AddSubscriber(context.Background(), storage.Subscriber{UserID: 7, Username: "bob"})

	h.send(t, 5, "/sendnow")
	assert.Equal(t, "⛔ Команда доступна только администратору.", h.out.last().text)

	h.send(t, ownerID, "/sendnow")
	assert.Contains(t, h.out.last().text, "доставлено 2 из 3")

	h.send(t, ownerID, "/status")
	st := h.out.last().text
	assert.Contains(t, st, "<code>08:00</code>")
	assert.Contains(t, st, "<code>20:30</code>")
	assert.Contains(t, st, "Подписчики: 1 активных из 1")
	assert.Contains(t, st, "доставлено 2 из 2")
	assert.Contains(t, st, "Фоновые задачи: 6")
	assert.Contains(t, st, "Перезапуски: delivery.alerts ×2")

	h.send(t, ownerID, "/times")
	assert.Contains(t, h.out.last().text, "<code>20:30</code>")

	h.send(t, ownerID, "/feeds")
	assert.Contains(t, h.out.last().text, `<a href="https://lenta.ru/rss">Лента</a>`)

	h.send(t, ownerID, "/subscribers")
	assert.Contains(t, h.out.last().text, "<code>7</code>")
	assert.Contains(t, h.out.last().text, "@bob")
}

func TestDescribeRun(t *testing.T) {
	t.Parallel()

	assert.Contains(t, describeRun(delivery.Report{}, errors.New("<db>")), "&lt;db&gt;")
	assert.Contains(t, describeRun(delivery.Report{Skipped: delivery.SkipNoSubscribers}, nil), "нет активных подписчиков")
	assert.Contains(t, describeRun(delivery.Report{Skipped: delivery.SkipNoNews}, nil), "новостей не найдено")
	got := describeRun(delivery.Report{Partial: true, Outcome: dispatch.Outcome{Attempted: 1, Succeeded: 1}}, nil)
	assert.True(t, strings.HasSuffix(got, "Часть источников недоступна."))
}
