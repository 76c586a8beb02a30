package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/config"
	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	"digestbot/internal/dispatch"
	logx "digestbot/pkg/logx"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Тестовая лента</title>
<item><title>Главная новость</title><link>https://example.com/1</link>
<description>Короткое описание</description>
<pubDate>Wed, 01 May 2024 10:00:00 +0300</pubDate></item>
</channel></rss>`

func testConfig(t *testing.T, feedURL string) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`{
		"telegram": {"token": "1:test", "owner_user_ids": [1]},
		"storage": {"driver": "file", "path": %q},
		"feeds": {"sources": [{"name": "Test", "url": %q}]},
		"subscribers": [10, 20]
	}`, filepath.Join(t.TempDir(), "store"), feedURL)
	cfg, err := config.Decode("test.json", []byte(raw))
	require.NoError(t, err)
	return cfg
}

func TestCorePreview(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(feedXML))
	}))
	defer srv.Close()

	ctx := context.Background()
	core, err := NewCore(ctx, testConfig(t, srv.URL), nil, logx.Nop())
	require.NoError(t, err)
	defer core.Close()

	subs, err := core.Store.ActiveSubscribers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 20}, subs)

	built, err := core.Preview(ctx)
	require.NoError(t, err)
	assert.False(t, built.Partial)
	require.Len(t, built.Entries, 1)
	assert.Contains(t, built.Text, "Главная новость")
	assert.Contains(t, built.Text, "Тестовая лента")
	assert.Contains(t, built.Text, "Ежедневная рассылка")

	cached, err := core.Store.LatestNews(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, kind digest.Kind) (delivery.Report, error) {
	close(b.started)
	<-b.release
	return delivery.Report{Kind: kind}, nil
}

func TestSerialRunnerRefusesOverlappingManualRun(t *testing.T) {
	t.Parallel()

	inner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	r := newSerialRunner(inner)
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), digest.KindManual)
		done <- err
	}()
	<-inner.started

	rep, err := r.Run(context.Background(), digest.KindManual)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, digest.KindManual, rep.Kind)

	close(inner.release)
	require.NoError(t, <-done)
}

func TestSerialRunnerScheduledWaitHonoursCancel(t *testing.T) {
	t.Parallel()

	inner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	defer close(inner.release)
	r := newSerialRunner(inner)
	go func() { _, _ = r.Run(context.Background(), digest.KindManual) }()
	<-inner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	rep, err := r.Run(ctx, digest.KindScheduled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, digest.KindScheduled, rep.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAlertText(t *testing.T) {
	t.Parallel()

	assert.Empty(t, alertText(delivery.Report{Kind: digest.KindScheduled, Outcome: dispatch.Outcome{Attempted: 2, Succeeded: 1}}))
	assert.Empty(t, alertText(delivery.Report{Err: context.Canceled}))
	assert.Empty(t, alertText(delivery.Report{Kind: digest.KindManual, Skipped: delivery.SkipNoNews}))

	got := alertText(delivery.Report{RunID: "abc", Kind: digest.KindScheduled, Err: errors.New("db <down>")})
	assert.Contains(t, got, "db &lt;down&gt;")
	assert.Contains(t, got, "<code>abc</code>")

	got = alertText(delivery.Report{Kind: digest.KindManual, Outcome: dispatch.Outcome{Attempted: 3}})
	assert.Contains(t, got, "никому не доставлена")
	assert.Contains(t, alertText(delivery.Report{Kind: digest.KindScheduled, Skipped: delivery.SkipNoNews}), "новостей не найдено")
}

func TestMappings(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.com/rss")
	cfg.Storage.Driver = "PG"
	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, "postgres", mapStorageConfig(cfg, d).Driver)

	sc := mapSchedulerConfig(d)
	assert.Equal(t, 30*time.Second, sc.PollInterval)
	assert.Equal(t, 15*time.Minute, sc.DueWindow)

	lc := mapLoggingConfig(cfg)
	assert.Equal(t, 1, lc.Telegram.RatePerSec)

	assert.Equal(t, 6*time.Minute, staleAfter(30*time.Second, 65*time.Second, 2*time.Minute))
}
