package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	"digestbot/internal/dispatch"
	logx "digestbot/pkg/logx"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RunFinished(delivery.Report{})
	m.FeedFetched("x", 1, time.Second)
	m.FeedFailed("x")
	m.SendResult(true, time.Second)
	m.SchedulerCycle(time.Now())
	m.Command("news")
	assert.Nil(t, m.Registry())
}

func TestRecordsRuns(t *testing.T) {
	t.Parallel()

	m := New()
	started := time.Unix(1714550400, 0)
	m.RunFinished(delivery.Report{Kind: digest.KindScheduled, StartedAt: started, Outcome: dispatch.Outcome{Attempted: 3, Succeeded: 2, Gone: 1}})
	m.RunFinished(delivery.Report{Kind: digest.KindScheduled, Skipped: delivery.SkipNoNews})
	m.RunFinished(delivery.Report{Kind: digest.KindManual, Err: errors.New("x")})
	m.FeedFailed("https://a")
	m.SendResult(false, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("scheduled", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("scheduled", "skipped_no_news")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("manual", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recipients.WithLabelValues("attempted")))
	assert.Equal(t, float64(started.Unix()), testutil.ToFloat64(m.lastSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedFetches.WithLabelValues("https://a", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("error")))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()

	m := New()
	m.Command("news")
	var stalled atomic.Bool
	health := func() error {
		if stalled.Load() {
			return errors.New("scheduler stalled")
		}
		return nil
	}
	s := NewServer(ServerConfig{Enabled: true, Token: "secret"}, m, health, logx.Nop())
	srv := httptest.NewServer(s.handler(ServerConfig{Token: "secret", Pprof: true}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics?token=secret")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `digestbot_commands_total{command="news"} 1`))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stalled.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:9"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9090"))
	assert.False(t, isLoopbackAddr(":9090"))
}
