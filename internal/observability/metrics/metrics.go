// Package metrics exposes delivery, fetch and send counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"digestbot/internal/delivery"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	recipients    *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
	feedFetches   *prometheus.CounterVec
	feedEntries   *prometheus.CounterVec
	feedDuration  prometheus.Histogram
	sends         *prometheus.CounterVec
	sendDuration  prometheus.Histogram
	schedulerBeat prometheus.Gauge
	commands      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestbot", Name: "delivery_runs_total",
			Help: "Delivery pipeline runs by kind and result.",
		}, []string{"kind", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "digestbot", Name: "delivery_run_duration_seconds",
			Help:    "Wall time of delivery pipeline runs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestbot", Name: "delivery_recipients_total",
			Help: "Recipients attempted and reached by delivery runs.",
		}, []string{"status"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "digestbot", Name: "delivery_last_success_timestamp_seconds",
			Help: "Unix time of the last run that reached at least one subscriber.",
		}),
		feedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestbot", Name: "feed_fetches_total",
			Help: "Feed fetches by source and result.",
		}, []string{"source", "result"}),
		feedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestbot", Name: "feed_entries_total",
			Help: "Entries returned per source.",
		}, []string{"source"}),
		feedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "digestbot", Name: "feed_fetch_duration_seconds",
			Help:    "Duration of successful feed fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestbot", Name: "messages_sent_total",
			Help: "Per-recipient digest sends by result.",
		}, []string{"result"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "digestbot", Name: "message_send_duration_seconds",
			Help:    "Per-recipient send latency including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		schedulerBeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "digestbot", Name: "scheduler_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed scheduler cycle.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestbot", Name: "commands_total",
			Help: "Handled chat commands.",
		}, []string{"command"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.recipients, m.lastSuccess,
		m.feedFetches, m.feedEntries, m.feedDuration,
		m.sends, m.sendDuration, m.schedulerBeat, m.commands,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// RunFinished implements delivery.Recorder.
func (m *Metrics) RunFinished(r delivery.Report) {
	if m == nil {
		return
	}
	kind := r.Kind.String()
	result := "sent"
	switch {
	case r.Err != nil:
		result = "error"
	case r.Skipped != "":
		result = "skipped_" + r.Skipped
	}
	m.runs.WithLabelValues(kind, result).Inc()
	m.runDuration.WithLabelValues(kind).Observe(r.Duration.Seconds())
	if r.Outcome.Attempted > 0 {
		m.recipients.WithLabelValues("attempted").Add(float64(r.Outcome.Attempted))
		m.recipients.WithLabelValues("succeeded").Add(float64(r.Outcome.Succeeded))
		m.recipients.WithLabelValues("gone").Add(float64(r.Outcome.Gone))
	}
	if r.Outcome.Succeeded > 0 {
		m.lastSuccess.Set(float64(r.StartedAt.Unix()))
	}
}

// FeedFetched implements news.Observer.
func (m *Metrics) FeedFetched(source string, entries int, took time.Duration) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(source, "ok").Inc()
	m.feedEntries.WithLabelValues(source).Add(float64(entries))
	m.feedDuration.Observe(took.Seconds())
}

func (m *Metrics) FeedFailed(source string) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(source, "error").Inc()
}

// SendResult implements dispatch.Observer.
func (m *Metrics) SendResult(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sends.WithLabelValues(result).Inc()
	m.sendDuration.Observe(took.Seconds())
}

func (m *Metrics) SchedulerCycle(at time.Time) {
	if m == nil {
		return
	}
	m.schedulerBeat.Set(float64(at.Unix()))
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}
