// Package telemetry exposes Prometheus metrics, correlation id helpers, and
// optional OpenTelemetry tracing for the bot.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initOnce sync.Once

	// PollsTotal counts chat poll attempts by outcome (ok, empty, error, ended).
	PollsTotal *prometheus.CounterVec

	// PollDuration observes wall time of a single poll cycle in seconds.
	PollDuration prometheus.Histogram

	// MessagesProcessed counts chat messages recorded after dedup.
	MessagesProcessed prometheus.Counter

	// RepliesTotal counts reply jobs by outcome (sent, failed).
	RepliesTotal *prometheus.CounterVec

	// ActiveSessions gauges stream sessions currently in ACTIVE status.
	ActiveSessions prometheus.Gauge

	// QuotaRequestsToday gauges the current day's platform API request count.
	QuotaRequestsToday prometheus.Gauge

	// QuotaBackoff is 1 when quota backoff mode is engaged, else 0.
	QuotaBackoff prometheus.Gauge

	// DiscoveredSessions counts sessions created or reactivated by discovery.
	DiscoveredSessions prometheus.Counter
)

// Init registers all metrics with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loomy_polls_total",
			Help: "Chat poll attempts by outcome.",
		}, []string{"outcome"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "loomy_poll_duration_seconds",
			Help:    "Duration of a single chat poll cycle.",
			Buckets: prometheus.DefBuckets,
		})
		MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
			Name: "loomy_messages_processed_total",
			Help: "Chat messages recorded after deduplication.",
		})
		RepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "loomy_replies_total",
			Help: "Reply jobs completed by outcome.",
		}, []string{"outcome"})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loomy_active_sessions",
			Help: "Stream sessions currently in ACTIVE status.",
		})
		QuotaRequestsToday = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loomy_quota_requests_today",
			Help: "Platform API requests counted for the current day.",
		})
		QuotaBackoff = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "loomy_quota_backoff_enabled",
			Help: "1 when quota backoff mode is engaged.",
		})
		DiscoveredSessions = promauto.NewCounter(prometheus.CounterOpts{
			Name: "loomy_discovered_sessions_total",
			Help: "Sessions created or reactivated by stream discovery.",
		})
	})
}

// ObservePoll records a poll outcome and its duration. No-op before Init.
func ObservePoll(outcome string, seconds float64) {
	if PollsTotal == nil {
		return
	}
	PollsTotal.WithLabelValues(outcome).Inc()
	PollDuration.Observe(seconds)
}

// ObserveReply records a reply job outcome. No-op before Init.
func ObserveReply(outcome string) {
	if RepliesTotal == nil {
		return
	}
	RepliesTotal.WithLabelValues(outcome).Inc()
}
