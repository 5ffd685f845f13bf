// Package metrics holds the Prometheus collectors of the mail gateway.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papermail"

// Metrics groups the collectors.
type Metrics struct {
	CacheRequests    *prometheus.CounterVec
	VersionBumps     prometheus.Counter
	BumpFailures     *prometheus.CounterVec
	MailOpDuration   *prometheus.HistogramVec
	AuthAttempts     *prometheus.CounterVec
	MirrorFailures   prometheus.Counter
	IsolatedMessages prometheus.Counter
	WatcherEvents    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by category and result.",
		}, []string{"category", "result"}),
		VersionBumps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_version_bumps_total",
			Help:      "Per-user cache version increments.",
		}),
		BumpFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_version_bump_failures_total",
			Help:      "Cache invalidations that could not be applied, by trigger.",
		}, []string{"trigger"}),
		MailOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mail_operation_duration_seconds",
			Help:      "Duration of mail protocol operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by mechanism and outcome.",
		}, []string{"mechanism", "outcome"}),
		MirrorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_mirror_failures_total",
			Help:      "Sent messages that could not be copied to the Sent folder.",
		}),
		IsolatedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolated_messages_total",
			Help:      "Messages dropped from a page because they could not be mapped.",
		}),
		WatcherEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_events_total",
			Help:      "Mailbox change notifications received over IDLE.",
		}, []string{"kind"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CacheResult counts a cache hit or miss.
func (m *Metrics) CacheResult(category string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(category, result).Inc()
}

// VersionBumped counts a cache version increment.
func (m *Metrics) VersionBumped() {
	if m == nil {
		return
	}
	m.VersionBumps.Inc()
}

// VersionBumpFailed counts an invalidation that did not reach the version
// store. trigger is "mutation" or "watcher".
func (m *Metrics) VersionBumpFailed(trigger string) {
	if m == nil {
		return
	}
	m.BumpFailures.WithLabelValues(trigger).Inc()
}

// ObserveOp records how long a mail operation took.
func (m *Metrics) ObserveOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.MailOpDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// AuthAttempt counts one authentication strategy attempt.
func (m *Metrics) AuthAttempt(mechanism, outcome string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(mechanism, outcome).Inc()
}

// MirrorFailed counts a failed Sent folder mirror.
func (m *Metrics) MirrorFailed() {
	if m == nil {
		return
	}
	m.MirrorFailures.Inc()
}

// MessageIsolated counts a message skipped from a batch.
func (m *Metrics) MessageIsolated() {
	if m == nil {
		return
	}
	m.IsolatedMessages.Inc()
}

// WatcherEvent counts an IDLE notification.
func (m *Metrics) WatcherEvent(kind string) {
	if m == nil {
		return
	}
	m.WatcherEvents.WithLabelValues(kind).Inc()
}
