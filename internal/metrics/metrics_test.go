package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheResult("inbox", true)
		m.VersionBumped()
		m.VersionBumpFailed("watcher")
		m.ObserveOp("fetch_page", time.Now(), nil)
		m.AuthAttempt("XOAUTH2", "rejected")
		m.MirrorFailed()
		m.MessageIsolated()
		m.WatcherEvent("mailbox")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheResult("inbox", true)
	m.CacheResult("inbox", false)
	m.CacheResult("inbox", false)
	m.MirrorFailed()
	m.VersionBumpFailed("watcher")
	m.ObserveOp("count", time.Now(), errors.New("x"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("inbox", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("inbox", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BumpFailures.WithLabelValues("watcher")))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.VersionBumped()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "papermail_cache_version_bumps_total 1"))
}
