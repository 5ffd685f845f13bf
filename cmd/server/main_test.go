package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zapcore"

	"github.com/achingono/papermail-sub000/internal/config"
)

func TestNewLogger(t *testing.T) {
	cfg := &config.Config{Environment: "production", LogLevel: "warn"}

	zl, err := newLogger(cfg)
	if err != nil {
		t.Fatalf("newLogger() failed: %v", err)
	}
	if zl.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Expected debug level to be disabled")
	}
	if !zl.Core().Enabled(zapcore.WarnLevel) {
		t.Error("Expected warn level to be enabled")
	}
}

func TestNewMetrics(t *testing.T) {
	m := newMetrics()
	m.VersionBumped()

	if got := testutil.ToFloat64(m.VersionBumps); got != 1 {
		t.Errorf("Expected 1 version bump, got %v", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "go_goroutines") {
		t.Error("Expected Go runtime collectors to be registered")
	}
	if !strings.Contains(body, "papermail_cache_version_bumps_total 1") {
		t.Error("Expected the version bump counter in the output")
	}
}
