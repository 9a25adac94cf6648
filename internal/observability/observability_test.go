package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Logging
// ============================================================================

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "core", zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("op", "deposit").Msg("applied")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "core" || line["op"] != "deposit" || line["message"] != "applied" {
		t.Errorf("unexpected line %v", line)
	}
}

// ============================================================================
// Test: Metrics
// ============================================================================

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// two instances on separate registries must not collide
	m1 := NewMetrics(prometheus.NewRegistry())
	m2 := NewMetrics(prometheus.NewRegistry())

	m1.OpsApplied.WithLabelValues("deposit").Inc()
	m1.OpsApplied.WithLabelValues("deposit").Inc()

	if got := testutil.ToFloat64(m1.OpsApplied.WithLabelValues("deposit")); got != 2 {
		t.Errorf("m1 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m2.OpsApplied.WithLabelValues("deposit")); got != 0 {
		t.Errorf("m2 = %v, want 0", got)
	}
}

func TestSetChannelMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 25, 100)

	if got := testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.25 {
		t.Errorf("utilization = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(m.ChannelCapacity.WithLabelValues("persist")); got != 100 {
		t.Errorf("capacity = %v", got)
	}
}

// ============================================================================
// Test: Health
// ============================================================================

func statusOf(t *testing.T, handler http.HandlerFunc) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHealthChecker()
	code, body := statusOf(t, h.LivenessHandler)
	if code != http.StatusOK || body["status"] != "alive" {
		t.Errorf("liveness = %d %v", code, body)
	}
}

func TestReadiness(t *testing.T) {
	h := NewHealthChecker()

	if code, _ := statusOf(t, h.ReadinessHandler); code != http.StatusServiceUnavailable {
		t.Errorf("not ready yet, got %d", code)
	}

	h.SetReady(true)
	if code, _ := statusOf(t, h.ReadinessHandler); code != http.StatusOK {
		t.Errorf("ready, got %d", code)
	}

	h.Register("redis", func(context.Context) error { return errors.New("dial tcp: refused") })
	h.Register("postgres", func(context.Context) error { return nil })

	code, body := statusOf(t, h.ReadinessHandler)
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("readiness = %d %v", code, body)
	}
	failed := body["failed"].(map[string]interface{})
	if _, ok := failed["redis"]; !ok || len(failed) != 1 {
		t.Errorf("failed = %v", failed)
	}
}
