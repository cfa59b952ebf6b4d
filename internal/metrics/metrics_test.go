package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCallSnapshot(t *testing.T) {
	m := newMetrics()
	m.RecordCall("broadcast", 10, true)
	m.RecordCall("broadcast", 30, false)
	m.RecordCall("failover", 5, true)
	m.RecordSkip("app1")

	if m.TotalCalls.Load() != 3 || m.FailedCalls.Load() != 1 || m.SkippedCalls.Load() != 1 {
		t.Fatalf("unexpected counters: total=%d failed=%d skipped=%d",
			m.TotalCalls.Load(), m.FailedCalls.Load(), m.SkippedCalls.Load())
	}
	if m.MinLatencyMs.Load() != 5 || m.MaxLatencyMs.Load() != 30 {
		t.Fatalf("unexpected latency bounds: min=%d max=%d", m.MinLatencyMs.Load(), m.MaxLatencyMs.Load())
	}

	snap := m.Snapshot()
	strategies := snap["strategies"].(map[string]interface{})
	bc := strategies["broadcast"].(map[string]interface{})
	if bc["calls"].(int64) != 2 || bc["failures"].(int64) != 1 {
		t.Fatalf("unexpected broadcast stats: %v", bc)
	}
	if bc["avg_ms"].(float64) != 20 {
		t.Fatalf("expected avg 20ms, got %v", bc["avg_ms"])
	}
}

func TestSnapshotEmpty(t *testing.T) {
	m := newMetrics()
	lat := m.Snapshot()["latency_ms"].(map[string]interface{})
	if lat["min"].(int64) != 0 {
		t.Fatalf("min latency should read 0 before any call, got %v", lat["min"])
	}
}

func TestJSONHandler(t *testing.T) {
	m := newMetrics()
	m.RecordCall("failfast", 1, true)

	rec := httptest.NewRecorder()
	m.JSONHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := body["calls"]; !ok {
		t.Fatalf("missing calls section: %s", rec.Body.String())
	}
}

func TestPrometheusCollectors(t *testing.T) {
	InitPrometheus("quasar_test", nil)
	defer func() { promMetrics = nil }()

	RecordPrometheusCall("broadcast", 12, false)
	RecordEndpointCall("", true)
	RecordPrometheusSkip("app1")

	if got := testutil.ToFloat64(promMetrics.clusterCallsTotal.WithLabelValues("broadcast", "failed")); got != 1 {
		t.Fatalf("expected 1 failed broadcast, got %v", got)
	}
	if got := testutil.ToFloat64(promMetrics.endpointCallsTotal.WithLabelValues("unknown", "success")); got != 1 {
		t.Fatalf("expected unknown application label, got %v", got)
	}
	if got := testutil.ToFloat64(promMetrics.broadcastSkipsTotal.WithLabelValues("app1")); got != 1 {
		t.Fatalf("expected 1 skip, got %v", got)
	}

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
}

func TestPrometheusDisabledIsNoop(t *testing.T) {
	promMetrics = nil
	RecordPrometheusCall("broadcast", 1, true)
	SetCircuitBreakerState("a", 1)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503 when disabled, got %d", rec.Code)
	}
}
