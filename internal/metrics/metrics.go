package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects in-process counters for cluster calls. It backs the JSON
// stats endpoint and mirrors every record into Prometheus when enabled.
type Metrics struct {
	TotalCalls   atomic.Int64
	SuccessCalls atomic.Int64
	FailedCalls  atomic.Int64
	SkippedCalls atomic.Int64 // broadcast targets skipped by provider dedup

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	strategies sync.Map // strategy name -> *StrategyMetrics

	startTime time.Time
}

// StrategyMetrics tracks calls for one cluster strategy.
type StrategyMetrics struct {
	Calls     atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
}

var global = newMetrics()

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	return m
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// RecordCall records the outcome of one cluster call.
func (m *Metrics) RecordCall(strategy string, durationMs int64, success bool) {
	m.TotalCalls.Add(1)
	if success {
		m.SuccessCalls.Add(1)
	} else {
		m.FailedCalls.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	sm := m.strategyMetrics(strategy)
	sm.Calls.Add(1)
	if success {
		sm.Successes.Add(1)
	} else {
		sm.Failures.Add(1)
	}
	sm.TotalMs.Add(durationMs)

	RecordPrometheusCall(strategy, durationMs, success)
}

// RecordSkip records a broadcast target skipped because its provider was
// already reached in the same call.
func (m *Metrics) RecordSkip(application string) {
	m.SkippedCalls.Add(1)
	RecordPrometheusSkip(application)
}

func (m *Metrics) strategyMetrics(name string) *StrategyMetrics {
	if v, ok := m.strategies.Load(name); ok {
		return v.(*StrategyMetrics)
	}
	v, _ := m.strategies.LoadOrStore(name, &StrategyMetrics{})
	return v.(*StrategyMetrics)
}

// Snapshot returns a point-in-time view of the counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalCalls.Load()
	avg := float64(0)
	minMs := m.MinLatencyMs.Load()
	if total > 0 {
		avg = float64(m.TotalLatencyMs.Load()) / float64(total)
	} else {
		minMs = 0
	}

	strategies := make(map[string]interface{})
	m.strategies.Range(func(k, v any) bool {
		sm := v.(*StrategyMetrics)
		calls := sm.Calls.Load()
		avgMs := float64(0)
		if calls > 0 {
			avgMs = float64(sm.TotalMs.Load()) / float64(calls)
		}
		strategies[k.(string)] = map[string]interface{}{
			"calls":     calls,
			"successes": sm.Successes.Load(),
			"failures":  sm.Failures.Load(),
			"avg_ms":    avgMs,
		}
		return true
	})

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"calls": map[string]interface{}{
			"total":   total,
			"success": m.SuccessCalls.Load(),
			"failed":  m.FailedCalls.Load(),
			"skipped": m.SkippedCalls.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avg,
			"min": minMs,
			"max": m.MaxLatencyMs.Load(),
		},
		"strategies": strategies,
	}
}

// JSONHandler serves Snapshot as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value >= cur || target.CompareAndSwap(cur, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if value <= cur || target.CompareAndSwap(cur, value) {
			return
		}
	}
}
