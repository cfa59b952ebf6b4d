package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for quasar metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	clusterCallsTotal   *prometheus.CounterVec
	endpointCallsTotal  *prometheus.CounterVec
	broadcastSkipsTotal *prometheus.CounterVec

	// Histograms
	clusterCallDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	activeRequests prometheus.Gauge

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for call duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()
	pm := &PrometheusMetrics{
		registry: registry,

		clusterCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_invocations_total",
				Help:      "Total number of cluster invocations by strategy and outcome",
			},
			[]string{"strategy", "status"},
		),

		endpointCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_invocations_total",
				Help:      "Total number of calls dispatched to individual provider endpoints",
			},
			[]string{"application", "status"},
		),

		broadcastSkipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_skipped_total",
				Help:      "Broadcast targets skipped because their provider was already reached",
			},
			[]string{"application"},
		),

		clusterCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cluster_invocation_duration_milliseconds",
				Help:      "Duration of cluster invocations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"strategy"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of cluster invocations in flight",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per endpoint (0=closed, 1=open, 2=half_open)",
			},
			[]string{"endpoint"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions per endpoint",
			},
			[]string{"endpoint", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since metrics were initialized",
		},
		func() float64 { return time.Since(start).Seconds() },
	)

	registry.MustRegister(
		pm.clusterCallsTotal,
		pm.endpointCallsTotal,
		pm.broadcastSkipsTotal,
		pm.clusterCallDuration,
		pm.uptime,
		pm.activeRequests,
		pm.circuitBreakerState,
		pm.circuitBreakerTripsTotal,
	)

	promMetrics = pm
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

// RecordPrometheusCall records a cluster invocation in Prometheus collectors
func RecordPrometheusCall(strategy string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.clusterCallsTotal.WithLabelValues(strategy, statusLabel(success)).Inc()
	promMetrics.clusterCallDuration.WithLabelValues(strategy).Observe(float64(durationMs))
}

// RecordEndpointCall records one call dispatched to a provider endpoint.
// application is "" when the provider identity is unknown.
func RecordEndpointCall(application string, success bool) {
	if promMetrics == nil {
		return
	}
	if application == "" {
		application = "unknown"
	}
	promMetrics.endpointCallsTotal.WithLabelValues(application, statusLabel(success)).Inc()
}

// RecordPrometheusSkip records a dedup skip during broadcast.
func RecordPrometheusSkip(application string) {
	if promMetrics == nil {
		return
	}
	promMetrics.broadcastSkipsTotal.WithLabelValues(application).Inc()
}

// IncActiveRequests increments the in-flight gauge
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight gauge
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// SetCircuitBreakerState sets the circuit breaker state gauge for an endpoint.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(endpoint string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(endpoint, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerTripsTotal.WithLabelValues(endpoint, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
