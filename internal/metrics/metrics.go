package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOperation identifies the store method being instrumented.
type StoreOperation string

const (
	StoreOperationLookup       StoreOperation = "lookup"
	StoreOperationCreate       StoreOperation = "create"
	StoreOperationWrite        StoreOperation = "write"
	StoreOperationFinalize     StoreOperation = "finalize"
	StoreOperationAbort        StoreOperation = "abort"
	StoreOperationHousekeeping StoreOperation = "housekeeping"
	StoreOperationDelete       StoreOperation = "delete"
)

// StoreResult captures the result of a store operation.
type StoreResult string

const (
	// StoreResultHit indicates a lookup found a committed entry.
	StoreResultHit StoreResult = "hit"
	// StoreResultMiss indicates no committed entry was present.
	StoreResultMiss StoreResult = "miss"
	// StoreResultOK indicates the operation completed.
	StoreResultOK StoreResult = "ok"
	// StoreResultConflict indicates another exchange already owns the pending entry.
	StoreResultConflict StoreResult = "conflict"
	// StoreResultError indicates the operation failed.
	StoreResultError StoreResult = "error"
)

// Recorder publishes Prometheus metrics for exchange and store activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	exchanges       *prometheus.CounterVec
	exchangeLatency *prometheus.HistogramVec
	capturedBytes   *prometheus.CounterVec

	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	exchanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "exchange",
		Name:      "total",
		Help:      "Completed exchanges by final caching state.",
	}, []string{"rule", "outcome", "status_code"})

	exchangeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamcache",
		Subsystem: "exchange",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed exchanges.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	capturedBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "capture",
		Name:      "bytes_total",
		Help:      "Response body bytes written into cache entries.",
	}, []string{"rule"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the coordinator.",
	}, []string{"backend", "operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamcache",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	reg.MustRegister(exchanges, exchangeLatency, capturedBytes, storeOperations, storeLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		exchanges:       exchanges,
		exchangeLatency: exchangeLatency,
		capturedBytes:   capturedBytes,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveExchange records the final caching state and latency of an exchange.
// rule is empty when no rule governed the exchange.
func (r *Recorder) ObserveExchange(rule, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	ruleLabel := normalizeLabel(rule)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.exchanges.WithLabelValues(ruleLabel, outcomeLabel, statusLabel).Inc()
	r.exchangeLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// AddCapturedBytes counts body bytes accepted by the store for rule.
func (r *Recorder) AddCapturedBytes(rule string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.capturedBytes.WithLabelValues(normalizeLabel(rule)).Add(float64(n))
}

// ObserveStore records the result and latency of a store operation.
func (r *Recorder) ObserveStore(backend string, operation StoreOperation, result StoreResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(StoreOperationLookup)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(StoreResultError)
	}
	backendLabel := normalizeLabel(backend)
	r.storeOperations.WithLabelValues(backendLabel, opLabel, resLabel).Inc()
	r.storeLatency.WithLabelValues(backendLabel, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
