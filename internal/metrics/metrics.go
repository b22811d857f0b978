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

// StoreOperation identifies the snapshot store method being instrumented.
type StoreOperation string

const (
	// StoreOperationLookup records snapshot lookups served to the API.
	StoreOperationLookup StoreOperation = "lookup"
	// StoreOperationStore records snapshot writes from the mirror.
	StoreOperationStore StoreOperation = "store"
	// StoreOperationDelete records snapshot removals after clears.
	StoreOperationDelete StoreOperation = "delete"
)

// StoreResult captures the result of a snapshot store operation.
type StoreResult string

const (
	// StoreResultOK indicates the operation completed.
	StoreResultOK StoreResult = "ok"
	// StoreResultMiss indicates a lookup found nothing.
	StoreResultMiss StoreResult = "miss"
	// StoreResultError indicates the backend failed.
	StoreResultError StoreResult = "error"
	// StoreResultDropped indicates the mirror queue was full.
	StoreResultDropped StoreResult = "dropped"
)

// Recorder publishes Prometheus metrics for coordinator and API activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec

	decisions     *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
	staleOutcomes *prometheus.CounterVec

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

	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fetchctrl",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total resource API requests handled.",
	}, []string{"resource", "operation", "status_code"})

	apiLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fetchctrl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for resource API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"resource", "operation"})

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fetchctrl",
		Subsystem: "coordinator",
		Name:      "decisions_total",
		Help:      "Fetch eligibility decisions taken per key.",
	}, []string{"resource", "reason", "eligible"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fetchctrl",
		Subsystem: "coordinator",
		Name:      "fetches_total",
		Help:      "Completed fetches by outcome.",
	}, []string{"resource", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fetchctrl",
		Subsystem: "coordinator",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for fetch functions.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"resource", "outcome"})

	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fetchctrl",
		Subsystem: "coordinator",
		Name:      "fetches_in_flight",
		Help:      "Fetches currently running.",
	}, []string{"resource"})

	staleOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fetchctrl",
		Subsystem: "coordinator",
		Name:      "stale_outcomes_total",
		Help:      "Per-key fetch outcomes discarded because a newer request superseded them.",
	}, []string{"resource"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fetchctrl",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Snapshot store operations.",
	}, []string{"operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fetchctrl",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for snapshot store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	reg.MustRegister(apiRequests, apiLatency, decisions, fetches, fetchLatency, inFlight, staleOutcomes, storeOperations, storeLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		apiRequests:     apiRequests,
		apiLatency:      apiLatency,
		decisions:       decisions,
		fetches:         fetches,
		fetchLatency:    fetchLatency,
		inFlight:        inFlight,
		staleOutcomes:   staleOutcomes,
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

// ObserveRequest records the status and latency of a resource API call.
func (r *Recorder) ObserveRequest(resource, operation string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	resourceLabel := normalizeLabel(resource)
	operationLabel := normalizeLabel(operation)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.apiRequests.WithLabelValues(resourceLabel, operationLabel, statusLabel).Inc()
	r.apiLatency.WithLabelValues(resourceLabel, operationLabel).Observe(duration.Seconds())
}

// ObserveDecision counts one fetch eligibility decision.
func (r *Recorder) ObserveDecision(resource, reason string, eligible bool) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(normalizeLabel(resource), normalizeLabel(reason), strconv.FormatBool(eligible)).Inc()
}

// ObserveFetch records a finished fetch. Outcome is success, failure or panic.
func (r *Recorder) ObserveFetch(resource, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	resourceLabel := normalizeLabel(resource)
	outcomeLabel := normalizeLabel(outcome)
	r.fetches.WithLabelValues(resourceLabel, outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(resourceLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveInFlight adjusts the running fetch gauge.
func (r *Recorder) ObserveInFlight(resource string, delta int) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(normalizeLabel(resource)).Add(float64(delta))
}

// ObserveStaleOutcome counts discarded per-key outcomes.
func (r *Recorder) ObserveStaleOutcome(resource string, keys int) {
	if r == nil || keys <= 0 {
		return
	}
	r.staleOutcomes.WithLabelValues(normalizeLabel(resource)).Add(float64(keys))
}

// ObserveStoreOperation records the result of a snapshot store call.
func (r *Recorder) ObserveStoreOperation(operation StoreOperation, result StoreResult, duration time.Duration) {
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
	r.storeOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.storeLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
