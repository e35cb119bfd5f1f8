package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the tutorial engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Tutorial lifecycle metrics
	TutorialStartsTotal      *prometheus.CounterVec
	StepAdvancesTotal        *prometheus.CounterVec
	TutorialCompletionsTotal *prometheus.CounterVec
	ActiveTutorials          prometheus.Gauge

	// Action detection metrics
	DetectionArmsTotal      *prometheus.CounterVec
	DetectionSuccessesTotal *prometheus.CounterVec
	DetectionRetriesTotal   *prometheus.CounterVec
	DetectionTimeoutsTotal  *prometheus.CounterVec

	// Progress store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreBreakerState      prometheus.Gauge

	// Recovery metrics
	EngineErrorsTotal *prometheus.CounterVec

	// Template metrics
	VariantAssignmentsTotal *prometheus.CounterVec
	TemplatesLoaded         prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutor_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutor_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Tutorial lifecycle
		TutorialStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_tutorial_starts_total",
			Help: "Total number of tutorial initializations.",
		}, []string{"template_id", "variant_id"}),
		StepAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_step_advances_total",
			Help: "Total number of step transitions.",
		}, []string{"step_id", "mode"}),
		TutorialCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_tutorial_completions_total",
			Help: "Total number of tutorials reaching a terminal state.",
		}, []string{"outcome"}),
		ActiveTutorials: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tutor_active_tutorials",
			Help: "Number of tutorials currently in progress.",
		}),

		// Detection
		DetectionArmsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_detection_arms_total",
			Help: "Total number of action detection arm cycles started.",
		}, []string{"action_key"}),
		DetectionSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_detection_successes_total",
			Help: "Total number of actions confirmed, by winning strategy.",
		}, []string{"action_key", "strategy"}),
		DetectionRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_detection_retries_total",
			Help: "Total number of detection re-arms after a timeout.",
		}, []string{"action_key"}),
		DetectionTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_detection_timeouts_total",
			Help: "Total number of detections that exhausted their retry budget.",
		}, []string{"action_key"}),

		// Store
		StoreOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_store_operations_total",
			Help: "Total number of progress store operations.",
		}, []string{"operation", "status"}),
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutor_store_operation_duration_seconds",
			Help:    "Progress store operation duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation"}),
		StoreBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tutor_store_circuit_breaker_state",
			Help: "Progress store circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Recovery
		EngineErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_engine_errors_total",
			Help: "Total number of classified engine errors.",
		}, []string{"code"}),

		// Templates
		VariantAssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_variant_assignments_total",
			Help: "Total number of variant assignments.",
		}, []string{"variant_id", "reason"}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tutor_templates_loaded",
			Help: "Number of registered tutorial templates.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Tutorial lifecycle
		m.TutorialStartsTotal,
		m.StepAdvancesTotal,
		m.TutorialCompletionsTotal,
		m.ActiveTutorials,
		// Detection
		m.DetectionArmsTotal,
		m.DetectionSuccessesTotal,
		m.DetectionRetriesTotal,
		m.DetectionTimeoutsTotal,
		// Store
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.StoreBreakerState,
		// Recovery
		m.EngineErrorsTotal,
		// Templates
		m.VariantAssignmentsTotal,
		m.TemplatesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTutorialStart records a tutorial initialization.
func (m *Metrics) RecordTutorialStart(templateID, variantID string) {
	m.TutorialStartsTotal.WithLabelValues(templateID, variantID).Inc()
	m.ActiveTutorials.Inc()
}

// RecordStepAdvance records a step transition. Mode is "auto", "manual", or
// "skip".
func (m *Metrics) RecordStepAdvance(stepID, mode string) {
	m.StepAdvancesTotal.WithLabelValues(stepID, mode).Inc()
}

// RecordTutorialCompletion records a tutorial reaching a terminal state.
// Outcome is "completed" or "skipped".
func (m *Metrics) RecordTutorialCompletion(outcome string) {
	m.TutorialCompletionsTotal.WithLabelValues(outcome).Inc()
	m.ActiveTutorials.Dec()
}

// RecordDetectionArm records the start of an action detection cycle.
func (m *Metrics) RecordDetectionArm(actionKey string) {
	m.DetectionArmsTotal.WithLabelValues(actionKey).Inc()
}

// RecordDetectionSuccess records a confirmed action and the strategy that won.
func (m *Metrics) RecordDetectionSuccess(actionKey, strategy string) {
	m.DetectionSuccessesTotal.WithLabelValues(actionKey, strategy).Inc()
}

// RecordDetectionRetry records a re-arm after a timeout.
func (m *Metrics) RecordDetectionRetry(actionKey string) {
	m.DetectionRetriesTotal.WithLabelValues(actionKey).Inc()
}

// RecordDetectionTimeout records an exhausted detection retry budget.
func (m *Metrics) RecordDetectionTimeout(actionKey string) {
	m.DetectionTimeoutsTotal.WithLabelValues(actionKey).Inc()
}

// RecordStoreOperation records a progress store operation.
func (m *Metrics) RecordStoreOperation(operation, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetStoreBreakerState sets the progress store circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetStoreBreakerState(state float64) {
	m.StoreBreakerState.Set(state)
}

// RecordEngineError records a classified engine error.
func (m *Metrics) RecordEngineError(code string) {
	m.EngineErrorsTotal.WithLabelValues(code).Inc()
}

// RecordVariantAssignment records a variant assignment and why it was chosen.
func (m *Metrics) RecordVariantAssignment(variantID, reason string) {
	m.VariantAssignmentsTotal.WithLabelValues(variantID, reason).Inc()
}

// SetTemplatesLoaded sets the number of registered templates.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
