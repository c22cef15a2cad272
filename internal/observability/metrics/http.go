package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faq"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec

	answersTotal       *prometheus.CounterVec
	cacheLookupsTotal  *prometheus.CounterVec
	candidates         *prometheus.HistogramVec
	answerDuration     *prometheus.HistogramVec
	validationRejected *prometheus.CounterVec
	injectionStripped  *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	corpusUpdatesTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests shed before reaching a handler.",
		},
		[]string{"service", "reason"},
	)
	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "answers_total",
			Help:      "Answered queries by resolved domain and outcome.",
		},
		[]string{"service", "endpoint", "domain", "outcome"},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		},
		[]string{"service", "result"},
	)
	candidates := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "candidates",
			Help:      "Candidates above the relevance floor per uncached query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20, 40},
		},
		[]string{"service", "domain"},
	)
	answerDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end answer duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "endpoint", "cache"},
	)
	validationRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "rejected_total",
			Help:      "Queries rejected by the normalizer by reason.",
		},
		[]string{"service", "reason"},
	)
	injectionStripped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "injection_stripped_total",
			Help:      "Prompt-injection phrases removed from queries.",
		},
		[]string{"service"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service", "operation"},
	)
	corpusUpdatesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "corpus_updates_total",
			Help:      "Corpus version changes applied to the cache.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rejectedTotal,
		answersTotal,
		cacheLookupsTotal,
		candidates,
		answerDuration,
		validationRejected,
		injectionStripped,
		breakerState,
		corpusUpdatesTotal,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		rejectedTotal:      rejectedTotal,
		answersTotal:       answersTotal,
		cacheLookupsTotal:  cacheLookupsTotal,
		candidates:         candidates,
		answerDuration:     answerDuration,
		validationRejected: validationRejected,
		injectionStripped:  injectionStripped,
		breakerState:       breakerState,
		corpusUpdatesTotal: corpusUpdatesTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath bounds label cardinality to the routes the api serves.
func normalizePath(path string) string {
	switch path {
	case "/v1/faq/query", "/v1/chunks", "/v1/cache/clear", "/v1/stats", "/healthz", "/metrics":
		return path
	default:
		return "other"
	}
}

// AnswerObservation is one served query as seen by the transport adapter.
type AnswerObservation struct {
	Endpoint   string
	Domain     string
	Outcome    string
	CacheHit   bool
	Candidates int
	Injections int
	Duration   time.Duration
}

func (m *HTTPServerMetrics) RecordAnswer(service string, obs AnswerObservation) {
	domain := obs.Domain
	if domain == "" {
		domain = "unknown"
	}
	outcome := obs.Outcome
	if outcome == "" {
		outcome = "grounded"
	}
	cache := "miss"
	if obs.CacheHit {
		cache = "hit"
	}

	m.answersTotal.WithLabelValues(service, obs.Endpoint, domain, outcome).Inc()
	m.cacheLookupsTotal.WithLabelValues(service, cache).Inc()
	m.answerDuration.WithLabelValues(service, obs.Endpoint, cache).Observe(obs.Duration.Seconds())
	if !obs.CacheHit {
		m.candidates.WithLabelValues(service, domain).Observe(float64(obs.Candidates))
	}
	if obs.Injections > 0 {
		m.injectionStripped.WithLabelValues(service).Add(float64(obs.Injections))
	}
}

func (m *HTTPServerMetrics) RecordValidationRejected(service, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.validationRejected.WithLabelValues(service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordCorpusUpdate(service string) {
	m.corpusUpdatesTotal.WithLabelValues(service).Inc()
}

// BreakerStateHook adapts the gauge to resilience.Config.OnStateChange.
func (m *HTTPServerMetrics) BreakerStateHook(service string) func(operation, from, to string) {
	return func(operation, _, to string) {
		m.breakerState.WithLabelValues(service, operation).Set(breakerStateValue(to))
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
