package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "factoryguard"

// Token lifecycle events.
const (
	TokenIssued    = "issued"
	TokenValidated = "validated"
	TokenRejected  = "rejected"
	TokenRefreshed = "refreshed"
	TokenRevoked   = "revoked"
	TokenConsumed  = "consumed"
)

// Metrics holds the engine's collectors.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Metrics struct {
	gatherer prometheus.Gatherer

	decisions    *prometheus.CounterVec
	riskScore    *prometheus.HistogramVec
	riskDegraded prometheus.Counter
	rateLimited  *prometheus.CounterVec
	rotations    prometheus.Counter
	tokens       *prometheus.CounterVec
	auditEvents  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. Passing a
// *prometheus.Registry also makes it the gatherer behind Handler.
// Registration failure panics, as with prometheus.MustRegister.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Permission checks by outcome.",
		}, []string{"permission", "outcome", "reason"}),

		riskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of risk assessment scores.",
			Buckets:   []float64{5, 10, 15, 20, 25, 30, 50, 75, 100},
		}, []string{"level"}),

		riskDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_degraded_total",
			Help:      "Risk assessments that failed and fell back to the default score.",
		}),

		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Attempts rejected by the rate limiter.",
		}, []string{"category"}),

		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Completed key rotations.",
		}),

		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Token lifecycle events.",
		}, []string{"kind", "event"}),

		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Security events recorded.",
		}, []string{"type", "severity"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.decisions, m.riskScore, m.riskDegraded, m.rateLimited,
		m.rotations, m.tokens, m.auditEvents, m.httpRequests, m.httpDuration,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveDecision counts one permission check.
func (m *Metrics) ObserveDecision(permission string, allowed bool, reason string) {
	outcome := "denied"
	if allowed {
		outcome = "granted"
	}
	m.decisions.WithLabelValues(permission, outcome, reason).Inc()
}

// ObserveRisk records an assessment score.
func (m *Metrics) ObserveRisk(level string, score int, degraded bool) {
	m.riskScore.WithLabelValues(level).Observe(float64(score))
	if degraded {
		m.riskDegraded.Inc()
	}
}

// RateLimited counts a rejected attempt.
func (m *Metrics) RateLimited(category string) {
	m.rateLimited.WithLabelValues(category).Inc()
}

// KeyRotated counts a rotation.
func (m *Metrics) KeyRotated() {
	m.rotations.Inc()
}

// Token counts a token lifecycle event for kind ("enterprise", "invitation",
// "assertion").
func (m *Metrics) Token(kind, event string) {
	m.tokens.WithLabelValues(kind, event).Inc()
}

// AuditEvent counts a recorded security event.
func (m *Metrics) AuditEvent(eventType, severity string) {
	m.auditEvents.WithLabelValues(eventType, severity).Inc()
}

// Instrument is chi middleware recording request counts and latency by
// route pattern, keeping label cardinality bounded.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
