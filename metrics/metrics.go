// Package metrics exposes Prometheus collectors for postboard.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/postboard/posts"
)

// Metrics implements posts.Recorder.
type Metrics struct {
	reactions           *prometheus.CounterVec
	invariantViolations prometheus.Counter
	operations          *prometheus.CounterVec
	reactDuration       prometheus.Histogram
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	auditRuns           *prometheus.CounterVec
	auditDrift          prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_reactions_total",
			Help: "Applied reaction toggles by outcome.",
		}, []string{"outcome"}),
		invariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "postboard_invariant_violations_total",
			Help: "Reaction toggles rejected because ledger and counters disagreed.",
		}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_post_operations_total",
			Help: "Post operations by kind and result.",
		}, []string{"op", "result"}),
		reactDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "postboard_react_duration_seconds",
			Help:    "Time spent in a reaction toggle, lock wait included.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postboard_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		auditRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_audit_runs_total",
			Help: "Scheduled ledger audits by result.",
		}, []string{"result"}),
		auditDrift: f.NewGauge(prometheus.GaugeOpts{
			Name: "postboard_audit_drifted_posts",
			Help: "Posts whose counters disagreed with the ledger in the last audit.",
		}),
	}
}

func (m *Metrics) ReactionApplied(outcome posts.Outcome) {
	m.reactions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) InvariantViolation() {
	m.invariantViolations.Inc()
}

func (m *Metrics) Operation(op string, err error) {
	m.operations.WithLabelValues(op, Result(err)).Inc()
}

func (m *Metrics) ObserveReact(d time.Duration) {
	m.reactDuration.Observe(d.Seconds())
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// AuditCompleted records one scheduled audit. The drift gauge keeps its
// previous value when the pass failed.
func (m *Metrics) AuditCompleted(checked, drifted int, err error) {
	m.auditRuns.WithLabelValues(Result(err)).Inc()
	if err == nil {
		m.auditDrift.Set(float64(drifted))
	}
}

// Result buckets an error into a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, posts.ErrValidation):
		return "invalid"
	case errors.Is(err, posts.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, posts.ErrForbidden):
		return "forbidden"
	case errors.Is(err, posts.ErrNotFound):
		return "not_found"
	case errors.Is(err, posts.ErrConflict):
		return "conflict"
	case errors.Is(err, posts.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, posts.ErrConcurrentModification):
		return "concurrent_modification"
	default:
		return "error"
	}
}
