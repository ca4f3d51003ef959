// Package metrics exposes Prometheus counters for the decision pipeline.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"engagebot/audit"
	"engagebot/engine"
)

// Breaker state gauge values.
const (
	breakerClosed   = 0
	breakerHalfOpen = 1
	breakerOpen     = 2
)

// Recorder holds the pipeline metrics. It is an audit.Log, an
// engine.StatusSink and an engine.ScoringObserver.
type Recorder struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	Actions        *prometheus.CounterVec
	GateRejections *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	ScoringLatency *prometheus.HistogramVec
	BreakerState   prometheus.Gauge
}

// New registers the metrics on a fresh registry together with the Go and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagebot_audit_records_total",
			Help: "Audit records by pipeline stage and outcome.",
		}, []string{"stage", "outcome"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagebot_actions_total",
			Help: "Executed UI steps by action and result.",
		}, []string{"action", "result"}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagebot_gate_rejections_total",
			Help: "Actions dropped by the rate gate.",
		}, []string{"action", "reason"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engagebot_candidates_total",
			Help: "Handled candidates by final status.",
		}, []string{"status"}),
		ScoringLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engagebot_scoring_duration_seconds",
			Help:    "Latency of LLM scoring calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engagebot_scoring_breaker_state",
			Help: "Scoring circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Decisions, r.Actions, r.GateRejections, r.Outcomes, r.ScoringLatency, r.BreakerState,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Append counts an audit record. It never fails.
func (r *Recorder) Append(_ context.Context, rec audit.Record) error {
	r.Decisions.WithLabelValues(string(rec.Stage), rec.Outcome).Inc()
	switch rec.Stage {
	case audit.StageExecuted:
		r.Actions.WithLabelValues(string(rec.Action), rec.Outcome).Inc()
	case audit.StageGated:
		r.GateRejections.WithLabelValues(string(rec.Action), rec.Reason).Inc()
	}
	return nil
}

// Publish counts final candidate outcomes.
func (r *Recorder) Publish(o engine.Outcome) {
	if o.Status == engine.StatusProcessing {
		return
	}
	r.Outcomes.WithLabelValues(o.Status).Inc()
}

// ObserveScoring records one scoring call. kind is empty on success.
func (r *Recorder) ObserveScoring(d time.Duration, kind string) {
	if kind == "" {
		kind = "ok"
	}
	r.ScoringLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// SetBreakerState tracks the scoring breaker. It matches the callback of
// scorer.WithBreaker.
func (r *Recorder) SetBreakerState(state string) {
	switch state {
	case "open":
		r.BreakerState.Set(breakerOpen)
	case "half-open":
		r.BreakerState.Set(breakerHalfOpen)
	default:
		r.BreakerState.Set(breakerClosed)
	}
}
