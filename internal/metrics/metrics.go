package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildtall-systems/dropship/internal/resilience"
)

// Registry holds the service's collectors on a private prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg                *prometheus.Registry
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	StageResults       *prometheus.CounterVec
	Cycles             *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	OrderTransitions   *prometheus.CounterVec
	TimelineEvents     prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dropship_breaker_state",
		Help: "Circuit state per dependency: 0 closed, 1 half-open, 2 open.",
	}, []string{"dependency"})
	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropship_breaker_transitions_total",
	}, []string{"dependency", "to"})
	stageResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropship_stage_results_total",
	}, []string{"stage", "outcome"})
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropship_cycles_total",
	}, []string{"success"})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dropship_cycle_duration_seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	orderTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dropship_order_transitions_total",
	}, []string{"status"})
	timelineEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dropship_timeline_events_total",
	})

	r.MustRegister(breakerState, breakerTransitions, stageResults, cycles, cycleDuration, orderTransitions, timelineEvents)
	return &Registry{
		reg:                r,
		BreakerState:       breakerState,
		BreakerTransitions: breakerTransitions,
		StageResults:       stageResults,
		Cycles:             cycles,
		CycleDuration:      cycleDuration,
		OrderTransitions:   orderTransitions,
		TimelineEvents:     timelineEvents,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the underlying registry, for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// BreakerObserver returns a resilience observer feeding the breaker collectors.
func (r *Registry) BreakerObserver() resilience.StateChangeFunc {
	return func(name string, _, to resilience.State) {
		if r == nil {
			return
		}
		r.BreakerState.WithLabelValues(name).Set(stateValue(to))
		r.BreakerTransitions.WithLabelValues(name, string(to)).Inc()
	}
}

func (r *Registry) ObserveStage(stage, outcome string) {
	if r == nil {
		return
	}
	r.StageResults.WithLabelValues(stage, outcome).Inc()
}

func (r *Registry) ObserveCycle(success bool, d time.Duration) {
	if r == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	r.Cycles.WithLabelValues(label).Inc()
	r.CycleDuration.Observe(d.Seconds())
}

func (r *Registry) ObserveOrder(status string) {
	if r == nil {
		return
	}
	r.OrderTransitions.WithLabelValues(status).Inc()
}

func (r *Registry) ObserveTimelineEvent() {
	if r == nil {
		return
	}
	r.TimelineEvents.Inc()
}

func stateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}
