package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

// Metrics is a dedicated Prometheus registry for run activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	runsCreated     prometheus.Counter
	transitions     *prometheus.CounterVec
	stepOutcomes    *prometheus.CounterVec
	plannerCalls    *prometheus.CounterVec
	policyDecisions *prometheus.CounterVec
	liveSubscribers prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "runs_created_total",
			Help:      "Runs accepted by Enqueue.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "run_transitions_total",
			Help:      "Run status transitions.",
		}, []string{"from", "to"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "step_outcomes_total",
			Help:      "Terminal step outcomes.",
		}, []string{"status"}),
		plannerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "planner_calls_total",
			Help:      "Planner invocations by trigger and result.",
		}, []string{"trigger", "result"}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "policy_decisions_total",
			Help:      "Navigation policy verdicts.",
		}, []string{"verdict"}),
		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "live_subscribers",
			Help:      "Open live event streams.",
		}),
	}
	m.registry.MustRegister(m.runsCreated, m.transitions, m.stepOutcomes, m.plannerCalls, m.policyDecisions, m.liveSubscribers)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeCreated() {
	if m == nil {
		return
	}
	m.runsCreated.Inc()
}

func (m *Metrics) observeTransition(from, to store.RunStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) observeStep(status store.StepStatus) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observePlanner(trigger string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.plannerCalls.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) observePolicy(verdict string) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(verdict).Inc()
}

// SubscriberOpened and SubscriberClosed track live streams.
func (m *Metrics) SubscriberOpened() {
	if m == nil {
		return
	}
	m.liveSubscribers.Inc()
}

func (m *Metrics) SubscriberClosed() {
	if m == nil {
		return
	}
	m.liveSubscribers.Dec()
}
