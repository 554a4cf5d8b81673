// Package metrics exports automation counters to Prometheus. It listens to
// the event hub and observes the command queue, so nothing else in the
// process needs to know metrics exist.
package metrics

import (
	"context"
	"net/http"
	"time"

	"fasto-agent/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fasto"

// Metrics owns a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration prometheus.Histogram
	workflows       *prometheus.CounterVec
	steps           *prometheus.CounterVec
	actions         *prometheus.CounterVec
	navigations     *prometheus.CounterVec
	speech          prometheus.Counter
	diagnoses       *prometheus.GaugeVec
}

// New creates the collectors. withRuntime adds Go and process collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Commands settled by the command queue.",
		}, []string{"result"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "command_duration_seconds",
			Help:    "Time from a command starting to settling.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflows_total",
			Help: "Workflow runs by final status.",
		}, []string{"type", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflow_steps_total",
			Help: "Workflow steps executed.",
		}, []string{"type", "action"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_total",
			Help: "Bus actions by outcome; fallback means the backend was called directly.",
		}, []string{"type", "result"}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "navigations_total",
			Help: "Navigation requests by how they were satisfied.",
		}, []string{"outcome"}),
		speech: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "speech_requests_total",
			Help: "Text-to-speech requests published.",
		}),
		diagnoses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "diagnosis_facts",
			Help: "Facts currently derived for each diagnosis predicate.",
		}, []string{"predicate"}),
	}
	m.registry.MustRegister(m.commands, m.commandDuration, m.workflows, m.steps, m.actions, m.navigations, m.speech, m.diagnoses)
	if withRuntime {
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackQueue exports depth as a gauge. Call it once per Metrics.
func (m *Metrics) TrackQueue(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_pending",
		Help: "Commands submitted but not yet settled.",
	}, func() float64 { return float64(depth()) }))
}

// ObserveCommand matches queue.Observer.
func (m *Metrics) ObserveCommand(_ string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(result).Inc()
	m.commandDuration.Observe(took.Seconds())
}

// SetDiagnosis records how many facts a derived diagnosis predicate holds.
func (m *Metrics) SetDiagnosis(predicate string, facts int) {
	m.diagnoses.WithLabelValues(predicate).Set(float64(facts))
}

// Observe folds one hub event into the counters.
func (m *Metrics) Observe(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.Workflow:
		switch p.Status {
		case "step":
			m.steps.WithLabelValues(p.Type, p.Action).Inc()
		case "completed", "cancelled", "error":
			m.workflows.WithLabelValues(p.Type, p.Status).Inc()
		}
	case events.ActionResult:
		result := "failure"
		switch {
		case p.Fallback:
			result = "fallback"
		case p.Success:
			result = "success"
		}
		m.actions.WithLabelValues(p.Type, result).Inc()
	case events.NavigationResult:
		m.navigations.WithLabelValues(p.Outcome).Inc()
	case events.Speak:
		m.speech.Inc()
	}
}

// Run consumes hub events until ctx ends.
func (m *Metrics) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(256, events.KindWorkflow, events.KindActionResult, events.KindNavigationResult, events.KindSpeak)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
