// Package metrics defines the Prometheus collectors shared by the runtime, the bus,
// the permission engine and the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ModuleTransitions counts lifecycle transitions per module.
	// status is "attempt", "success" or "failed".
	ModuleTransitions *prometheus.CounterVec

	// EventsFired counts Fire calls per event type.
	EventsFired *prometheus.CounterVec

	// ListenerFailures counts listener errors and panics per event type.
	ListenerFailures *prometheus.CounterVec

	// PermissionChecks counts permission decisions by source and result.
	PermissionChecks *prometheus.CounterVec

	// CommandsDispatched counts dispatch outcomes per command.
	CommandsDispatched *prometheus.CounterVec

	// CommandDuration measures handler execution time.
	CommandDuration *prometheus.HistogramVec

	// QueueDepth reports jobs waiting in the worker pool.
	QueueDepth prometheus.Gauge
}

// New registers the collectors with reg. Passing prometheus.NewRegistry() in
// tests keeps registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ModuleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebot_module_transitions_total",
			Help: "Total number of module lifecycle transitions.",
		}, []string{"module", "transition", "status"}),

		EventsFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebot_events_fired_total",
			Help: "Total number of events fired on the bus.",
		}, []string{"type"}),

		ListenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebot_listener_failures_total",
			Help: "Total number of listener errors and panics recovered by the bus.",
		}, []string{"type", "reason"}),

		PermissionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebot_permission_checks_total",
			Help: "Total number of permission decisions.",
		}, []string{"source", "result"}),

		CommandsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebot_commands_dispatched_total",
			Help: "Total number of command dispatches by outcome.",
		}, []string{"command", "outcome"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebot_command_duration_seconds",
			Help:    "Duration of command handlers in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "sourcebot_worker_queue_depth",
			Help: "Number of jobs waiting for a worker.",
		}),
	}
}

// ModuleTransition records one lifecycle transition step.
func (m *Metrics) ModuleTransition(module, transition, status string) {
	if m == nil {
		return
	}
	m.ModuleTransitions.WithLabelValues(module, transition, status).Inc()
}

// EventFired records a Fire call.
func (m *Metrics) EventFired(eventType string) {
	if m == nil {
		return
	}
	m.EventsFired.WithLabelValues(eventType).Inc()
}

// ListenerFailed records a recovered listener failure. reason is "error" or "panic".
func (m *Metrics) ListenerFailed(eventType, reason string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(eventType, reason).Inc()
}

// PermissionChecked records a decision.
func (m *Metrics) PermissionChecked(source string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PermissionChecks.WithLabelValues(source, result).Inc()
}

// CommandDispatched records a dispatch outcome.
func (m *Metrics) CommandDispatched(command, outcome string) {
	if m == nil {
		return
	}
	m.CommandsDispatched.WithLabelValues(command, outcome).Inc()
}

// ObserveCommand records handler duration in seconds.
func (m *Metrics) ObserveCommand(command string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command).Observe(seconds)
}

// SetQueueDepth updates the pool backlog gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
