// Package telemetry exposes Prometheus counters for status and checklist activity.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repairtrack_transitions_total", Help: "Status transitions applied, by target state"}, []string{"to"})
	TransitionRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "repairtrack_transition_rejects_total", Help: "Transition requests refused by validation or gates"})
	Notifications     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repairtrack_notifications_total", Help: "Notifications dispatched, by severity"}, []string{"severity"})
	UnreadGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "repairtrack_notifications_unread", Help: "Unread notifications in the dispatcher"})
	ChecklistSaves    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repairtrack_checklist_saves_total", Help: "Checklist saves persisted, by mode"}, []string{"mode"})
	StaleSaves        = prometheus.NewCounter(prometheus.CounterOpts{Name: "repairtrack_checklist_stale_saves_total", Help: "Checklist saves discarded because the template changed"})
	AmbiguousHistory  = prometheus.NewCounter(prometheus.CounterOpts{Name: "repairtrack_history_ambiguous_total", Help: "Legacy annotations that did not describe a transition"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			TransitionRejects,
			Notifications,
			UnreadGauge,
			ChecklistSaves,
			StaleSaves,
			AmbiguousHistory,
		)
	})
	return promhttp.Handler()
}
