// Package metrics provides Prometheus metrics for the dose engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	MedicinesCreated      prometheus.Counter
	MedicinesDeleted      prometheus.Counter
	TriggersScheduled     prometheus.Counter
	TriggersSkipped       prometheus.Counter
	TriggersFailed        prometheus.Counter
	TriggersCancelled     *prometheus.CounterVec
	DosesTaken            prometheus.Counter
	DoseCommands          *prometheus.CounterVec
	PlanningDuration      prometheus.Histogram
	MedicineStatus        *prometheus.GaugeVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics registered on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered on reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MedicinesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicines_created_total",
			Help: "Total medicines created",
		}),
		MedicinesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicines_deleted_total",
			Help: "Total medicines deleted",
		}),
		TriggersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_triggers_scheduled_total",
			Help: "Reminder triggers accepted by the notification scheduler",
		}),
		TriggersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_triggers_skipped_total",
			Help: "Reminder slots skipped because they were already past",
		}),
		TriggersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_triggers_failed_total",
			Help: "Reminder triggers the notification scheduler rejected",
		}),
		TriggersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_triggers_cancelled_total",
			Help: "Reminder trigger cancellations by outcome",
		}, []string{"outcome"}),
		DosesTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_taken_total",
			Help: "Total taken events recorded",
		}),
		DoseCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_commands_total",
			Help: "Dose commands consumed by outcome",
		}, []string{"outcome"}),
		PlanningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reminder_planning_duration_seconds",
			Help:    "Time spent planning reminders for one medicine",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		MedicineStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medicines_by_status",
			Help: "Active medicines by dose status at the last sweep",
		}, []string{"status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.MedicinesCreated,
		m.MedicinesDeleted,
		m.TriggersScheduled,
		m.TriggersSkipped,
		m.TriggersFailed,
		m.TriggersCancelled,
		m.DosesTaken,
		m.DoseCommands,
		m.PlanningDuration,
		m.MedicineStatus,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// SetBreakerState records a breaker transition; ordinal follows the gauge help
func (m *Metrics) SetBreakerState(name string, ordinal float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(ordinal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
