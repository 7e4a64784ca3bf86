// Package metrics exposes Prometheus collectors for the enrollment engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadflow"

// Metrics holds the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	enrollmentsCreated  *prometheus.CounterVec
	enrollmentsFinished *prometheus.CounterVec
	stepsExecuted       *prometheus.CounterVec
	stepFailures        *prometheus.CounterVec
	claimsLost          prometheus.Counter
	passDuration        *prometheus.HistogramVec
	passEnrollments     prometheus.Histogram
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		enrollmentsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "enrollments",
				Name:      "created_total",
				Help:      "Enrollments created, by source.",
			},
			[]string{"source"},
		),
		enrollmentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "enrollments",
				Name:      "finished_total",
				Help:      "Enrollments that reached a terminal status, by status and reason.",
			},
			[]string{"status", "reason"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "steps_total",
				Help:      "Steps executed successfully, by action type.",
			},
			[]string{"action_type"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "step_failures_total",
				Help:      "Failed step attempts, by action type and whether the failure was terminal.",
			},
			[]string{"action_type", "terminal"},
		),
		claimsLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "claims_lost_total",
				Help:      "Due enrollments skipped because another pass owned them.",
			},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "pass_duration_seconds",
				Help:      "Duration of periodic passes, by kind.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
		passEnrollments: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "pass_enrollments",
				Help:      "Due enrollments picked up per executor pass.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enrollmentsCreated,
		m.enrollmentsFinished,
		m.stepsExecuted,
		m.stepFailures,
		m.claimsLost,
		m.passDuration,
		m.passEnrollments,
	)

	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EnrollmentsCreated(source string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.enrollmentsCreated.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) EnrollmentFinished(status, reason string) {
	if m == nil {
		return
	}

	m.enrollmentsFinished.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) StepExecuted(actionType string) {
	if m == nil {
		return
	}

	m.stepsExecuted.WithLabelValues(actionType).Inc()
}

func (m *Metrics) StepFailed(actionType string, terminal bool) {
	if m == nil {
		return
	}

	label := "false"
	if terminal {
		label = "true"
	}

	m.stepFailures.WithLabelValues(actionType, label).Inc()
}

func (m *Metrics) ClaimLost() {
	if m == nil {
		return
	}

	m.claimsLost.Inc()
}

// ObservePass records a finished periodic pass of the given kind.
func (m *Metrics) ObservePass(kind string, started time.Time, enrollments int) {
	if m == nil {
		return
	}

	m.passDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())

	if kind == "execute" {
		m.passEnrollments.Observe(float64(enrollments))
	}
}
