// Package metrics holds the Prometheus instruments of the harvest worker.
package metrics

import (
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all harvest metrics.
	Namespace = "harvest"

	// Subsystem is the subsystem for worker metrics.
	Subsystem = "worker"
)

// jobStatuses are the statuses reported by the jobs gauge.
var jobStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusRunning,
}

// Metrics holds all Prometheus metrics of the worker.
type Metrics struct {
	// Tick metrics
	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram

	// Task metrics
	TasksFinished  *prometheus.CounterVec
	ResultsStored  prometheus.Counter
	TasksRecovered prometheus.Counter

	// Provider metrics
	ProviderCalls        *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec

	// Job metrics
	JobsScheduled prometheus.Counter
	Jobs          *prometheus.GaugeVec

	LockHeld prometheus.Gauge
}

// New creates and registers all worker metrics on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initTickMetrics(factory)
	m.initTaskMetrics(factory)
	m.initProviderMetrics(factory)
	m.initJobMetrics(factory)

	return m
}

func (m *Metrics) initTickMetrics(factory promauto.Factory) {
	m.TicksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "ticks_total",
			Help:      "Total number of worker ticks by result",
		},
		[]string{"result"},
	)

	m.TickDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one worker tick in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27min
		},
	)

	m.LockHeld = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "instance_lock_held",
			Help:      "1 when this process holds the worker instance lock",
		},
	)
}

func (m *Metrics) initTaskMetrics(factory promauto.Factory) {
	m.TasksFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	m.ResultsStored = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "results_stored_total",
			Help:      "Total number of result records inserted",
		},
	)

	m.TasksRecovered = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "tasks_recovered_total",
			Help:      "Total number of wedged tasks returned to pending",
		},
	)
}

func (m *Metrics) initProviderMetrics(factory promauto.Factory) {
	m.ProviderCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of provider calls by variant and outcome",
		},
		[]string{"variant", "outcome"},
	)

	m.ProviderCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Duration of provider calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		},
		[]string{"variant"},
	)
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsScheduled = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs_scheduled_total",
			Help:      "Total number of jobs created by the recurrence scheduler",
		},
	)

	m.Jobs = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "jobs",
			Help:      "Number of non-terminal jobs by status",
		},
		[]string{"status"},
	)
}

// RecordTick records one finished tick.
func (m *Metrics) RecordTick(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TicksTotal.WithLabelValues(result).Inc()
	m.TickDuration.Observe(d.Seconds())
}

// RecordTaskFinished records a task reaching a terminal status.
func (m *Metrics) RecordTaskFinished(status domain.TaskStatus, stored int) {
	m.TasksFinished.WithLabelValues(string(status)).Inc()
	m.ResultsStored.Add(float64(stored))
}

// RecordRecovered records wedged tasks reset by recovery.
func (m *Metrics) RecordRecovered(n int) {
	m.TasksRecovered.Add(float64(n))
}

// RecordScheduled records jobs created by the scheduler.
func (m *Metrics) RecordScheduled(n int) {
	m.JobsScheduled.Add(float64(n))
}

// SetJobCounts publishes the number of queued and running jobs.
func (m *Metrics) SetJobCounts(counts map[domain.JobStatus]int) {
	for _, s := range jobStatuses {
		m.Jobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// SetLockHeld publishes whether the instance lock is held.
func (m *Metrics) SetLockHeld(held bool) {
	if held {
		m.LockHeld.Set(1)
		return
	}
	m.LockHeld.Set(0)
}

// ObserveCall records one provider call. An empty kind is a success.
func (m *Metrics) ObserveCall(variant domain.StarFilter, kind provider.Kind, elapsed time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	m.ProviderCalls.WithLabelValues(string(variant), outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(string(variant)).Observe(elapsed.Seconds())
}
