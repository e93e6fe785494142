package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "playdelivery"

// Metrics tracks delivery worker counters. Each instance owns its registry,
// so tests and multiple workers in one process never share state.
type Metrics struct {
	registry *prometheus.Registry

	ticks            prometheus.Counter
	processed        prometheus.Counter
	completed        prometheus.Counter
	failed           prometheus.Counter
	retried          prometheus.Counter
	deadLettered     prometheus.Counter
	orphansRecovered prometheus.Counter
	noCapacity       prometheus.Counter
	tickDuration     prometheus.Histogram
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:         prometheus.NewRegistry(),
		ticks:            newCounter("ticks_total", "Worker ticks run."),
		processed:        newCounter("tasks_processed_total", "Claimed tasks dispatched."),
		completed:        newCounter("tasks_completed_total", "Tasks delivered."),
		failed:           newCounter("tasks_failed_total", "Failed execution attempts."),
		retried:          newCounter("tasks_retried_total", "Failed attempts scheduled for retry."),
		deadLettered:     newCounter("tasks_dead_lettered_total", "Tasks that exhausted their attempts."),
		orphansRecovered: newCounter("orphans_recovered_total", "EXECUTING tasks reclaimed by the orphan sweep."),
		noCapacity:       newCounter("no_capacity_total", "Claims released because no source had capacity."),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one worker tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	m.registry.MustRegister(
		m.ticks, m.processed, m.completed, m.failed, m.retried,
		m.deadLettered, m.orphansRecovered, m.noCapacity, m.tickDuration,
	)
	return m
}

func (m *Metrics) IncrementTicks()             { m.ticks.Inc() }
func (m *Metrics) IncrementProcessed()         { m.processed.Inc() }
func (m *Metrics) IncrementCompleted()         { m.completed.Inc() }
func (m *Metrics) IncrementFailed()            { m.failed.Inc() }
func (m *Metrics) IncrementRetried()           { m.retried.Inc() }
func (m *Metrics) IncrementDeadLettered()      { m.deadLettered.Inc() }
func (m *Metrics) AddOrphansRecovered(n int)   { m.orphansRecovered.Add(float64(n)) }
func (m *Metrics) IncrementNoCapacity()        { m.noCapacity.Inc() }
func (m *Metrics) ObserveTick(seconds float64) { m.tickDuration.Observe(seconds) }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GetSnapshot returns a snapshot of all counters
func (m *Metrics) GetSnapshot() map[string]int64 {
	return map[string]int64{
		"ticks":             read(m.ticks),
		"processed":         read(m.processed),
		"completed":         read(m.completed),
		"failed":            read(m.failed),
		"retried":           read(m.retried),
		"dead_lettered":     read(m.deadLettered),
		"orphans_recovered": read(m.orphansRecovered),
		"no_capacity":       read(m.noCapacity),
	}
}

func read(c prometheus.Counter) int64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return int64(out.GetCounter().GetValue())
}
