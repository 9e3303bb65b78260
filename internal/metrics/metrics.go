// ============================================================================
// Metrics - Prometheus instrumentation for the coordinator
// ============================================================================
//
// Counters follow the job lifecycle (started, completed, failed, cancelled,
// hibernated, resumed), gauges track current load (active jobs, subscriber
// connections, live actors), and a histogram records end-to-end job
// duration. Exposed on /metrics in Prometheus text format.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates coordinator metrics. All methods are safe on a nil
// receiver so instrumentation stays optional in tests.
type Collector struct {
	jobsStarted    *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsCancelled  prometheus.Counter
	jobsHibernated prometheus.Counter
	jobsResumed    prometheus.Counter

	jobDuration prometheus.Histogram

	activeJobs    prometheus.Gauge
	subscribers   prometheus.Gauge
	actors        prometheus.Gauge
	dropsTotal    prometheus.Counter
	storageErrors prometheus.Counter
}

// NewCollector creates a collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_jobs_started_total",
			Help: "Total number of jobs accepted",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_jobs_completed_total",
			Help: "Total number of jobs finished in status complete",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_jobs_failed_total",
			Help: "Total number of jobs finished in status error",
		}, []string{"kind"}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_jobs_cancelled_total",
			Help: "Total number of jobs cancelled by clients",
		}),
		jobsHibernated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_jobs_hibernated_total",
			Help: "Total number of jobs checkpointed and hibernated",
		}),
		jobsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_jobs_resumed_total",
			Help: "Total number of hibernated jobs resumed",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_job_duration_seconds",
			Help:    "End-to-end job duration from creation to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_jobs_active",
			Help: "Current number of non-terminal jobs held in memory",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_subscribers",
			Help: "Current number of live subscriber connections",
		}),
		actors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_actors",
			Help: "Current number of live coordinator actors",
		}),
		dropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_broadcast_drops_total",
			Help: "Total number of subscriber connections dropped for slow or failed sends",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_storage_errors_total",
			Help: "Total number of failed durable store writes",
		}),
	}

	reg.MustRegister(
		c.jobsStarted, c.jobsCompleted, c.jobsFailed,
		c.jobsCancelled, c.jobsHibernated, c.jobsResumed,
		c.jobDuration,
		c.activeJobs, c.subscribers, c.actors,
		c.dropsTotal, c.storageErrors,
	)
	return c
}

// NewDefaultCollector registers against the default Prometheus registry.
func NewDefaultCollector() *Collector {
	return NewCollector(prometheus.DefaultRegisterer)
}

func (c *Collector) RecordStarted(kind string) {
	if c == nil {
		return
	}
	c.jobsStarted.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordCompleted(kind string, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(kind).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordFailed(kind string, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(kind).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

func (c *Collector) RecordHibernated() {
	if c == nil {
		return
	}
	c.jobsHibernated.Inc()
}

func (c *Collector) RecordResumed() {
	if c == nil {
		return
	}
	c.jobsResumed.Inc()
}

func (c *Collector) RecordBroadcastDrop() {
	if c == nil {
		return
	}
	c.dropsTotal.Inc()
}

func (c *Collector) RecordStorageError() {
	if c == nil {
		return
	}
	c.storageErrors.Inc()
}

func (c *Collector) SetActiveJobs(n int) {
	if c == nil {
		return
	}
	c.activeJobs.Set(float64(n))
}

func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(n))
}

func (c *Collector) SetActors(n int) {
	if c == nil {
		return
	}
	c.actors.Set(float64(n))
}

// StartServer exposes /metrics on the given port. Blocks until the listener
// fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
