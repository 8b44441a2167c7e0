// Package metrics exposes Prometheus counters for the background engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the surface the workers report through.
type Recorder interface {
	RecordPoll(outcome string)
	RecordReferences(count int)
	RecordElementsCreated(count int)
	RecordDownload(outcome string)
	RecordSweep(pass string, count int)
	RecordJobRun(job, outcome string, elapsed time.Duration)
	RecordLockContention()
	RecordPoolTask(pool, outcome string)
}

type Collector struct {
	polls           *prometheus.CounterVec
	references      prometheus.Counter
	elementsCreated prometheus.Counter
	downloads       *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobLatency      *prometheus.HistogramVec
	lockContention  prometheus.Counter
	poolTasks       *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_polls_total",
			Help: "Subscription polls by outcome.",
		}, []string{"outcome"}),
		references: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivist_references_ingested_total",
			Help: "Remote references fetched and stored.",
		}),
		elementsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivist_elements_created_total",
			Help: "Subscription elements materialized.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_downloads_total",
			Help: "Element downloads by outcome.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_sweep_elements_total",
			Help: "Expired elements processed by sweep pass.",
		}, []string{"pass"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_job_runs_total",
			Help: "Job executions by job and outcome.",
		}, []string{"job", "outcome"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_job_duration_seconds",
			Help:    "Job execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"job"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "archivist_lock_contention_total",
			Help: "Lock acquisitions that found the lock already held.",
		}),
		poolTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_pool_tasks_total",
			Help: "Post-processing tasks by pool and outcome.",
		}, []string{"pool", "outcome"}),
	}

	reg.MustRegister(
		c.polls,
		c.references,
		c.elementsCreated,
		c.downloads,
		c.sweeps,
		c.jobRuns,
		c.jobLatency,
		c.lockContention,
		c.poolTasks,
	)
	return c
}

func (c *Collector) RecordPoll(outcome string) {
	c.polls.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordReferences(count int) {
	c.references.Add(float64(count))
}

func (c *Collector) RecordElementsCreated(count int) {
	c.elementsCreated.Add(float64(count))
}

func (c *Collector) RecordDownload(outcome string) {
	c.downloads.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSweep(pass string, count int) {
	c.sweeps.WithLabelValues(pass).Add(float64(count))
}

func (c *Collector) RecordJobRun(job, outcome string, elapsed time.Duration) {
	c.jobRuns.WithLabelValues(job, outcome).Inc()
	c.jobLatency.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (c *Collector) RecordLockContention() {
	c.lockContention.Inc()
}

func (c *Collector) RecordPoolTask(pool, outcome string) {
	c.poolTasks.WithLabelValues(pool, outcome).Inc()
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
