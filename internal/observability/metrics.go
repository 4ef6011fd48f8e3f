package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/queuectl/queuectl/internal/domain"
)

// JobMetrics are the worker-side counters, one set per process.
type JobMetrics struct {
	Claimed   prometheus.Counter
	Completed prometheus.Counter
	Retried   prometheus.Counter
	Dead      prometheus.Counter
	Duration  prometheus.Histogram
	InFlight  prometheus.Gauge
}

// NewJobMetrics builds and registers the worker metrics on reg.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuectl",
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by this worker process.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuectl",
			Name:      "jobs_completed_total",
			Help:      "Jobs finished with exit code zero.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuectl",
			Name:      "jobs_retried_total",
			Help:      "Failed attempts rescheduled for retry.",
		}),
		Dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuectl",
			Name:      "jobs_dead_total",
			Help:      "Jobs moved to the dead letter queue.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "queuectl",
			Name:      "job_duration_seconds",
			Help:      "Job attempt duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queuectl",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently executing in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Claimed, m.Completed, m.Retried, m.Dead, m.Duration, m.InFlight)
	}
	return m
}

// NopJobMetrics returns unregistered metrics for tests and callers that
// do not expose an endpoint.
func NopJobMetrics() *JobMetrics {
	return NewJobMetrics(nil)
}

// Aggregator is the store slice the queue collector reads.
type Aggregator interface {
	Aggregate(ctx context.Context) (domain.Aggregates, error)
}

// QueueCollector exposes live queue depth gauges, collected from the
// store on every scrape.
type QueueCollector struct {
	agg Aggregator

	stateDesc   *prometheus.Desc
	runtimeDesc *prometheus.Desc
}

// NewQueueCollector builds a collector over agg.
func NewQueueCollector(agg Aggregator) *QueueCollector {
	return &QueueCollector{
		agg: agg,
		stateDesc: prometheus.NewDesc(
			"queuectl_jobs",
			"Jobs currently in each state.",
			[]string{"state"}, nil,
		),
		runtimeDesc: prometheus.NewDesc(
			"queuectl_job_avg_runtime_seconds",
			"Mean runtime of completed jobs.",
			nil, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.runtimeDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agg, err := c.agg.Aggregate(ctx)
	if err != nil {
		return
	}
	for _, state := range domain.States {
		ch <- prometheus.MustNewConstMetric(
			c.stateDesc, prometheus.GaugeValue,
			float64(agg.Count(state)), string(state))
	}
	ch <- prometheus.MustNewConstMetric(
		c.runtimeDesc, prometheus.GaugeValue, agg.AvgRuntimeSeconds)
}
