// Package metrics holds the shared prometheus collectors. They are
// registered once via promauto and written by the worker, group engine,
// and manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed counts finished attempts by outcome.
	// Labels:
	//   - status: "success", "retry", or "failed"
	//   - queue: queue name
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_processed_total",
		Help: "The total number of processed task attempts",
	}, []string{"status", "queue"})

	// TaskDuration tracks handler latency in seconds.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupqueue_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueLatency tracks the time a task waits before its first attempt.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupqueue_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueDepth tracks per-state queue sizes, refreshed by the manager's
	// metrics collector.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupqueue_queue_depth",
		Help: "Number of tasks per queue and state",
	}, []string{"queue", "state"})

	// GroupDepth tracks ready and in-flight tasks per group.
	GroupDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupqueue_group_depth",
		Help: "Number of tasks per group and stage",
	}, []string{"group", "stage"})

	// DLQSize tracks the number of dead-lettered tasks.
	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupqueue_dlq_size",
		Help: "Number of tasks currently in the dead-letter queue",
	})
)
