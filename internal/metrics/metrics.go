// Package metrics exposes the Prometheus collectors for streaming and
// scheduling.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsStarted counts provider streams opened.
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_streams_started_total",
		Help: "Number of provider streams opened.",
	})

	// StreamsFinished counts streams by terminal status
	// (completed, interrupted, failed).
	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_streams_finished_total",
		Help: "Number of streams finished, by terminal status.",
	}, []string{"status"})

	// EventsPublished counts stream events appended to the shared log.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_stream_events_published_total",
		Help: "Number of stream events appended to the shared log.",
	})

	// QueueInjections counts queued messages injected into live sessions.
	QueueInjections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_queue_injections_total",
		Help: "Number of queued messages injected into live streams.",
	})

	// TaskExecutions counts scheduled task executions by terminal status
	// (SUCCESS, FAILED).
	TaskExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduled_task_executions_total",
		Help: "Number of scheduled task executions, by terminal status.",
	}, []string{"status"})

	// DueTasksClaimed counts tasks claimed by the periodic due check.
	DueTasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduled_tasks_claimed_total",
		Help: "Number of due tasks claimed by the scheduler poll.",
	})
)
