// Package metrics exposes scheduler counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_scheduler_events_total",
			Help: "Scheduler events by source and processor status",
		},
		[]string{"source", "status"},
	)

	dispositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_scheduler_dispositions_total",
			Help: "Failed scheduler events by disposition",
		},
		[]string{"disposition"},
	)

	queueActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_scheduler_queue_actions_total",
			Help: "Operator queue actions",
		},
		[]string{"queue", "action", "status"},
	)

	runLedgerRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_run_ledger_records_total",
			Help: "Run ledger writes by source and link status",
		},
		[]string{"source", "status"},
	)

	replayItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_replay_items_total",
			Help: "Task board replay items by outcome",
		},
		[]string{"status"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polar_scheduler_handler_duration_seconds",
			Help:    "Time spent processing one scheduler event",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	dueJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polar_scheduler_due_jobs",
			Help: "Jobs found due on the last tick",
		},
	)
)

// RecordEvent counts a processed event and how long it took.
func RecordEvent(source, status string, d time.Duration) {
	eventsTotal.WithLabelValues(source, status).Inc()
	handlerDuration.WithLabelValues(source).Observe(d.Seconds())
}

func RecordDisposition(disposition string) {
	dispositionsTotal.WithLabelValues(disposition).Inc()
}

func RecordQueueAction(queue, action, status string) {
	queueActionsTotal.WithLabelValues(queue, action, status).Inc()
}

func RecordRun(source, status string) {
	runLedgerRecordsTotal.WithLabelValues(source, status).Inc()
}

// RecordReplay counts replay outcomes.
func RecordReplay(linked, skipped, rejected int) {
	replayItemsTotal.WithLabelValues("linked").Add(float64(linked))
	replayItemsTotal.WithLabelValues("skipped_duplicate").Add(float64(skipped))
	replayItemsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

func SetDueJobs(n int) {
	dueJobs.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
