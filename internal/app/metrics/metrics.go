// Package metrics holds the Prometheus collectors for the orchestration
// core: execution outcomes, work-item queue churn, schedule fires, and
// alert deliveries.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	executionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "dispatcher",
			Name:      "executions_total",
			Help:      "Total number of executions driven to a terminal status.",
		},
		[]string{"pipeline", "lane", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "market_spine",
			Subsystem: "dispatcher",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
		[]string{"pipeline", "lane"},
	)

	workItemsLeased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "workqueue",
			Name:      "items_leased_total",
			Help:      "Total number of work-item leases granted.",
		},
		[]string{"domain"},
	)

	workItemsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "workqueue",
			Name:      "items_settled_total",
			Help:      "Total number of work items settled by terminal state.",
		},
		[]string{"domain", "state"},
	)

	workItemsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "workqueue",
			Name:      "items_reclaimed_total",
			Help:      "Total number of expired leases returned to pending.",
		},
	)

	scheduleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "scheduler",
			Name:      "schedule_runs_total",
			Help:      "Total number of schedule runs by outcome.",
		},
		[]string{"schedule", "status"},
	)

	alertDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "alerts",
			Name:      "deliveries_total",
			Help:      "Total number of alert delivery attempts by outcome.",
		},
		[]string{"channel", "status"},
	)

	backfillPartitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_spine",
			Subsystem: "backfill",
			Name:      "partitions_total",
			Help:      "Total number of backfill partitions drained by outcome.",
		},
		[]string{"domain", "outcome"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		executionRuns,
		executionDuration,
		workItemsLeased,
		workItemsSettled,
		workItemsReclaimed,
		scheduleFires,
		alertDeliveries,
		backfillPartitions,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordExecution records a terminal execution outcome.
func RecordExecution(pipeline, lane, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	executionRuns.WithLabelValues(pipeline, lane, status).Inc()
	executionDuration.WithLabelValues(pipeline, lane).Observe(duration.Seconds())
}

// RecordWorkItemLease records a granted lease.
func RecordWorkItemLease(domain string) {
	workItemsLeased.WithLabelValues(domain).Inc()
}

// RecordWorkItemSettled records a work item reaching COMPLETED, FAILED, or DEAD.
func RecordWorkItemSettled(domain, state string) {
	workItemsSettled.WithLabelValues(domain, state).Inc()
}

// RecordWorkItemsReclaimed counts expired leases swept back to pending.
func RecordWorkItemsReclaimed(n int) {
	if n > 0 {
		workItemsReclaimed.Add(float64(n))
	}
}

// RecordScheduleRun records one schedule emission outcome.
func RecordScheduleRun(schedule, status string) {
	scheduleFires.WithLabelValues(schedule, status).Inc()
}

// RecordAlertDelivery records one delivery attempt outcome.
func RecordAlertDelivery(channel, status string) {
	alertDeliveries.WithLabelValues(channel, status).Inc()
}

// RecordBackfillPartition records one drained backfill partition.
func RecordBackfillPartition(domain, outcome string) {
	backfillPartitions.WithLabelValues(domain, outcome).Inc()
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["resource"]; ok && id != "" {
		return id
	}
	if id, ok := meta["pipeline"]; ok && id != "" {
		return id
	}
	if id, ok := meta["domain"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// DispatcherHooks wraps ObservationHooks for dispatcher instrumentation.
func DispatcherHooks() core.DispatchHooks {
	return ObservationHooks("market_spine", "dispatcher", "runs")
}

// BackfillHooks captures per-plan backfill drains.
func BackfillHooks() core.ObservationHooks {
	return ObservationHooks("market_spine", "backfill", "drains")
}
