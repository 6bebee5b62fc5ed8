package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "minifarm_"

	resultSuccess = "success"
	resultError   = "error"
	resultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	pollTotal    *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	activeLoops  *prometheus.GaugeVec

	commandRequests *prometheus.CounterVec
	commandResults  *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	pendingCommands prometheus.Gauge

	notificationsTotal *prometheus.CounterVec

	reconcileTotal   *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec

	sampleWriteErrors prometheus.Counter
)

// Init registers engine metrics and DB-backed gauges. db may be nil.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		pollTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_total",
				Help: "Total polling ticks by resource kind and result",
			},
			[]string{"kind", "result"},
		)
		fetchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "fetch_latency_seconds",
				Help:    "Registry read latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "result"},
		)
		activeLoops = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_loops",
				Help: "Running polling loops by resource kind",
			},
			[]string{"kind"},
		)

		commandRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total issued actuator commands by transport",
			},
			[]string{"mode"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total actuator command results by transport and status",
			},
			[]string{"mode", "status"},
		)
		commandLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_latency_seconds",
				Help:    "Actuator command end-to-end latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
			[]string{"mode", "status"},
		)
		pendingCommands = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "pending_commands",
				Help: "Asynchronous commands awaiting a response",
			},
		)

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total pushed notifications by outcome",
			},
			[]string{"outcome"},
		)

		reconcileTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_total",
				Help: "Total resource tree reconciliations by result",
			},
			[]string{"result"},
		)
		reconcileLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "reconcile_latency_seconds",
				Help:    "Resource tree reconciliation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		sampleWriteErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sample_write_errors_total",
				Help: "Failed durable sample writes",
			},
		)

		prometheus.MustRegister(
			pollTotal,
			fetchLatency,
			activeLoops,
			commandRequests,
			commandResults,
			commandLatency,
			pendingCommands,
			notificationsTotal,
			reconcileTotal,
			reconcileLatency,
			sampleWriteErrors,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObservePoll records one polling tick.
func ObservePoll(kind, result string, duration time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if pollTotal != nil {
		pollTotal.WithLabelValues(kind, result).Inc()
	}
	if fetchLatency != nil && result != resultSkipped {
		fetchLatency.WithLabelValues(kind, result).Observe(duration.Seconds())
	}
}

// LoopStarted increments the running loop gauge.
func LoopStarted(kind string) {
	if activeLoops != nil {
		activeLoops.WithLabelValues(kind).Inc()
	}
}

// LoopStopped decrements the running loop gauge.
func LoopStopped(kind string) {
	if activeLoops != nil {
		activeLoops.WithLabelValues(kind).Dec()
	}
}

// IncCommandIssued increments issued command counter.
func IncCommandIssued(mode string) {
	if commandRequests != nil {
		commandRequests.WithLabelValues(mode).Inc()
	}
}

// ObserveCommandResult records a resolved command.
func ObserveCommandResult(mode, status string, total time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(mode, status).Inc()
	}
	if commandLatency != nil {
		commandLatency.WithLabelValues(mode, status).Observe(total.Seconds())
	}
}

// SetPendingCommands sets the number of unresolved asynchronous commands.
func SetPendingCommands(n int) {
	if pendingCommands != nil {
		pendingCommands.Set(float64(n))
	}
}

// IncNotification counts a pushed notification.
func IncNotification(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveReconcile records a reconciliation run.
func ObserveReconcile(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if reconcileTotal != nil {
		reconcileTotal.WithLabelValues(result).Inc()
	}
	if reconcileLatency != nil {
		reconcileLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncSampleWriteError counts a failed durable sample write.
func IncSampleWriteError() {
	if sampleWriteErrors != nil {
		sampleWriteErrors.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultSkipped = resultSkipped
)
