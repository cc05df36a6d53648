package metrics

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "tradedesk_"

	resultSuccess = "success"
	resultError   = "error"
	resultWaiting = "waiting"
	resultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	transitionTotal   *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec

	completionApplyTotal   *prometheus.CounterVec
	completionApplyLatency *prometheus.HistogramVec
	idempotencySkips       *prometheus.CounterVec

	batchSettleTotal   *prometheus.CounterVec
	batchSettleLatency *prometheus.HistogramVec

	statementExportTotal   *prometheus.CounterVec
	statementExportLatency *prometheus.HistogramVec

	timerAlertsTotal *prometheus.CounterVec
	notifyTotal      *prometheus.CounterVec
	externalErrors   *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec
	realtimeClients  prometheus.Gauge
)

const dbQueryTimeout = 2 * time.Second

// Init registers desk metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		transitionTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "order_transitions_total",
				Help: "Total order status transitions by target status and result",
			},
			[]string{"target", "result"},
		)
		transitionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "order_transition_latency_seconds",
				Help:    "Order status transition latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		completionApplyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "completion_apply_total",
				Help: "Total completion ledger applications by result",
			},
			[]string{"result"},
		)
		completionApplyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "completion_apply_latency_seconds",
				Help:    "Completion ledger application latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		idempotencySkips = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "idempotency_skips_total",
				Help: "Ledger effects skipped because they were already applied, by kind",
			},
			[]string{"kind"},
		)

		batchSettleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_batch_total",
				Help: "Total gateway settlement batches by result",
			},
			[]string{"result"},
		)
		batchSettleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_batch_latency_seconds",
				Help:    "Gateway settlement batch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		statementExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statement_export_total",
				Help: "Total batch statement exports by format and result",
			},
			[]string{"format", "result"},
		)
		statementExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "statement_export_latency_seconds",
				Help:    "Batch statement export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		timerAlertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "timer_alerts_total",
				Help: "Total countdown alerts fired by timer kind and level",
			},
			[]string{"kind", "level"},
		)
		notifyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_notifications_total",
				Help: "Total alert notifications by channel and result",
			},
			[]string{"channel", "result"},
		)
		externalErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "external_errors_total",
				Help: "Total failed external operations by operation",
			},
			[]string{"op"},
		)
		eventsDispatched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_dispatched_total",
				Help: "Total change events dispatched by type and result",
			},
			[]string{"event", "result"},
		)
		realtimeClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "realtime_clients",
				Help: "Connected order feed websocket clients",
			},
		)

		prometheus.MustRegister(
			transitionTotal,
			transitionLatency,
			completionApplyTotal,
			completionApplyLatency,
			idempotencySkips,
			batchSettleTotal,
			batchSettleLatency,
			statementExportTotal,
			statementExportLatency,
			timerAlertsTotal,
			notifyTotal,
			externalErrors,
			eventsDispatched,
			realtimeClients,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	pendingReceivables := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "pending_receivables",
			Help: "Gateway receivables not yet settled",
		},
		func() float64 {
			return countRows(db, logger, `SELECT COUNT(*) FROM gateway_receivables WHERE settled_at IS NULL`)
		},
	)
	openOrders := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "open_orders",
			Help: "Buy orders not in a terminal status",
		},
		func() float64 {
			return countRows(db, logger, `SELECT COUNT(*) FROM buy_orders WHERE status NOT IN ('completed','cancelled')`)
		},
	)
	prometheus.MustRegister(pendingReceivables, openOrders)
}

func countRows(db *sql.DB, logger *log.Logger, query string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), dbQueryTimeout)
	defer cancel()
	var count int64
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics gauge query failed: %v", err)
		}
		return 0
	}
	return float64(count)
}

// ObserveTransition records a status transition attempt.
func ObserveTransition(target, result string, duration time.Duration) {
	if target == "" {
		target = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if transitionTotal != nil {
		transitionTotal.WithLabelValues(target, result).Inc()
	}
	if transitionLatency != nil {
		transitionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveCompletionApply records completion ledger application latency and result.
func ObserveCompletionApply(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if completionApplyTotal != nil {
		completionApplyTotal.WithLabelValues(result).Inc()
	}
	if completionApplyLatency != nil {
		completionApplyLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIdempotencySkip counts an effect skipped as already applied.
func IncIdempotencySkip(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if idempotencySkips != nil {
		idempotencySkips.WithLabelValues(kind).Inc()
	}
}

// ObserveBatchSettle records batch settlement latency and result.
func ObserveBatchSettle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if batchSettleTotal != nil {
		batchSettleTotal.WithLabelValues(result).Inc()
	}
	if batchSettleLatency != nil {
		batchSettleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveStatementExport records export latency and result.
func ObserveStatementExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if statementExportTotal != nil {
		statementExportTotal.WithLabelValues(format, result).Inc()
	}
	if statementExportLatency != nil {
		statementExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncTimerAlert counts a fired countdown alert.
func IncTimerAlert(kind, level string) {
	if kind == "" {
		kind = "unknown"
	}
	if level == "" {
		level = "unknown"
	}
	if timerAlertsTotal != nil {
		timerAlertsTotal.WithLabelValues(kind, level).Inc()
	}
}

// IncNotification counts an alert notification delivery attempt.
func IncNotification(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notifyTotal != nil {
		notifyTotal.WithLabelValues(channel, result).Inc()
	}
}

// IncExternalError counts a failed call to the store or ledger.
func IncExternalError(op string) {
	if op == "" {
		op = "unknown"
	}
	if externalErrors != nil {
		externalErrors.WithLabelValues(op).Inc()
	}
}

// IncEventDispatched counts a delivered or failed change event.
func IncEventDispatched(event, result string) {
	if event == "" {
		event = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if eventsDispatched != nil {
		eventsDispatched.WithLabelValues(event, result).Inc()
	}
}

// SetRealtimeClients sets the connected websocket client gauge.
func SetRealtimeClients(count int) {
	if realtimeClients != nil {
		realtimeClients.Set(float64(count))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultWaiting = resultWaiting
	ResultSkipped = resultSkipped
)
