package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wagerTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wager_requests_total",
			Help: "Total wager placements by result",
		},
		[]string{"result"},
	)

	wagerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wager_request_duration_ms",
			Help:    "Wager placement duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
		[]string{"result"},
	)

	ledgerApplyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_apply_total",
			Help: "Ledger apply calls by entry kind and result",
		},
		[]string{"kind", "result"},
	)

	settlementTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_runs_total",
			Help: "Round settlement runs by outcome (settled, replayed, partial, fail)",
		},
		[]string{"outcome"},
	)

	settlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_run_duration_ms",
			Help:    "Round settlement duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
	)

	settlementPayout = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_payout_minor_total",
			Help: "Total amount credited to winning wagers, in minor units",
		},
	)

	paymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_request_transitions_total",
			Help: "Payment request status transitions by type and target status",
		},
		[]string{"type", "status"},
	)

	notificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification deliveries by sink and result",
		},
		[]string{"sink", "result"},
	)
)

// RecordWager records a placement attempt. result should be "success" or an error class.
func RecordWager(result string, started time.Time) {
	wagerTotal.WithLabelValues(result).Inc()
	wagerDuration.WithLabelValues(result).Observe(float64(time.Since(started).Milliseconds()))
}

func RecordLedgerApply(kind, result string) {
	ledgerApplyTotal.WithLabelValues(kind, result).Inc()
}

// RecordSettlement records one settlement run and the amount it paid out.
func RecordSettlement(outcome string, paid int64, started time.Time) {
	settlementTotal.WithLabelValues(outcome).Inc()
	settlementDuration.Observe(float64(time.Since(started).Milliseconds()))
	if paid > 0 {
		settlementPayout.Add(float64(paid))
	}
}

func RecordPaymentTransition(paymentType, status string) {
	paymentTransitions.WithLabelValues(paymentType, status).Inc()
}

func RecordNotification(sink string, err error) {
	result := "success"
	if err != nil {
		result = "fail"
	}
	notificationTotal.WithLabelValues(sink, result).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
