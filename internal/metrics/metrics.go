// Package metrics registers the bot's Prometheus instruments:
//
//	bot_slots_fired_total            – Scheduler slots that fired
//	bot_positions_opened_total{side} – Legs opened (side: CE|PE)
//	bot_exits_total{reason}          – Closed legs by exit reason
//	bot_open_positions               – Currently open legs (gauge)
//	bot_flush_batches_total          – Write-buffer flushes
//	bot_flushed_rows_total           – Rows persisted
//	bot_feed_errors_total{op}        – Price feed failures (op: quote|spot)
//
// All instruments are registered in init() and served at /metrics by the
// dashboard server (Prometheus text exposition format).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	slotsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_slots_fired_total",
			Help: "Scheduler slots fired",
		},
	)

	positionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_positions_opened_total",
			Help: "Option legs opened",
		},
		[]string{"side"},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Closed legs by exit reason",
		},
		[]string{"reason"},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Currently open legs",
		},
	)

	flushBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_flush_batches_total",
			Help: "Write-buffer flushes to the persistence sink",
		},
	)

	flushedRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_flushed_rows_total",
			Help: "Closed trades persisted",
		},
	)

	feedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_feed_errors_total",
			Help: "Price feed failures",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		slotsFired,
		positionsOpened,
		exits,
		openPositions,
		flushBatches,
		flushedRows,
		feedErrors,
	)
}

// SlotFired counts one fired scheduler slot.
func SlotFired() { slotsFired.Inc() }

// PositionOpened counts one opened leg by side ("CE"/"PE").
func PositionOpened(side string) { positionsOpened.WithLabelValues(side).Inc() }

// Exit counts one closed leg by exit reason.
func Exit(reason string) { exits.WithLabelValues(reason).Inc() }

// SetOpenPositions records the current open-leg count.
func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

// Flushed counts one flush of n rows.
func Flushed(n int) {
	flushBatches.Inc()
	flushedRows.Add(float64(n))
}

// FeedError counts one feed failure by operation ("quote"/"spot").
func FeedError(op string) { feedErrors.WithLabelValues(op).Inc() }
