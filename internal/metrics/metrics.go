// Package metrics exposes the engine's Prometheus instruments:
//   - grid_orders_placed_total{side}     – placements accepted by the exchange
//   - grid_orders_cancelled_total{cause} – cancels (timeout|shift|rebuild|reconcile)
//   - grid_order_fills_total{side}       – FILLED events observed
//   - grid_center_shifts_total{trigger}  – shifts (mark|fill)
//   - grid_full_rebuilds_total           – full grid rebuilds
//   - grid_center_price                  – current center (gauge)
//   - grid_active_orders                 – non-terminal managed orders (gauge)
//   - grid_rate_limit_hits_total         – 429-equivalent responses
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Orders placed, by side",
		},
		[]string{"side"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_cancelled_total",
			Help: "Orders cancelled, by cause",
		},
		[]string{"cause"},
	)

	OrderFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_order_fills_total",
			Help: "Fills observed, by side",
		},
		[]string{"side"},
	)

	CenterShifts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_center_shifts_total",
			Help: "Center shifts, by trigger",
		},
		[]string{"trigger"},
	)

	FullRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_full_rebuilds_total",
			Help: "Full grid rebuilds",
		},
	)

	CenterPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_center_price",
			Help: "Current grid center price",
		},
	)

	ActiveOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grid_active_orders",
			Help: "Non-terminal managed orders",
		},
	)

	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grid_rate_limit_hits_total",
			Help: "Rate-limit responses from the exchange",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersCancelled,
		OrderFills,
		CenterShifts,
		FullRebuilds,
		CenterPrice,
		ActiveOrders,
		RateLimitHits,
	)
}
