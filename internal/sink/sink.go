// Package sink receives order records emitted by the engine on every observed
// state mutation. Writes are fire-and-forget: the trading path never waits on
// the sink, and failures are only logged.
package sink

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

// Record carries enough fields for a full replay of order history. Idempotence
// key is (exchange, client_order_id).
type Record struct {
	Exchange       string
	ClientOrderID  string
	ExchangeID     string
	RunID          string
	Symbol         string
	Side           core.Side
	Status         core.OrderStatus
	ExchangeStatus string
	Price          decimal.Decimal
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	LevelIndex     int
	PlacedAt       time.Time
	UpdatedAt      time.Time
}

func RecordFromOrder(order core.Order, runID string) Record {
	return Record{
		Exchange:       order.Exchange,
		ClientOrderID:  order.ClientID,
		ExchangeID:     order.ExchangeID,
		RunID:          runID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Status:         order.Status,
		ExchangeStatus: order.ExchangeStatus,
		Price:          order.Price,
		Qty:            order.Qty,
		FilledQty:      order.FilledQty,
		LevelIndex:     order.LevelIndex,
		PlacedAt:       order.PlacedAt,
		UpdatedAt:      order.UpdatedAt,
	}
}

// Sink is the persistence contract. RecordOrder must not block the caller
// beyond a cheap enqueue.
type Sink interface {
	RecordOrder(record Record)
	Close(ctx context.Context) error
}

// Nop discards every record. Used when no DB path is configured and in tests.
type Nop struct{}

func (Nop) RecordOrder(Record)          {}
func (Nop) Close(context.Context) error { return nil }
