package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type PositionSide string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
	// None marks the center level, which never carries an order.
	None Side = "NONE"
)

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// Unified order statuses. Adapters map exchange-native strings onto this set.
const (
	OrderPendingSend     OrderStatus = "PENDING_SEND"
	OrderSent            OrderStatus = "SENT"
	OrderAcked           OrderStatus = "ACKED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether an order in this status can never occupy a level again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Quote is a top-of-book snapshot with the exchange mark price.
type Quote struct {
	Exchange string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Mark     decimal.Decimal
	Time     time.Time
}

func (q Quote) Valid() bool {
	if q.Mark.Cmp(decimal.Zero) <= 0 {
		return false
	}
	if q.Bid.Cmp(decimal.Zero) > 0 && q.Ask.Cmp(decimal.Zero) > 0 && q.Bid.Cmp(q.Ask) > 0 {
		return false
	}
	return true
}

// Order is the local record of a grid order. LevelIndex is a value key into the
// level table, never a pointer.
type Order struct {
	ClientID       string
	ExchangeID     string
	Exchange       string
	Symbol         string
	Side           Side
	Type           OrderType
	Status         OrderStatus
	ExchangeStatus string
	Price          decimal.Decimal
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	LevelIndex     int
	PostOnly       bool
	PlacedAt       time.Time
	UpdatedAt      time.Time
}

// MarketConfig are the venue trading rules for a symbol.
type MarketConfig struct {
	MinPriceChange     decimal.Decimal
	MinOrderSizeChange decimal.Decimal
	MakerFee           decimal.Decimal
	TakerFee           decimal.Decimal
}
