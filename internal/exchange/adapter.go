// Package exchange defines the capability-typed adapter contract the engine
// depends on. Venue-specific wire protocols, signing, and status mapping live
// behind this interface.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

type Capabilities struct {
	MarkPrice  bool
	Orderbook  bool
	PostOnly   bool
	MassCancel bool
}

// Unsubscribe tears down one stream subscription. Idempotent.
type Unsubscribe func()

type OrderbookSubscription struct {
	Symbol  string
	OnQuote func(core.Quote)
}

// PositionSnapshot carries signed net sizes per canonical symbol. A snapshot
// that omits a symbol means the venue reported no position for it.
type PositionSnapshot struct {
	Positions map[string]decimal.Decimal
	At        time.Time
}

type AccountSubscription struct {
	OnOrderUpdate    func(core.Order)
	OnPositionUpdate func(PositionSnapshot)
}

type PlaceRequest struct {
	Symbol       string
	ClientID     string
	Side         core.Side
	Type         core.OrderType
	Price        decimal.Decimal
	Qty          decimal.Decimal
	PostOnly     bool
	ExpireTimeMs int64
}

type PlaceResult struct {
	Status         core.OrderStatus
	ExchangeID     string
	ExchangeStatus string
	FilledQty      decimal.Decimal
}

// Adapter is the uniform exchange capability. Adapters own reconnection and
// resubscription on transient stream drops, tick/lot rounding, and mapping
// native status strings onto the unified set.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	ResolveSymbol(symbol string) (string, error)

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SubscribeOrderbook(ctx context.Context, sub OrderbookSubscription) (Unsubscribe, error)
	SubscribeAccount(ctx context.Context, sub AccountSubscription) (Unsubscribe, error)

	GetMarketConfig(ctx context.Context, symbol string) (core.MarketConfig, error)
	GetNetPosition(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOrderByClientID(ctx context.Context, symbol, clientID string) (core.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	GetOrdersHistory(ctx context.Context, symbol string, sinceMs int64) ([]core.Order, error)

	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	CancelOrderByClientID(ctx context.Context, symbol, clientID string) error
	MassCancel(ctx context.Context, symbol string) error
}

// CheckCapabilities enforces the startup contract: the engine refuses to run
// without mark price and orderbook streams.
func CheckCapabilities(a Adapter) error {
	caps := a.Capabilities()
	if !caps.MarkPrice {
		return coreCapErr(a.Name(), "mark_price")
	}
	if !caps.Orderbook {
		return coreCapErr(a.Name(), "orderbook")
	}
	return nil
}

func coreCapErr(name, cap string) error {
	return &capabilityError{adapter: name, capability: cap}
}

type capabilityError struct {
	adapter    string
	capability string
}

func (e *capabilityError) Error() string {
	return "adapter " + e.adapter + " lacks required capability " + e.capability
}

func (e *capabilityError) Unwrap() error { return core.ErrCapabilityUnmet }
