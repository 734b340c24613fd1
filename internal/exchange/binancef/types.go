package binancef

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance futures api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"timeInForce"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toOrder() core.Order {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	ord := core.Order{
		ClientID:       r.ClientOrderID,
		ExchangeID:     strconv.FormatInt(r.OrderID, 10),
		Symbol:         r.Symbol,
		Side:           core.Side(r.Side),
		Type:           core.OrderType(r.Type),
		Status:         mapOrderStatus(r.Status),
		ExchangeStatus: r.Status,
		Price:          price,
		Qty:            qty,
		FilledQty:      filled,
		PostOnly:       r.TimeInForce == "GTX",
	}
	if r.Time > 0 {
		ord.PlacedAt = time.UnixMilli(r.Time).UTC()
	}
	if r.UpdateTime > 0 {
		ord.UpdatedAt = time.UnixMilli(r.UpdateTime).UTC()
	}
	return ord
}

// mapOrderStatus folds native futures statuses onto the unified set. Anything
// unrecognized becomes UNKNOWN rather than a guess.
func mapOrderStatus(s string) core.OrderStatus {
	switch s {
	case "NEW":
		return core.OrderAcked
	case "PARTIALLY_FILLED":
		return core.OrderPartiallyFilled
	case "FILLED":
		return core.OrderFilled
	case "CANCELED":
		return core.OrderCancelled
	case "REJECTED":
		return core.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderExpired
	default:
		return core.OrderUnknown
	}
}

type positionRiskResponse struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	PositionSide string `json:"positionSide"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol  string `json:"symbol"`
	Filters []struct {
		FilterType string `json:"filterType"`
		TickSize   string `json:"tickSize"`
		StepSize   string `json:"stepSize"`
	} `json:"filters"`
}

func parseMarketConfig(src symbolInfoResponse) core.MarketConfig {
	cfg := core.MarketConfig{
		MinPriceChange:     decimal.Zero,
		MinOrderSizeChange: decimal.Zero,
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			if f.TickSize != "" {
				if v, err := decimal.NewFromString(f.TickSize); err == nil {
					cfg.MinPriceChange = v
				}
			}
		case "LOT_SIZE":
			if f.StepSize != "" {
				if v, err := decimal.NewFromString(f.StepSize); err == nil {
					cfg.MinOrderSizeChange = v
				}
			}
		}
	}
	return cfg
}

type bookTickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	EventTime int64  `json:"E"`
}

type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ORDER_TRADE_UPDATE payload, order object nested under "o".
type orderTradeUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		TimeInForce   string `json:"f"`
		OrigQty       string `json:"q"`
		OrigPrice     string `json:"p"`
		ExecType      string `json:"x"`
		OrderStatus   string `json:"X"`
		OrderID       int64  `json:"i"`
		CumFilledQty  string `json:"z"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

// ACCOUNT_UPDATE payload, positions nested under "a".
type accountUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Data      struct {
		Positions []struct {
			Symbol       string `json:"s"`
			PositionAmt  string `json:"pa"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}
