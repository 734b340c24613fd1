package binancef

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
)

const listenKeyKeepalive = 30 * time.Minute

// SubscribeAccount opens the listen-key user-data stream and forwards order
// and position events. The goroutine owns the listen key: it is created on
// each (re)connect and kept alive on a 30 minute cadence.
func (c *Client) SubscribeAccount(ctx context.Context, sub exchange.AccountSubscription) (exchange.Unsubscribe, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	// Fail fast on bad credentials instead of inside the retry loop.
	key, err := c.createListenKey(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go c.runUserStream(streamCtx, key, sub)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, AuthAPIKey)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (c *Client) keepaliveListenKey(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{}, AuthAPIKey)
	return err
}

func (c *Client) runUserStream(ctx context.Context, key string, sub exchange.AccountSubscription) {
	backoff := streamBackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		if key == "" {
			fresh, err := c.createListenKey(ctx)
			if err != nil {
				log.Printf("level=WARN event=listen_key_create_failed backoff=%s err=%v", backoff, err)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			key = fresh
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/ws/"+key, nil)
		if err != nil {
			log.Printf("level=WARN event=user_stream_dial_failed backoff=%s err=%v", backoff, err)
			key = ""
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		log.Printf("level=INFO event=user_stream_connected")
		backoff = streamBackoffInitial
		c.readUserStream(ctx, conn, sub)
		_ = conn.Close()
		key = ""
		if ctx.Err() != nil {
			return
		}
		log.Printf("level=WARN event=user_stream_disconnected")
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) readUserStream(ctx context.Context, conn *websocket.Conn, sub exchange.AccountSubscription) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		ticker := time.NewTicker(listenKeyKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.keepaliveListenKey(ctx); err != nil {
					log.Printf("level=WARN event=listen_key_keepalive_failed err=%v", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	conn.SetPingHandler(func(payload string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(marketReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatchUserEvent(data, sub)
	}
}

func (c *Client) dispatchUserEvent(data []byte, sub exchange.AccountSubscription) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	switch probe.EventType {
	case "ORDER_TRADE_UPDATE":
		if sub.OnOrderUpdate == nil {
			return
		}
		var ev orderTradeUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		if ord, ok := parseOrderTradeUpdate(ev); ok {
			sub.OnOrderUpdate(ord)
		}
	case "ACCOUNT_UPDATE":
		if sub.OnPositionUpdate == nil {
			return
		}
		var ev accountUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		sub.OnPositionUpdate(parseAccountUpdate(ev))
	case "listenKeyExpired":
		log.Printf("level=WARN event=listen_key_expired")
	}
}

func parseOrderTradeUpdate(ev orderTradeUpdateEvent) (core.Order, bool) {
	o := ev.Order
	if o.ClientOrderID == "" {
		return core.Order{}, false
	}
	price, _ := decimal.NewFromString(o.OrigPrice)
	qty, _ := decimal.NewFromString(o.OrigQty)
	filled, _ := decimal.NewFromString(o.CumFilledQty)
	at := time.Now().UTC()
	if o.TradeTime > 0 {
		at = time.UnixMilli(o.TradeTime).UTC()
	} else if ev.EventTime > 0 {
		at = time.UnixMilli(ev.EventTime).UTC()
	}
	return core.Order{
		ClientID:       o.ClientOrderID,
		ExchangeID:     formatOrderID(o.OrderID),
		Symbol:         o.Symbol,
		Side:           core.Side(o.Side),
		Type:           core.OrderType(o.OrderType),
		Status:         mapOrderStatus(o.OrderStatus),
		ExchangeStatus: o.OrderStatus,
		Price:          price,
		Qty:            qty,
		FilledQty:      filled,
		PostOnly:       o.TimeInForce == "GTX",
		UpdatedAt:      at,
	}, true
}

func parseAccountUpdate(ev accountUpdateEvent) exchange.PositionSnapshot {
	snap := exchange.PositionSnapshot{
		Positions: make(map[string]decimal.Decimal, len(ev.Data.Positions)),
	}
	if ev.EventTime > 0 {
		snap.At = time.UnixMilli(ev.EventTime).UTC()
	}
	for _, p := range ev.Data.Positions {
		// Hedge-mode legs net into one signed size per symbol.
		if p.PositionSide != "" && !strings.EqualFold(p.PositionSide, "BOTH") {
			amt, err := decimal.NewFromString(p.PositionAmt)
			if err != nil {
				continue
			}
			snap.Positions[p.Symbol] = snap.Positions[p.Symbol].Add(amt)
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			continue
		}
		snap.Positions[p.Symbol] = amt
	}
	return snap
}

func formatOrderID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
