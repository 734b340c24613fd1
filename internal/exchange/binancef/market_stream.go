package binancef

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
)

const (
	marketReadTimeout    = 90 * time.Second
	streamBackoffInitial = time.Second
	streamBackoffMax     = 30 * time.Second
)

// SubscribeOrderbook dials the combined bookTicker + mark-price stream and
// emits one merged Quote per mark-price tick. The read loop owns reconnection:
// a dropped socket is redialed with exponential backoff until the context or
// the returned unsubscribe ends it.
func (c *Client) SubscribeOrderbook(ctx context.Context, sub exchange.OrderbookSubscription) (exchange.Unsubscribe, error) {
	venue, err := c.ResolveSymbol(sub.Symbol)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	lower := strings.ToLower(venue)
	streamURL := c.wsBaseURL + "/stream?streams=" + lower + "@bookTicker/" + lower + "@markPrice@1s"

	go c.runMarketStream(streamCtx, streamURL, venue, sub.OnQuote)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (c *Client) runMarketStream(ctx context.Context, streamURL, symbol string, onQuote func(core.Quote)) {
	backoff := streamBackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
		if err != nil {
			log.Printf("level=WARN event=market_stream_dial_failed symbol=%s backoff=%s err=%v",
				symbol, backoff, err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		log.Printf("level=INFO event=market_stream_connected symbol=%s", symbol)
		backoff = streamBackoffInitial
		c.readMarketStream(ctx, conn, symbol, onQuote)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("level=WARN event=market_stream_disconnected symbol=%s", symbol)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) readMarketStream(ctx context.Context, conn *websocket.Conn, symbol string, onQuote func(core.Quote)) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	conn.SetPingHandler(func(payload string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	var (
		bid, ask decimal.Decimal
	)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(marketReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env combinedStreamEnvelope
		if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
			continue
		}
		switch {
		case strings.HasSuffix(env.Stream, "@bookTicker"):
			var ev bookTickerEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				continue
			}
			if b, err := decimal.NewFromString(ev.BidPrice); err == nil {
				bid = b
			}
			if a, err := decimal.NewFromString(ev.AskPrice); err == nil {
				ask = a
			}
		case strings.Contains(env.Stream, "@markPrice"):
			var ev markPriceEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				continue
			}
			mark, err := decimal.NewFromString(ev.MarkPrice)
			if err != nil {
				continue
			}
			at := time.Now().UTC()
			if ev.EventTime > 0 {
				at = time.UnixMilli(ev.EventTime).UTC()
			}
			q := core.Quote{
				Exchange: c.Name(),
				Bid:      bid,
				Ask:      ask,
				Mark:     mark,
				Time:     at,
			}
			if !q.Valid() {
				continue
			}
			onQuote(q)
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > streamBackoffMax {
		return streamBackoffMax
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
