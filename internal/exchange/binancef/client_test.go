package binancef

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := newClientWithOptions(Options{
		APIKey:      "k",
		APISecret:   "s",
		RestBaseURL: srv.URL,
		WSBaseURL:   "ws://unused",
	})
	return c, srv
}

func TestResolveSymbol(t *testing.T) {
	c := newClientWithOptions(Options{APIKey: "k", APISecret: "s"})
	got, err := c.ResolveSymbol(" btc-usdt ")
	if err != nil {
		t.Fatalf("ResolveSymbol() error = %v", err)
	}
	if got != "BTCUSDT" {
		t.Fatalf("ResolveSymbol() = %q, want BTCUSDT", got)
	}
	if _, err := c.ResolveSymbol("  "); err == nil {
		t.Fatal("ResolveSymbol(empty) should fail")
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := []struct {
		native string
		want   core.OrderStatus
	}{
		{"NEW", core.OrderAcked},
		{"PARTIALLY_FILLED", core.OrderPartiallyFilled},
		{"FILLED", core.OrderFilled},
		{"CANCELED", core.OrderCancelled},
		{"REJECTED", core.OrderRejected},
		{"EXPIRED", core.OrderExpired},
		{"EXPIRED_IN_MATCH", core.OrderExpired},
		{"SOMETHING_NEW", core.OrderUnknown},
	}
	for _, tc := range cases {
		if got := mapOrderStatus(tc.native); got != tc.want {
			t.Fatalf("mapOrderStatus(%q) = %s, want %s", tc.native, got, tc.want)
		}
	}
}

func TestPlaceOrderSendsPostOnlyTimeInForce(t *testing.T) {
	var seen url.Values
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-MBX-APIKEY") != "k" {
			t.Fatalf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		seen, _ = url.ParseQuery(string(body))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol":        "BTCUSDT",
			"orderId":       321,
			"clientOrderId": seen.Get("newClientOrderId"),
			"price":         seen.Get("price"),
			"origQty":       seen.Get("quantity"),
			"executedQty":   "0",
			"status":        "NEW",
			"side":          "BUY",
			"type":          "LIMIT",
		})
	}))

	res, err := c.PlaceOrder(context.Background(), exchange.PlaceRequest{
		Symbol:   "BTCUSDT",
		ClientID: "grid-BTCUSDT-BUY--1-5",
		Side:     core.Buy,
		Type:     core.Limit,
		Price:    decimal.RequireFromString("100"),
		Qty:      decimal.RequireFromString("0.01"),
		PostOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if res.Status != core.OrderAcked {
		t.Fatalf("status = %s, want ACKED", res.Status)
	}
	if res.ExchangeID != "321" {
		t.Fatalf("exchange id = %q, want 321", res.ExchangeID)
	}
	if seen.Get("timeInForce") != "GTX" {
		t.Fatalf("timeInForce = %q, want GTX", seen.Get("timeInForce"))
	}
	if seen.Get("newClientOrderId") != "grid-BTCUSDT-BUY--1-5" {
		t.Fatalf("newClientOrderId = %q", seen.Get("newClientOrderId"))
	}
	if seen.Get("signature") == "" {
		t.Fatal("signed request missing signature")
	}
}

func TestCancelUnknownOrderMapsToNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))

	err := c.CancelOrderByClientID(context.Background(), "BTCUSDT", "grid-BTCUSDT-SELL-2-9")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestRateLimitMapsToRateLimitError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))

	_, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	rl, ok := core.IsRateLimited(err)
	if !ok {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %s, want 7s", rl.RetryAfter)
	}
}

func TestPostOnlyRejectMapsToOrderRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-5022,"msg":"Due to the order could not be executed as maker, the Post Only order will be rejected."}`))
	}))

	_, err := c.PlaceOrder(context.Background(), exchange.PlaceRequest{
		Symbol: "BTCUSDT", ClientID: "x", Side: core.Buy, Type: core.Limit,
		Price: decimal.RequireFromString("100"), Qty: decimal.RequireFromString("0.01"),
		PostOnly: true,
	})
	if !errors.Is(err, core.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))

	_, err := c.GetNetPosition(context.Background(), "BTCUSDT")
	if !core.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestGetNetPositionSumsHedgeLegs(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v2/positionRisk" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0.5","positionSide":"LONG"},
			{"symbol":"BTCUSDT","positionAmt":"-0.2","positionSide":"SHORT"},
			{"symbol":"ETHUSDT","positionAmt":"3","positionSide":"BOTH"}
		]`))
	}))

	net, err := c.GetNetPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetNetPosition() error = %v", err)
	}
	if !net.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("net = %s, want 0.3", net)
	}
}

func TestGetMarketConfigCachesRules(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			http.NotFound(w, r)
			return
		}
		calls++
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001"}
		]}]}`))
	}))

	cfg, err := c.GetMarketConfig(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetMarketConfig() error = %v", err)
	}
	if !cfg.MinPriceChange.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("MinPriceChange = %s, want 0.10", cfg.MinPriceChange)
	}
	if !cfg.MinOrderSizeChange.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("MinOrderSizeChange = %s, want 0.001", cfg.MinOrderSizeChange)
	}
	if _, err := c.GetMarketConfig(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("GetMarketConfig(cached) error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("exchangeInfo calls = %d, want 1 (cached)", calls)
	}
}

func TestParseOrderTradeUpdate(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{
		"s":"BTCUSDT","c":"grid-BTCUSDT-BUY--1-4","S":"BUY","o":"LIMIT","f":"GTX",
		"q":"0.01","p":"90","x":"TRADE","X":"FILLED","i":42,"z":"0.01","T":1700000000001}}`)

	var ev orderTradeUpdateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ord, ok := parseOrderTradeUpdate(ev)
	if !ok {
		t.Fatal("parseOrderTradeUpdate() rejected valid event")
	}
	if ord.ClientID != "grid-BTCUSDT-BUY--1-4" {
		t.Fatalf("client id = %q", ord.ClientID)
	}
	if ord.Status != core.OrderFilled {
		t.Fatalf("status = %s, want FILLED", ord.Status)
	}
	if !ord.FilledQty.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("filled = %s, want 0.01", ord.FilledQty)
	}
	if !ord.PostOnly {
		t.Fatal("GTX order should be post-only")
	}
}

func TestParseAccountUpdateNetsHedgeLegs(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"a":{"P":[
		{"s":"BTCUSDT","pa":"0.4","ps":"LONG"},
		{"s":"BTCUSDT","pa":"-0.1","ps":"SHORT"},
		{"s":"ETHUSDT","pa":"2","ps":"BOTH"}
	]}}`)

	var ev accountUpdateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	snap := parseAccountUpdate(ev)
	if !snap.Positions["BTCUSDT"].Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("BTCUSDT = %s, want 0.3", snap.Positions["BTCUSDT"])
	}
	if !snap.Positions["ETHUSDT"].Equal(decimal.RequireFromString("2")) {
		t.Fatalf("ETHUSDT = %s, want 2", snap.Positions["ETHUSDT"])
	}
	if snap.At.IsZero() {
		t.Fatal("snapshot time not set")
	}
}
