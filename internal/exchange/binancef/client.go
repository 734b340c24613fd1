// Package binancef adapts Binance USD-M perpetual futures to the uniform
// exchange.Adapter contract: signed REST for order flow, the combined market
// stream for bookTicker and mark price, and the listen-key user-data stream
// for order and position updates.
package binancef

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const (
	defaultRestBaseURL = "https://fapi.binance.com"
	defaultWSBaseURL   = "wss://fstream.binance.com"

	testnetRestBaseURL = "https://testnet.binancefuture.com"
	testnetWSBaseURL   = "wss://stream.binancefuture.com"
)

type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsBaseURL string

	recvWindow time.Duration
	httpClient *http.Client

	mu          sync.Mutex
	configCache map[string]core.MarketConfig
}

type Options struct {
	APIKey         string
	APISecret      string
	RestBaseURL    string
	WSBaseURL      string
	Testnet        bool
	RecvWindowMs   int64
	HTTPTimeoutSec int64
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	return newClientWithOptions(opts), nil
}

func newClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	restBase := opts.RestBaseURL
	wsBase := opts.WSBaseURL
	if restBase == "" {
		restBase = defaultRestBaseURL
		if opts.Testnet {
			restBase = testnetRestBaseURL
		}
	}
	if wsBase == "" {
		wsBase = defaultWSBaseURL
		if opts.Testnet {
			wsBase = testnetWSBaseURL
		}
	}
	return &Client{
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		baseURL:     strings.TrimRight(restBase, "/"),
		wsBaseURL:   strings.TrimRight(wsBase, "/"),
		recvWindow:  time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:  &http.Client{Timeout: timeout},
		configCache: make(map[string]core.MarketConfig),
	}
}

func (c *Client) Name() string { return "binancef" }

func (c *Client) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{
		MarkPrice:  true,
		Orderbook:  true,
		PostOnly:   true,
		MassCancel: true,
	}
}

// ResolveSymbol maps a canonical symbol onto the venue form. Binance futures
// uses the bare upper-case pair.
func (c *Client) ResolveSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "-", ""))
	if s == "" {
		return "", errors.New("symbol required")
	}
	return s, nil
}

// Connect verifies REST reachability and credentials with a ping plus a
// signed account call. Streams are dialed lazily on subscribe.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ping", url.Values{}, AuthNone); err != nil {
		return err
	}
	_, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, AuthSigned)
	return err
}

func (c *Client) Disconnect(ctx context.Context) error { return nil }

func (c *Client) GetMarketConfig(ctx context.Context, symbol string) (core.MarketConfig, error) {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return core.MarketConfig{}, err
	}
	c.mu.Lock()
	if cfg, ok := c.configCache[venue]; ok {
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", venue)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, AuthNone)
	if err != nil {
		return core.MarketConfig{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.MarketConfig{}, err
	}
	if len(resp.Symbols) == 0 {
		return core.MarketConfig{}, errors.New("symbol not found")
	}
	cfg := parseMarketConfig(resp.Symbols[0])
	c.mu.Lock()
	c.configCache[venue] = cfg
	c.mu.Unlock()
	return cfg, nil
}

// GetNetPosition returns the signed position size for the symbol. One-way
// position mode is assumed; in hedge mode the long and short legs net out.
func (c *Client) GetNetPosition(ctx context.Context, symbol string) (decimal.Decimal, error) {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, AuthSigned)
	if err != nil {
		return decimal.Zero, err
	}
	var resp []positionRiskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, p := range resp {
		if p.Symbol != venue {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			continue
		}
		net = net.Add(amt)
	}
	return net, nil
}

func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientID string) (core.Order, error) {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return core.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	params.Set("origClientOrderId", clientID)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, ord.toOrder())
	}
	return orders, nil
}

func (c *Client) GetOrdersHistory(ctx context.Context, symbol string, sinceMs int64) ([]core.Order, error) {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	if sinceMs > 0 {
		params.Set("startTime", strconv.FormatInt(sinceMs, 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/allOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		orders = append(orders, ord.toOrder())
	}
	return orders, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	venue, err := c.ResolveSymbol(req.Symbol)
	if err != nil {
		return exchange.PlaceResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("newClientOrderId", req.ClientID)
	params.Set("quantity", req.Qty.String())
	if req.Type == core.Limit {
		params.Set("price", req.Price.String())
		// GTX is Binance's post-only time in force; a crossing GTX order is
		// rejected, never executed as taker.
		if req.PostOnly {
			params.Set("timeInForce", "GTX")
		} else {
			params.Set("timeInForce", "GTC")
		}
	}
	params.Set("newOrderRespType", "RESULT")
	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, AuthSigned)
	if err != nil {
		return exchange.PlaceResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.PlaceResult{}, err
	}
	filled, _ := decimal.NewFromString(resp.ExecutedQty)
	return exchange.PlaceResult{
		Status:         mapOrderStatus(resp.Status),
		ExchangeID:     strconv.FormatInt(resp.OrderID, 10),
		ExchangeStatus: resp.Status,
		FilledQty:      filled,
	}, nil
}

func (c *Client) CancelOrderByClientID(ctx context.Context, symbol, clientID string) error {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	params.Set("origClientOrderId", clientID)
	_, err = c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, AuthSigned)
	return err
}

func (c *Client) MassCancel(ctx context.Context, symbol string) error {
	venue, err := c.ResolveSymbol(symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", venue)
	_, err = c.doRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, AuthSigned)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, resp.Header.Get("Retry-After"), body)
	}
	return body, nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
