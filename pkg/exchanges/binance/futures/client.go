// Package futures is the Binance USDT-M futures gateway: signed REST plus
// the user-data stream.
package futures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signal-relay/pkg/exchanges/common"
)

// Config holds credentials and transport settings for one client instance.
type Config struct {
	APIKey         string
	APISecret      string
	Testnet        bool
	RecvWindow     int64 // ms
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client is a signed REST client bound to one user's credentials. It
// implements common.Gateway.
type Client struct {
	cfg         Config
	baseURL     string
	wsBaseURL   string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	rules       *symbolRules
}

// NewClient builds a client. Shared infrastructure (time sync, exchange
// info) may be injected so per-user instances stay cheap; pass nil to own
// them.
func NewClient(cfg Config, shared *Shared) *Client {
	base := "https://fapi.binance.com"
	ws := "wss://fstream.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
		ws = "wss://stream.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}

	c := &Client{
		cfg:       cfg,
		baseURL:   base,
		wsBaseURL: ws,
		httpClient: &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
	}
	if shared != nil {
		c.timeSync = shared.TimeSync
		c.rateLimiter = shared.RateLimiter
		c.rules = shared.Rules
	} else {
		c.timeSync = common.NewTimeSync(func(ctx context.Context) (int64, error) {
			return c.ServerTime(ctx)
		})
		c.rateLimiter = common.NewRateLimiter(2400, time.Minute)
		c.rules = newSymbolRules()
	}
	return c
}

// Shared bundles the per-process state all user clients reuse: one clock
// offset, one weight window, one exchange-info cache.
type Shared struct {
	TimeSync    *common.TimeSync
	RateLimiter *common.RateLimiter
	Rules       *symbolRules
}

// NewShared builds the shared state using an unauthenticated probe client.
func NewShared(testnet bool) *Shared {
	probe := NewClient(Config{Testnet: testnet}, &Shared{Rules: newSymbolRules()})
	s := &Shared{
		RateLimiter: common.NewRateLimiter(2400, time.Minute),
		Rules:       newSymbolRules(),
	}
	s.TimeSync = common.NewTimeSync(func(ctx context.Context) (int64, error) {
		return probe.ServerTime(ctx)
	})
	probe.timeSync = s.TimeSync
	probe.rateLimiter = s.RateLimiter
	probe.rules = s.Rules
	return s
}

// ServerTime fetches the exchange clock in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return out.ServerTime, nil
}

// Balance returns the futures wallet entry for asset.
func (c *Client) Balance(ctx context.Context, asset string) (*common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var rows []balanceResp
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	for _, r := range rows {
		if r.Asset == asset {
			return &common.Balance{
				Asset:     r.Asset,
				Total:     parseF(r.Balance),
				Available: parseF(r.AvailableBalance),
			}, nil
		}
	}
	return nil, fmt.Errorf("asset %s not in balance response", asset)
}

// MarkPrice returns the current mark price for symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	var out premiumIndexResp
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	return parseF(out.MarkPrice), nil
}

// Position returns the position view for symbol; amount is zero when flat.
func (c *Client) Position(ctx context.Context, symbol string) (*common.Position, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var rows []positionRiskResp
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	if len(rows) == 0 {
		return &common.Position{Symbol: symbol}, nil
	}
	r := rows[0]
	lev, _ := strconv.Atoi(r.Leverage)
	return &common.Position{
		Symbol:           r.Symbol,
		PositionAmt:      parseF(r.PositionAmt),
		EntryPrice:       parseF(r.EntryPrice),
		MarkPrice:        parseF(r.MarkPrice),
		UnrealizedProfit: parseF(r.UnRealizedProfit),
		Leverage:         lev,
	}, nil
}

// SetLeverage applies leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// PlaceLimit submits a GTC LIMIT order.
func (c *Client) PlaceLimit(ctx context.Context, o common.LimitOrder) (*common.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", formatF(o.Price))
	params.Set("quantity", formatF(o.Qty))
	params.Set("newOrderRespType", "RESULT")
	if o.ClientOrderID != "" {
		params.Set("newClientOrderId", o.ClientOrderID)
	}
	return c.submitOrder(ctx, params)
}

// PlaceMarket submits a MARKET order and returns the fill acknowledgment.
func (c *Client) PlaceMarket(ctx context.Context, o common.MarketOrder) (*common.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatF(o.Qty))
	params.Set("newOrderRespType", "RESULT")
	if o.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if o.ClientOrderID != "" {
		params.Set("newClientOrderId", o.ClientOrderID)
	}
	return c.submitOrder(ctx, params)
}

// PlaceStopMarket submits a close-position STOP_MARKET order. Transport
// faults are retried twice (1s, 3s) with the same client order id, so a
// request that actually landed dedups on the exchange side. Exchange
// rejections are returned as-is, never retried.
func (c *Client) PlaceStopMarket(ctx context.Context, o common.TriggerOrder) (*common.OrderAck, error) {
	return c.placeTrigger(ctx, "STOP_MARKET", o)
}

// PlaceTakeProfitMarket submits a close-position TAKE_PROFIT_MARKET order
// with the same retry contract as PlaceStopMarket.
func (c *Client) PlaceTakeProfitMarket(ctx context.Context, o common.TriggerOrder) (*common.OrderAck, error) {
	return c.placeTrigger(ctx, "TAKE_PROFIT_MARKET", o)
}

var protectiveRetryDelays = []time.Duration{time.Second, 3 * time.Second}

func (c *Client) placeTrigger(ctx context.Context, orderType string, o common.TriggerOrder) (*common.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", orderType)
	params.Set("stopPrice", formatF(o.StopPrice))
	params.Set("closePosition", "true")
	params.Set("workingType", "MARK_PRICE")
	if o.ClientOrderID != "" {
		params.Set("newClientOrderId", o.ClientOrderID)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		// Fresh copy: doSigned mutates params with timestamp and signature.
		ack, err := c.submitOrder(ctx, cloneValues(params))
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !common.IsIOFault(err) || attempt >= len(protectiveRetryDelays) {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(protectiveRetryDelays[attempt]):
		}
	}
}

func (c *Client) submitOrder(ctx context.Context, params url.Values) (*common.OrderAck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binance futures: credentials required")
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &common.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          common.OrderSide(params.Get("side")),
		Status:        resp.Status,
		AvgPrice:      parseF(resp.AvgPrice),
		ExecutedQty:   parseF(resp.ExecutedQty),
		Time:          time.UnixMilli(resp.UpdateTime),
	}, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// CancelAllOrders cancels every resting order on symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

// OpenOrders lists resting orders on symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var rows []openOrderResp
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, common.OpenOrder{
			OrderID:       strconv.FormatInt(r.OrderID, 10),
			ClientOrderID: r.ClientOrderID,
			Symbol:        r.Symbol,
			Side:          common.OrderSide(r.Side),
			Type:          r.Type,
			StopPrice:     parseF(r.StopPrice),
			Qty:           parseF(r.OrigQty),
		})
	}
	return out, nil
}

// ListenKey opens a user-data stream key for these credentials.
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the key's validity (call every 30 minutes).
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey?listenKey="+key)
	return err
}

// CloseListenKey discards the stream key.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey?listenKey="+key)
	return err
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doSigned signs the canonical query with HMAC-SHA256 and dispatches.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	endpoint := c.baseURL + path
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.dispatch(req, method+" "+path)
}

// doKeyed sends an API-key-only request (listen key endpoints).
func (c *Client) doKeyed(ctx context.Context, method, pathAndQuery string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.dispatch(req, method+" "+pathAndQuery)
}

// doPublic sends an unauthenticated request.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.dispatch(req, "GET "+path)
}

func (c *Client) dispatch(req *http.Request, op string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.IOError{Op: op, Err: err}
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.IOError{Op: op, Err: err}
	}
	if res.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		return nil, &common.HTTPError{Status: res.StatusCode, Code: ae.Code, Body: string(body)}
	}
	return body, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
