// Package common holds the exchange-neutral contract: the gateway interface,
// order/position value types, and the transport error taxonomy.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials is one user's API key pair, already decrypted.
type Credentials struct {
	APIKey    string
	APISecret string
}

// OrderSide is the exchange order direction.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderAck is the exchange's acknowledgment of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Status        string
	AvgPrice      float64
	ExecutedQty   float64
	Time          time.Time
}

// Position is the exchange-reported position on one symbol.
type Position struct {
	Symbol           string
	PositionAmt      float64 // signed; negative for short
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	Leverage         int
}

// Balance is the futures wallet snapshot used for sizing.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// OpenOrder is one resting order on the exchange.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          string
	StopPrice     float64
	Qty           float64
}

// MarketOrder is a request for an immediate fill.
type MarketOrder struct {
	Symbol        string
	Side          OrderSide
	Qty           float64
	ReduceOnly    bool
	ClientOrderID string
}

// LimitOrder is a resting entry order (GTC).
type LimitOrder struct {
	Symbol        string
	Side          OrderSide
	Price         float64
	Qty           float64
	ClientOrderID string
}

// TriggerOrder is a request for a stop-market or take-profit-market order
// that closes the whole position when the trigger price trades.
type TriggerOrder struct {
	Symbol        string
	Side          OrderSide
	StopPrice     float64
	ClientOrderID string
}

// Gateway is the minimal exchange surface the relay depends on. One Gateway
// instance is bound to one user's credentials.
type Gateway interface {
	Balance(ctx context.Context, asset string) (*Balance, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	Position(ctx context.Context, symbol string) (*Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	PlaceLimit(ctx context.Context, o LimitOrder) (*OrderAck, error)
	PlaceMarket(ctx context.Context, o MarketOrder) (*OrderAck, error)
	PlaceStopMarket(ctx context.Context, o TriggerOrder) (*OrderAck, error)
	PlaceTakeProfitMarket(ctx context.Context, o TriggerOrder) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// Quantize rounds qty and price down to the symbol's exchange precision.
	Quantize(ctx context.Context, symbol string, qty, price float64) (float64, float64, error)
	// MinQty is the smallest order quantity the symbol's lot filter accepts.
	MinQty(ctx context.Context, symbol string) (float64, error)

	ListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// HTTPError is a response the exchange produced: the request arrived and was
// rejected. Never retried; the body is preserved verbatim for the audit trail.
type HTTPError struct {
	Status int
	Code   int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("exchange http %d (code %d): %s", e.Status, e.Code, e.Body)
}

// IOError is a transport fault where the exchange's decision is unknown:
// timeouts, resets, DNS failures. Eligible for the protective-order retry.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("exchange io during %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// IsIOFault reports whether err is a transport fault rather than an
// exchange rejection.
func IsIOFault(err error) bool {
	var io *IOError
	return errors.As(err, &io)
}

// IsHTTPFault reports whether the exchange itself rejected the request.
func IsHTTPFault(err error) bool {
	var h *HTTPError
	return errors.As(err, &h)
}
