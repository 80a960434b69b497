package db

import "time"

// Trade statuses. A trade stays OPEN through partial closes; CANCELLED is
// terminal and only reachable from OPEN.
const (
	StatusOpen      = "OPEN"
	StatusClosed    = "CLOSED"
	StatusCancelled = "CANCELLED"
)

// Exit reasons.
const (
	ExitStopLoss     = "STOP_LOSS"
	ExitTakeProfit   = "TAKE_PROFIT"
	ExitSignalClose  = "SIGNAL_CLOSE"
	ExitManualClose  = "MANUAL_CLOSE"
	ExitFailSafe     = "FAIL_SAFE"
	ExitStaleCleanup = "STALE_CLEANUP"
)

// Trade event types appended to the trade_events journal.
const (
	EventEntryPlaced        = "ENTRY_PLACED"
	EventDCAEntry           = "DCA_ENTRY"
	EventSLPlaced           = "SL_PLACED"
	EventTPPlaced           = "TP_PLACED"
	EventMoveSL             = "MOVE_SL"
	EventCancel             = "CANCEL"
	EventClosePlaced        = "CLOSE_PLACED"
	EventPartialClose       = "PARTIAL_CLOSE"
	EventStreamClose        = "STREAM_CLOSE"
	EventStreamPartialClose = "STREAM_PARTIAL_CLOSE"
	EventSLLost             = "SL_LOST"
	EventTPLost             = "TP_LOST"
	EventFailSafe           = "FAIL_SAFE"
	EventStaleCleanup       = "STALE_CLEANUP"
)

// Trade is one row of the trades ledger. Prices and quantities are stored
// raw, without display rounding.
type Trade struct {
	ID              string
	UserID          string
	Symbol          string
	Side            string
	EntryPrice      float64
	EntryQty        float64
	EntryTime       time.Time
	EntryOrderID    string
	EntryCommission float64
	ExitPrice       float64
	ExitQty         float64
	ExitTime        time.Time
	ExitOrderID     string
	ExitReason      string
	TotalClosedQty  float64
	RemainingQty    float64
	GrossProfit     float64
	Commission      float64
	NetProfit       float64
	StopLoss        float64
	TakeProfit      float64
	DCACount        int
	SignalHash      string
	SourcePlatform  string
	SourceChannel   string
	SourceAuthor    string
	SourceMessageID string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOpen reports whether the trade still holds quantity on the exchange.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// TradeEvent is one append-only journal row. The (TradeID, EventType,
// OrderID, FillSeq) tuple is unique; duplicate deliveries are no-ops.
type TradeEvent struct {
	ID        int64
	TradeID   string
	EventType string
	Time      time.Time
	OrderID   string
	Side      string
	OrderKind string
	Price     float64
	Qty       float64
	Success   bool
	ErrorMsg  string
	Detail    string
	FillSeq   string
}

// User is an account that may receive broadcast executions.
type User struct {
	ID                 string
	Email              string
	PasswordHash       string
	AutoTrade          bool
	SubscriptionActive bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Connection stores one user's exchange credentials, encrypted at rest.
type Connection struct {
	ID                 string
	UserID             string
	ExchangeType       string
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserConfig holds per-user risk overrides. Nil pointer means "inherit the
// global value".
type UserConfig struct {
	UserID            string
	RiskPercent       *float64
	MaxPositionUSDT   *float64
	MaxDailyLossUSDT  *float64
	MaxDCAPerSymbol   *int
	DCARiskMultiplier *float64
	Leverage          *int
	AllowedSymbols    *string // comma-separated; nil inherits global list
	UpdatedAt         time.Time
}
