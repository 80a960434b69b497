package futures

// Wire types for the USDT-M futures REST and user-data stream payloads.
// Numeric fields arrive as strings and are parsed at the edge.

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	UpdateTime    int64  `json:"updateTime"`
}

type balanceResp struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type positionRiskResp struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type premiumIndexResp struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

type openOrderResp struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			TickSize   string `json:"tickSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// StreamEvent is one parsed user-data stream message. Only the event kinds
// the relay consumes are modeled; everything else passes through with just
// EventType set.
type StreamEvent struct {
	EventType string           `json:"e"`
	EventTime int64            `json:"E"`
	Order     OrderUpdate      `json:"o"`
	Account   AccountUpdateRaw `json:"a"`
}

// OrderUpdate is the "o" payload of an ORDER_TRADE_UPDATE event.
type OrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	StopPrice     string `json:"sp"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	FilledQty     string `json:"z"`
	LastPrice     string `json:"L"`
	Commission    string `json:"n"`
	CommAsset     string `json:"N"`
	TradeTime     int64  `json:"T"`
	TradeID       int64  `json:"t"`
	RealizedPnL   string `json:"rp"`
	OrigType      string `json:"ot"`
	ReduceOnly    bool   `json:"R"`
}

// AccountUpdateRaw is the "a" payload of an ACCOUNT_UPDATE event.
type AccountUpdateRaw struct {
	Reason   string `json:"m"`
	Balances []struct {
		Asset         string `json:"a"`
		WalletBalance string `json:"wb"`
	} `json:"B"`
	Positions []struct {
		Symbol      string `json:"s"`
		PositionAmt string `json:"pa"`
		EntryPrice  string `json:"ep"`
	} `json:"P"`
}

// Stream event types the reconciler dispatches on.
const (
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
)

// Order statuses seen in ORDER_TRADE_UPDATE.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
)

// Order types seen in ORDER_TRADE_UPDATE.
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
	OrderTypeLiquidation      = "LIQUIDATION"
)
