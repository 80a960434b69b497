package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signal-relay/internal/order"
	"signal-relay/internal/signal"
	"signal-relay/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type listTradesQuery struct {
	Limit  int    `form:"limit"`
	Status string `form:"status"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	q.Status = strings.ToUpper(q.Status)
}

type heartbeatRequest struct {
	Status   string `json:"status"`
	AIStatus string `json:"aiStatus"`
}

var heartbeatStatuses = map[string]bool{
	"connected":    true,
	"reconnecting": true,
	"disconnected": true,
}

var heartbeatAIStates = map[string]bool{
	"":         true,
	"active":   true,
	"disabled": true,
}

type upsertConnectionRequest struct {
	Name      string `json:"name" binding:"required,min=1"`
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
}

type userConfigRequest struct {
	RiskPercent       *float64 `json:"risk_percent"`
	MaxPositionUSDT   *float64 `json:"max_position_usdt"`
	MaxDailyLossUSDT  *float64 `json:"max_daily_loss_usdt"`
	MaxDCAPerSymbol   *int     `json:"max_dca_per_symbol"`
	DCARiskMultiplier *float64 `json:"dca_risk_multiplier"`
	Leverage          *int     `json:"leverage"`
	AllowedSymbols    []string `json:"allowed_symbols"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// broadcastSignal accepts one parsed intent from the upstream parser and fans
// it out to every eligible user.
func (s *Server) broadcastSignal(c *gin.Context) {
	var in signal.Intent
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	if s.Metrics != nil {
		s.Metrics.IncrementSignals()
	}

	sum, err := s.Dispatcher.Dispatch(c.Request.Context(), &in)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}

	if s.Metrics != nil {
		s.Metrics.BroadcastLatency.RecordDuration(sum.Elapsed)
		s.Metrics.AddOutcomes(sum.Executed, sum.Rejected, sum.Failed)
	}

	c.JSON(http.StatusAccepted, sum)
}

// heartbeat records the upstream parser's liveness ping. The body carries the
// parser's connection state and whether its AI parsing is enabled.
func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if !heartbeatStatuses[req.Status] {
		respondError(c, http.StatusBadRequest, "INVALID_STATUS",
			"status must be connected, reconnecting or disconnected")
		return
	}
	if !heartbeatAIStates[req.AIStatus] {
		respondError(c, http.StatusBadRequest, "INVALID_AI_STATUS",
			"aiStatus must be active or disabled")
		return
	}

	note := req.Status
	if req.AIStatus != "" {
		note += ", ai " + req.AIStatus
	}
	if s.Metrics != nil {
		s.Metrics.RecordHeartbeat(note)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"server_time": time.Now().UTC(),
	})
}

// executeManual runs one intent for the authenticated user only. The task
// context descends from Background so a dropped connection cannot orphan a
// half-placed bracket.
func (s *Server) executeManual(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var in signal.Intent
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := in.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}
	if in.Source.Platform == "" {
		in.Source.Platform = "manual"
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := s.Exec.ExecuteForUser(ctx, userID, &in)

	if s.Metrics != nil {
		s.Metrics.OrderLatency.RecordDuration(time.Since(start))
		switch out.Status {
		case order.OutcomeExecuted:
			s.Metrics.IncrementExecuted()
		case order.OutcomeRejected:
			s.Metrics.IncrementRejected()
		case order.OutcomeFailed:
			s.Metrics.IncrementFailed()
		}
	}

	status := http.StatusOK
	switch out.Status {
	case order.OutcomeRejected:
		status = http.StatusUnprocessableEntity
	case order.OutcomeFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, out)
}

// getTrades returns the user's trade history, newest first.
func (s *Server) getTrades(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	trades, err := s.Ledger.FindByUser(userID, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		out = append(out, tradeJSON(t))
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, out)
}

// getTradeEvents returns the journal for one of the user's trades.
func (s *Server) getTradeEvents(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	trade, err := s.Ledger.FindByID(c.Param("id"))
	if err != nil || trade.UserID != userID {
		respondError(c, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found")
		return
	}

	events, err := s.Ledger.EventsByTrade(trade.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{
			"event_type": e.EventType,
			"time":       e.Time,
			"order_id":   e.OrderID,
			"side":       e.Side,
			"order_kind": e.OrderKind,
			"price":      e.Price,
			"qty":        e.Qty,
			"success":    e.Success,
			"error":      e.ErrorMsg,
			"detail":     e.Detail,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trade_id": trade.ID, "events": out})
}

// getPositions returns the user's open trades.
func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	trades, err := s.Ledger.FindOpenByUser(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeJSON(t))
	}
	c.JSON(http.StatusOK, out)
}

// getDailyStats reports today's realized P&L against the loss budget.
func (s *Server) getDailyStats(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	now := time.Now().In(s.Loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.Loc)

	realized, err := s.Ledger.SumNetProfitClosedSince(userID, dayStart)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	open, err := s.Ledger.FindOpenByUser(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	resp := gin.H{
		"day_start":      dayStart,
		"realized_pnl":   realized,
		"open_positions": len(open),
	}
	if s.Resolver != nil {
		if cfg, err := s.Resolver.Resolve(userID); err == nil {
			used := 0.0
			if realized < 0 {
				used = -realized
			}
			resp["loss_budget"] = cfg.MaxDailyLoss
			resp["loss_budget_used"] = used
			resp["trading_halted"] = cfg.MaxDailyLoss > 0 && used >= cfg.MaxDailyLoss
		}
	}
	c.JSON(http.StatusOK, resp)
}

// listConnections returns the user's stored credentials, secrets omitted.
func (s *Server) listConnections(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	conns, err := s.Users.ConnectionsByUser(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		out = append(out, gin.H{
			"id":            conn.ID,
			"name":          conn.Name,
			"exchange_type": conn.ExchangeType,
			"key_version":   conn.KeyVersion,
			"is_active":     conn.IsActive,
			"created_at":    conn.CreatedAt,
			"updated_at":    conn.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// upsertConnection stores new exchange credentials for the user, encrypted
// with the current key version, and refreshes the cached gateway.
func (s *Server) upsertConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req upsertConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if s.Keyring == nil {
		respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", "credential keyring not configured")
		return
	}

	encKey, ver, err := s.Keyring.Seal(req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_key")
		return
	}
	encSecret, _, err := s.Keyring.Seal(req.APISecret)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_secret")
		return
	}

	conn := db.Connection{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExchangeType:       "binance_futures",
		Name:               req.Name,
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         ver,
		IsActive:           true,
	}
	if err := s.Users.UpsertConnection(&conn); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	// The next execution rebuilds the client from the new credentials.
	if s.Pool != nil {
		s.Pool.Invalidate(userID)
	}
	if s.Streams != nil {
		s.Streams.StopStream(userID)
		if err := s.Streams.EnsureStream(context.Background(), userID); err != nil {
			// Stream restart is best effort; fills reconcile at cleanup time.
			_ = c.Error(err)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            conn.ID,
		"name":          conn.Name,
		"exchange_type": conn.ExchangeType,
		"key_version":   conn.KeyVersion,
		"is_active":     conn.IsActive,
	})
}

// deactivateConnection soft-deletes one connection and drops the cached
// gateway so stale credentials stop being used immediately.
func (s *Server) deactivateConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	id := c.Param("id")
	if err := s.Users.DeactivateConnection(userID, id); err != nil {
		if errors.Is(err, db.ErrConnectionNotFound) {
			respondError(c, http.StatusNotFound, "CONNECTION_NOT_FOUND", "connection does not belong to current user")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	if s.Pool != nil {
		s.Pool.Invalidate(userID)
	}
	if s.Streams != nil {
		s.Streams.StopStream(userID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// getUserConfig returns the user's overrides and the resolved effective
// config side by side.
func (s *Server) getUserConfig(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	overrides, err := s.Users.GetUserConfig(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	resp := gin.H{"overrides": overridesJSON(overrides)}
	if s.Resolver != nil {
		if eff, err := s.Resolver.Resolve(userID); err == nil {
			symbols := make([]string, 0, len(eff.AllowedSymbols))
			for sym := range eff.AllowedSymbols {
				symbols = append(symbols, sym)
			}
			resp["effective"] = gin.H{
				"risk_percent":        eff.RiskPercent,
				"max_position_usdt":   eff.MaxPositionNotional,
				"max_daily_loss_usdt": eff.MaxDailyLoss,
				"max_dca_per_symbol":  eff.MaxDCAPerSymbol,
				"dca_risk_multiplier": eff.DCARiskMultiplier,
				"leverage":            eff.Leverage,
				"allowed_symbols":     symbols,
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// updateUserConfig stores per-user risk overrides. Omitted fields keep their
// previous override; explicit nulls are indistinguishable from omission and
// also inherit.
func (s *Server) updateUserConfig(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req userConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.RiskPercent != nil && (*req.RiskPercent <= 0 || *req.RiskPercent > 1) {
		respondError(c, http.StatusBadRequest, "INVALID_RISK_PERCENT", "risk_percent must be in (0,1]")
		return
	}
	if req.Leverage != nil && (*req.Leverage < 1 || *req.Leverage > 125) {
		respondError(c, http.StatusBadRequest, "INVALID_LEVERAGE", "leverage must be in [1,125]")
		return
	}

	cfg := db.UserConfig{
		UserID:            userID,
		RiskPercent:       req.RiskPercent,
		MaxPositionUSDT:   req.MaxPositionUSDT,
		MaxDailyLossUSDT:  req.MaxDailyLossUSDT,
		MaxDCAPerSymbol:   req.MaxDCAPerSymbol,
		DCARiskMultiplier: req.DCARiskMultiplier,
		Leverage:          req.Leverage,
	}
	if req.AllowedSymbols != nil {
		joined := strings.ToUpper(strings.Join(req.AllowedSymbols, ","))
		cfg.AllowedSymbols = &joined
	}
	if err := s.Users.UpsertUserConfig(&cfg); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// setAutoTrade flips broadcast participation for the user.
func (s *Server) setAutoTrade(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	if err := s.Users.SetAutoTrade(userID, req.Enabled); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	// Streams stay up when auto-trade turns off: open positions still need
	// their fills tracked.
	if req.Enabled && s.Streams != nil {
		if err := s.Streams.EnsureStream(context.Background(), userID); err != nil {
			_ = c.Error(err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"auto_trade": req.Enabled})
}

// getSystemStatus exposes runtime mode for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	mode := "LIVE"
	if s.Meta.Testnet {
		mode = "TESTNET"
	}
	resp := gin.H{
		"mode":           mode,
		"multi_user":     s.Meta.MultiUser,
		"default_symbol": s.Meta.DefaultSymbol,
		"symbols":        s.Meta.Symbols,
		"version":        s.Meta.Version,
		"server_time":    time.Now().UTC(),
	}
	if s.Pool != nil {
		resp["pooled_clients"] = s.Pool.Len()
	}
	if s.Streams != nil {
		resp["active_streams"] = s.Streams.Running()
	}
	if s.Metrics != nil {
		if at, note := s.Metrics.Heartbeat(); !at.IsZero() {
			resp["parser_heartbeat"] = gin.H{"at": at, "note": note}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getMetrics returns the monitoring snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func tradeJSON(t *db.Trade) gin.H {
	return gin.H{
		"id":               t.ID,
		"symbol":           t.Symbol,
		"side":             t.Side,
		"status":           t.Status,
		"entry_price":      t.EntryPrice,
		"entry_qty":        t.EntryQty,
		"entry_time":       t.EntryTime,
		"remaining_qty":    t.RemainingQty,
		"total_closed_qty": t.TotalClosedQty,
		"stop_loss":        t.StopLoss,
		"take_profit":      t.TakeProfit,
		"dca_count":        t.DCACount,
		"exit_price":       t.ExitPrice,
		"exit_reason":      t.ExitReason,
		"exit_time":        t.ExitTime,
		"gross_profit":     t.GrossProfit,
		"commission":       t.Commission,
		"net_profit":       t.NetProfit,
		"source_platform":  t.SourcePlatform,
		"created_at":       t.CreatedAt,
	}
}

func overridesJSON(o *db.UserConfig) gin.H {
	if o == nil {
		return gin.H{}
	}
	out := gin.H{}
	if o.RiskPercent != nil {
		out["risk_percent"] = *o.RiskPercent
	}
	if o.MaxPositionUSDT != nil {
		out["max_position_usdt"] = *o.MaxPositionUSDT
	}
	if o.MaxDailyLossUSDT != nil {
		out["max_daily_loss_usdt"] = *o.MaxDailyLossUSDT
	}
	if o.MaxDCAPerSymbol != nil {
		out["max_dca_per_symbol"] = *o.MaxDCAPerSymbol
	}
	if o.DCARiskMultiplier != nil {
		out["dca_risk_multiplier"] = *o.DCARiskMultiplier
	}
	if o.Leverage != nil {
		out["leverage"] = *o.Leverage
	}
	if o.AllowedSymbols != nil {
		out["allowed_symbols"] = strings.Split(*o.AllowedSymbols, ",")
	}
	return out
}
