// Package order executes one user's side of an intent against the exchange:
// risk gate, order placement, protective bracket, ledger writes. Every branch
// runs under the (user, symbol) lock shared with the stream reconciler.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"signal-relay/internal/dedup"
	"signal-relay/internal/events"
	"signal-relay/internal/locks"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
	"signal-relay/pkg/cache"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

// ExecutionNote is the bus payload for executed/closed/failed trades.
type ExecutionNote struct {
	UserID  string
	TradeID string
	Symbol  string
	Action  signal.Action
	Reason  string
}

// Orchestrator turns intents into exchange orders and ledger rows.
type Orchestrator struct {
	ledger   *db.Ledger
	eval     *risk.Evaluator
	locks    *locks.Registry
	guard    *dedup.Guard
	pool     GatewaySource
	bus      *events.Bus
	notifier Publisher
	leverage *cache.Sharded

	defaultSymbol string
	now           func() time.Time
	newID         func() string
}

// New wires the orchestrator. guard may be nil (dedup disabled).
func New(ledger *db.Ledger, eval *risk.Evaluator, reg *locks.Registry, guard *dedup.Guard,
	pool GatewaySource, bus *events.Bus, notifier Publisher, defaultSymbol string) *Orchestrator {
	return &Orchestrator{
		ledger:        ledger,
		eval:          eval,
		locks:         reg,
		guard:         guard,
		pool:          pool,
		bus:           bus,
		notifier:      notifier,
		leverage:      cache.NewSharded(),
		defaultSymbol: defaultSymbol,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// ExecuteForUser runs one intent for one user and reports the outcome.
// The intent is copied; symbol fallback never mutates the caller's value.
func (o *Orchestrator) ExecuteForUser(ctx context.Context, userID string, intent *signal.Intent) Outcome {
	in := *intent

	if fallback := o.resolveSymbol(userID, &in); fallback != nil {
		return *fallback
	}

	unlock := o.locks.Lock(userID, in.Symbol)
	defer unlock()

	gw, err := o.pool.ForUser(userID)
	if err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "NO_GATEWAY", Err: err}
	}

	var out Outcome
	switch in.Action {
	case signal.ActionEntry, signal.ActionDCAEntry:
		out = o.executeEntry(ctx, userID, &in, gw)
	case signal.ActionClose:
		out = o.executeClose(ctx, userID, &in, gw)
	case signal.ActionMoveSL:
		out = o.executeMoveSL(ctx, userID, &in, gw)
	case signal.ActionCancel:
		out = o.executeCancel(ctx, userID, &in, gw)
	default:
		out = Outcome{UserID: userID, Status: OutcomeNoop, Reason: "NO_ACTION"}
	}

	if out.Status == OutcomeFailed && common.IsIOFault(out.Err) {
		o.pool.ReportFailure(userID)
	} else if out.Status == OutcomeExecuted {
		o.pool.ReportSuccess(userID)
	}
	return out
}

// resolveSymbol handles management intents arriving on the channel's default
// symbol when the user has no open trade there: exactly one open trade on
// another symbol redirects the intent, more than one refuses it.
func (o *Orchestrator) resolveSymbol(userID string, in *signal.Intent) *Outcome {
	switch in.Action {
	case signal.ActionClose, signal.ActionMoveSL, signal.ActionCancel:
	default:
		return nil
	}
	if in.Symbol != o.defaultSymbol || o.defaultSymbol == "" {
		return nil
	}
	if _, err := o.ledger.FindOpenBySymbol(userID, in.Symbol); err == nil {
		return nil
	}
	open, err := o.ledger.FindOpenByUser(userID)
	if err != nil {
		return &Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEDGER", Err: err}
	}
	switch len(open) {
	case 0:
		return nil // branch will report no position
	case 1:
		log.Printf("orchestrator: %s on %s redirected to open trade %s (%s)",
			in.Action, in.Symbol, open[0].ID, open[0].Symbol)
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    fmt.Sprintf("%s redirected to %s", in.Action, open[0].Symbol),
			Body:     fmt.Sprintf("no open %s trade; applied to your only open position", in.Symbol),
			Severity: notify.SeverityInfo,
		})
		in.Symbol = open[0].Symbol
		return nil
	default:
		return &Outcome{
			UserID: userID, Status: OutcomeRejected, Reason: risk.ReasonAmbiguousSymbol,
			Details: fmt.Sprintf("%d open trades on other symbols; specify one", len(open)),
		}
	}
}

// executeEntry places a resting LIMIT entry with its protective bracket.
// Order placement sequence: entry, then stop loss, then take profit. A stop
// loss that cannot be placed rolls the entry back.
func (o *Orchestrator) executeEntry(ctx context.Context, userID string, in *signal.Intent, gw common.Gateway) (out Outcome) {
	isDCA := in.Action == signal.ActionDCAEntry
	fp := in.UserFingerprint(userID)

	// The gate consumes the per-user fingerprint; any failure after that must
	// re-arm it, or a healed retry of the same signal bounces off the window.
	defer func() {
		if out.Status == OutcomeFailed && o.guard != nil {
			o.guard.Forget(fp)
		}
	}()

	openTrade := o.openTradeOrNil(userID, in.Symbol)
	if !isDCA && openTrade != nil {
		return Outcome{
			UserID: userID, Status: OutcomeRejected, Reason: risk.ReasonDuplicateOpenOrder,
			Details: "position already open on " + in.Symbol,
		}
	}

	decision, cfg, err := o.eval.Evaluate(ctx, userID, in, openTrade, gw)
	if err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "RISK_PROBE", Err: err}
	}
	if !decision.Allowed {
		o.notifyRejection(userID, in, decision)
		return Outcome{UserID: userID, Status: OutcomeRejected, Reason: decision.Reason, Details: decision.Details}
	}

	if err := o.ensureLeverage(ctx, gw, userID, in.Symbol, cfg.Leverage); err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEVERAGE", Err: err}
	}

	qty, price, err := gw.Quantize(ctx, in.Symbol, decision.Qty, in.EntryPrice)
	if err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "PRECISION", Err: err}
	}
	if qty <= 0 {
		return Outcome{
			UserID: userID, Status: OutcomeRejected, Reason: risk.ReasonMinNotional,
			Details: "quantity rounds to zero at exchange precision",
		}
	}

	side := entrySide(in, openTrade)

	ack, err := gw.PlaceLimit(ctx, common.LimitOrder{
		Symbol:        in.Symbol,
		Side:          side,
		Price:         price,
		Qty:           qty,
		ClientOrderID: clientID(fp, "e"),
	})
	if err != nil {
		o.notifyFailure(userID, in, "entry order rejected", err)
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "ENTRY_ORDER", Err: err}
	}

	if isDCA {
		return o.finishDCA(ctx, userID, in, gw, openTrade, ack, fp, price, qty)
	}
	return o.finishEntry(ctx, userID, in, gw, ack, fp, price, qty)
}

// finishEntry records the new trade and places the protective bracket.
func (o *Orchestrator) finishEntry(ctx context.Context, userID string, in *signal.Intent,
	gw common.Gateway, ack *common.OrderAck, fp string, price, qty float64) Outcome {

	now := o.now().UTC()
	trade := &db.Trade{
		ID:              o.newID(),
		UserID:          userID,
		Symbol:          in.Symbol,
		Side:            string(in.Side),
		EntryPrice:      price,
		EntryQty:        qty,
		EntryTime:       now,
		EntryOrderID:    ack.OrderID,
		EntryCommission: price * qty * makerFeeRate,
		Commission:      price * qty * makerFeeRate,
		RemainingQty:    qty,
		StopLoss:        in.StopLoss,
		TakeProfit:      in.TakeProfit,
		SignalHash:      in.Fingerprint(),
		SourcePlatform:  in.Source.Platform,
		SourceChannel:   in.Source.ChannelID,
		SourceAuthor:    in.Source.Author,
		SourceMessageID: in.Source.MessageID,
		Status:          db.StatusOpen,
	}
	err := o.ledger.InsertTrade(trade, &db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventEntryPlaced, Time: now,
		OrderID: ack.OrderID, Side: string(in.Side), OrderKind: "LIMIT",
		Price: price, Qty: qty, Success: true,
	})
	if err != nil {
		// Order is live but unrecorded; surface loudly, do not cancel blind.
		o.notifyFailure(userID, in, "ledger write failed after entry", err)
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEDGER", Err: err}
	}

	if out := o.placeStopLoss(ctx, userID, gw, trade, in.StopLoss, clientID(fp, "sl")); out != nil {
		return *out
	}
	o.placeTakeProfit(ctx, userID, gw, trade, in.TakeProfit, clientID(fp, "tp"))

	o.bus.Publish(events.EventTradeExecuted, ExecutionNote{
		UserID: userID, TradeID: trade.ID, Symbol: in.Symbol, Action: in.Action,
	})
	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    fmt.Sprintf("Entry placed: %s %s", in.Side, in.Symbol),
		Body:     fmt.Sprintf("qty %.6f @ %.4f, SL %.4f", qty, price, in.StopLoss),
		Severity: notify.SeverityInfo,
	})
	return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
}

// finishDCA folds the new layer into the open trade and refreshes the
// protective bracket around the enlarged position.
func (o *Orchestrator) finishDCA(ctx context.Context, userID string, in *signal.Intent,
	gw common.Gateway, trade *db.Trade, ack *common.OrderAck, fp string, price, qty float64) Outcome {

	newQty := trade.EntryQty + qty
	trade.EntryPrice = (trade.EntryPrice*trade.EntryQty + price*qty) / newQty
	trade.EntryQty = newQty
	trade.RemainingQty += qty
	trade.DCACount++
	layerFee := price * qty * makerFeeRate
	trade.EntryCommission += layerFee
	trade.Commission += layerFee

	stopLoss := trade.StopLoss
	if in.NewStopLoss != nil {
		stopLoss = *in.NewStopLoss
	}
	trade.StopLoss = stopLoss
	if in.NewTakeProfit != nil {
		trade.TakeProfit = *in.NewTakeProfit
	}

	err := o.ledger.UpdateTrade(trade, &db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventDCAEntry, Time: o.now().UTC(),
		OrderID: ack.OrderID, Side: trade.Side, OrderKind: "LIMIT",
		Price: price, Qty: qty, Success: true,
		Detail: fmt.Sprintf("layer %d, avg entry now %.4f", trade.DCACount, trade.EntryPrice),
	})
	if err != nil {
		o.notifyFailure(userID, in, "ledger write failed after dca entry", err)
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEDGER", Err: err}
	}

	// The old bracket covers the old size; replace it around the new one.
	o.cancelProtective(ctx, gw, in.Symbol, true, in.NewTakeProfit != nil)
	if _, err := o.replaceStopLoss(ctx, userID, gw, trade, stopLoss, clientID(fp, "sl")); err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "SL_LOST", TradeID: trade.ID, Err: err}
	}
	if in.NewTakeProfit != nil {
		o.placeTakeProfit(ctx, userID, gw, trade, *in.NewTakeProfit, clientID(fp, "tp"))
	}

	o.bus.Publish(events.EventTradeExecuted, ExecutionNote{
		UserID: userID, TradeID: trade.ID, Symbol: in.Symbol, Action: in.Action,
	})
	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    fmt.Sprintf("DCA layer %d: %s", trade.DCACount, in.Symbol),
		Body:     fmt.Sprintf("added %.6f @ %.4f, avg entry %.4f", qty, price, trade.EntryPrice),
		Severity: notify.SeverityInfo,
	})
	return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
}

// placeStopLoss protects a fresh entry. Failure triggers the rollback: the
// position must never sit unprotected because of a missing stop.
func (o *Orchestrator) placeStopLoss(ctx context.Context, userID string, gw common.Gateway,
	trade *db.Trade, stopPrice float64, cid string) *Outcome {

	_, slPrice, err := gw.Quantize(ctx, trade.Symbol, 0, stopPrice)
	if err != nil {
		slPrice = stopPrice
	}
	ack, err := gw.PlaceStopMarket(ctx, common.TriggerOrder{
		Symbol:        trade.Symbol,
		Side:          closeSide(trade.Side),
		StopPrice:     slPrice,
		ClientOrderID: cid,
	})
	if err != nil {
		log.Printf("orchestrator: stop loss for trade %s failed, rolling back entry: %v", trade.ID, err)
		out := o.rollbackEntry(ctx, userID, gw, trade, err)
		return &out
	}
	if _, err := o.ledger.AppendEvent(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventSLPlaced, Time: o.now().UTC(),
		OrderID: ack.OrderID, Side: string(closeSide(trade.Side)), OrderKind: "STOP_MARKET",
		Price: slPrice, Success: true,
	}); err != nil {
		log.Printf("orchestrator: journal SL_PLACED for %s: %v", trade.ID, err)
	}
	return nil
}

// replaceStopLoss re-arms the stop on an already established position and
// returns the new stop order's exchange id. There is nothing to roll back
// here; failure leaves the position unprotected and escalates instead.
func (o *Orchestrator) replaceStopLoss(ctx context.Context, userID string, gw common.Gateway,
	trade *db.Trade, stopPrice float64, cid string) (string, error) {

	_, slPrice, qerr := gw.Quantize(ctx, trade.Symbol, 0, stopPrice)
	if qerr != nil {
		slPrice = stopPrice
	}
	ack, err := gw.PlaceStopMarket(ctx, common.TriggerOrder{
		Symbol:        trade.Symbol,
		Side:          closeSide(trade.Side),
		StopPrice:     slPrice,
		ClientOrderID: cid,
	})
	if err != nil {
		if _, jerr := o.ledger.AppendEvent(&db.TradeEvent{
			TradeID: trade.ID, EventType: db.EventSLLost, Time: o.now().UTC(),
			OrderKind: "STOP_MARKET", Price: slPrice, ErrorMsg: err.Error(),
		}); jerr != nil {
			log.Printf("orchestrator: journal SL_LOST for %s: %v", trade.ID, jerr)
		}
		o.bus.Publish(events.EventProtectionLost, ExecutionNote{
			UserID: userID, TradeID: trade.ID, Symbol: trade.Symbol, Reason: "SL_LOST",
		})
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    "Position unprotected: " + trade.Symbol,
			Body:     fmt.Sprintf("stop loss could not be re-placed: %v", err),
			Severity: notify.SeverityCritical,
		})
		return "", err
	}
	if _, err := o.ledger.AppendEvent(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventSLPlaced, Time: o.now().UTC(),
		OrderID: ack.OrderID, Side: string(closeSide(trade.Side)), OrderKind: "STOP_MARKET",
		Price: slPrice, Success: true,
	}); err != nil {
		log.Printf("orchestrator: journal SL_PLACED for %s: %v", trade.ID, err)
	}
	return ack.OrderID, nil
}

// placeTakeProfit is best effort: a missing take profit caps upside, not
// downside, so failure warns without aborting.
func (o *Orchestrator) placeTakeProfit(ctx context.Context, userID string, gw common.Gateway,
	trade *db.Trade, tpPrice float64, cid string) {
	if tpPrice <= 0 {
		return
	}
	_, quantized, qerr := gw.Quantize(ctx, trade.Symbol, 0, tpPrice)
	if qerr != nil {
		quantized = tpPrice
	}
	ack, err := gw.PlaceTakeProfitMarket(ctx, common.TriggerOrder{
		Symbol:        trade.Symbol,
		Side:          closeSide(trade.Side),
		StopPrice:     quantized,
		ClientOrderID: cid,
	})
	if err != nil {
		if _, jerr := o.ledger.AppendEvent(&db.TradeEvent{
			TradeID: trade.ID, EventType: db.EventTPLost, Time: o.now().UTC(),
			OrderKind: "TAKE_PROFIT_MARKET", Price: quantized, ErrorMsg: err.Error(),
		}); jerr != nil {
			log.Printf("orchestrator: journal TP_LOST for %s: %v", trade.ID, jerr)
		}
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    "Take profit not placed: " + trade.Symbol,
			Body:     fmt.Sprintf("stop loss is active, take profit failed: %v", err),
			Severity: notify.SeverityWarn,
		})
		return
	}
	if _, err := o.ledger.AppendEvent(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventTPPlaced, Time: o.now().UTC(),
		OrderID: ack.OrderID, Side: string(closeSide(trade.Side)), OrderKind: "TAKE_PROFIT_MARKET",
		Price: quantized, Success: true,
	}); err != nil {
		log.Printf("orchestrator: journal TP_PLACED for %s: %v", trade.ID, err)
	}
}

// rollbackEntry unwinds an entry whose stop loss could not be placed:
// cancel the resting order, market-close whatever filled. The row always
// reaches a terminal status; when the unwind itself fails the ledger says so
// and the operator is paged, but the trade never lingers OPEN.
func (o *Orchestrator) rollbackEntry(ctx context.Context, userID string, gw common.Gateway,
	trade *db.Trade, cause error) Outcome {

	now := o.now().UTC()
	cancelErr := gw.CancelOrder(ctx, trade.Symbol, trade.EntryOrderID)

	filled := 0.0
	if pos, err := gw.Position(ctx, trade.Symbol); err == nil {
		filled = math.Abs(pos.PositionAmt)
	} else if cancelErr != nil {
		// Cancel failed and we cannot see the position; assume worst case.
		filled = trade.EntryQty
	}

	var closeAck *common.OrderAck
	var closeErr error
	if filled > 0 {
		closeAck, closeErr = gw.PlaceMarket(ctx, common.MarketOrder{
			Symbol:     trade.Symbol,
			Side:       closeSide(trade.Side),
			Qty:        filled,
			ReduceOnly: true,
		})
	}

	// The unwind is incomplete when the filled part could not be closed, or
	// when the cancel failed with nothing visibly filled (the order may still
	// rest and fill later without a stop).
	rollbackFailed := closeErr != nil || (cancelErr != nil && filled <= 0)

	if filled <= 0 {
		trade.Status = db.StatusCancelled
		trade.ExitReason = db.ExitFailSafe
		trade.ExitTime = now
		trade.RemainingQty = 0
	} else {
		exitPrice := trade.EntryPrice
		if closeAck != nil && closeAck.AvgPrice > 0 {
			exitPrice = closeAck.AvgPrice
		}
		trade.Status = db.StatusClosed
		trade.ExitReason = db.ExitFailSafe
		trade.ExitPrice = exitPrice
		trade.ExitQty = filled
		trade.ExitTime = now
		trade.TotalClosedQty = filled
		trade.RemainingQty = 0
		trade.GrossProfit = sideProfit(trade.Side, trade.EntryPrice, exitPrice, filled)
		if closeErr == nil {
			trade.Commission += exitPrice * filled * takerFeeRate
		}
		if closeAck != nil {
			trade.ExitOrderID = closeAck.OrderID
		}
	}

	ev := &db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventFailSafe, Time: now,
		Qty: filled, Success: !rollbackFailed,
		Detail: fmt.Sprintf("entry rolled back, stop loss failed: %v", cause),
	}
	if rollbackFailed {
		ev.Detail = "rollback incomplete, exchange may still hold the position"
		ev.ErrorMsg = fmt.Sprintf("cancel: %v; close: %v", cancelErr, closeErr)
	}
	if err := o.ledger.UpdateTrade(trade, ev); err != nil {
		log.Printf("orchestrator: record rollback for %s: %v", trade.ID, err)
	}

	if rollbackFailed {
		o.bus.Publish(events.EventRollbackFailed, ExecutionNote{
			UserID: userID, TradeID: trade.ID, Symbol: trade.Symbol, Reason: "FAIL_SAFE",
		})
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    "MANUAL ACTION REQUIRED: " + trade.Symbol,
			Body:     fmt.Sprintf("entry may be live with no stop loss (cause: %v)", cause),
			Severity: notify.SeverityCritical,
		})
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "FAIL_SAFE", TradeID: trade.ID, Err: cause}
	}

	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    "Entry rolled back: " + trade.Symbol,
		Body:     fmt.Sprintf("stop loss could not be placed, entry undone (%v)", cause),
		Severity: notify.SeverityCritical,
	})
	return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "FAIL_SAFE", TradeID: trade.ID, Err: cause}
}

// ensureLeverage sets the symbol leverage once per (user, symbol) and caches
// the applied value so repeated entries skip the round trip.
func (o *Orchestrator) ensureLeverage(ctx context.Context, gw common.Gateway, userID, symbol string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	key := "lev|" + userID + "|" + symbol
	if v, ok := o.leverage.Get(key); ok && int(v) == leverage {
		return nil
	}
	if err := gw.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("set leverage %dx on %s: %w", leverage, symbol, err)
	}
	o.leverage.Set(key, float64(leverage))
	return nil
}

// cancelProtective removes resting stop/take-profit orders on the symbol.
func (o *Orchestrator) cancelProtective(ctx context.Context, gw common.Gateway, symbol string, stops, takeProfits bool) {
	orders, err := gw.OpenOrders(ctx, symbol)
	if err != nil {
		log.Printf("orchestrator: list open orders on %s: %v", symbol, err)
		return
	}
	for _, ord := range orders {
		isStop := ord.Type == "STOP_MARKET"
		isTP := ord.Type == "TAKE_PROFIT_MARKET"
		if (isStop && stops) || (isTP && takeProfits) {
			if err := gw.CancelOrder(ctx, symbol, ord.OrderID); err != nil {
				log.Printf("orchestrator: cancel %s %s on %s: %v", ord.Type, ord.OrderID, symbol, err)
			}
		}
	}
}

func (o *Orchestrator) openTradeOrNil(userID, symbol string) *db.Trade {
	t, err := o.ledger.FindOpenBySymbol(userID, symbol)
	if err != nil {
		if !errors.Is(err, db.ErrTradeNotFound) {
			log.Printf("orchestrator: open trade lookup %s/%s: %v", userID, symbol, err)
		}
		return nil
	}
	return t
}

func (o *Orchestrator) notifyRejection(userID string, in *signal.Intent, d *risk.Decision) {
	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    fmt.Sprintf("Signal rejected: %s %s", in.Action, in.Symbol),
		Body:     fmt.Sprintf("%s: %s", d.Reason, d.Details),
		Severity: notify.SeverityInfo,
		Tags:     []string{d.Reason},
	})
}

func (o *Orchestrator) notifyFailure(userID string, in *signal.Intent, title string, err error) {
	o.bus.Publish(events.EventTradeFailed, ExecutionNote{
		UserID: userID, Symbol: in.Symbol, Action: in.Action, Reason: title,
	})
	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    fmt.Sprintf("%s (%s %s)", title, in.Action, in.Symbol),
		Body:     err.Error(),
		Severity: notify.SeverityError,
	})
}

// entrySide maps the position direction to the exchange order side; DCA
// without an explicit side follows the open trade.
func entrySide(in *signal.Intent, openTrade *db.Trade) common.OrderSide {
	side := in.Side
	if side == "" && openTrade != nil {
		side = signal.Side(openTrade.Side)
	}
	if side == signal.SideShort {
		return common.Sell
	}
	return common.Buy
}

// closeSide is the order side that reduces the position.
func closeSide(tradeSide string) common.OrderSide {
	if tradeSide == string(signal.SideShort) {
		return common.Buy
	}
	return common.Sell
}

// sideProfit is realized P&L for qty closed at exit.
func sideProfit(side string, entry, exit, qty float64) float64 {
	if side == string(signal.SideShort) {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// clientID builds a deterministic exchange client order id from a signal
// fingerprint so retries of the same placement dedupe on the exchange side.
// Binance caps client ids at 36 characters.
func clientID(seed, tag string) string {
	if len(seed) > 16 {
		seed = seed[:16]
	}
	return "sr-" + seed + "-" + tag
}
