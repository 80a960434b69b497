package order

import (
	"context"
	"fmt"
	"log"
	"math"

	"signal-relay/internal/events"
	"signal-relay/internal/notify"
	"signal-relay/internal/signal"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

// remainderEpsilon absorbs float drift when deciding whether a close emptied
// the position.
const remainderEpsilon = 1e-9

// executeClose market-closes part or all of the open trade. Protective
// orders come off first so a stop cannot fire into the close.
func (o *Orchestrator) executeClose(ctx context.Context, userID string, in *signal.Intent, gw common.Gateway) Outcome {
	trade := o.openTradeOrNil(userID, in.Symbol)
	if trade == nil {
		return Outcome{UserID: userID, Status: OutcomeNoop, Reason: "NO_OPEN_TRADE",
			Details: "nothing open on " + in.Symbol}
	}

	closeQty := trade.RemainingQty
	if in.CloseRatio != nil {
		closeQty = trade.RemainingQty * *in.CloseRatio
	}
	qty, _, err := gw.Quantize(ctx, in.Symbol, closeQty, trade.EntryPrice)
	if err == nil {
		if qty > 0 {
			closeQty = qty
		} else if min, merr := gw.MinQty(ctx, in.Symbol); merr == nil && min > 0 {
			// Ratio close rounded below the lot minimum; clamp up to the
			// smallest quantity the exchange accepts. ReduceOnly caps the
			// fill at the position either way.
			closeQty = min
		}
	}
	o.cancelProtective(ctx, gw, in.Symbol, true, true)

	ack, err := gw.PlaceMarket(ctx, common.MarketOrder{
		Symbol:        in.Symbol,
		Side:          closeSide(trade.Side),
		Qty:           closeQty,
		ReduceOnly:    true,
		ClientOrderID: clientID(trade.ID, "c"),
	})
	if err != nil {
		// Protective orders are already gone; the position is naked.
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    "Close failed, position unprotected: " + in.Symbol,
			Body:     fmt.Sprintf("market close rejected after stop removal: %v", err),
			Severity: notify.SeverityCritical,
		})
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "CLOSE_ORDER", TradeID: trade.ID, Err: err}
	}

	fillQty := ack.ExecutedQty
	if fillQty <= 0 {
		fillQty = closeQty
	}
	fillPrice := ack.AvgPrice
	if fillPrice <= 0 {
		fillPrice = trade.EntryPrice
	}

	now := o.now().UTC()
	trade.TotalClosedQty += fillQty
	trade.RemainingQty = math.Max(0, trade.EntryQty-trade.TotalClosedQty)
	trade.GrossProfit += sideProfit(trade.Side, trade.EntryPrice, fillPrice, fillQty)
	trade.Commission += fillPrice * fillQty * takerFeeRate
	trade.ExitPrice = fillPrice
	trade.ExitQty = fillQty
	trade.ExitTime = now
	trade.ExitOrderID = ack.OrderID

	fullyClosed := trade.RemainingQty <= remainderEpsilon
	eventType := db.EventPartialClose
	if fullyClosed {
		trade.RemainingQty = 0
		trade.Status = db.StatusClosed
		trade.ExitReason = closeReason(in)
		eventType = db.EventClosePlaced
	} else if target := partialStopTarget(in, trade); target > 0 {
		trade.StopLoss = target
	}

	err = o.ledger.UpdateTrade(trade, &db.TradeEvent{
		TradeID: trade.ID, EventType: eventType, Time: now,
		OrderID: ack.OrderID, Side: string(closeSide(trade.Side)), OrderKind: "MARKET",
		Price: fillPrice, Qty: fillQty, Success: true,
	})
	if err != nil {
		o.notifyFailure(userID, in, "ledger write failed after close", err)
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEDGER", TradeID: trade.ID, Err: err}
	}

	if fullyClosed {
		o.bus.Publish(events.EventTradeClosed, ExecutionNote{
			UserID: userID, TradeID: trade.ID, Symbol: in.Symbol, Action: in.Action,
		})
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    "Position closed: " + in.Symbol,
			Body:     fmt.Sprintf("qty %.6f @ %.4f, net P&L %.2f USDT", fillQty, fillPrice, trade.NetProfit),
			Severity: notify.SeveritySuccess,
		})
		return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
	}

	// Remainder stays live; re-arm the bracket around it.
	if _, err := o.replaceStopLoss(ctx, userID, gw, trade, trade.StopLoss, clientID(trade.ID, "sl")); err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "SL_LOST", TradeID: trade.ID, Err: err}
	}
	tp := trade.TakeProfit
	if in.NewTakeProfit != nil {
		tp = *in.NewTakeProfit
		trade.TakeProfit = tp
	}
	o.placeTakeProfit(ctx, userID, gw, trade, tp, clientID(trade.ID, "tp"))

	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    "Partial close: " + in.Symbol,
		Body:     fmt.Sprintf("closed %.6f @ %.4f, %.6f remains, SL %.4f", fillQty, fillPrice, trade.RemainingQty, trade.StopLoss),
		Severity: notify.SeverityInfo,
	})
	return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
}

// closeReason distinguishes operator closes from channel signals.
func closeReason(in *signal.Intent) string {
	if in.Source.Platform == "manual" {
		return db.ExitManualClose
	}
	return db.ExitSignalClose
}

// partialStopTarget picks where the stop goes after a partial close:
// an explicit new stop wins, otherwise the entry (break even), otherwise the
// previous stop stays.
func partialStopTarget(in *signal.Intent, trade *db.Trade) float64 {
	if in.NewStopLoss != nil {
		return *in.NewStopLoss
	}
	if trade.EntryPrice > 0 {
		return trade.EntryPrice
	}
	return trade.StopLoss
}

// executeMoveSL repositions the stop loss on the open trade. The target
// follows the same precedence as a partial close.
func (o *Orchestrator) executeMoveSL(ctx context.Context, userID string, in *signal.Intent, gw common.Gateway) Outcome {
	trade := o.openTradeOrNil(userID, in.Symbol)
	if trade == nil {
		return Outcome{UserID: userID, Status: OutcomeNoop, Reason: "NO_OPEN_TRADE",
			Details: "nothing open on " + in.Symbol}
	}

	target := partialStopTarget(in, trade)
	if target <= 0 {
		return Outcome{UserID: userID, Status: OutcomeRejected, Reason: "NO_TARGET",
			Details: "no stop target and no entry price to default to", TradeID: trade.ID}
	}

	o.cancelProtective(ctx, gw, in.Symbol, true, in.NewTakeProfit != nil)
	slOrderID, err := o.replaceStopLoss(ctx, userID, gw, trade, target, clientID(trade.ID, "sl"))
	if err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "SL_LOST", TradeID: trade.ID, Err: err}
	}

	prev := trade.StopLoss
	trade.StopLoss = target
	if in.NewTakeProfit != nil {
		trade.TakeProfit = *in.NewTakeProfit
		o.placeTakeProfit(ctx, userID, gw, trade, trade.TakeProfit, clientID(trade.ID, "tp"))
	}

	// Journal under the new stop order's exchange id so repeated moves on the
	// same trade produce distinct rows.
	err = o.ledger.UpdateTrade(trade, &db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventMoveSL, Time: o.now().UTC(),
		OrderID: slOrderID, OrderKind: "STOP_MARKET", Price: target, Success: true,
		Detail: fmt.Sprintf("stop moved %.4f -> %.4f", prev, target),
	})
	if err != nil {
		o.notifyFailure(userID, in, "ledger write failed after stop move", err)
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEDGER", TradeID: trade.ID, Err: err}
	}

	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    "Stop moved: " + in.Symbol,
		Body:     fmt.Sprintf("stop loss now %.4f (was %.4f)", target, prev),
		Severity: notify.SeverityInfo,
	})
	return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
}

// executeCancel pulls every resting order on the symbol. A trade whose entry
// never filled goes to CANCELLED; a filled position stays OPEN and the user
// is warned that it now has no bracket.
func (o *Orchestrator) executeCancel(ctx context.Context, userID string, in *signal.Intent, gw common.Gateway) Outcome {
	if o.guard != nil && !o.guard.CheckCancel(userID+"|"+in.CancelKey()) {
		return Outcome{UserID: userID, Status: OutcomeNoop, Reason: "CANCEL_DEDUP",
			Details: "cancel already executed within the window"}
	}

	if err := gw.CancelAllOrders(ctx, in.Symbol); err != nil {
		return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "CANCEL_ORDERS", Err: err}
	}

	trade := o.openTradeOrNil(userID, in.Symbol)
	if trade == nil {
		return Outcome{UserID: userID, Status: OutcomeExecuted, Reason: "ORDERS_CANCELLED"}
	}

	now := o.now().UTC()
	filled := trade.TotalClosedQty > 0
	if !filled {
		if pos, err := gw.Position(ctx, in.Symbol); err == nil && math.Abs(pos.PositionAmt) > 0 {
			filled = true
		}
	}

	if !filled {
		trade.Status = db.StatusCancelled
		trade.ExitTime = now
		trade.RemainingQty = 0
		err := o.ledger.UpdateTrade(trade, &db.TradeEvent{
			TradeID: trade.ID, EventType: db.EventCancel, Time: now, Success: true,
			Detail: "entry never filled, trade cancelled",
		})
		if err != nil {
			o.notifyFailure(userID, in, "ledger write failed after cancel", err)
			return Outcome{UserID: userID, Status: OutcomeFailed, Reason: "LEDGER", TradeID: trade.ID, Err: err}
		}
		o.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    "Entry cancelled: " + in.Symbol,
			Body:     "resting orders pulled before the entry filled",
			Severity: notify.SeverityInfo,
		})
		return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
	}

	if _, err := o.ledger.AppendEvent(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventCancel, Time: now, Success: true,
		Detail: "all orders cancelled, position remains open",
	}); err != nil {
		log.Printf("orchestrator: journal CANCEL for %s: %v", trade.ID, err)
	}
	o.notifier.Publish(notify.Notification{
		Scope:    "user:" + userID,
		Title:    "Orders cancelled, position open: " + in.Symbol,
		Body:     fmt.Sprintf("%.6f %s remains with no stop loss", trade.RemainingQty, in.Symbol),
		Severity: notify.SeverityWarn,
	})
	return Outcome{UserID: userID, Status: OutcomeExecuted, TradeID: trade.ID}
}
