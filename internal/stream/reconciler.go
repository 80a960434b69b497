// Package stream consumes user-data stream events and reconciles the trade
// ledger with what actually happened on the exchange: stop and take-profit
// fills, lost protective orders, entry fill confirmations.
package stream

import (
	"context"
	"database/sql"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"signal-relay/internal/events"
	"signal-relay/internal/locks"
	"signal-relay/internal/notify"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/binance/futures"
)

// Publisher is the notification surface the reconciler emits on.
type Publisher interface {
	Publish(n notify.Notification)
}

// userEvent is one stream event tagged with its owner.
type userEvent struct {
	userID string
	ev     futures.StreamEvent
}

// Reconciler funnels per-user stream events through a bounded buffer into a
// small worker pool. When the buffer is full the oldest event is dropped:
// the ledger is reconciled from later events, never from replay.
type Reconciler struct {
	ledger   *db.Ledger
	locks    *locks.Registry
	bus      *events.Bus
	notifier Publisher

	buf     chan userEvent
	workers int
	dropped atomic.Int64

	wg   sync.WaitGroup
	once sync.Once
}

// NewReconciler builds the reconciler with the given buffer and pool sizes.
func NewReconciler(ledger *db.Ledger, reg *locks.Registry, bus *events.Bus, notifier Publisher, bufferSize, workers int) *Reconciler {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &Reconciler{
		ledger:   ledger,
		locks:    reg,
		bus:      bus,
		notifier: notifier,
		buf:      make(chan userEvent, bufferSize),
		workers:  workers,
	}
}

// Start launches the worker pool; workers exit when ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.once.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case ue := <-r.buf:
						r.process(ue.userID, ue.ev)
					}
				}
			}()
		}
	})
}

// Wait blocks until the workers have exited.
func (r *Reconciler) Wait() { r.wg.Wait() }

// Dropped reports how many events were shed under backpressure.
func (r *Reconciler) Dropped() int64 { return r.dropped.Load() }

// HandlerFor returns the stream handler for one user. It never blocks the
// stream reader: when the buffer is full the oldest queued event is dropped
// to make room.
func (r *Reconciler) HandlerFor(userID string) func(futures.StreamEvent) {
	return func(ev futures.StreamEvent) {
		ue := userEvent{userID: userID, ev: ev}
		select {
		case r.buf <- ue:
			return
		default:
		}
		select {
		case old := <-r.buf:
			n := r.dropped.Add(1)
			log.Printf("reconciler: buffer full, dropped %s event for %s (total dropped %d)",
				old.ev.EventType, old.userID, n)
		default:
		}
		select {
		case r.buf <- ue:
		default:
			r.dropped.Add(1)
		}
	}
}

func (r *Reconciler) process(userID string, ev futures.StreamEvent) {
	switch ev.EventType {
	case futures.EventOrderTradeUpdate:
		r.applyOrderUpdate(userID, ev)
	case futures.EventListenKeyExpired:
		log.Printf("reconciler: listen key expired for %s, stream will reconnect", userID)
	}
}

// applyOrderUpdate routes one ORDER_TRADE_UPDATE through the handling table.
// It runs under the same (user, symbol) lock as the orchestrator, so a fill
// never interleaves with an execution on the same position.
func (r *Reconciler) applyOrderUpdate(userID string, ev futures.StreamEvent) {
	o := ev.Order
	orderID := strconv.FormatInt(o.OrderID, 10)

	unlock := r.locks.Lock(userID, o.Symbol)
	defer unlock()

	trade, err := r.ledger.FindOpenByOrderID(userID, orderID)
	if err != nil {
		// Not a tracked order (manual trading, already closed); ignore.
		return
	}

	kind := o.OrigType
	if kind == "" {
		kind = o.OrderType
	}

	switch kind {
	case futures.OrderTypeStopMarket, futures.OrderTypeTakeProfitMarket, futures.OrderTypeLiquidation:
		switch o.Status {
		case futures.OrderStatusFilled:
			r.streamClose(userID, trade, &o, kind, ev.EventTime)
		case futures.OrderStatusPartiallyFilled:
			r.streamPartialClose(userID, trade, &o, kind, ev.EventTime)
		case futures.OrderStatusCanceled, futures.OrderStatusExpired:
			r.protectionLost(userID, trade, &o, kind, orderID, ev.EventTime)
		}
	case "LIMIT":
		if orderID == trade.EntryOrderID && o.Status == futures.OrderStatusFilled {
			r.confirmEntry(userID, trade, &o, ev.EventTime)
		}
	}
}

// streamClose records a protective order filling out the whole position.
func (r *Reconciler) streamClose(userID string, trade *db.Trade, o *futures.OrderUpdate, kind string, eventTime int64) {
	fillQty := num(o.LastFilledQty)
	if fillQty <= 0 {
		fillQty = trade.RemainingQty
	}
	price := fillPrice(o)
	ts := eventTimestamp(eventTime)
	orderID := strconv.FormatInt(o.OrderID, 10)

	applied, err := r.ledger.ApplyKeyed(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventStreamClose, Time: ts,
		OrderID: orderID, Side: o.Side, OrderKind: kind,
		Price: price, Qty: fillQty, Success: true,
		FillSeq: strconv.FormatInt(o.TradeID, 10),
	}, func(tx *sql.Tx) error {
		trade.TotalClosedQty += fillQty
		trade.RemainingQty = 0
		trade.GrossProfit += realized(trade, o, price, fillQty)
		trade.Commission += num(o.Commission)
		trade.Status = db.StatusClosed
		trade.ExitReason = exitReasonFor(kind)
		trade.ExitPrice = price
		trade.ExitQty = fillQty
		trade.ExitTime = ts
		trade.ExitOrderID = orderID
		return db.UpdateTradeTx(tx, trade)
	})
	if err != nil {
		log.Printf("reconciler: stream close for %s: %v", trade.ID, err)
		return
	}
	if !applied {
		return
	}

	r.bus.Publish(events.EventTradeClosed, trade.ID)
	title := "Stop loss hit: " + trade.Symbol
	sev := notify.SeverityWarn
	if trade.ExitReason == db.ExitTakeProfit {
		title = "Take profit hit: " + trade.Symbol
		sev = notify.SeveritySuccess
	}
	r.notifier.Publish(notify.Notification{
		Scope: "user:" + userID, Title: title,
		Body:     closeBody(trade, price, fillQty),
		Severity: sev,
	})
}

// streamPartialClose records a protective order partially filling; the trade
// stays OPEN on the remainder.
func (r *Reconciler) streamPartialClose(userID string, trade *db.Trade, o *futures.OrderUpdate, kind string, eventTime int64) {
	fillQty := num(o.LastFilledQty)
	if fillQty <= 0 {
		return
	}
	price := fillPrice(o)
	ts := eventTimestamp(eventTime)
	orderID := strconv.FormatInt(o.OrderID, 10)

	applied, err := r.ledger.ApplyKeyed(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventStreamPartialClose, Time: ts,
		OrderID: orderID, Side: o.Side, OrderKind: kind,
		Price: price, Qty: fillQty, Success: true,
		FillSeq: strconv.FormatInt(o.TradeID, 10),
	}, func(tx *sql.Tx) error {
		trade.TotalClosedQty += fillQty
		trade.RemainingQty -= fillQty
		if trade.RemainingQty < 0 {
			trade.RemainingQty = 0
		}
		trade.GrossProfit += realized(trade, o, price, fillQty)
		trade.Commission += num(o.Commission)
		trade.ExitPrice = price
		trade.ExitQty = fillQty
		trade.ExitTime = ts
		trade.ExitOrderID = orderID
		return db.UpdateTradeTx(tx, trade)
	})
	if err != nil {
		log.Printf("reconciler: stream partial close for %s: %v", trade.ID, err)
		return
	}
	if applied {
		r.notifier.Publish(notify.Notification{
			Scope: "user:" + userID, Title: "Protective order partially filled: " + trade.Symbol,
			Body:     closeBody(trade, price, fillQty),
			Severity: notify.SeverityInfo,
		})
	}
}

// protectionLost fires when the exchange cancels or expires a protective
// order that we did not replace ourselves. Replacement is detected from the
// journal: if a newer placement carries a different order id, the cancel was
// part of a move and is ignored.
func (r *Reconciler) protectionLost(userID string, trade *db.Trade, o *futures.OrderUpdate, kind, orderID string, eventTime int64) {
	placedType := db.EventSLPlaced
	lostType := db.EventSLLost
	sev := notify.SeverityCritical
	title := "STOP LOSS LOST: " + trade.Symbol
	if kind == futures.OrderTypeTakeProfitMarket {
		placedType = db.EventTPPlaced
		lostType = db.EventTPLost
		sev = notify.SeverityWarn
		title = "Take profit lost: " + trade.Symbol
	}

	evs, err := r.ledger.EventsByTrade(trade.ID)
	if err != nil {
		log.Printf("reconciler: journal read for %s: %v", trade.ID, err)
		return
	}
	lastPlaced := ""
	for _, e := range evs {
		if e.EventType == placedType {
			lastPlaced = e.OrderID
		}
	}
	if lastPlaced != "" && lastPlaced != orderID {
		return // already replaced by a newer order
	}

	applied, err := r.ledger.AppendEvent(&db.TradeEvent{
		TradeID: trade.ID, EventType: lostType, Time: eventTimestamp(eventTime),
		OrderID: orderID, OrderKind: kind,
		Detail: "exchange reported " + o.Status,
	})
	if err != nil {
		log.Printf("reconciler: journal %s for %s: %v", lostType, trade.ID, err)
		return
	}
	if !applied {
		return
	}

	r.bus.Publish(events.EventProtectionLost, trade.ID)
	r.notifier.Publish(notify.Notification{
		Scope: "user:" + userID, Title: title,
		Body:     "protective order " + orderID + " was " + o.Status + " and the position is still open",
		Severity: sev,
	})
}

// confirmEntry folds the real fill price and commission into the trade once
// the resting entry completes. The exchange-reported commission replaces the
// placement-time estimate.
func (r *Reconciler) confirmEntry(userID string, trade *db.Trade, o *futures.OrderUpdate, eventTime int64) {
	price := fillPrice(o)
	qty := num(o.FilledQty)
	fee := num(o.Commission)
	ts := eventTimestamp(eventTime)

	applied, err := r.ledger.ApplyKeyed(&db.TradeEvent{
		TradeID: trade.ID, EventType: db.EventEntryPlaced, Time: ts,
		OrderID: trade.EntryOrderID, Side: o.Side, OrderKind: "LIMIT",
		Price: price, Qty: qty, Success: true,
		FillSeq: strconv.FormatInt(o.TradeID, 10),
		Detail:  "entry fill confirmed",
	}, func(tx *sql.Tx) error {
		if price > 0 {
			trade.EntryPrice = price
		}
		if qty > 0 && trade.TotalClosedQty == 0 && trade.DCACount == 0 {
			trade.EntryQty = qty
			trade.RemainingQty = qty
		}
		if fee > 0 {
			trade.Commission += fee - trade.EntryCommission
			trade.EntryCommission = fee
		}
		return db.UpdateTradeTx(tx, trade)
	})
	if err != nil {
		log.Printf("reconciler: entry confirm for %s: %v", trade.ID, err)
		return
	}
	if applied {
		log.Printf("reconciler: entry %s filled at %.4f (qty %.6f, fee %.6f)", trade.ID, price, qty, fee)
	}
}

// realized prefers the exchange-reported realized P&L for the fill and falls
// back to computing it from the entry.
func realized(trade *db.Trade, o *futures.OrderUpdate, price, qty float64) float64 {
	if rp := num(o.RealizedPnL); rp != 0 {
		return rp
	}
	if trade.Side == "SHORT" {
		return (trade.EntryPrice - price) * qty
	}
	return (price - trade.EntryPrice) * qty
}

func exitReasonFor(kind string) string {
	if kind == futures.OrderTypeTakeProfitMarket {
		return db.ExitTakeProfit
	}
	// Liquidations land in the stop-loss bucket: an involuntary close on
	// the losing side.
	return db.ExitStopLoss
}

func closeBody(trade *db.Trade, price, qty float64) string {
	return "qty " + strconv.FormatFloat(qty, 'f', -1, 64) +
		" @ " + strconv.FormatFloat(price, 'f', -1, 64) +
		", net P&L " + strconv.FormatFloat(trade.NetProfit, 'f', 2, 64) + " USDT"
}

func fillPrice(o *futures.OrderUpdate) float64 {
	if p := num(o.LastPrice); p > 0 {
		return p
	}
	return num(o.AvgPrice)
}

func eventTimestamp(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func num(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
