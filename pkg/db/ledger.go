package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTradeNotFound is returned by lookups that require an existing row.
var ErrTradeNotFound = errors.New("db: trade not found")

// Ledger is the query surface over trades and trade_events. All writes that
// touch both tables run in a single transaction.
type Ledger struct {
	db *sql.DB
}

const tradeColumns = `id, user_id, symbol, side, entry_price, entry_qty, entry_time,
	entry_order_id, entry_commission, exit_price, exit_qty, exit_time,
	exit_order_id, exit_reason, total_closed_qty, remaining_qty,
	gross_profit, commission, net_profit, stop_loss, take_profit,
	dca_count, signal_hash, source_platform, source_channel, source_author,
	source_message_id, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var entryTime, exitTime, createdAt, updatedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.UserID, &t.Symbol, &t.Side, &t.EntryPrice, &t.EntryQty, &entryTime,
		&t.EntryOrderID, &t.EntryCommission, &t.ExitPrice, &t.ExitQty, &exitTime,
		&t.ExitOrderID, &t.ExitReason, &t.TotalClosedQty, &t.RemainingQty,
		&t.GrossProfit, &t.Commission, &t.NetProfit, &t.StopLoss, &t.TakeProfit,
		&t.DCACount, &t.SignalHash, &t.SourcePlatform, &t.SourceChannel, &t.SourceAuthor,
		&t.SourceMessageID, &t.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if entryTime.Valid {
		t.EntryTime = entryTime.Time
	}
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		t.UpdatedAt = updatedAt.Time
	}
	return &t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// InsertTrade writes a new trade row and its opening event atomically.
func (l *Ledger) InsertTrade(t *Trade, openEvent *TradeEvent) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert trade: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO trades (`+tradeColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		t.ID, t.UserID, t.Symbol, t.Side, t.EntryPrice, t.EntryQty, nullTime(t.EntryTime),
		t.EntryOrderID, t.EntryCommission, t.ExitPrice, t.ExitQty, nullTime(t.ExitTime),
		t.ExitOrderID, t.ExitReason, t.TotalClosedQty, t.RemainingQty,
		t.GrossProfit, t.Commission, t.NetProfit, t.StopLoss, t.TakeProfit,
		t.DCACount, t.SignalHash, t.SourcePlatform, t.SourceChannel, t.SourceAuthor,
		t.SourceMessageID, t.Status,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	if openEvent != nil {
		if err := appendEventTx(tx, openEvent); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateTrade rewrites the mutable fields of a trade and appends the event
// describing the change in the same transaction. NetProfit is recomputed from
// gross profit and commission before writing so the two can never diverge.
func (l *Ledger) UpdateTrade(t *Trade, event *TradeEvent) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update trade: %w", err)
	}
	defer tx.Rollback()

	if err := UpdateTradeTx(tx, t); err != nil {
		return err
	}
	if event != nil {
		if err := appendEventTx(tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateTradeTx rewrites a trade inside an existing transaction. Used by
// ApplyKeyed callers so the mutation shares the event guard's transaction.
func UpdateTradeTx(tx *sql.Tx, t *Trade) error {
	t.NetProfit = t.GrossProfit - t.Commission

	res, err := tx.Exec(`UPDATE trades SET
		entry_price=?, entry_qty=?, entry_time=?, entry_order_id=?, entry_commission=?,
		exit_price=?, exit_qty=?, exit_time=?, exit_order_id=?, exit_reason=?,
		total_closed_qty=?, remaining_qty=?, gross_profit=?, commission=?, net_profit=?,
		stop_loss=?, take_profit=?, dca_count=?, status=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=?`,
		t.EntryPrice, t.EntryQty, nullTime(t.EntryTime), t.EntryOrderID, t.EntryCommission,
		t.ExitPrice, t.ExitQty, nullTime(t.ExitTime), t.ExitOrderID, t.ExitReason,
		t.TotalClosedQty, t.RemainingQty, t.GrossProfit, t.Commission, t.NetProfit,
		t.StopLoss, t.TakeProfit, t.DCACount, t.Status,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// AppendEvent journals one event. It returns false when the same
// (trade, type, order, fill) tuple was already recorded, which makes
// duplicate stream deliveries harmless.
func (l *Ledger) AppendEvent(e *TradeEvent) (bool, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback()

	inserted, err := appendEventIgnoreTx(tx, e)
	if err != nil {
		return false, err
	}
	return inserted, tx.Commit()
}

// ApplyKeyed runs apply only when the event tuple has not been seen before.
// The guard insert and the mutation share one transaction, so a duplicate
// delivery neither journals twice nor mutates twice.
func (l *Ledger) ApplyKeyed(e *TradeEvent, apply func(tx *sql.Tx) error) (bool, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin keyed apply: %w", err)
	}
	defer tx.Rollback()

	inserted, err := appendEventIgnoreTx(tx, e)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, tx.Commit()
	}
	if apply != nil {
		if err := apply(tx); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func appendEventTx(tx *sql.Tx, e *TradeEvent) error {
	_, err := tx.Exec(`INSERT INTO trade_events
		(trade_id, event_type, ts, order_id, side, order_kind, price, qty, success, error_message, detail, fill_seq)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.TradeID, e.EventType, eventTime(e), e.OrderID, e.Side, e.OrderKind,
		e.Price, e.Qty, e.Success, e.ErrorMsg, e.Detail, e.FillSeq,
	)
	if err != nil {
		return fmt.Errorf("append event %s/%s: %w", e.TradeID, e.EventType, err)
	}
	return nil
}

func appendEventIgnoreTx(tx *sql.Tx, e *TradeEvent) (bool, error) {
	res, err := tx.Exec(`INSERT OR IGNORE INTO trade_events
		(trade_id, event_type, ts, order_id, side, order_kind, price, qty, success, error_message, detail, fill_seq)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.TradeID, e.EventType, eventTime(e), e.OrderID, e.Side, e.OrderKind,
		e.Price, e.Qty, e.Success, e.ErrorMsg, e.Detail, e.FillSeq,
	)
	if err != nil {
		return false, fmt.Errorf("append event %s/%s: %w", e.TradeID, e.EventType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func eventTime(e *TradeEvent) time.Time {
	if e.Time.IsZero() {
		return time.Now().UTC()
	}
	return e.Time
}

// FindOpenBySymbol returns the user's open trade on the symbol, or
// ErrTradeNotFound. Invariant: at most one OPEN trade per (user, symbol).
func (l *Ledger) FindOpenBySymbol(userID, symbol string) (*Trade, error) {
	row := l.db.QueryRow(`SELECT `+tradeColumns+` FROM trades
		WHERE user_id=? AND symbol=? AND status=?
		ORDER BY created_at DESC LIMIT 1`,
		userID, symbol, StatusOpen)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

// FindByID returns one trade by primary key.
func (l *Ledger) FindByID(id string) (*Trade, error) {
	row := l.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE id=?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

// FindOpenByOrderID matches a trade by the exchange order id of its entry,
// exit or a journaled protective order. Used when a stream fill arrives with
// only the order id.
func (l *Ledger) FindOpenByOrderID(userID, orderID string) (*Trade, error) {
	row := l.db.QueryRow(`SELECT `+tradeColumns+` FROM trades
		WHERE user_id=? AND status=?
		AND (entry_order_id=? OR exit_order_id=? OR id IN
			(SELECT trade_id FROM trade_events WHERE order_id=?))
		ORDER BY created_at DESC LIMIT 1`,
		userID, StatusOpen, orderID, orderID, orderID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

// ExistsByFingerprintSince reports whether any trade with the signal hash was
// created after the cutoff. Guards the dedup cache across restarts.
func (l *Ledger) ExistsByFingerprintSince(hash string, since time.Time) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(1) FROM trades WHERE signal_hash=? AND created_at>=?`,
		hash, since).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return n > 0, nil
}

// FindAllOpen returns every open trade across all users, for reconciliation
// and stale cleanup.
func (l *Ledger) FindAllOpen() ([]*Trade, error) {
	return l.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE status=? ORDER BY created_at`, StatusOpen)
}

// FindOpenByUser returns the user's open trades.
func (l *Ledger) FindOpenByUser(userID string) ([]*Trade, error) {
	return l.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE user_id=? AND status=? ORDER BY created_at`,
		userID, StatusOpen)
}

// FindByStatus returns all trades in the given status, newest first.
func (l *Ledger) FindByStatus(status string) ([]*Trade, error) {
	return l.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE status=? ORDER BY created_at DESC`, status)
}

// FindByUser returns the user's trades newest first, capped at limit.
func (l *Ledger) FindByUser(userID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// FindClosedInRange returns trades closed inside [from, to).
func (l *Ledger) FindClosedInRange(from, to time.Time) ([]*Trade, error) {
	return l.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE status=? AND exit_time>=? AND exit_time<? ORDER BY exit_time`,
		StatusClosed, from, to)
}

// SumNetProfitClosedSince sums realized net profit for trades the user closed
// at or after the cutoff. The daily-loss gate is this query with the cutoff at
// local midnight, so the "counter" resets by construction.
func (l *Ledger) SumNetProfitClosedSince(userID string, since time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := l.db.QueryRow(`SELECT SUM(net_profit) FROM trades
		WHERE user_id=? AND status=? AND exit_time>=?`,
		userID, StatusClosed, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum net profit: %w", err)
	}
	return sum.Float64, nil
}

// LifetimeStats aggregates a user's closed trades since inception.
type LifetimeStats struct {
	Closed    int
	Wins      int
	NetProfit float64
}

// UserLifetimeStats returns the all-time closed-trade aggregate for one user.
func (l *Ledger) UserLifetimeStats(userID string) (*LifetimeStats, error) {
	var s LifetimeStats
	err := l.db.QueryRow(`SELECT COUNT(1),
		COALESCE(SUM(CASE WHEN net_profit > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(net_profit), 0)
		FROM trades WHERE user_id=? AND status=?`,
		userID, StatusClosed).Scan(&s.Closed, &s.Wins, &s.NetProfit)
	if err != nil {
		return nil, fmt.Errorf("lifetime stats: %w", err)
	}
	return &s, nil
}

// EventsByTrade returns the journal for one trade in insertion order.
func (l *Ledger) EventsByTrade(tradeID string) ([]*TradeEvent, error) {
	rows, err := l.db.Query(`SELECT id, trade_id, event_type, ts, order_id, side,
		order_kind, price, qty, success, error_message, detail, fill_seq
		FROM trade_events WHERE trade_id=? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*TradeEvent
	for rows.Next() {
		var e TradeEvent
		var ts sql.NullTime
		if err := rows.Scan(&e.ID, &e.TradeID, &e.EventType, &ts, &e.OrderID, &e.Side,
			&e.OrderKind, &e.Price, &e.Qty, &e.Success, &e.ErrorMsg, &e.Detail, &e.FillSeq); err != nil {
			return nil, err
		}
		if ts.Valid {
			e.Time = ts.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (l *Ledger) queryTrades(query string, args ...any) ([]*Trade, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
