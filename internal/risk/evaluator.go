package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"signal-relay/internal/dedup"
	"signal-relay/internal/signal"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

// Deny reasons. These are deterministic refusals, distinct from errors.
const (
	ReasonWhitelist          = "WHITELIST"
	ReasonNoSL               = "NO_SL"
	ReasonWrongDirection     = "WRONG_DIRECTION"
	ReasonPriceDeviation     = "PRICE_DEVIATION"
	ReasonCircuitBreaker     = "CIRCUIT_BREAKER"
	ReasonDCALimit           = "DCA_LIMIT"
	ReasonDuplicateOpenOrder = "DUPLICATE_OPEN_ORDER"
	ReasonSignalDedup        = "SIGNAL_DEDUP"
	ReasonMinNotional        = "MIN_NOTIONAL"
	ReasonAmbiguousSymbol    = "AMBIGUOUS_SYMBOL"
	ReasonNoPosition         = "NO_POSITION_TO_DCA"
)

// Decision is the evaluator's verdict. When Allowed, Qty is exchange-raw
// (precision truncation happens at the order boundary).
type Decision struct {
	Allowed    bool
	Qty        float64
	RiskAmount float64
	Balance    float64
	Rationale  string
	Reason     string
	Details    string
}

func deny(reason, details string) *Decision {
	return &Decision{Reason: reason, Details: details}
}

// marketData is the gateway slice the evaluator consumes.
type marketData interface {
	Balance(ctx context.Context, asset string) (*common.Balance, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error)
}

// lossLedger answers the realized-loss window query.
type lossLedger interface {
	SumNetProfitClosedSince(userID string, since time.Time) (float64, error)
}

// Evaluator runs the ordered pre-trade gate. Steps run in a fixed order so
// a deny reason is deterministic for a given state.
type Evaluator struct {
	resolver *Resolver
	ledger   lossLedger
	guard    *dedup.Guard
	loc      *time.Location

	minNotional  float64
	maxDeviation float64
	now          func() time.Time
}

// NewEvaluator wires the gate's dependencies. loc fixes the session-day
// boundary for the loss window.
func NewEvaluator(resolver *Resolver, ledger lossLedger, guard *dedup.Guard, loc *time.Location, minNotional, maxDeviation float64) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	if minNotional <= 0 {
		minNotional = 5
	}
	if maxDeviation <= 0 {
		maxDeviation = 0.10
	}
	return &Evaluator{
		resolver:     resolver,
		ledger:       ledger,
		guard:        guard,
		loc:          loc,
		minNotional:  minNotional,
		maxDeviation: maxDeviation,
		now:          time.Now,
	}
}

// Evaluate runs the gate for an entry (or DCA entry) intent. openTrade is
// the user's OPEN trade on the symbol, nil when flat. An error means a
// probe failed and the caller must abort; it is never a silent deny.
func (e *Evaluator) Evaluate(ctx context.Context, userID string, in *signal.Intent, openTrade *db.Trade, gw marketData) (*Decision, *EffectiveConfig, error) {
	cfg, err := e.resolver.Resolve(userID)
	if err != nil {
		return nil, nil, err
	}
	isDCA := in.Action == signal.ActionDCAEntry

	// 1. Whitelist.
	if !cfg.Allows(in.Symbol) {
		return deny(ReasonWhitelist, fmt.Sprintf("%s not in allowed symbols", in.Symbol)), cfg, nil
	}

	// 2. Balance probe. Fail loudly; zero would mean unbounded downside on
	// every later calculation.
	bal, err := gw.Balance(ctx, "USDT")
	if err != nil {
		return nil, cfg, fmt.Errorf("balance probe: %w", err)
	}
	balance := bal.Available

	// 3. Daily loss circuit breaker. The window query starts at local
	// midnight, so the budget resets implicitly with the session day.
	dayStart := e.sessionDayStart()
	realized, err := e.ledger.SumNetProfitClosedSince(userID, dayStart)
	if err != nil {
		return nil, cfg, fmt.Errorf("loss window query: %w", err)
	}
	if realized <= -cfg.MaxDailyLoss {
		return deny(ReasonCircuitBreaker,
			fmt.Sprintf("realized %.2f USDT today, limit %.2f", realized, cfg.MaxDailyLoss)), cfg, nil
	}

	// 4. Per-symbol DCA cap.
	if isDCA {
		if openTrade == nil {
			return deny(ReasonNoPosition, "no open trade to layer onto"), cfg, nil
		}
		if openTrade.DCACount+1 > cfg.MaxDCAPerSymbol {
			return deny(ReasonDCALimit,
				fmt.Sprintf("dca layer %d exceeds cap %d", openTrade.DCACount+1, cfg.MaxDCAPerSymbol)), cfg, nil
		}
	}

	// 5. Duplicate open order: a second non-DCA entry while a LIMIT rests.
	if !isDCA {
		orders, err := gw.OpenOrders(ctx, in.Symbol)
		if err != nil {
			return nil, cfg, fmt.Errorf("open orders probe: %w", err)
		}
		for _, o := range orders {
			if o.Type == "LIMIT" {
				return deny(ReasonDuplicateOpenOrder,
					fmt.Sprintf("unfilled entry %s resting on %s", o.OrderID, in.Symbol)), cfg, nil
			}
		}
	}

	// 6. Per-user signal dedup.
	if e.guard != nil && !e.guard.CheckUser(in.UserFingerprint(userID)) {
		return deny(ReasonSignalDedup, "same signal executed for this user within the window"), cfg, nil
	}

	// 7. Stop-loss presence (non-DCA entries must be protected).
	stopLoss := in.StopLoss
	if isDCA && in.NewStopLoss != nil {
		stopLoss = *in.NewStopLoss
	}
	if !isDCA && stopLoss <= 0 {
		return deny(ReasonNoSL, "entry without stop loss"), cfg, nil
	}

	// 8. Direction validity.
	side := in.Side
	if side == "" && openTrade != nil {
		side = signal.Side(openTrade.Side)
	}
	if stopLoss > 0 {
		if side == signal.SideLong && stopLoss >= in.EntryPrice {
			return deny(ReasonWrongDirection, "long stop must sit below entry"), cfg, nil
		}
		if side == signal.SideShort && stopLoss <= in.EntryPrice {
			return deny(ReasonWrongDirection, "short stop must sit above entry"), cfg, nil
		}
	}

	// 9. Price deviation guard.
	mark, err := gw.MarkPrice(ctx, in.Symbol)
	if err != nil {
		return nil, cfg, fmt.Errorf("mark price probe: %w", err)
	}
	if mark > 0 {
		dev := math.Abs(in.EntryPrice-mark) / mark
		if dev > e.maxDeviation {
			return deny(ReasonPriceDeviation,
				fmt.Sprintf("entry %.2f deviates %.1f%% from mark %.2f", in.EntryPrice, dev*100, mark)), cfg, nil
		}
	}

	// 10. Sizing.
	d := e.size(balance, in.EntryPrice, stopLoss, cfg, isDCA)
	d.Balance = balance
	return d, cfg, nil
}

// size applies the three-tier cap and picks the smallest quantity that
// still clears the minimum notional.
func (e *Evaluator) size(balance, entry, stopLoss float64, cfg *EffectiveConfig, isDCA bool) *Decision {
	risk := balance * cfg.RiskPercent
	if isDCA {
		risk *= cfg.DCARiskMultiplier
	}
	dist := math.Abs(entry - stopLoss)
	if dist <= 0 || entry <= 0 {
		return deny(ReasonNoSL, "cannot size without a stop distance")
	}

	qty := risk / dist
	capNote := "risk"

	if entry*qty > cfg.MaxPositionNotional {
		qty = cfg.MaxPositionNotional / entry
		capNote = "notional cap"
	}
	if lev := float64(cfg.Leverage); lev > 0 {
		marginCapQty := cfg.MarginCeiling * balance * lev / entry
		if qty > marginCapQty {
			qty = marginCapQty
			capNote = "margin cap"
		}
	}
	if entry*qty < e.minNotional {
		return deny(ReasonMinNotional,
			fmt.Sprintf("notional %.2f below minimum %.2f", entry*qty, e.minNotional))
	}
	return &Decision{
		Allowed:    true,
		Qty:        qty,
		RiskAmount: risk,
		Rationale:  fmt.Sprintf("qty %.8f sized by %s (risk %.2f USDT, stop distance %.4f)", qty, capNote, risk, dist),
	}
}

func (e *Evaluator) sessionDayStart() time.Time {
	now := e.now().In(e.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
}
