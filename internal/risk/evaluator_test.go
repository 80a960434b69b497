package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-relay/internal/dedup"
	"signal-relay/internal/signal"
	"signal-relay/pkg/config"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

type fakeMarket struct {
	balance    float64
	balanceErr error
	mark       float64
	markErr    error
	orders     []common.OpenOrder
	ordersErr  error
}

func (f *fakeMarket) Balance(ctx context.Context, asset string) (*common.Balance, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return &common.Balance{Asset: asset, Total: f.balance, Available: f.balance}, nil
}

func (f *fakeMarket) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return f.mark, f.markErr
}

func (f *fakeMarket) OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	return f.orders, f.ordersErr
}

type fakeLossLedger struct {
	realized float64
	err      error
}

func (f *fakeLossLedger) SumNetProfitClosedSince(userID string, since time.Time) (float64, error) {
	return f.realized, f.err
}

func testEvaluator(realized float64) (*Evaluator, *fakeMarket) {
	globals := config.DefaultTrading()
	globals.AllowedSymbols = []string{"BTCUSDT", "ETHUSDT"}
	resolver := NewResolver(globals, nil, false)
	market := &fakeMarket{balance: 1000, mark: 95000}
	ev := NewEvaluator(resolver, &fakeLossLedger{realized: realized}, dedup.New(true, nil), time.UTC, 5, 0.10)
	return ev, market
}

func longEntry() *signal.Intent {
	return &signal.Intent{
		Action:     signal.ActionEntry,
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		EntryPrice: 95000,
		StopLoss:   93000,
		TakeProfit: 98000,
	}
}

func TestSuccessfulLongEntrySizing(t *testing.T) {
	ev, market := testEvaluator(0)

	d, _, err := ev.Evaluate(context.Background(), "u1", longEntry(), nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("denied: %s %s", d.Reason, d.Details)
	}
	// balance 1000 x 20% = 200 risk; stop distance 2000 -> qty 0.1
	if d.RiskAmount != 200 {
		t.Errorf("risk = %v, want 200", d.RiskAmount)
	}
	if d.Qty != 0.1 {
		t.Errorf("qty = %v, want 0.1", d.Qty)
	}
}

func TestNotionalCapEngages(t *testing.T) {
	globals := config.DefaultTrading()
	globals.AllowedSymbols = []string{"BTCUSDT"}
	globals.MaxPositionUSDT = 9000
	globals.FixedLeverage = 125 // keep margin cap out of the way
	resolver := NewResolver(globals, nil, false)
	ev := NewEvaluator(resolver, &fakeLossLedger{}, dedup.New(true, nil), time.UTC, 5, 0.10)
	market := &fakeMarket{balance: 1000, mark: 95000}

	in := longEntry()
	in.StopLoss = 94750 // stop distance 250 -> risk qty 0.8, notional 76000

	d, _, err := ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("denied: %s", d.Reason)
	}
	want := 9000.0 / 95000.0
	if diff := d.Qty - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("qty = %v, want %v", d.Qty, want)
	}
}

func TestMarginCapShrinks(t *testing.T) {
	globals := config.DefaultTrading()
	globals.AllowedSymbols = []string{"BTCUSDT"}
	globals.FixedLeverage = 2
	resolver := NewResolver(globals, nil, false)
	ev := NewEvaluator(resolver, &fakeLossLedger{}, dedup.New(true, nil), time.UTC, 5, 0.10)
	market := &fakeMarket{balance: 1000, mark: 95000}

	in := longEntry()
	in.StopLoss = 94900 // risk qty would be 2.0; margin cap = 0.9*1000*2/95000

	d, _, err := ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("denied: %s", d.Reason)
	}
	want := 0.9 * 1000 * 2 / 95000.0
	if diff := d.Qty - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("qty = %v, want %v", d.Qty, want)
	}
}

func TestWhitelistDeny(t *testing.T) {
	ev, market := testEvaluator(0)
	in := longEntry()
	in.Symbol = "DOGEUSDT"

	d, _, err := ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonWhitelist {
		t.Errorf("want WHITELIST deny, got %+v", d)
	}
}

func TestBalanceProbeFailsLoud(t *testing.T) {
	ev, market := testEvaluator(0)
	market.balanceErr = errors.New("502")

	_, _, err := ev.Evaluate(context.Background(), "u1", longEntry(), nil, market)
	if err == nil {
		t.Fatal("balance failure must raise, not deny or default to zero")
	}
}

func TestCircuitBreaker(t *testing.T) {
	ev, market := testEvaluator(-2000) // at the default daily loss limit

	d, _, err := ev.Evaluate(context.Background(), "u1", longEntry(), nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonCircuitBreaker {
		t.Errorf("want CIRCUIT_BREAKER, got %+v", d)
	}
}

func TestDCAGates(t *testing.T) {
	ev, market := testEvaluator(0)
	in := longEntry()
	in.Action = signal.ActionDCAEntry

	// No open trade: reject.
	d, _, err := ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonNoPosition {
		t.Errorf("want NO_POSITION_TO_DCA, got %+v", d)
	}

	// Layer count at the cap: reject.
	open := &db.Trade{ID: "t1", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG", DCACount: 3, Status: db.StatusOpen}
	d, _, err = ev.Evaluate(context.Background(), "u1", in, open, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonDCALimit {
		t.Errorf("want DCA_LIMIT, got %+v", d)
	}

	// Within the cap: risk is doubled by the DCA multiplier.
	open.DCACount = 1
	d, _, err = ev.Evaluate(context.Background(), "u1", in, open, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("denied: %s %s", d.Reason, d.Details)
	}
	if d.RiskAmount != 400 {
		t.Errorf("dca risk = %v, want 400", d.RiskAmount)
	}
}

func TestDuplicateOpenOrder(t *testing.T) {
	ev, market := testEvaluator(0)
	market.orders = []common.OpenOrder{{OrderID: "9", Symbol: "BTCUSDT", Type: "LIMIT"}}

	d, _, err := ev.Evaluate(context.Background(), "u1", longEntry(), nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonDuplicateOpenOrder {
		t.Errorf("want DUPLICATE_OPEN_ORDER, got %+v", d)
	}
}

func TestPerUserDedup(t *testing.T) {
	ev, market := testEvaluator(0)
	in := longEntry()

	d, _, err := ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil || !d.Allowed {
		t.Fatalf("first evaluation should pass: %+v %v", d, err)
	}
	d, _, err = ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonSignalDedup {
		t.Errorf("want SIGNAL_DEDUP, got %+v", d)
	}

	// A different user is unaffected.
	d, _, err = ev.Evaluate(context.Background(), "u2", in, nil, market)
	if err != nil || !d.Allowed {
		t.Errorf("other user should pass: %+v %v", d, err)
	}
}

func TestStopLossGates(t *testing.T) {
	ev, market := testEvaluator(0)

	in := longEntry()
	in.StopLoss = 0
	d, _, err := ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonNoSL {
		t.Errorf("want NO_SL, got %+v", d)
	}

	in = longEntry()
	in.StopLoss = 96000 // above entry on a long
	d, _, err = ev.Evaluate(context.Background(), "u1", in, nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonWrongDirection {
		t.Errorf("want WRONG_DIRECTION, got %+v", d)
	}
}

func TestPriceDeviationGuard(t *testing.T) {
	ev, market := testEvaluator(0)
	market.mark = 80000 // entry 95000 deviates ~19%

	d, _, err := ev.Evaluate(context.Background(), "u1", longEntry(), nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonPriceDeviation {
		t.Errorf("want PRICE_DEVIATION, got %+v", d)
	}
}

func TestMinNotionalDeny(t *testing.T) {
	globals := config.DefaultTrading()
	globals.AllowedSymbols = []string{"BTCUSDT"}
	globals.RiskPercent = 0.000001
	resolver := NewResolver(globals, nil, false)
	ev := NewEvaluator(resolver, &fakeLossLedger{}, dedup.New(true, nil), time.UTC, 5, 0.10)
	market := &fakeMarket{balance: 1000, mark: 95000}

	d, _, err := ev.Evaluate(context.Background(), "u1", longEntry(), nil, market)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonMinNotional {
		t.Errorf("want MIN_NOTIONAL, got %+v", d)
	}
}

func TestResolverOverrides(t *testing.T) {
	globals := config.DefaultTrading()
	store := &stubConfigStore{cfg: &db.UserConfig{UserID: "u1"}}
	risk := 0.05
	store.cfg.RiskPercent = &risk
	allowed := "dogeusdt, ethusdt"
	store.cfg.AllowedSymbols = &allowed

	r := NewResolver(globals, store, true)
	eff, err := r.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.RiskPercent != 0.05 {
		t.Errorf("risk = %v", eff.RiskPercent)
	}
	if !eff.Allows("DOGEUSDT") || eff.Allows("BTCUSDT") {
		t.Errorf("allowed set wrong: %+v", eff.AllowedSymbols)
	}
	// Fields without overrides inherit globals.
	if eff.MaxDailyLoss != globals.MaxDailyLossUSDT {
		t.Errorf("daily loss = %v", eff.MaxDailyLoss)
	}

	// Single-user mode ignores overrides outright.
	r = NewResolver(globals, store, false)
	eff, err = r.Resolve("u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.RiskPercent != globals.RiskPercent {
		t.Errorf("single-user risk = %v", eff.RiskPercent)
	}
}

type stubConfigStore struct {
	cfg *db.UserConfig
}

func (s *stubConfigStore) GetUserConfig(userID string) (*db.UserConfig, error) {
	return s.cfg, nil
}
