package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"signal-relay/internal/locks"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/pkg/config"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

type positionGateway struct {
	common.Gateway
	positions map[string]float64
}

func (g *positionGateway) Position(ctx context.Context, symbol string) (*common.Position, error) {
	return &common.Position{Symbol: symbol, PositionAmt: g.positions[symbol]}, nil
}

type singleSource struct{ gw common.Gateway }

func (s singleSource) ForUser(userID string) (common.Gateway, error) { return s.gw, nil }

type captureNotifier struct {
	notes []notify.Notification
}

func (c *captureNotifier) Publish(n notify.Notification) { c.notes = append(c.notes, n) }

func schedulerFixture(t *testing.T, gw common.Gateway) (*Scheduler, *db.Ledger, *captureNotifier) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ledger := d.Ledger()
	notifier := &captureNotifier{}
	resolver := risk.NewResolver(config.DefaultTrading(), nil, false)
	s := New(ledger, singleSource{gw: gw}, locks.NewRegistry(), resolver, notifier, time.UTC)
	return s, ledger, notifier
}

func seedTrade(t *testing.T, ledger *db.Ledger, tr *db.Trade) {
	t.Helper()
	if tr.Status == "" {
		tr.Status = db.StatusOpen
	}
	if err := ledger.InsertTrade(tr, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCleanupRetiresFlatPositions(t *testing.T) {
	gw := &positionGateway{positions: map[string]float64{"BTCUSDT": 0, "ETHUSDT": 5}}
	s, ledger, _ := schedulerFixture(t, gw)

	// Flat on the exchange but closed quantity recorded: missed stream close.
	seedTrade(t, ledger, &db.Trade{
		ID: "t-flat", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 100, EntryQty: 10, TotalClosedQty: 10, RemainingQty: 10,
	})
	// Healthy: exchange matches the ledger.
	seedTrade(t, ledger, &db.Trade{
		ID: "t-live", UserID: "u1", Symbol: "ETHUSDT", Side: "LONG",
		EntryPrice: 50, EntryQty: 5, RemainingQty: 5,
	})

	if err := s.RunCleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	flat, _ := ledger.FindByID("t-flat")
	if flat.Status != db.StatusClosed || flat.ExitReason != db.ExitStaleCleanup {
		t.Errorf("flat trade = %+v", flat)
	}
	evs, _ := ledger.EventsByTrade("t-flat")
	found := false
	for _, e := range evs {
		if e.EventType == db.EventStaleCleanup {
			found = true
		}
	}
	if !found {
		t.Error("expected STALE_CLEANUP event")
	}

	live, _ := ledger.FindByID("t-live")
	if live.Status != db.StatusOpen {
		t.Errorf("live trade must stay open, got %s", live.Status)
	}
}

func TestCleanupCancelsNeverFilledEntry(t *testing.T) {
	gw := &positionGateway{positions: map[string]float64{}}
	s, ledger, _ := schedulerFixture(t, gw)
	seedTrade(t, ledger, &db.Trade{
		ID: "t-unfilled", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 100, EntryQty: 10, RemainingQty: 10,
	})

	if err := s.RunCleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	got, _ := ledger.FindByID("t-unfilled")
	if got.Status != db.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED for a never-filled entry", got.Status)
	}
}

func TestCleanupWarnsOnMismatchWithoutCorrecting(t *testing.T) {
	gw := &positionGateway{positions: map[string]float64{"BTCUSDT": 3}}
	s, ledger, notifier := schedulerFixture(t, gw)
	seedTrade(t, ledger, &db.Trade{
		ID: "t-1", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 100, EntryQty: 10, RemainingQty: 10,
	})

	if err := s.RunCleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	got, _ := ledger.FindByID("t-1")
	if got.Status != db.StatusOpen || got.RemainingQty != 10 {
		t.Errorf("mismatch must not mutate the trade: %+v", got)
	}
	warned := false
	for _, n := range notifier.notes {
		if n.Severity == notify.SeverityWarn && strings.Contains(n.Title, "mismatch") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("notes = %+v", notifier.notes)
	}
}

func TestDailyReportSummarizesYesterday(t *testing.T) {
	gw := &positionGateway{positions: map[string]float64{}}
	s, ledger, notifier := schedulerFixture(t, gw)
	s.now = func() time.Time { return time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC) }
	s.SetStatusFunc(func() string { return "TESTNET, 1 pooled clients, 1 streams, 0 dropped stream events" })

	yesterday := time.Date(2026, 8, 23, 14, 0, 0, 0, time.UTC)
	seedTrade(t, ledger, &db.Trade{
		ID: "t-won", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 100, EntryQty: 10, Status: db.StatusClosed,
		ExitTime: yesterday, GrossProfit: 120, Commission: 5, NetProfit: 115,
	})
	seedTrade(t, ledger, &db.Trade{
		ID: "t-lost", UserID: "u1", Symbol: "ETHUSDT", Side: "SHORT",
		EntryPrice: 50, EntryQty: 10, Status: db.StatusClosed,
		ExitTime: yesterday, GrossProfit: -40, Commission: 5, NetProfit: -45,
	})
	// Closed outside the window: not in the report.
	seedTrade(t, ledger, &db.Trade{
		ID: "t-old", UserID: "u1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 90, EntryQty: 1, Status: db.StatusClosed,
		ExitTime: yesterday.AddDate(0, 0, -3), NetProfit: 999,
	})
	seedTrade(t, ledger, &db.Trade{
		ID: "t-open", UserID: "u1", Symbol: "BNBUSDT", Side: "LONG",
		EntryPrice: 10, EntryQty: 2, RemainingQty: 2,
	})

	if err := s.RunReport(context.Background()); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("notes = %+v", notifier.notes)
	}
	body := notifier.notes[0].Body
	if !strings.Contains(body, "closed: 2 (wins 1)") {
		t.Errorf("body = %q", body)
	}
	if !strings.Contains(body, "70.00") {
		t.Errorf("net should be 70.00, body = %q", body)
	}
	if !strings.Contains(body, "BNBUSDT") {
		t.Errorf("open position missing, body = %q", body)
	}
	if !strings.Contains(body, "loss budget") {
		t.Errorf("loss budget missing, body = %q", body)
	}
	// All-time aggregate spans the out-of-window trade too: 3 closed, 2 wins.
	if !strings.Contains(body, "all time: 3 closed (wins 2), net 1069.00 USDT") {
		t.Errorf("lifetime stats missing, body = %q", body)
	}
	if !strings.Contains(body, "system: TESTNET") {
		t.Errorf("system status missing, body = %q", body)
	}
}

func TestNextAtRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	next := nextAt(now, 7, 55, time.UTC)
	want := time.Date(2026, 8, 25, 7, 55, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	before := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	next = nextAt(before, 7, 55, time.UTC)
	want = time.Date(2026, 8, 24, 7, 55, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}
