// Package scheduler runs the clock-driven jobs: the morning stale-position
// cleanup and the daily report. The daily loss budget needs no job at all,
// its query window advances at local midnight by construction.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"signal-relay/internal/locks"
	"signal-relay/internal/notify"
	"signal-relay/internal/risk"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

const (
	cleanupHour, cleanupMinute = 7, 55
	reportHour, reportMinute   = 8, 0

	// quantityTolerance absorbs exchange rounding when comparing the
	// ledger's remaining quantity with the reported position.
	quantityTolerance = 1e-6
)

// GatewaySource resolves a user's exchange gateway.
type GatewaySource interface {
	ForUser(userID string) (common.Gateway, error)
}

// Publisher is the notification surface.
type Publisher interface {
	Publish(n notify.Notification)
}

// Scheduler owns the daily jobs.
type Scheduler struct {
	ledger   *db.Ledger
	source   GatewaySource
	locks    *locks.Registry
	resolver *risk.Resolver
	notifier Publisher
	loc      *time.Location
	now      func() time.Time
	status   func() string
}

// SetStatusFunc installs the system-status line appended to each daily
// report, typically runtime mode plus pool and stream gauges.
func (s *Scheduler) SetStatusFunc(fn func() string) {
	s.status = fn
}

// New wires the scheduler in the session-day zone.
func New(ledger *db.Ledger, source GatewaySource, reg *locks.Registry, resolver *risk.Resolver, notifier Publisher, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		ledger:   ledger,
		source:   source,
		locks:    reg,
		resolver: resolver,
		notifier: notifier,
		loc:      loc,
		now:      time.Now,
	}
}

// Run fires the cleanup at 07:55 and the report at 08:00 local until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := s.now().In(s.loc)
		nextCleanup := nextAt(now, cleanupHour, cleanupMinute, s.loc)
		nextReport := nextAt(now, reportHour, reportMinute, s.loc)

		next := nextCleanup
		job := "cleanup"
		if nextReport.Before(next) {
			next = nextReport
			job = "report"
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		switch job {
		case "cleanup":
			if err := s.RunCleanup(ctx); err != nil {
				log.Printf("scheduler: cleanup: %v", err)
			}
		case "report":
			if err := s.RunReport(ctx); err != nil {
				log.Printf("scheduler: report: %v", err)
			}
		}
	}
}

// RunCleanup reconciles every OPEN trade against the exchange position.
// A flat exchange position means the ledger missed the close (stream gap);
// the trade is retired with STALE_CLEANUP. A magnitude mismatch is only
// warned about, never auto-corrected.
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	open, err := s.ledger.FindAllOpen()
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}
	cleaned, warned := 0, 0
	for _, trade := range open {
		gw, err := s.source.ForUser(trade.UserID)
		if err != nil {
			log.Printf("scheduler: gateway for %s: %v", trade.UserID, err)
			continue
		}
		pos, err := gw.Position(ctx, trade.Symbol)
		if err != nil {
			log.Printf("scheduler: position probe %s/%s: %v", trade.UserID, trade.Symbol, err)
			continue
		}
		amt := math.Abs(pos.PositionAmt)

		switch {
		case amt < quantityTolerance:
			s.retireStale(trade)
			cleaned++
		case math.Abs(amt-trade.RemainingQty) > quantityTolerance:
			warned++
			s.notifier.Publish(notify.Notification{
				Scope: "user:" + trade.UserID,
				Title: "Position size mismatch: " + trade.Symbol,
				Body: fmt.Sprintf("ledger tracks %.6f but exchange reports %.6f; not auto-corrected",
					trade.RemainingQty, amt),
				Severity: notify.SeverityWarn,
			})
		}
	}
	if cleaned > 0 || warned > 0 {
		log.Printf("scheduler: cleanup retired %d stale trades, %d mismatches", cleaned, warned)
	}
	return nil
}

// retireStale closes a trade the exchange no longer holds. Never-filled
// entries go to CANCELLED, anything that traded goes to CLOSED.
func (s *Scheduler) retireStale(trade *db.Trade) {
	unlock := s.locks.Lock(trade.UserID, trade.Symbol)
	defer unlock()

	// Re-read under the lock: a fill may have closed it meanwhile.
	fresh, err := s.ledger.FindByID(trade.ID)
	if err != nil || fresh.Status != db.StatusOpen {
		return
	}
	now := s.now().UTC()
	fresh.ExitReason = db.ExitStaleCleanup
	fresh.ExitTime = now
	fresh.RemainingQty = 0
	if fresh.TotalClosedQty > 0 {
		fresh.Status = db.StatusClosed
	} else {
		fresh.Status = db.StatusCancelled
	}
	err = s.ledger.UpdateTrade(fresh, &db.TradeEvent{
		TradeID: fresh.ID, EventType: db.EventStaleCleanup, Time: now, Success: true,
		Detail: "exchange reports no position; ledger row retired",
	})
	if err != nil {
		log.Printf("scheduler: retire %s: %v", fresh.ID, err)
		return
	}
	s.notifier.Publish(notify.Notification{
		Scope:    "user:" + fresh.UserID,
		Title:    "Stale trade cleaned up: " + fresh.Symbol,
		Body:     "exchange position is flat; the ledger row was closed as stale",
		Severity: notify.SeverityInfo,
	})
}

// RunReport publishes yesterday's per-user summary.
func (s *Scheduler) RunReport(ctx context.Context) error {
	now := s.now().In(s.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	yesterday := dayStart.AddDate(0, 0, -1)

	closed, err := s.ledger.FindClosedInRange(yesterday, dayStart)
	if err != nil {
		return fmt.Errorf("closed trades: %w", err)
	}
	open, err := s.ledger.FindAllOpen()
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	byUser := make(map[string]*userReport)
	for _, t := range closed {
		r := reportFor(byUser, t.UserID)
		r.closed++
		r.net += t.NetProfit
		if t.NetProfit > 0 {
			r.wins++
		}
	}
	for _, t := range open {
		r := reportFor(byUser, t.UserID)
		r.open = append(r.open, fmt.Sprintf("%s %s %.6f @ %.4f", t.Side, t.Symbol, t.RemainingQty, t.EntryPrice))
	}

	for userID, r := range byUser {
		s.notifier.Publish(notify.Notification{
			Scope:    "user:" + userID,
			Title:    fmt.Sprintf("Daily report %s", yesterday.Format("2006-01-02")),
			Body:     s.reportBody(userID, r, dayStart),
			Severity: notify.SeverityInfo,
		})
	}
	log.Printf("scheduler: daily report sent to %d users (%d closed trades)", len(byUser), len(closed))
	return nil
}

type userReport struct {
	closed int
	wins   int
	net    float64
	open   []string
}

func reportFor(m map[string]*userReport, userID string) *userReport {
	r, ok := m[userID]
	if !ok {
		r = &userReport{}
		m[userID] = r
	}
	return r
}

func (s *Scheduler) reportBody(userID string, r *userReport, dayStart time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "closed: %d (wins %d), net P&L %.2f USDT\n", r.closed, r.wins, r.net)
	if len(r.open) > 0 {
		fmt.Fprintf(&b, "open: %s\n", strings.Join(r.open, "; "))
	} else {
		b.WriteString("open: none\n")
	}
	if s.resolver != nil {
		if cfg, err := s.resolver.Resolve(userID); err == nil && cfg.MaxDailyLoss > 0 {
			realized, err := s.ledger.SumNetProfitClosedSince(userID, dayStart)
			if err == nil {
				used := 0.0
				if realized < 0 {
					used = -realized
				}
				fmt.Fprintf(&b, "loss budget: %.2f of %.2f USDT used\n", used, cfg.MaxDailyLoss)
			}
		}
	}
	if stats, err := s.ledger.UserLifetimeStats(userID); err == nil && stats.Closed > 0 {
		fmt.Fprintf(&b, "all time: %d closed (wins %d), net %.2f USDT\n",
			stats.Closed, stats.Wins, stats.NetProfit)
	}
	if s.status != nil {
		fmt.Fprintf(&b, "system: %s\n", s.status())
	}
	return strings.TrimRight(b.String(), "\n")
}

// nextAt returns the next wall-clock occurrence of hh:mm strictly after now.
func nextAt(now time.Time, hour, minute int, loc *time.Location) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
