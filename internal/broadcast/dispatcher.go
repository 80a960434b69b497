// Package broadcast fans one validated intent out to every eligible user
// through a bounded worker pool. One user's failure never blocks another's
// execution.
package broadcast

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"signal-relay/internal/dedup"
	"signal-relay/internal/events"
	"signal-relay/internal/order"
	"signal-relay/internal/signal"
)

// Executor runs one intent for one user. Implemented by order.Orchestrator.
type Executor interface {
	ExecuteForUser(ctx context.Context, userID string, in *signal.Intent) order.Outcome
}

// Roster lists the users a broadcast reaches.
type Roster interface {
	EligibleUserIDs() ([]string, error)
}

// Summary aggregates one broadcast run.
type Summary struct {
	Fingerprint string          `json:"fingerprint"`
	Deduped     bool            `json:"deduped"`
	Total       int             `json:"total"`
	Executed    int             `json:"executed"`
	Rejected    int             `json:"rejected"`
	Failed      int             `json:"failed"`
	Noop        int             `json:"noop"`
	Results     []order.Outcome `json:"results"`
	Elapsed     time.Duration   `json:"elapsed"`
}

// Dispatcher owns the broadcast worker pool.
type Dispatcher struct {
	exec        Executor
	roster      Roster
	guard       *dedup.Guard
	bus         *events.Bus
	workers     int
	taskTimeout time.Duration
}

// New builds a dispatcher with the given pool width.
func New(exec Executor, roster Roster, guard *dedup.Guard, bus *events.Bus, workers int, taskTimeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 10
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	return &Dispatcher{
		exec:        exec,
		roster:      roster,
		guard:       guard,
		bus:         bus,
		workers:     workers,
		taskTimeout: taskTimeout,
	}
}

// Dispatch validates the intent, gates it through signal-level dedup and
// runs it for every eligible user. In-flight executions are never cancelled
// by the caller going away; each task carries its own timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, in *signal.Intent) (*Summary, error) {
	start := time.Now()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	fp := in.Fingerprint()
	sum := &Summary{Fingerprint: fp}

	if d.guard != nil {
		if in.Action == signal.ActionCancel {
			if !d.guard.CheckCancel(in.CancelKey()) {
				sum.Deduped = true
				sum.Elapsed = time.Since(start)
				return sum, nil
			}
		} else {
			fresh, err := d.guard.CheckSignal(fp)
			if err != nil {
				log.Printf("broadcast: dedup ledger probe failed, proceeding: %v", err)
			}
			if !fresh {
				log.Printf("broadcast: duplicate signal %s suppressed", fp[:12])
				sum.Deduped = true
				sum.Elapsed = time.Since(start)
				return sum, nil
			}
		}
	}

	userIDs, err := d.roster.EligibleUserIDs()
	if err != nil {
		return nil, fmt.Errorf("eligible users: %w", err)
	}
	sum.Total = len(userIDs)
	if len(userIDs) == 0 {
		sum.Elapsed = time.Since(start)
		return sum, nil
	}

	results := make([]order.Outcome, len(userIDs))
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for i, userID := range userIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, uid string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = d.runOne(uid, in)
		}(i, userID)
	}
	wg.Wait()

	for _, r := range results {
		switch r.Status {
		case order.OutcomeExecuted:
			sum.Executed++
		case order.OutcomeRejected:
			sum.Rejected++
		case order.OutcomeFailed:
			sum.Failed++
		default:
			sum.Noop++
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].UserID < results[j].UserID })
	sum.Results = results
	sum.Elapsed = time.Since(start)

	if d.bus != nil {
		d.bus.Publish(events.EventBroadcastSummary, *sum)
	}
	log.Printf("broadcast: %s %s -> %d users: %d executed, %d rejected, %d failed (%s)",
		in.Action, in.Symbol, sum.Total, sum.Executed, sum.Rejected, sum.Failed, sum.Elapsed.Round(time.Millisecond))
	return sum, nil
}

// runOne executes for a single user with panic containment. The task context
// descends from Background, not the request, so an early HTTP disconnect
// cannot orphan half-placed brackets.
func (d *Dispatcher) runOne(userID string, in *signal.Intent) (out order.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broadcast: panic executing for %s: %v\n%s", userID, r, debug.Stack())
			out = order.Outcome{
				UserID: userID,
				Status: order.OutcomeFailed,
				Reason: "PANIC",
				Err:    fmt.Errorf("panic: %v", r),
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.taskTimeout)
	defer cancel()
	return d.exec.ExecuteForUser(ctx, userID, in)
}
