package order

import (
	"signal-relay/internal/notify"
	"signal-relay/pkg/exchanges/common"
)

// OutcomeStatus classifies one user's execution result.
type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "EXECUTED"
	OutcomeRejected OutcomeStatus = "REJECTED" // deterministic risk refusal
	OutcomeFailed   OutcomeStatus = "FAILED"   // error during execution
	OutcomeNoop     OutcomeStatus = "NOOP"     // nothing to do (e.g. CANCEL with no orders)
)

// Outcome is the per-user result the dispatcher aggregates.
type Outcome struct {
	UserID  string        `json:"user_id"`
	Status  OutcomeStatus `json:"status"`
	Reason  string        `json:"reason,omitempty"`
	Details string        `json:"details,omitempty"`
	TradeID string        `json:"trade_id,omitempty"`
	Err     error         `json:"-"`
}

// GatewaySource resolves a user's exchange gateway and tracks its health.
type GatewaySource interface {
	ForUser(userID string) (common.Gateway, error)
	ReportFailure(userID string)
	ReportSuccess(userID string)
}

// Publisher is the notification surface the orchestrator emits on.
type Publisher interface {
	Publish(n notify.Notification)
}

// Commission estimates written at placement time; the stream reconciler
// replaces them with exchange-reported values.
const (
	makerFeeRate = 0.0002
	takerFeeRate = 0.0004
)
