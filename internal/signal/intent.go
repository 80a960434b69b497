// Package signal defines the parsed trade intent that enters the relay and
// the fingerprint scheme used for idempotency.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// Action enumerates what an intent asks the relay to do.
type Action string

const (
	ActionEntry    Action = "ENTRY"
	ActionDCAEntry Action = "DCA_ENTRY"
	ActionClose    Action = "CLOSE"
	ActionMoveSL   Action = "MOVE_SL"
	ActionCancel   Action = "CANCEL"
	ActionInfo     Action = "INFO"
)

// Side is the position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Source carries audit-only provenance of the upstream message.
type Source struct {
	Platform  string `json:"platform,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Author    string `json:"author,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Intent is one structured trade instruction, immutable per dispatch.
// Pointer fields distinguish "absent" from zero.
type Intent struct {
	Action        Action   `json:"action"`
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side,omitempty"`
	EntryPrice    float64  `json:"entry_price,omitempty"`
	StopLoss      float64  `json:"stop_loss,omitempty"`
	TakeProfit    float64  `json:"take_profit,omitempty"`
	NewStopLoss   *float64 `json:"new_stop_loss,omitempty"`
	NewTakeProfit *float64 `json:"new_take_profit,omitempty"`
	CloseRatio    *float64 `json:"close_ratio,omitempty"`
	Source        Source   `json:"source,omitempty"`
}

var (
	ErrMissingSymbol   = errors.New("intent: symbol is required")
	ErrMissingSide     = errors.New("intent: side is required")
	ErrBadCloseRatio   = errors.New("intent: close_ratio must be in (0,1]")
	ErrUnknownAction   = errors.New("intent: unknown action")
	ErrUnknownSide     = errors.New("intent: side must be LONG or SHORT")
	ErrNegativePrice   = errors.New("intent: prices must be non-negative")
	ErrMissingEntry    = errors.New("intent: entry_price is required for entries")
	ErrSideDCAOptional = errors.New("intent: side may be omitted only for DCA")
)

// Validate checks structural constraints that hold for every intent,
// regardless of ledger state.
func (in *Intent) Validate() error {
	switch in.Action {
	case ActionEntry, ActionDCAEntry, ActionClose, ActionMoveSL, ActionCancel, ActionInfo:
	default:
		return ErrUnknownAction
	}
	if in.Action != ActionInfo && in.Symbol == "" {
		return ErrMissingSymbol
	}
	in.Symbol = strings.ToUpper(in.Symbol)
	switch in.Side {
	case SideLong, SideShort:
	case "":
		// Side may be omitted for DCA (inferred from the open position)
		// and for non-directional actions.
		if in.Action == ActionEntry {
			return ErrMissingSide
		}
	default:
		return ErrUnknownSide
	}
	if in.EntryPrice < 0 || in.StopLoss < 0 || in.TakeProfit < 0 {
		return ErrNegativePrice
	}
	if (in.Action == ActionEntry || in.Action == ActionDCAEntry) && in.EntryPrice <= 0 {
		return ErrMissingEntry
	}
	if in.CloseRatio != nil && (*in.CloseRatio <= 0 || *in.CloseRatio > 1) {
		return ErrBadCloseRatio
	}
	return nil
}

// sideToken is the side component of a fingerprint: DCA intents hash as the
// literal "DCA" so that layered entries do not collide with the base entry.
func (in *Intent) sideToken() string {
	if in.Action == ActionDCAEntry {
		return "DCA"
	}
	return string(in.Side)
}

// Fingerprint is the signal-layer hash gating broadcast of one intent.
func (in *Intent) Fingerprint() string {
	return hashFields(in.Symbol, in.sideToken(), formatPrice(in.EntryPrice), formatPrice(in.StopLoss))
}

// UserFingerprint scopes the fingerprint to one user so retries of a single
// user's execution are caught without starving other users.
func (in *Intent) UserFingerprint(userID string) string {
	return hashFields(userID, in.Symbol, in.sideToken(), formatPrice(in.EntryPrice), formatPrice(in.StopLoss))
}

// CancelKey is the dedup key for CANCEL intents; plain text, 30s window.
func (in *Intent) CancelKey() string {
	return "CANCEL|" + in.Symbol
}

func formatPrice(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func hashFields(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
