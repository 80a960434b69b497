// Package risk decides, per user and intent, whether to trade and how much.
package risk

import (
	"fmt"
	"strings"

	"signal-relay/pkg/config"
	"signal-relay/pkg/db"
)

// EffectiveConfig is the per-user risk profile after override resolution.
// defaultSymbol and the dedup flag stay global and are not represented here.
type EffectiveConfig struct {
	RiskPercent         float64
	MaxPositionNotional float64
	MaxDailyLoss        float64
	MaxDCAPerSymbol     int
	DCARiskMultiplier   float64
	Leverage            int
	MarginCeiling       float64
	AllowedSymbols      map[string]bool
}

// Allows reports whether symbol passes the whitelist. An empty whitelist
// allows nothing; misconfiguration fails closed.
func (c *EffectiveConfig) Allows(symbol string) bool {
	return c.AllowedSymbols[strings.ToUpper(symbol)]
}

// ConfigStore is the override lookup the resolver needs.
type ConfigStore interface {
	GetUserConfig(userID string) (*db.UserConfig, error)
}

// Resolver merges global trading defaults with DB-backed user overrides.
// In single-user mode overrides are ignored entirely.
type Resolver struct {
	globals   config.TradingConfig
	store     ConfigStore
	multiUser bool
}

// NewResolver builds a resolver. store may be nil in single-user mode.
func NewResolver(globals config.TradingConfig, store ConfigStore, multiUser bool) *Resolver {
	return &Resolver{globals: globals, store: store, multiUser: multiUser}
}

// Resolve computes the user's effective config.
func (r *Resolver) Resolve(userID string) (*EffectiveConfig, error) {
	eff := &EffectiveConfig{
		RiskPercent:         r.globals.RiskPercent,
		MaxPositionNotional: r.globals.MaxPositionUSDT,
		MaxDailyLoss:        r.globals.MaxDailyLossUSDT,
		MaxDCAPerSymbol:     r.globals.MaxDCAPerSymbol,
		DCARiskMultiplier:   r.globals.DCARiskMultiplier,
		Leverage:            r.globals.FixedLeverage,
		MarginCeiling:       r.globals.MarginUsageCeiling,
		AllowedSymbols:      symbolSet(r.globals.AllowedSymbols),
	}
	if eff.MarginCeiling <= 0 || eff.MarginCeiling > 1 {
		eff.MarginCeiling = 0.9
	}
	if !r.multiUser || r.store == nil {
		return eff, nil
	}

	o, err := r.store.GetUserConfig(userID)
	if err != nil {
		return nil, fmt.Errorf("resolve config for %s: %w", userID, err)
	}
	if o == nil {
		return eff, nil
	}
	if o.RiskPercent != nil {
		eff.RiskPercent = *o.RiskPercent
	}
	if o.MaxPositionUSDT != nil {
		eff.MaxPositionNotional = *o.MaxPositionUSDT
	}
	if o.MaxDailyLossUSDT != nil {
		eff.MaxDailyLoss = *o.MaxDailyLossUSDT
	}
	if o.MaxDCAPerSymbol != nil {
		eff.MaxDCAPerSymbol = *o.MaxDCAPerSymbol
	}
	if o.DCARiskMultiplier != nil {
		eff.DCARiskMultiplier = *o.DCARiskMultiplier
	}
	if o.Leverage != nil {
		eff.Leverage = *o.Leverage
	}
	if o.AllowedSymbols != nil {
		eff.AllowedSymbols = symbolSet(strings.Split(*o.AllowedSymbols, ","))
	}
	return eff, nil
}

func symbolSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = true
		}
	}
	return set
}
