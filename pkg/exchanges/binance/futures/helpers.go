package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// symbolRule is the tradable precision for one symbol.
type symbolRule struct {
	stepSize float64
	tickSize float64
	minQty   float64
}

// symbolRules caches /fapi/v1/exchangeInfo filters. The exchange changes
// filters rarely; one refresh per hour is plenty.
type symbolRules struct {
	mu        sync.RWMutex
	rules     map[string]symbolRule
	fetchedAt time.Time
	ttl       time.Duration
}

func newSymbolRules() *symbolRules {
	return &symbolRules{rules: make(map[string]symbolRule), ttl: time.Hour}
}

func (r *symbolRules) get(symbol string) (symbolRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if time.Since(r.fetchedAt) > r.ttl {
		return symbolRule{}, false
	}
	rule, ok := r.rules[symbol]
	return rule, ok
}

func (r *symbolRules) replace(rules map[string]symbolRule) {
	r.mu.Lock()
	r.rules = rules
	r.fetchedAt = time.Now()
	r.mu.Unlock()
}

// Quantize truncates qty toward zero at stepSize and price at tickSize.
// Rounding up could exceed the intended risk, so truncation only.
func (c *Client) Quantize(ctx context.Context, symbol string, qty, price float64) (float64, float64, error) {
	rule, err := c.ruleFor(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	q := truncateStep(qty, rule.stepSize)
	p := truncateStep(price, rule.tickSize)
	if q < rule.minQty {
		q = 0
	}
	return q, p, nil
}

// MinQty reports the symbol's LOT_SIZE minimum.
func (c *Client) MinQty(ctx context.Context, symbol string) (float64, error) {
	rule, err := c.ruleFor(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return rule.minQty, nil
}

func (c *Client) ruleFor(ctx context.Context, symbol string) (symbolRule, error) {
	if rule, ok := c.rules.get(symbol); ok {
		return rule, nil
	}
	if err := c.refreshExchangeInfo(ctx); err != nil {
		return symbolRule{}, err
	}
	rule, ok := c.rules.get(symbol)
	if !ok {
		return symbolRule{}, fmt.Errorf("symbol %s not in exchange info", symbol)
	}
	return rule, nil
}

func (c *Client) refreshExchangeInfo(ctx context.Context) error {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return err
	}
	var info exchangeInfoResp
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("decode exchange info: %w", err)
	}

	rules := make(map[string]symbolRule, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		var rule symbolRule
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				rule.stepSize = parseF(f.StepSize)
				rule.minQty = parseF(f.MinQty)
			case "PRICE_FILTER":
				rule.tickSize = parseF(f.TickSize)
			}
		}
		rules[s.Symbol] = rule
	}
	c.rules.replace(rules)
	return nil
}

// truncateStep floors v to a multiple of step, working in the step's decimal
// precision to dodge float representation noise.
func truncateStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	prec := stepPrecision(step)
	scaled := math.Floor(v/step+1e-9) * step
	out, _ := strconv.ParseFloat(strconv.FormatFloat(scaled, 'f', prec, 64), 64)
	return out
}

func stepPrecision(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatF(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
