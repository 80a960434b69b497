package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// RateLimiter mirrors the exchange's request-weight window from response
// headers. It observes, it does not gate; ShouldDelay lets callers back off
// voluntarily near the ban threshold.
type RateLimiter struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter tracks usage against limit per resetInterval
// (2400/min for USDT futures).
func NewRateLimiter(limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader ingests the X-MBX-USED-WEIGHT-1M response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	} else if pct >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	}
}

// Usage returns current weight, the configured limit, and percent used.
func (rl *RateLimiter) Usage() (used, limit int, pct float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay reports whether callers should hold non-critical requests.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
