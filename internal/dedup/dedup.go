// Package dedup suppresses repeated signals. Three key tiers share one
// store: signal fingerprints (5 min), per-user fingerprints (5 min), and
// cancel keys (30 s).
package dedup

import (
	"sync"
	"time"
)

const (
	// TTLSignal covers broadcast-level and per-user fingerprints.
	TTLSignal = 5 * time.Minute
	// TTLCancel is short: repeated cancels are usually operator retries.
	TTLCancel = 30 * time.Second

	sweepThreshold = 500
)

// LedgerProbe answers "was this fingerprint executed recently", backing the
// in-memory cache across process restarts.
type LedgerProbe interface {
	ExistsByFingerprintSince(hash string, since time.Time) (bool, error)
}

// Guard is the dedup store. The zero TTL entries never exist; every put
// carries its tier's TTL.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]time.Time // key -> expiry
	enabled bool
	ledger  LedgerProbe
	now     func() time.Time
}

// New builds a Guard. ledger may be nil (no restart persistence).
func New(enabled bool, ledger LedgerProbe) *Guard {
	return &Guard{
		seen:    make(map[string]time.Time),
		enabled: enabled,
		ledger:  ledger,
		now:     time.Now,
	}
}

// CheckSignal is the broadcast-level gate. First call for a fingerprint
// within the TTL returns true (proceed); duplicates return false. The
// ledger probe catches duplicates that predate this process.
func (g *Guard) CheckSignal(fingerprint string) (bool, error) {
	if !g.enabled {
		return true, nil
	}
	if !g.putIfAbsent(fingerprint, TTLSignal) {
		return false, nil
	}
	if g.ledger != nil {
		exists, err := g.ledger.ExistsByFingerprintSince(fingerprint, g.now().Add(-TTLSignal))
		if err != nil {
			// Probe failure fails open: a missed duplicate is cheaper than
			// dropping a live signal.
			return true, err
		}
		if exists {
			return false, nil
		}
	}
	return true, nil
}

// CheckUser is the per-user execution gate.
func (g *Guard) CheckUser(userFingerprint string) bool {
	if !g.enabled {
		return true
	}
	return g.putIfAbsent(userFingerprint, TTLSignal)
}

// CheckCancel gates CANCEL intents on their short window.
func (g *Guard) CheckCancel(cancelKey string) bool {
	if !g.enabled {
		return true
	}
	return g.putIfAbsent(cancelKey, TTLCancel)
}

// Forget drops a key so a failed execution can be retried immediately.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
}

// Len reports live (unexpired) entries.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for _, exp := range g.seen {
		if exp.After(now) {
			n++
		}
	}
	return n
}

// putIfAbsent records key unless a live entry exists. Expired entries are
// reclaimed on touch; a full sweep runs when the map outgrows the threshold.
func (g *Guard) putIfAbsent(key string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false
	}
	g.seen[key] = now.Add(ttl)

	if len(g.seen) > sweepThreshold {
		for k, exp := range g.seen {
			if !exp.After(now) {
				delete(g.seen, k)
			}
		}
	}
	return true
}
