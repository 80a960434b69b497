// Package gateway binds per-user exchange credentials to client instances.
// The pool keeps recently used clients warm and evicts by LRU; credentials
// are decrypted on demand and never cached in plaintext outside the client.
package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

var (
	ErrNoCredentials = errors.New("gateway: user has no active credentials")
	ErrUnhealthy     = errors.New("gateway: circuit open for this user")
)

// Factory builds a gateway from decrypted credentials.
type Factory func(creds common.Credentials) common.Gateway

// entry is one pooled client with its circuit state.
type entry struct {
	gw       common.Gateway
	userID   string
	lastUsed time.Time
	failures int
	openedAt time.Time // circuit open timestamp, zero when closed
}

// Config tunes the pool.
type Config struct {
	MaxSize          int
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Pool resolves a user's gateway: credential lookup, decryption, client
// construction, caching.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry // userID -> client
	order   []string          // LRU, oldest first

	cfg     Config
	keyring *crypto.Keyring
	users   *db.UserQueries
	factory Factory
	now     func() time.Time
}

// NewPool wires the pool.
func NewPool(users *db.UserQueries, keyring *crypto.Keyring, factory Factory, cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Pool{
		entries: make(map[string]*entry),
		cfg:     cfg,
		keyring: keyring,
		users:   users,
		factory: factory,
		now:     time.Now,
	}
}

// ForUser returns the user's gateway, building it on first use.
func (p *Pool) ForUser(userID string) (common.Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[userID]; ok {
		if e.isOpen(p.now(), p.cfg.CircuitTimeout) {
			return nil, fmt.Errorf("%w: user %s", ErrUnhealthy, userID)
		}
		e.lastUsed = p.now()
		p.touch(userID)
		return e.gw, nil
	}

	conn, err := p.users.ActiveConnection(userID, "binance_futures")
	if err != nil {
		if errors.Is(err, db.ErrConnectionNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	apiKey, err := p.keyring.Open(conn.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key for %s: %w", userID, err)
	}
	apiSecret, err := p.keyring.Open(conn.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret for %s: %w", userID, err)
	}

	gw := p.factory(common.Credentials{APIKey: apiKey, APISecret: apiSecret})
	p.insert(userID, gw)
	return gw, nil
}

// ReportFailure counts an exchange auth/transport failure against the user;
// crossing the threshold opens the circuit for CircuitTimeout.
func (p *Pool) ReportFailure(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[userID]
	if !ok {
		return
	}
	e.failures++
	if e.failures >= p.cfg.FailureThreshold {
		e.openedAt = p.now()
	}
}

// ReportSuccess resets the user's circuit.
func (p *Pool) ReportSuccess(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[userID]; ok {
		e.failures = 0
		e.openedAt = time.Time{}
	}
}

// Invalidate drops the user's cached client (credentials rotated).
func (p *Pool) Invalidate(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remove(userID)
}

// SweepIdle evicts clients unused beyond the idle timeout.
func (p *Pool) SweepIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	removed := 0
	for id, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			p.remove(id)
			removed++
		}
	}
	return removed
}

// Len reports pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (e *entry) isOpen(now time.Time, timeout time.Duration) bool {
	if e.openedAt.IsZero() {
		return false
	}
	if now.Sub(e.openedAt) >= timeout {
		// Half-open: allow a retry, keep failures so one more miss reopens.
		e.openedAt = time.Time{}
		e.failures--
		return false
	}
	return true
}

func (p *Pool) insert(userID string, gw common.Gateway) {
	if len(p.entries) >= p.cfg.MaxSize {
		// Evict the least recently used entry.
		if len(p.order) > 0 {
			p.remove(p.order[0])
		}
	}
	p.entries[userID] = &entry{gw: gw, userID: userID, lastUsed: p.now()}
	p.order = append(p.order, userID)
}

func (p *Pool) remove(userID string) {
	delete(p.entries, userID)
	for i, id := range p.order {
		if id == userID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Pool) touch(userID string) {
	for i, id := range p.order {
		if id == userID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			p.order = append(p.order, userID)
			break
		}
	}
}
