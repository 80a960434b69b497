package stream

import (
	"context"
	"fmt"
	"log"
	"sync"

	"signal-relay/internal/notify"
	"signal-relay/pkg/exchanges/binance/futures"
	"signal-relay/pkg/exchanges/common"
)

// GatewaySource resolves a user's exchange client.
type GatewaySource interface {
	ForUser(userID string) (common.Gateway, error)
}

// Manager owns one user-data stream per user with active credentials.
// Streams reconnect on their own; the manager restarts nothing once a
// stream declares itself dead, it alerts instead.
type Manager struct {
	rec           *Reconciler
	source        GatewaySource
	notifier      Publisher
	maxReconnects int

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires the stream manager.
func NewManager(rec *Reconciler, source GatewaySource, notifier Publisher, maxReconnects int) *Manager {
	return &Manager{
		rec:           rec,
		source:        source,
		notifier:      notifier,
		maxReconnects: maxReconnects,
		running:       make(map[string]context.CancelFunc),
	}
}

// EnsureStream starts the user's stream if it is not already running.
func (m *Manager) EnsureStream(ctx context.Context, userID string) error {
	m.mu.Lock()
	if _, ok := m.running[userID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	gw, err := m.source.ForUser(userID)
	if err != nil {
		return fmt.Errorf("stream for %s: %w", userID, err)
	}
	client, ok := gw.(*futures.Client)
	if !ok {
		return fmt.Errorf("stream for %s: gateway does not expose a user stream", userID)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if _, exists := m.running[userID]; exists {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.running[userID] = cancel
	m.mu.Unlock()

	s := futures.NewStream(client, userID, m.maxReconnects, m.rec.HandlerFor(userID), m.stateCallback(userID))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, userID)
			m.mu.Unlock()
		}()
		if err := s.Run(streamCtx); err != nil && streamCtx.Err() == nil {
			log.Printf("stream: user %s stream terminated: %v", userID, err)
		}
	}()
	return nil
}

// StopStream cancels one user's stream (credentials revoked or rotated).
func (m *Manager) StopStream(userID string) {
	m.mu.Lock()
	cancel, ok := m.running[userID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports active stream count.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Wait blocks until every stream goroutine has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) stateCallback(userID string) func(futures.StreamState, string) {
	return func(state futures.StreamState, detail string) {
		switch state {
		case futures.StreamRecovered:
			m.notifier.Publish(notify.Notification{
				Scope: "user:" + userID, Title: "Order stream recovered",
				Body: detail, Severity: notify.SeverityInfo,
			})
		case futures.StreamDead:
			m.notifier.Publish(notify.Notification{
				Scope: "user:" + userID, Title: "Order stream DEAD, fills are no longer tracked",
				Body: detail + "; restart the relay or fix connectivity", Severity: notify.SeverityCritical,
			})
		}
	}
}
