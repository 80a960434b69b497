// Package events is the in-process pub/sub fabric between the execution
// components and observers (notifier, monitor).
package events

import "sync"

// Event names published on the bus.
type Event string

const (
	EventTradeExecuted    Event = "trade.executed"
	EventTradeClosed      Event = "trade.closed"
	EventTradeFailed      Event = "trade.failed"
	EventProtectionLost   Event = "protection.lost"
	EventRollbackFailed   Event = "rollback.failed"
	EventStreamState      Event = "stream.state"
	EventBroadcastSummary Event = "broadcast.summary"
	EventNotification     Event = "notification"
)

// Bus is a non-blocking channel broker. Slow subscribers lose messages
// rather than stall publishers on the execution path.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener and returns its channel plus an
// unsubscribe function that also closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans the payload out to every subscriber without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// slow subscriber loses this message
		}
	}
}
