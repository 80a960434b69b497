// Package notify turns execution events into human-readable alerts and
// delivers them to configured sinks. Publishing never blocks trade flow.
package notify

import (
	"log"
	"sync"

	"signal-relay/internal/events"
)

// Severity orders alerts for sink filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarn
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "SUCCESS"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Notification is one alert. Scope is "user:<id>" for per-user alerts or
// "system" for operator-facing ones.
type Notification struct {
	Scope    string
	Title    string
	Body     string
	Severity Severity
	Tags     []string
}

// Sink delivers notifications somewhere external. Deliver runs on the
// notifier goroutine; it may block briefly but must not panic.
type Sink interface {
	Deliver(n Notification) error
}

// Notifier subscribes to the bus and fans notifications out to sinks.
type Notifier struct {
	bus   *events.Bus
	mu    sync.Mutex
	sinks []Sink
	min   Severity
	stop  func()
	done  chan struct{}
}

// New creates a notifier delivering alerts at or above min severity.
func New(bus *events.Bus, min Severity) *Notifier {
	return &Notifier{bus: bus, min: min, done: make(chan struct{})}
}

// AddSink registers a delivery target.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	n.sinks = append(n.sinks, s)
	n.mu.Unlock()
}

// Publish puts one notification on the bus. Safe from any goroutine, never
// blocks.
func (n *Notifier) Publish(note Notification) {
	n.bus.Publish(events.EventNotification, note)
}

// Start consumes the notification topic until Stop is called.
func (n *Notifier) Start() {
	ch, unsub := n.bus.Subscribe(events.EventNotification, 256)
	n.stop = unsub
	go func() {
		defer close(n.done)
		for payload := range ch {
			note, ok := payload.(Notification)
			if !ok {
				continue
			}
			n.deliver(note)
		}
	}()
}

// Stop unsubscribes and waits for in-flight deliveries.
func (n *Notifier) Stop() {
	if n.stop != nil {
		n.stop()
		<-n.done
	}
}

func (n *Notifier) deliver(note Notification) {
	if note.Severity < n.min {
		return
	}
	log.Printf("notify [%s] %s: %s", note.Severity, note.Title, note.Body)

	n.mu.Lock()
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(note); err != nil {
			log.Printf("notify: sink delivery failed: %v", err)
		}
	}
}
