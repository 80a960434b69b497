package notify

import (
	"sync"
	"testing"
	"time"

	"signal-relay/internal/events"
)

type captureSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (c *captureSink) Deliver(n Notification) error {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notes...)
}

func TestNotifierFiltersBySeverity(t *testing.T) {
	bus := events.NewBus()
	n := New(bus, SeverityWarn)
	sink := &captureSink{}
	n.AddSink(sink)
	n.Start()

	n.Publish(Notification{Scope: "system", Title: "info", Severity: SeverityInfo})
	n.Publish(Notification{Scope: "user:u1", Title: "success", Severity: SeveritySuccess})
	n.Publish(Notification{Scope: "system", Title: "warn", Severity: SeverityWarn})
	n.Publish(Notification{Scope: "user:u1", Title: "error", Severity: SeverityError})
	n.Publish(Notification{Scope: "user:u1", Title: "crit", Severity: SeverityCritical})

	waitFor(t, func() bool { return len(sink.all()) == 3 })
	n.Stop()

	got := sink.all()
	if got[0].Title != "warn" || got[1].Title != "error" || got[2].Title != "crit" {
		t.Errorf("unexpected deliveries: %+v", got)
	}
}

func TestSeverityNames(t *testing.T) {
	want := map[Severity]string{
		SeverityInfo:     "INFO",
		SeveritySuccess:  "SUCCESS",
		SeverityWarn:     "WARN",
		SeverityError:    "ERROR",
		SeverityCritical: "CRITICAL",
	}
	for sev, name := range want {
		if sev.String() != name {
			t.Errorf("%d.String() = %s, want %s", sev, sev.String(), name)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := events.NewBus()
	n := New(bus, SeverityInfo)
	// No Start: nobody consumes. Publishing must still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			n.Publish(Notification{Title: "x", Severity: SeverityInfo})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without a consumer")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
