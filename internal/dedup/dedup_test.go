package dedup

import (
	"fmt"
	"testing"
	"time"
)

type fakeProbe struct {
	exists bool
	err    error
	calls  int
}

func (f *fakeProbe) ExistsByFingerprintSince(hash string, since time.Time) (bool, error) {
	f.calls++
	return f.exists, f.err
}

func TestSignalDedupWindow(t *testing.T) {
	g := New(true, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	ok, _ := g.CheckSignal("fp1")
	if !ok {
		t.Fatal("first signal must pass")
	}
	ok, _ = g.CheckSignal("fp1")
	if ok {
		t.Error("duplicate inside window must be dropped")
	}

	// Advance past the TTL: the fingerprint is live again.
	now = now.Add(TTLSignal + time.Second)
	ok, _ = g.CheckSignal("fp1")
	if !ok {
		t.Error("expired fingerprint must pass")
	}
}

func TestLedgerProbeBlocksAcrossRestart(t *testing.T) {
	probe := &fakeProbe{exists: true}
	g := New(true, probe)

	ok, err := g.CheckSignal("fp1")
	if err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if ok {
		t.Error("ledger hit must suppress the signal")
	}
	if probe.calls != 1 {
		t.Errorf("probe calls = %d", probe.calls)
	}
}

func TestProbeFailureFailsOpen(t *testing.T) {
	probe := &fakeProbe{err: fmt.Errorf("db down")}
	g := New(true, probe)

	ok, err := g.CheckSignal("fp1")
	if err == nil {
		t.Error("probe error should surface")
	}
	if !ok {
		t.Error("probe failure must not drop the signal")
	}
}

func TestUserAndCancelTiersIndependent(t *testing.T) {
	g := New(true, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	if !g.CheckUser("u1|fp") {
		t.Fatal("first user check must pass")
	}
	if g.CheckUser("u1|fp") {
		t.Error("duplicate user check must fail")
	}
	// Same fingerprint for another user is independent.
	if !g.CheckUser("u2|fp") {
		t.Error("other user must pass")
	}

	if !g.CheckCancel("CANCEL|BTCUSDT") {
		t.Fatal("first cancel must pass")
	}
	if g.CheckCancel("CANCEL|BTCUSDT") {
		t.Error("cancel repeat inside 30s must fail")
	}
	now = now.Add(TTLCancel + time.Second)
	if !g.CheckCancel("CANCEL|BTCUSDT") {
		t.Error("cancel after window must pass")
	}
}

func TestDisabledGuardPassesEverything(t *testing.T) {
	g := New(false, &fakeProbe{exists: true})
	for i := 0; i < 3; i++ {
		if ok, _ := g.CheckSignal("fp"); !ok {
			t.Fatal("disabled guard must pass")
		}
		if !g.CheckUser("u") || !g.CheckCancel("c") {
			t.Fatal("disabled guard must pass all tiers")
		}
	}
}

func TestForgetAllowsRetry(t *testing.T) {
	g := New(true, nil)
	if !g.CheckUser("u1|fp") {
		t.Fatal("first check")
	}
	g.Forget("u1|fp")
	if !g.CheckUser("u1|fp") {
		t.Error("forgotten key must pass again")
	}
}

func TestSweepBoundsMemory(t *testing.T) {
	g := New(true, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	for i := 0; i < sweepThreshold; i++ {
		g.CheckUser(fmt.Sprintf("k%d", i))
	}
	// Expire them all, then add enough to cross the threshold.
	now = now.Add(TTLSignal + time.Second)
	for i := 0; i < 10; i++ {
		g.CheckUser(fmt.Sprintf("fresh%d", i))
	}

	g.mu.Lock()
	size := len(g.seen)
	g.mu.Unlock()
	if size > sweepThreshold {
		t.Errorf("map not swept: %d entries", size)
	}
}
