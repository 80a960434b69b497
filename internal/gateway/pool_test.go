package gateway

import (
	"testing"
	"time"

	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/common"
)

// nullGateway satisfies common.Gateway for pool tests; no call is expected
// to reach the exchange.
type nullGateway struct {
	common.Gateway
	creds common.Credentials
}

func poolFixture(t *testing.T) (*Pool, *db.UserQueries, *crypto.Keyring) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	users := d.Users()

	key := make([]byte, 32)
	sealer, err := crypto.NewSealer(key, 1)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	kr := crypto.NewKeyringFromSealers(sealer)

	factory := func(c common.Credentials) common.Gateway {
		return &nullGateway{creds: c}
	}
	p := NewPool(users, kr, factory, Config{
		MaxSize:          2,
		IdleTimeout:      time.Hour,
		FailureThreshold: 2,
		CircuitTimeout:   time.Minute,
	})
	return p, users, kr
}

func seedUser(t *testing.T, users *db.UserQueries, kr *crypto.Keyring, userID string) {
	t.Helper()
	if err := users.CreateUser(&db.User{ID: userID, Email: userID + "@x.com", PasswordHash: "h", AutoTrade: true, SubscriptionActive: true}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	encKey, _, err := kr.Seal("key-" + userID)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	encSecret, _, err := kr.Seal("secret-" + userID)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	err = users.UpsertConnection(&db.Connection{
		ID: "c-" + userID, UserID: userID, ExchangeType: "binance_futures", Name: "main",
		APIKeyEncrypted: encKey, APISecretEncrypted: encSecret, KeyVersion: 1, IsActive: true,
	})
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
}

func TestForUserDecryptsAndCaches(t *testing.T) {
	p, users, kr := poolFixture(t)
	seedUser(t, users, kr, "u1")

	gw, err := p.ForUser("u1")
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	ng := gw.(*nullGateway)
	if ng.creds.APIKey != "key-u1" || ng.creds.APISecret != "secret-u1" {
		t.Errorf("decrypted creds wrong: %+v", ng.creds)
	}

	gw2, err := p.ForUser("u1")
	if err != nil {
		t.Fatalf("second ForUser: %v", err)
	}
	if gw2 != gw {
		t.Error("expected the cached instance")
	}
}

func TestForUserWithoutCredentials(t *testing.T) {
	p, users, kr := poolFixture(t)
	_ = kr
	if err := users.CreateUser(&db.User{ID: "u9", Email: "u9@x.com", PasswordHash: "h"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.ForUser("u9"); err != ErrNoCredentials {
		t.Errorf("got %v, want ErrNoCredentials", err)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	p, users, kr := poolFixture(t)
	seedUser(t, users, kr, "u1")

	if _, err := p.ForUser("u1"); err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	p.ReportFailure("u1")
	p.ReportFailure("u1")

	if _, err := p.ForUser("u1"); err == nil {
		t.Fatal("expected open circuit")
	}

	p.ReportSuccess("u1")
	if _, err := p.ForUser("u1"); err != nil {
		t.Errorf("circuit should reset on success: %v", err)
	}
}

func TestLRUEviction(t *testing.T) {
	p, users, kr := poolFixture(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		seedUser(t, users, kr, id)
	}

	if _, err := p.ForUser("u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ForUser("u2"); err != nil {
		t.Fatal(err)
	}
	// Touch u1 so u2 is the eviction candidate.
	if _, err := p.ForUser("u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ForUser("u3"); err != nil {
		t.Fatal(err)
	}

	if p.Len() != 2 {
		t.Errorf("pool len = %d, want 2", p.Len())
	}
	// u2 was evicted; requesting it rebuilds rather than erroring.
	if _, err := p.ForUser("u2"); err != nil {
		t.Errorf("rebuild after eviction: %v", err)
	}
}
