package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"signal-relay/internal/broadcast"
	"signal-relay/internal/events"
	"signal-relay/internal/monitor"
	"signal-relay/internal/order"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
	"signal-relay/pkg/config"
	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
)

type fakeDispatcher struct {
	sum *broadcast.Summary
	got *signal.Intent
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, in *signal.Intent) (*broadcast.Summary, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	f.got = in
	if f.sum != nil {
		return f.sum, nil
	}
	return &broadcast.Summary{Fingerprint: in.Fingerprint(), Total: 1, Executed: 1}, nil
}

type fakeExec struct {
	out       order.Outcome
	gotUserID string
	gotIntent *signal.Intent
}

func (f *fakeExec) ExecuteForUser(ctx context.Context, userID string, in *signal.Intent) order.Outcome {
	f.gotUserID = userID
	f.gotIntent = in
	out := f.out
	out.UserID = userID
	return out
}

type fakePool struct {
	invalidated []string
}

func (p *fakePool) Invalidate(userID string) { p.invalidated = append(p.invalidated, userID) }
func (p *fakePool) Len() int                 { return len(p.invalidated) }

type fakeStreams struct {
	ensured []string
	stopped []string
}

func (f *fakeStreams) EnsureStream(ctx context.Context, userID string) error {
	f.ensured = append(f.ensured, userID)
	return nil
}
func (f *fakeStreams) StopStream(userID string) { f.stopped = append(f.stopped, userID) }
func (f *fakeStreams) Running() int             { return len(f.ensured) }

type testEnv struct {
	server     *httptest.Server
	database   *db.Database
	dispatcher *fakeDispatcher
	exec       *fakeExec
	pool       *fakePool
	streams    *fakeStreams
	metrics    *monitor.Metrics
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{7}, 32), 1)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	env := &testEnv{
		database:   database,
		dispatcher: &fakeDispatcher{},
		exec:       &fakeExec{out: order.Outcome{Status: order.OutcomeExecuted, TradeID: "t-1"}},
		pool:       &fakePool{},
		streams:    &fakeStreams{},
		metrics:    monitor.New(),
	}
	resolver := risk.NewResolver(config.DefaultTrading(), database.Users(), true)
	server := NewServer(
		database,
		events.NewBus(),
		env.dispatcher,
		env.exec,
		env.pool,
		env.streams,
		resolver,
		crypto.NewKeyringFromSealers(sealer),
		env.metrics,
		SystemMeta{
			Testnet:       true,
			MultiUser:     true,
			DefaultSymbol: "BTCUSDT",
			Symbols:       []string{"BTCUSDT", "ETHUSDT"},
			Version:       "test",
		},
		"test-secret",
		"monitor-key",
		time.UTC,
	)
	env.server = httptest.NewServer(server.Router)

	t.Cleanup(func() {
		env.server.Close()
		_ = database.Close()
	})
	return env
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func doSignalRequest(t *testing.T, client *http.Client, url, key string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Monitor-Key", key)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL string) (string, string) {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/register", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token, regResp.UserID
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	registerAndLogin(t, client, env.server.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/auth/register", "", map[string]string{
		"email":    "tester@example.com",
		"password": "AnotherPass123!",
	}, &resp)
	if status != http.StatusConflict || resp.Code != "EMAIL_ALREADY_REGISTERED" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	registerAndLogin(t, client, env.server.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "wrong",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/trades", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestBroadcastRequiresMonitorKey(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	payload := map[string]any{"action": "ENTRY", "symbol": "BTCUSDT", "side": "LONG", "entry_price": 100}
	var resp struct {
		Code string `json:"code"`
	}
	status := doSignalRequest(t, client, env.server.URL+"/api/signal/broadcast", "wrong", payload, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_MONITOR_KEY" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestBroadcastDispatchesIntent(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	payload := map[string]any{
		"action": "ENTRY", "symbol": "btcusdt", "side": "LONG",
		"entry_price": 100.0, "stop_loss": 98.0,
	}
	var resp broadcast.Summary
	status := doSignalRequest(t, client, env.server.URL+"/api/signal/broadcast", "monitor-key", payload, &resp)
	if status != http.StatusAccepted {
		t.Fatalf("status=%d", status)
	}
	if env.dispatcher.got == nil || env.dispatcher.got.Symbol != "BTCUSDT" {
		t.Fatalf("dispatched intent = %+v", env.dispatcher.got)
	}
	if resp.Executed != 1 {
		t.Fatalf("summary = %+v", resp)
	}

	snap := env.metrics.GetSnapshot()
	if snap.SignalsReceived != 1 || snap.OrdersExecuted != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestBroadcastRejectsMalformedIntent(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	var resp struct {
		Code string `json:"code"`
	}
	status := doSignalRequest(t, client, env.server.URL+"/api/signal/broadcast", "monitor-key",
		map[string]any{"action": "ENTRY", "symbol": "BTCUSDT"}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_SIGNAL" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestHeartbeatShowsInSystemStatus(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	status := doSignalRequest(t, client, env.server.URL+"/heartbeat", "monitor-key",
		map[string]string{"status": "connected", "aiStatus": "active"}, nil)
	if status != http.StatusOK {
		t.Fatalf("heartbeat status=%d", status)
	}

	var sys struct {
		Mode            string `json:"mode"`
		ParserHeartbeat *struct {
			Note string `json:"note"`
		} `json:"parser_heartbeat"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/system/status", "", nil, &sys)
	if status != http.StatusOK || sys.Mode != "TESTNET" {
		t.Fatalf("status=%d sys=%+v", status, sys)
	}
	if sys.ParserHeartbeat == nil || sys.ParserHeartbeat.Note != "connected, ai active" {
		t.Fatalf("heartbeat missing: %+v", sys)
	}
}

func TestHeartbeatRejectsUnknownStatus(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	var resp struct {
		Code string `json:"code"`
	}
	status := doSignalRequest(t, client, env.server.URL+"/heartbeat", "monitor-key",
		map[string]string{"status": "sleeping"}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_STATUS" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}

	status = doSignalRequest(t, client, env.server.URL+"/api/signal/heartbeat", "monitor-key",
		map[string]string{"status": "connected", "aiStatus": "maybe"}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_AI_STATUS" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestBroadcastTradeRootRoute(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	payload := map[string]any{
		"action": "ENTRY", "symbol": "ethusdt", "side": "SHORT",
		"entry_price": 2500.0, "stop_loss": 2600.0,
	}
	var resp broadcast.Summary
	status := doSignalRequest(t, client, env.server.URL+"/broadcast-trade", "monitor-key", payload, &resp)
	if status != http.StatusAccepted {
		t.Fatalf("status=%d", status)
	}
	if env.dispatcher.got == nil || env.dispatcher.got.Symbol != "ETHUSDT" {
		t.Fatalf("dispatched intent = %+v", env.dispatcher.got)
	}

	var unauth struct {
		Code string `json:"code"`
	}
	status = doSignalRequest(t, client, env.server.URL+"/broadcast-trade", "wrong", payload, &unauth)
	if status != http.StatusUnauthorized || unauth.Code != "INVALID_MONITOR_KEY" {
		t.Fatalf("status=%d code=%s", status, unauth.Code)
	}
}

func TestExecuteTradeRootRoute(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token, userID := registerAndLogin(t, client, env.server.URL)

	var out order.Outcome
	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/execute-trade", token, map[string]any{
		"action": "CLOSE", "symbol": "BTCUSDT",
	}, &out)
	if status != http.StatusOK || out.Status != order.OutcomeExecuted {
		t.Fatalf("status=%d out=%+v", status, out)
	}
	if env.exec.gotUserID != userID {
		t.Fatalf("executed for %s, want %s", env.exec.gotUserID, userID)
	}
}

func TestExecuteManualTagsSourceAndMapsStatus(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token, userID := registerAndLogin(t, client, env.server.URL)

	var out order.Outcome
	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/execute", token, map[string]any{
		"action": "CLOSE", "symbol": "BTCUSDT",
	}, &out)
	if status != http.StatusOK || out.Status != order.OutcomeExecuted {
		t.Fatalf("status=%d out=%+v", status, out)
	}
	if env.exec.gotUserID != userID {
		t.Fatalf("executed for %s, want %s", env.exec.gotUserID, userID)
	}
	if env.exec.gotIntent.Source.Platform != "manual" {
		t.Fatalf("source = %+v", env.exec.gotIntent.Source)
	}

	env.exec.out = order.Outcome{Status: order.OutcomeRejected, Reason: "MAX_DAILY_LOSS"}
	status = doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/execute", token, map[string]any{
		"action": "ENTRY", "symbol": "BTCUSDT", "side": "LONG", "entry_price": 100,
	}, &out)
	if status != http.StatusUnprocessableEntity || out.Reason != "MAX_DAILY_LOSS" {
		t.Fatalf("status=%d out=%+v", status, out)
	}
}

func TestTradesAndPositionsScopedToUser(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token, userID := registerAndLogin(t, client, env.server.URL)

	ledger := env.database.Ledger()
	seed := func(id, owner, status string) {
		tr := &db.Trade{
			ID: id, UserID: owner, Symbol: "BTCUSDT", Side: "LONG",
			EntryPrice: 100, EntryQty: 10, RemainingQty: 10, Status: status,
		}
		if err := ledger.InsertTrade(tr, nil); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("t-mine", userID, db.StatusOpen)
	seed("t-other", "someone-else", db.StatusOpen)

	var trades []struct {
		ID string `json:"id"`
	}
	status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/trades", token, nil, &trades)
	if status != http.StatusOK || len(trades) != 1 || trades[0].ID != "t-mine" {
		t.Fatalf("status=%d trades=%+v", status, trades)
	}

	var positions []struct {
		ID string `json:"id"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/positions", token, nil, &positions)
	if status != http.StatusOK || len(positions) != 1 {
		t.Fatalf("status=%d positions=%+v", status, positions)
	}

	var evResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/trades/t-other/events", token, nil, &evResp)
	if status != http.StatusNotFound {
		t.Fatalf("foreign trade events status=%d", status)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token, userID := registerAndLogin(t, client, env.server.URL)

	var created struct {
		ID string `json:"id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/connections", token, map[string]string{
		"name":       "main",
		"api_key":    "k",
		"api_secret": "s",
	}, &created)
	if status != http.StatusCreated || created.ID == "" {
		t.Fatalf("create status=%d resp=%+v", status, created)
	}
	if len(env.pool.invalidated) != 1 || env.pool.invalidated[0] != userID {
		t.Fatalf("pool not invalidated: %+v", env.pool.invalidated)
	}

	// Stored secrets must be sealed, never plaintext.
	conn, err := env.database.Users().ActiveConnection(userID, "binance_futures")
	if err != nil {
		t.Fatalf("load connection: %v", err)
	}
	if conn.APIKeyEncrypted == "k" || crypto.SealedVersion(conn.APIKeyEncrypted) != 1 {
		t.Fatalf("api key stored unsealed: %q", conn.APIKeyEncrypted)
	}

	var listed []struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/connections", token, nil, &listed)
	if status != http.StatusOK || len(listed) != 1 || listed[0].APIKey != "" {
		t.Fatalf("list status=%d listed=%+v", status, listed)
	}

	status = doJSONRequest(t, client, http.MethodDelete, env.server.URL+"/api/connections/"+created.ID, token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("deactivate status=%d", status)
	}
	if len(env.streams.stopped) == 0 {
		t.Fatal("stream not stopped on deactivation")
	}

	var notFound struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodDelete, env.server.URL+"/api/connections/nope", token, nil, &notFound)
	if status != http.StatusNotFound || notFound.Code != "CONNECTION_NOT_FOUND" {
		t.Fatalf("status=%d code=%s", status, notFound.Code)
	}
}

func TestUserConfigOverridesResolve(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token, _ := registerAndLogin(t, client, env.server.URL)

	status := doJSONRequest(t, client, http.MethodPut, env.server.URL+"/api/config", token, map[string]any{
		"risk_percent":    0.05,
		"leverage":        10,
		"allowed_symbols": []string{"solusdt"},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("put config status=%d", status)
	}

	var resp struct {
		Effective struct {
			RiskPercent    float64  `json:"risk_percent"`
			Leverage       int      `json:"leverage"`
			AllowedSymbols []string `json:"allowed_symbols"`
		} `json:"effective"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/config", token, nil, &resp)
	if status != http.StatusOK {
		t.Fatalf("get config status=%d", status)
	}
	if resp.Effective.RiskPercent != 0.05 || resp.Effective.Leverage != 10 {
		t.Fatalf("effective = %+v", resp.Effective)
	}
	if len(resp.Effective.AllowedSymbols) != 1 || resp.Effective.AllowedSymbols[0] != "SOLUSDT" {
		t.Fatalf("symbols = %+v", resp.Effective.AllowedSymbols)
	}

	var bad struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPut, env.server.URL+"/api/config", token, map[string]any{
		"risk_percent": 1.5,
	}, &bad)
	if status != http.StatusBadRequest || bad.Code != "INVALID_RISK_PERCENT" {
		t.Fatalf("status=%d code=%s", status, bad.Code)
	}
}

func TestAutoTradeStartsStream(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()
	token, userID := registerAndLogin(t, client, env.server.URL)

	status := doJSONRequest(t, client, http.MethodPost, env.server.URL+"/api/account/auto-trade", token,
		map[string]bool{"enabled": true}, nil)
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if len(env.streams.ensured) != 1 || env.streams.ensured[0] != userID {
		t.Fatalf("stream not ensured: %+v", env.streams.ensured)
	}

	user, err := env.database.Users().GetUserByID(userID)
	if err != nil || !user.AutoTrade {
		t.Fatalf("auto trade not persisted: %+v err=%v", user, err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.server.Client()

	var snap monitor.Snapshot
	status := doJSONRequest(t, client, http.MethodGet, env.server.URL+"/api/metrics", "", nil, &snap)
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if snap.GoroutineCount <= 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
