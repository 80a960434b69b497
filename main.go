package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"signal-relay/internal/api"
	"signal-relay/internal/broadcast"
	"signal-relay/internal/dedup"
	"signal-relay/internal/events"
	"signal-relay/internal/gateway"
	"signal-relay/internal/locks"
	"signal-relay/internal/monitor"
	"signal-relay/internal/notify"
	"signal-relay/internal/order"
	"signal-relay/internal/risk"
	"signal-relay/internal/scheduler"
	"signal-relay/internal/stream"
	"signal-relay/pkg/config"
	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"
	"signal-relay/pkg/exchanges/binance/futures"
	"signal-relay/pkg/exchanges/common"
)

const version = "v1.0"

// singleUserID is the fixed account used when multi-user mode is off.
const singleUserID = "local"

// singleSource serves the one fixed-credential gateway in single-user mode.
// It satisfies the same surfaces as the multi-user pool.
type singleSource struct {
	gw common.Gateway
}

func (s singleSource) ForUser(string) (common.Gateway, error) { return s.gw, nil }
func (s singleSource) ReportFailure(string)                   {}
func (s singleSource) ReportSuccess(string)                   {}
func (s singleSource) Invalidate(string)                      {}
func (s singleSource) Len() int                               { return 1 }

type singleRoster struct{}

func (singleRoster) EligibleUserIDs() ([]string, error) { return []string{singleUserID}, nil }

// gatewaySource is the union of the per-component gateway interfaces; both
// the pool and the single-user source satisfy it.
type gatewaySource interface {
	ForUser(userID string) (common.Gateway, error)
	ReportFailure(userID string)
	ReportSuccess(userID string)
	Invalidate(userID string)
	Len() int
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	loc := cfg.Location()
	log.Printf("signal-relay %s starting on :%s (testnet=%v, multi_user=%v)",
		version, cfg.Port, cfg.BinanceTestnet, cfg.MultiUser)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations: %v", err)
	}
	ledger := database.Ledger()
	users := database.Users()

	// Exchange clients share one clock offset and weight window.
	shared := futures.NewShared(cfg.BinanceTestnet)
	factory := func(creds common.Credentials) common.Gateway {
		return futures.NewClient(futures.Config{
			APIKey:         creds.APIKey,
			APISecret:      creds.APISecret,
			Testnet:        cfg.BinanceTestnet,
			ConnectTimeout: cfg.HTTPConnectTimeout,
			ReadTimeout:    cfg.HTTPReadTimeout,
		}, shared)
	}

	var (
		source  gatewaySource
		keyring *crypto.Keyring
		roster  broadcast.Roster
	)
	if cfg.MultiUser {
		keyring, err = crypto.LoadKeyring()
		if err != nil {
			log.Fatalf("keyring: %v (set CREDENTIAL_KEY)", err)
		}
		pool := gateway.NewPool(users, keyring, factory, gateway.DefaultConfig())
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := pool.SweepIdle(); n > 0 {
						log.Printf("gateway pool: evicted %d idle clients", n)
					}
				}
			}
		}()
		source = pool
		roster = users
	} else {
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			log.Fatal("single-user mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
		source = singleSource{gw: factory(common.Credentials{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
		})}
		roster = singleRoster{}
	}

	// Execution fabric
	bus := events.NewBus()
	reg := locks.NewRegistry()
	guard := dedup.New(cfg.Trading.DedupEnabled, ledger)
	resolver := risk.NewResolver(cfg.Trading, users, cfg.MultiUser)
	evaluator := risk.NewEvaluator(resolver, ledger, guard, loc,
		cfg.Trading.MinNotionalUSDT, cfg.Trading.PriceDeviationMax)

	notifier := notify.New(bus, notify.SeverityInfo)
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		sink, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("telegram sink disabled: %v", err)
		} else {
			notifier.AddSink(sink)
			log.Println("telegram notifications enabled")
		}
	}
	notifier.Start()
	defer notifier.Stop()

	orch := order.New(ledger, evaluator, reg, guard, source, bus, notifier, cfg.Trading.DefaultSymbol)
	dispatcher := broadcast.New(orch, roster, guard, bus, cfg.BroadcastWorkers, cfg.TaskTimeout)

	// Fill reconciliation from the user-data streams
	rec := stream.NewReconciler(ledger, reg, bus, notifier, cfg.StreamBufferSize, cfg.ReconcileWorkers)
	rec.Start(ctx)
	streams := stream.NewManager(rec, source, notifier, cfg.WSMaxReconnects)
	startStreams(ctx, streams, roster, ledger)

	// Clock-driven jobs: stale cleanup and the daily report
	sched := scheduler.New(ledger, source, reg, resolver, notifier, loc)
	mode := "MAINNET"
	if cfg.BinanceTestnet {
		mode = "TESTNET"
	}
	sched.SetStatusFunc(func() string {
		return fmt.Sprintf("%s, %d pooled clients, %d streams, %d dropped stream events",
			mode, source.Len(), streams.Running(), rec.Dropped())
	})
	go sched.Run(ctx)

	// Monitoring
	metrics := monitor.New()
	go sampleGauges(ctx, metrics, source, streams, rec)
	go countStreamEvents(ctx, bus, metrics)

	server := api.NewServer(database, bus, dispatcher, orch, source, streams, resolver, keyring,
		metrics, api.SystemMeta{
			Testnet:       cfg.BinanceTestnet,
			MultiUser:     cfg.MultiUser,
			DefaultSymbol: cfg.Trading.DefaultSymbol,
			Symbols:       cfg.Trading.AllowedSymbols,
			Version:       version,
		}, cfg.JWTSecret, cfg.MonitorAPIKey, loc)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	streams.Wait()
	rec.Wait()
}

// startStreams brings up order streams for every user the relay must track:
// the eligible roster plus anyone still holding an open trade.
func startStreams(ctx context.Context, streams *stream.Manager, roster broadcast.Roster, ledger *db.Ledger) {
	want := make(map[string]bool)
	if ids, err := roster.EligibleUserIDs(); err == nil {
		for _, id := range ids {
			want[id] = true
		}
	} else {
		log.Printf("stream bootstrap: roster: %v", err)
	}
	if open, err := ledger.FindAllOpen(); err == nil {
		for _, t := range open {
			want[t.UserID] = true
		}
	} else {
		log.Printf("stream bootstrap: open trades: %v", err)
	}
	for id := range want {
		if err := streams.EnsureStream(ctx, id); err != nil {
			log.Printf("stream bootstrap: user %s: %v", id, err)
		}
	}
	log.Printf("order streams started for %d users", len(want))
}

// sampleGauges refreshes the pool and stream gauges on a fixed cadence.
func sampleGauges(ctx context.Context, metrics *monitor.Metrics, source gatewaySource, streams *stream.Manager, rec *stream.Reconciler) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetPoolState(source.Len(), streams.Running(), rec.Dropped())
		}
	}
}

// countStreamEvents folds reconciler activity into the counters.
func countStreamEvents(ctx context.Context, bus *events.Bus, metrics *monitor.Metrics) {
	closed, unsubClosed := bus.Subscribe(events.EventTradeClosed, 64)
	defer unsubClosed()
	lost, unsubLost := bus.Subscribe(events.EventProtectionLost, 64)
	defer unsubLost()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-closed:
			if !ok {
				return
			}
			metrics.IncrementStreamEvents()
		case _, ok := <-lost:
			if !ok {
				return
			}
			metrics.IncrementStreamEvents()
		}
	}
}
