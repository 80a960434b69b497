// Package api exposes the relay over HTTP: signal ingestion for the upstream
// parser, account and credential management for users, and read endpoints
// over the trade ledger.
package api

import (
	"context"
	"net/http"
	"time"

	"signal-relay/internal/broadcast"
	"signal-relay/internal/events"
	"signal-relay/internal/monitor"
	"signal-relay/internal/order"
	"signal-relay/internal/risk"
	"signal-relay/internal/signal"
	"signal-relay/pkg/crypto"
	"signal-relay/pkg/db"

	"github.com/gin-gonic/gin"
)

// Broadcaster fans an intent out to every eligible user.
type Broadcaster interface {
	Dispatch(ctx context.Context, in *signal.Intent) (*broadcast.Summary, error)
}

// Executor runs an intent for a single user (manual trades).
type Executor interface {
	ExecuteForUser(ctx context.Context, userID string, in *signal.Intent) order.Outcome
}

// PoolControl is the slice of the gateway pool the API needs.
type PoolControl interface {
	Invalidate(userID string)
	Len() int
}

// StreamControl manages per-user order streams on credential changes.
type StreamControl interface {
	EnsureStream(ctx context.Context, userID string) error
	StopStream(userID string)
	Running() int
}

// SystemMeta describes runtime mode exposed on the status endpoint.
type SystemMeta struct {
	Testnet       bool
	MultiUser     bool
	DefaultSymbol string
	Symbols       []string
	Version       string
}

// Server wires HTTP endpoints around the execution components.
type Server struct {
	Router     *gin.Engine
	DB         *db.Database
	Ledger     *db.Ledger
	Users      *db.UserQueries
	Bus        *events.Bus
	Dispatcher Broadcaster
	Exec       Executor
	Pool       PoolControl
	Streams    StreamControl
	Resolver   *risk.Resolver
	Keyring    *crypto.Keyring
	Metrics    *monitor.Metrics
	JWTSecret  string
	MonitorKey string
	Loc        *time.Location
	Meta       SystemMeta
}

func NewServer(database *db.Database, bus *events.Bus, dispatcher Broadcaster, exec Executor,
	pool PoolControl, streams StreamControl, resolver *risk.Resolver, keyring *crypto.Keyring,
	metrics *monitor.Metrics, meta SystemMeta, jwtSecret, monitorKey string, loc *time.Location) *Server {

	r := gin.New()

	// Middleware stack (order matters)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		Router:     r,
		DB:         database,
		Ledger:     database.Ledger(),
		Users:      database.Users(),
		Bus:        bus,
		Dispatcher: dispatcher,
		Exec:       exec,
		Pool:       pool,
		Streams:    streams,
		Resolver:   resolver,
		Keyring:    keyring,
		Metrics:    metrics,
		JWTSecret:  jwtSecret,
		MonitorKey: monitorKey,
		Loc:        loc,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	// Root-level routes the upstream parser and its clients post to.
	ingestRoot := s.Router.Group("")
	ingestRoot.Use(MonitorKeyMiddleware(s.MonitorKey))
	{
		ingestRoot.POST("/broadcast-trade", SignalRateLimit(), s.broadcastSignal)
		ingestRoot.POST("/heartbeat", s.heartbeat)
	}
	tradeRoot := s.Router.Group("")
	tradeRoot.Use(AuthMiddleware(s.JWTSecret))
	tradeRoot.POST("/execute-trade", TradeRateLimit(), s.executeManual)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Signal ingestion from the upstream parser
		ingest := api.Group("/signal")
		ingest.Use(MonitorKeyMiddleware(s.MonitorKey))
		{
			ingest.POST("/broadcast", SignalRateLimit(), s.broadcastSignal)
			ingest.POST("/heartbeat", s.heartbeat)
		}

		// Protected user API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/execute", TradeRateLimit(), s.executeManual)

			protected.GET("/trades", s.getTrades)
			protected.GET("/trades/:id/events", s.getTradeEvents)
			protected.GET("/positions", s.getPositions)
			protected.GET("/stats/daily", s.getDailyStats)

			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.upsertConnection)
			protected.DELETE("/connections/:id", s.deactivateConnection)

			protected.GET("/config", s.getUserConfig)
			protected.PUT("/config", s.updateUserConfig)
			protected.POST("/account/auto-trade", s.setAutoTrade)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
