package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the signal relay.
type Config struct {
	Port string

	// Binance futures
	BinanceTestnet bool
	// Global credentials, used only in single-user mode. Multi-user mode
	// resolves per-user credentials from the connections table.
	BinanceAPIKey    string
	BinanceAPISecret string

	// Multi-user mode: when false, per-user overrides are ignored and the
	// global credentials above drive a single-user profile.
	MultiUser bool

	// Worker pools and timeouts
	BroadcastWorkers   int
	ReconcileWorkers   int
	StreamBufferSize   int
	TaskTimeout        time.Duration
	HTTPConnectTimeout time.Duration
	HTTPReadTimeout    time.Duration

	// WebSocket reconnect cap before the reader escalates and stops.
	WSMaxReconnects int

	// Ingestion auth
	MonitorAPIKey string
	JWTSecret     string

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Database
	DBPath string

	// Trading globals (file-backed; env TRADING_CONFIG overrides the path)
	Trading TradingConfig

	// Session-day zone for loss windows and the scheduler.
	Timezone string
}

// TradingConfig holds the global trading defaults; per-user overrides in the
// DB shadow every field except DefaultSymbol and DedupEnabled.
type TradingConfig struct {
	RiskPercent        float64  `yaml:"risk_percent"`
	MaxPositionUSDT    float64  `yaml:"max_position_usdt"`
	MaxDailyLossUSDT   float64  `yaml:"max_daily_loss_usdt"`
	MaxDCAPerSymbol    int      `yaml:"max_dca_per_symbol"`
	DCARiskMultiplier  float64  `yaml:"dca_risk_multiplier"`
	FixedLeverage      int      `yaml:"fixed_leverage"`
	AllowedSymbols     []string `yaml:"allowed_symbols"`
	DefaultSymbol      string   `yaml:"default_symbol"`
	DedupEnabled       bool     `yaml:"dedup_enabled"`
	MinNotionalUSDT    float64  `yaml:"min_notional_usdt"`
	PriceDeviationMax  float64  `yaml:"price_deviation_max"`
	MarginUsageCeiling float64  `yaml:"margin_usage_ceiling"`
}

// DefaultTrading returns the built-in global trading defaults.
func DefaultTrading() TradingConfig {
	return TradingConfig{
		RiskPercent:        0.20,
		MaxPositionUSDT:    50000,
		MaxDailyLossUSDT:   2000,
		MaxDCAPerSymbol:    3,
		DCARiskMultiplier:  2.0,
		FixedLeverage:      20,
		AllowedSymbols:     []string{"BTCUSDT", "ETHUSDT"},
		DefaultSymbol:      "BTCUSDT",
		DedupEnabled:       true,
		MinNotionalUSDT:    5,
		PriceDeviationMax:  0.10,
		MarginUsageCeiling: 0.9,
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/relay.db")
	}

	trading := DefaultTrading()
	if path := getEnv("TRADING_CONFIG", "trading.yaml"); path != "" {
		if err := loadTradingFile(path, &trading); err != nil {
			return nil, err
		}
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		BinanceTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:      os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:   os.Getenv("BINANCE_API_SECRET"),
		MultiUser:          getEnv("MULTI_USER", "true") == "true",
		BroadcastWorkers:   getEnvInt("BROADCAST_WORKERS", 10),
		ReconcileWorkers:   getEnvInt("RECONCILE_WORKERS", 4),
		StreamBufferSize:   getEnvInt("STREAM_BUFFER_SIZE", 1024),
		TaskTimeout:        getEnvDuration("TASK_TIMEOUT", 30*time.Second),
		HTTPConnectTimeout: getEnvDuration("HTTP_CONNECT_TIMEOUT", 10*time.Second),
		HTTPReadTimeout:    getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WSMaxReconnects:    getEnvInt("WS_MAX_RECONNECTS", 20),
		MonitorAPIKey:      os.Getenv("MONITOR_API_KEY"),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		TelegramToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:     getEnvInt64("TELEGRAM_CHAT_ID", 0),
		DBPath:             dbPath,
		Trading:            trading,
		Timezone:           getEnv("TIMEZONE", "Local"),
	}, nil
}

// Location resolves the configured session-day zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// loadTradingFile merges a YAML trading config over the defaults. A missing
// file is not an error; a malformed one is.
func loadTradingFile(path string, out *TradingConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read trading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse trading config %s: %w", path, err)
	}
	for i, s := range out.AllowedSymbols {
		out.AllowedSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
