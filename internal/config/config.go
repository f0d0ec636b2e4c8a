// Package config defines the top-level configuration for the updown bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by UPDOWN_* environment variables.
type Config struct {
	Binance     BinanceConfig     `toml:"binance"`
	Polymarket  PolymarketConfig  `toml:"polymarket"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Trading     TradingConfig     `toml:"trading"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Notify      NotifyConfig      `toml:"notify"`
	LogLevel    string            `toml:"log_level"`
}

// BinanceConfig holds kline stream and REST parameters.
type BinanceConfig struct {
	WsHost   string `toml:"ws_host"`
	Interval string `toml:"interval"`
	// HistoryMaxAge bounds the rolling price history by sample age.
	HistoryMaxAge duration `toml:"history_max_age"`
	// HistoryMaxLen bounds the rolling price history by element count.
	HistoryMaxLen int `toml:"history_max_len"`
	// ChangeTolerance is how far from the requested lookback instant a sample
	// may sit and still anchor a percent-change figure.
	ChangeTolerance duration `toml:"change_tolerance"`
	// VolatilityWindow is the number of recent samples used for volatility.
	VolatilityWindow int `toml:"volatility_window"`
	// IncludeOpenCandles derives momentum from every tick instead of closed
	// candles only.
	IncludeOpenCandles bool `toml:"include_open_candles"`
	// BackfillLimit is how many historical klines to preload over REST at
	// startup. 0 disables the backfill.
	BackfillLimit int `toml:"backfill_limit"`
}

// PolymarketConfig holds venue endpoints and API credentials.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
	Wallet        string `toml:"wallet"`
	// QuietThreshold triggers a keepalive probe when no frame arrives for
	// this long.
	QuietThreshold duration `toml:"quiet_threshold"`
	// BookTimeout bounds how long session entry waits for first book data.
	BookTimeout duration `toml:"book_timeout"`
}

// DatabaseConfig holds PostgreSQL connection and durability parameters.
type DatabaseConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	MaxQueue      int      `toml:"max_queue"`
	ProbeInterval duration `toml:"probe_interval"`
	ReconnectMin  duration `toml:"reconnect_min"`
	ReconnectMax  duration `toml:"reconnect_max"`
}

// RedisConfig holds parameters for the optional live mirror. An empty Addr
// disables the mirror entirely.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds parameters for the optional session archive. An empty Bucket
// disables archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds sizing and rebalancing-policy parameters.
type TradingConfig struct {
	// Coins maps tracked coins to their slug prefix and stream symbol, e.g.
	// coin "BTC" -> {slug_prefix = "bitcoin-up-or-down", symbol = "BTCUSDT"}.
	Coins   map[string]CoinConfig `toml:"coins"`
	Shares  float64               `toml:"shares"`
	DryRun  bool                  `toml:"dry_run"`
	// MomentumThreshold is the minimum percent move treated as a discount
	// signal on the short side.
	MomentumThreshold float64 `toml:"momentum_threshold"`
	// PriceOffset is subtracted from both the average entry price and the
	// best ask when computing the rebalance target price.
	PriceOffset float64 `toml:"price_offset"`
	// AggressiveCeiling is the absolute ask ceiling for the aggressive
	// rebalance rule.
	AggressiveCeiling float64 `toml:"aggressive_ceiling"`
	// EarlyCloseMinutes and EarlyCloseProfitPct gate early settlement.
	EarlyCloseMinutes   float64 `toml:"early_close_minutes"`
	EarlyCloseProfitPct float64 `toml:"early_close_profit_pct"`
	MaxPrice            float64 `toml:"max_price"`
	MinConfidence       float64 `toml:"min_confidence"`
}

// CoinConfig binds a tracked coin to its market slug prefix and price symbol.
type CoinConfig struct {
	SlugPrefix string `toml:"slug_prefix"`
	Symbol     string `toml:"symbol"`
}

// CoordinatorConfig holds session scheduling parameters.
type CoordinatorConfig struct {
	TickInterval     duration `toml:"tick_interval"`
	MaxEntryAttempts int      `toml:"max_entry_attempts"`
	EntryBackoffBase duration `toml:"entry_backoff_base"`
	EntryBackoffMax  duration `toml:"entry_backoff_max"`
	// RefreshLead is how long before the earliest window end the one-shot
	// look-ahead discovery fires.
	RefreshLead duration `toml:"refresh_lead"`
	// Timezone is the venue-local zone used to format window slugs.
	Timezone string `toml:"timezone"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Binance: BinanceConfig{
			WsHost:             "wss://stream.binance.com:9443/ws",
			Interval:           "1m",
			HistoryMaxAge:      duration{30 * time.Minute},
			HistoryMaxLen:      120,
			ChangeTolerance:    duration{90 * time.Second},
			VolatilityWindow:   20,
			IncludeOpenCandles: false,
			BackfillLimit:      30,
		},
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			GammaHost:      "https://gamma-api.polymarket.com",
			WsHost:         "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			QuietThreshold: duration{30 * time.Second},
			BookTimeout:    duration{15 * time.Second},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "updownbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			MaxQueue:      500,
			ProbeInterval: duration{10 * time.Second},
			ReconnectMin:  duration{time.Second},
			ReconnectMax:  duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "",
			DB:         0,
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			Coins: map[string]CoinConfig{
				"BTC": {SlugPrefix: "bitcoin-up-or-down", Symbol: "BTCUSDT"},
			},
			Shares:              10,
			DryRun:              true,
			MomentumThreshold:   0.05,
			PriceOffset:         0.02,
			AggressiveCeiling:   0.45,
			EarlyCloseMinutes:   10,
			EarlyCloseProfitPct: 5,
			MaxPrice:            0.65,
			MinConfidence:       0.5,
		},
		Coordinator: CoordinatorConfig{
			TickInterval:     duration{15 * time.Second},
			MaxEntryAttempts: 5,
			EntryBackoffBase: duration{2 * time.Second},
			EntryBackoffMax:  duration{20 * time.Second},
			RefreshLead:      duration{5 * time.Minute},
			Timezone:         "America/New_York",
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Binance
	if c.Binance.WsHost == "" {
		errs = append(errs, "binance: ws_host must not be empty")
	}
	if c.Binance.Interval == "" {
		errs = append(errs, "binance: interval must not be empty")
	}
	if c.Binance.HistoryMaxLen < 2 {
		errs = append(errs, "binance: history_max_len must be >= 2")
	}
	if c.Binance.HistoryMaxAge.Duration <= 0 {
		errs = append(errs, "binance: history_max_age must be positive")
	}
	if c.Binance.VolatilityWindow < 2 {
		errs = append(errs, "binance: volatility_window must be >= 2")
	}

	// Polymarket
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if !c.Trading.DryRun {
		if c.Polymarket.ApiKey == "" || c.Polymarket.ApiSecret == "" || c.Polymarket.ApiPassphrase == "" {
			errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase are required when trading.dry_run is false")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.MaxQueue < 1 {
		errs = append(errs, "database: max_queue must be >= 1")
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}
	if c.Database.ReconnectMin.Duration <= 0 || c.Database.ReconnectMax.Duration < c.Database.ReconnectMin.Duration {
		errs = append(errs, "database: reconnect_min must be positive and reconnect_max >= reconnect_min")
	}

	// S3: bucket set implies credentials present.
	if c.S3.Bucket != "" {
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			errs = append(errs, "s3: access_key and secret_key are required when bucket is set")
		}
	}

	// Trading
	if len(c.Trading.Coins) == 0 {
		errs = append(errs, "trading: at least one coin must be configured")
	}
	for coin, cc := range c.Trading.Coins {
		if cc.SlugPrefix == "" {
			errs = append(errs, fmt.Sprintf("trading: coin %s: slug_prefix must not be empty", coin))
		}
		if cc.Symbol == "" {
			errs = append(errs, fmt.Sprintf("trading: coin %s: symbol must not be empty", coin))
		}
	}
	if c.Trading.Shares <= 0 {
		errs = append(errs, "trading: shares must be > 0")
	}
	if c.Trading.MaxPrice <= 0 || c.Trading.MaxPrice >= 1 {
		errs = append(errs, "trading: max_price must be in (0, 1)")
	}

	// Coordinator
	if c.Coordinator.TickInterval.Duration <= 0 {
		errs = append(errs, "coordinator: tick_interval must be positive")
	}
	if c.Coordinator.MaxEntryAttempts < 1 {
		errs = append(errs, "coordinator: max_entry_attempts must be >= 1")
	}
	if _, err := time.LoadLocation(c.Coordinator.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("coordinator: unknown timezone %q", c.Coordinator.Timezone))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
