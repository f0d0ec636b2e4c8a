package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies UPDOWN_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known UPDOWN_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Binance ──
	setStr(&cfg.Binance.WsHost, "UPDOWN_BINANCE_WS_HOST")
	setStr(&cfg.Binance.Interval, "UPDOWN_BINANCE_INTERVAL")
	setBool(&cfg.Binance.IncludeOpenCandles, "UPDOWN_BINANCE_INCLUDE_OPEN_CANDLES")
	setInt(&cfg.Binance.BackfillLimit, "UPDOWN_BINANCE_BACKFILL_LIMIT")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "UPDOWN_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "UPDOWN_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "UPDOWN_POLYMARKET_WS_HOST")
	setStr(&cfg.Polymarket.ApiKey, "UPDOWN_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "UPDOWN_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "UPDOWN_POLYMARKET_API_PASSPHRASE")
	setStr(&cfg.Polymarket.Wallet, "UPDOWN_POLYMARKET_WALLET")

	// ── Database ──
	setStr(&cfg.Database.DSN, "UPDOWN_DATABASE_DSN")
	setStr(&cfg.Database.Host, "UPDOWN_DATABASE_HOST")
	setInt(&cfg.Database.Port, "UPDOWN_DATABASE_PORT")
	setStr(&cfg.Database.Database, "UPDOWN_DATABASE_NAME")
	setStr(&cfg.Database.User, "UPDOWN_DATABASE_USER")
	setStr(&cfg.Database.Password, "UPDOWN_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "UPDOWN_DATABASE_SSLMODE")
	setBool(&cfg.Database.RunMigrations, "UPDOWN_DATABASE_RUN_MIGRATIONS")
	setInt(&cfg.Database.MaxQueue, "UPDOWN_DATABASE_MAX_QUEUE")
	setDuration(&cfg.Database.ProbeInterval, "UPDOWN_DATABASE_PROBE_INTERVAL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "UPDOWN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "UPDOWN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "UPDOWN_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "UPDOWN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "UPDOWN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "UPDOWN_S3_REGION")
	setStr(&cfg.S3.Bucket, "UPDOWN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "UPDOWN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "UPDOWN_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "UPDOWN_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setFloat64(&cfg.Trading.Shares, "UPDOWN_TRADING_SHARES")
	setBool(&cfg.Trading.DryRun, "UPDOWN_TRADING_DRY_RUN")
	setFloat64(&cfg.Trading.MomentumThreshold, "UPDOWN_TRADING_MOMENTUM_THRESHOLD")
	setFloat64(&cfg.Trading.PriceOffset, "UPDOWN_TRADING_PRICE_OFFSET")
	setFloat64(&cfg.Trading.AggressiveCeiling, "UPDOWN_TRADING_AGGRESSIVE_CEILING")
	setFloat64(&cfg.Trading.MaxPrice, "UPDOWN_TRADING_MAX_PRICE")

	// ── Coordinator ──
	setDuration(&cfg.Coordinator.TickInterval, "UPDOWN_COORDINATOR_TICK_INTERVAL")
	setInt(&cfg.Coordinator.MaxEntryAttempts, "UPDOWN_COORDINATOR_MAX_ENTRY_ATTEMPTS")
	setDuration(&cfg.Coordinator.RefreshLead, "UPDOWN_COORDINATOR_REFRESH_LEAD")
	setStr(&cfg.Coordinator.Timezone, "UPDOWN_COORDINATOR_TIMEZONE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "UPDOWN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "UPDOWN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "UPDOWN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "UPDOWN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "UPDOWN_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
