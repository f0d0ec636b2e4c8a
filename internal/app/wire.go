package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/updownbot/internal/blob/s3"
	"github.com/alanyoungcy/updownbot/internal/cache/redis"
	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/coordinator"
	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/notify"
	"github.com/alanyoungcy/updownbot/internal/platform/binance"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
	"github.com/alanyoungcy/updownbot/internal/store/postgres"
	"github.com/alanyoungcy/updownbot/internal/strategy"
)

// Dependencies bundles everything App.Run drives. Constructed by Wire, torn
// down by the returned cleanup function.
type Dependencies struct {
	PriceFeed   *binance.PriceFeed
	Backfiller  *binance.Backfiller
	BookFeed    *polymarket.BookFeed
	Coordinator *coordinator.Coordinator
}

// Wire constructs all concrete dependencies from the configuration and
// returns them with a cleanup function releasing them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// --- Durable store ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:           cfg.Database.DSN,
		Host:          cfg.Database.Host,
		Port:          cfg.Database.Port,
		Database:      cfg.Database.Database,
		User:          cfg.Database.User,
		Password:      cfg.Database.Password,
		SSLMode:       cfg.Database.SSLMode,
		MaxConns:      cfg.Database.PoolMaxConns,
		MinConns:      cfg.Database.PoolMinConns,
		MaxQueue:      cfg.Database.MaxQueue,
		ProbeInterval: cfg.Database.ProbeInterval.Duration,
		ReconnectMin:  cfg.Database.ReconnectMin.Duration,
		ReconnectMax:  cfg.Database.ReconnectMax.Duration,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: run migrations: %w", err)
		}
	}

	positions := postgres.NewPositionStore(pgClient)
	trades := postgres.NewTradeStore(pgClient)
	snapshots := postgres.NewSnapshotStore(pgClient)
	sessions := postgres.NewSessionStore(pgClient)

	// --- Optional live mirror ---
	var mirror domain.SnapshotMirror
	if cfg.Redis.Addr != "" {
		m, err := redis.NewMirror(ctx, redis.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: connect redis: %w", err)
		}
		closers = append(closers, func() { _ = m.Close() })
		mirror = m
	}

	// --- Optional session archive ---
	var archiver coordinator.Archiver
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: connect s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: s3 bucket check: %w", err)
		}
		archiver = s3blob.NewSessionArchiver(s3Client)
	}

	// --- Notifications ---
	var notifier coordinator.Notifier
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	// --- Feeds ---
	priceFeed := binance.NewPriceFeed(binance.FeedConfig{
		WsHost:             cfg.Binance.WsHost,
		Interval:           cfg.Binance.Interval,
		HistoryMaxAge:      cfg.Binance.HistoryMaxAge.Duration,
		HistoryMaxLen:      cfg.Binance.HistoryMaxLen,
		ChangeTolerance:    cfg.Binance.ChangeTolerance.Duration,
		VolatilityWindow:   cfg.Binance.VolatilityWindow,
		IncludeOpenCandles: cfg.Binance.IncludeOpenCandles,
	}, logger)

	bookFeed := polymarket.NewBookFeed(polymarket.BookFeedConfig{
		WsURL:          cfg.Polymarket.WsHost,
		QuietThreshold: cfg.Polymarket.QuietThreshold.Duration,
	}, logger)

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	// --- Order capability ---
	var executor domain.OrderExecutor
	if cfg.Trading.DryRun {
		executor = polymarket.NewPaperExecutor(logger)
	} else {
		executor = polymarket.NewClobClient(cfg.Polymarket.ClobHost, cfg.Polymarket.Wallet, &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		})
	}

	// --- Strategy + coordinator ---
	policy := strategy.NewPolicy(strategy.PolicyConfig{
		MomentumThreshold:   cfg.Trading.MomentumThreshold,
		PriceOffset:         cfg.Trading.PriceOffset,
		AggressiveCeiling:   cfg.Trading.AggressiveCeiling,
		MaxPrice:            cfg.Trading.MaxPrice,
		EarlyCloseMinutes:   cfg.Trading.EarlyCloseMinutes,
		EarlyCloseProfitPct: cfg.Trading.EarlyCloseProfitPct,
	})
	scorer := strategy.NewMomentumScorer(cfg.Trading.MomentumThreshold)

	loc, err := time.LoadLocation(cfg.Coordinator.Timezone)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: load timezone %q: %w", cfg.Coordinator.Timezone, err)
	}

	coins := make(map[string]coordinator.CoinTarget, len(cfg.Trading.Coins))
	for coin, target := range cfg.Trading.Coins {
		coins[coin] = coordinator.CoinTarget{
			SlugPrefix: target.SlugPrefix,
			Symbol:     target.Symbol,
		}
	}

	coord := coordinator.New(coordinator.Config{
		Coins:            coins,
		Shares:           cfg.Trading.Shares,
		MinConfidence:    cfg.Trading.MinConfidence,
		MaxPrice:         cfg.Trading.MaxPrice,
		TickInterval:     cfg.Coordinator.TickInterval.Duration,
		MaxEntryAttempts: cfg.Coordinator.MaxEntryAttempts,
		EntryBackoffBase: cfg.Coordinator.EntryBackoffBase.Duration,
		EntryBackoffMax:  cfg.Coordinator.EntryBackoffMax.Duration,
		RefreshLead:      cfg.Coordinator.RefreshLead.Duration,
		BookTimeout:      cfg.Polymarket.BookTimeout.Duration,
		Timezone:         loc,
	}, coordinator.Deps{
		Prices:    priceFeed,
		Books:     bookFeed,
		Markets:   gamma,
		Executor:  executor,
		Scorer:    scorer,
		Policy:    policy,
		Positions: positions,
		Trades:    trades,
		Snapshots: snapshots,
		Sessions:  sessions,
		Mirror:    mirror,
		Notifier:  notifier,
		Archiver:  archiver,
	}, logger)

	return &Dependencies{
		PriceFeed:   priceFeed,
		Backfiller:  binance.NewBackfiller(),
		BookFeed:    bookFeed,
		Coordinator: coord,
	}, cleanup, nil
}
