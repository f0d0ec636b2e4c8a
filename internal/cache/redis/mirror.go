// Package redis implements the optional live state mirror using go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// mirrorTTL expires stale mirror entries so a dashboard never shows data
// from a dead bot as live.
const mirrorTTL = 2 * time.Minute

// Config holds connection parameters for the mirror.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Mirror implements domain.SnapshotMirror using Redis hashes. It is a
// best-effort sidecar for dashboards; the bot never reads it back.
//
// Key schema:
//
//	snapshot:{coin}  - hash with the latest per-coin market snapshot
//	book:{assetID}   - hash with the latest top-of-book for one token
type Mirror struct {
	rdb *redis.Client
}

var _ domain.SnapshotMirror = (*Mirror)(nil)

// NewMirror dials Redis, verifies connectivity with a ping, and returns the
// mirror.
func NewMirror(ctx context.Context, cfg Config) (*Mirror, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Mirror{rdb: rdb}, nil
}

// Close releases the connection pool.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}

func snapshotKey(coin string) string { return "snapshot:" + coin }
func bookKey(assetID string) string  { return "book:" + assetID }

func f64(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// SetSnapshot overwrites the latest snapshot hash for a coin.
func (m *Mirror) SetSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	key := snapshotKey(snap.Coin)
	fields := map[string]interface{}{
		"price":      f64(snap.Price),
		"change_1m":  f64(snap.Change1m),
		"change_5m":  f64(snap.Change5m),
		"change_15m": f64(snap.Change15m),
		"volatility": f64(snap.Volatility),
		"up_bid":     f64(snap.UpBid),
		"up_ask":     f64(snap.UpAsk),
		"down_bid":   f64(snap.DownBid),
		"down_ask":   f64(snap.DownAsk),
		"ts":         strconv.FormatInt(snap.CreatedAt.UnixNano(), 10),
	}
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: mirror snapshot %s: %w", snap.Coin, err)
	}
	return nil
}

// SetBook overwrites the latest top-of-book hash for an asset.
func (m *Mirror) SetBook(ctx context.Context, book domain.OrderbookSnapshot) error {
	key := bookKey(book.AssetID)
	fields := map[string]interface{}{
		"best_bid":      f64(book.BestBid),
		"best_bid_size": f64(book.BestBidSize),
		"best_ask":      f64(book.BestAsk),
		"best_ask_size": f64(book.BestAskSize),
		"spread":        f64(book.Spread),
		"mid":           f64(book.MidPrice),
		"ts":            strconv.FormatInt(book.Timestamp.UnixNano(), 10),
	}
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: mirror book %s: %w", book.AssetID, err)
	}
	return nil
}
