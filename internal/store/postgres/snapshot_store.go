package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore on the durable client.
type SnapshotStore struct {
	client *Client
}

// NewSnapshotStore creates a SnapshotStore backed by the given client.
func NewSnapshotStore(client *Client) *SnapshotStore {
	return &SnapshotStore{client: client}
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// Insert records one market snapshot row.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.MarketSnapshot) error {
	const query = `
		INSERT INTO market_snapshots (
			coin, price, change_1m, change_5m, change_15m, volatility,
			up_bid, up_ask, down_bid, down_ask, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`

	err := s.client.Exec(ctx, query,
		snap.Coin, snap.Price,
		snap.Change1m, snap.Change5m, snap.Change15m, snap.Volatility,
		snap.UpBid, snap.UpAsk, snap.DownBid, snap.DownAsk,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot for %s: %w", snap.Coin, err)
	}
	return nil
}
