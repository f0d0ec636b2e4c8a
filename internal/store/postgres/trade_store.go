package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// TradeStore implements domain.TradeStore on the durable client. Trade rows
// are append-only.
type TradeStore struct {
	client *Client
}

// NewTradeStore creates a TradeStore backed by the given client.
func NewTradeStore(client *Client) *TradeStore {
	return &TradeStore{client: client}
}

var _ domain.TradeStore = (*TradeStore)(nil)

// Insert appends a trade row.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			position_id, side, action, token_id, shares, price, cost,
			up_balance_after, down_balance_after, reason, executed, error, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13
		)`

	err := s.client.Exec(ctx, query,
		t.PositionID, string(t.Side), string(t.Action), t.TokenID,
		t.Shares, t.Price, t.Cost,
		t.UpBalanceAfter, t.DownBalanceAfter,
		t.Reason, t.Executed, t.Error, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade for position %s: %w", t.PositionID, err)
	}
	return nil
}

// ListByPosition returns all trades for a position in insertion order.
func (s *TradeStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	const query = `
		SELECT id, position_id, side, action, token_id, shares, price, cost,
			up_balance_after, down_balance_after, reason, executed, error, created_at
		FROM trades
		WHERE position_id = $1
		ORDER BY id ASC`

	rows, err := s.client.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for position %s: %w", positionID, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, action string

		if err := rows.Scan(
			&t.ID, &t.PositionID, &side, &action, &t.TokenID,
			&t.Shares, &t.Price, &t.Cost,
			&t.UpBalanceAfter, &t.DownBalanceAfter,
			&t.Reason, &t.Executed, &t.Error, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade row: %w", err)
		}
		t.Side = domain.Side(side)
		t.Action = domain.TradeAction(action)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
