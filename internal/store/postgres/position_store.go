package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// PositionStore implements domain.PositionStore on the durable client.
// Writes route through the client's outage queue; reads fail fast while the
// backend is down.
type PositionStore struct {
	client *Client
}

// NewPositionStore creates a PositionStore backed by the given client.
func NewPositionStore(client *Client) *PositionStore {
	return &PositionStore{client: client}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, coin, market_id, market_slug, side,
	entry_price, shares, cost_basis, reference_price, window_end, status,
	up_balance, down_balance, confidence, entry_time, exit_price, exit_time, pnl`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.Coin, &p.MarketID, &p.MarketSlug, &side,
		&p.EntryPrice, &p.Shares, &p.CostBasis, &p.ReferencePrice,
		&p.WindowEnd, &status,
		&p.UpBalance, &p.DownBalance, &p.Confidence,
		&p.EntryTime, &p.ExitPrice, &p.ExitTime, &p.PnL,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, coin, market_id, market_slug, side,
			entry_price, shares, cost_basis, reference_price, window_end, status,
			up_balance, down_balance, confidence, entry_time, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, NOW()
		)`

	err := s.client.Exec(ctx, query,
		p.ID, p.Coin, p.MarketID, p.MarketSlug, string(p.Side),
		p.EntryPrice, p.Shares, p.CostBasis, p.ReferencePrice, p.WindowEnd, string(p.Status),
		p.UpBalance, p.DownBalance, p.Confidence, p.EntryTime,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			status = $2, up_balance = $3, down_balance = $4, cost_basis = $5,
			confidence = $6, exit_price = $7, exit_time = $8, pnl = $9,
			updated_at = NOW()
		WHERE id = $1`

	err := s.client.Exec(ctx, query,
		p.ID, string(p.Status), p.UpBalance, p.DownBalance, p.CostBasis,
		p.Confidence, p.ExitPrice, p.ExitTime, p.PnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	return nil
}

// UpdateBalances sets the per-side holdings and cost basis after a fill.
func (s *PositionStore) UpdateBalances(ctx context.Context, id string, up, down, costBasis float64) error {
	const query = `
		UPDATE positions SET
			up_balance = $2, down_balance = $3, cost_basis = $4, updated_at = NOW()
		WHERE id = $1`

	if err := s.client.Exec(ctx, query, id, up, down, costBasis); err != nil {
		return fmt.Errorf("postgres: update balances for position %s: %w", id, err)
	}
	return nil
}

// Close marks the position closed and records the exit.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, pnl float64) error {
	const query = `
		UPDATE positions SET
			status = $2, exit_price = $3, exit_time = NOW(), pnl = $4, updated_at = NOW()
		WHERE id = $1`

	err := s.client.Exec(ctx, query, id, string(domain.PositionStatusClosed), exitPrice, pnl)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	return nil
}

// GetByID fetches a position by id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := fmt.Sprintf("SELECT %s FROM positions WHERE id = $1", positionSelectCols)

	p, err := scanPositionRow(s.client.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenByCoin fetches the most recent non-closed position for a coin.
func (s *PositionStore) GetOpenByCoin(ctx context.Context, coin string) (domain.Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM positions
		WHERE coin = $1 AND status != $2
		ORDER BY entry_time DESC
		LIMIT 1`, positionSelectCols)

	p, err := scanPositionRow(s.client.QueryRow(ctx, query, coin, string(domain.PositionStatusClosed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get open position for %s: %w", coin, err)
	}
	return p, nil
}
