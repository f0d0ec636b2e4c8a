package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// SessionStore implements domain.SessionStore on the durable client.
type SessionStore struct {
	client *Client
}

// NewSessionStore creates a SessionStore backed by the given client.
func NewSessionStore(client *Client) *SessionStore {
	return &SessionStore{client: client}
}

var _ domain.SessionStore = (*SessionStore)(nil)

// Upsert inserts or replaces the session row for one hourly window.
func (s *SessionStore) Upsert(ctx context.Context, sess domain.MarketSession) error {
	const query = `
		INSERT INTO sessions (
			id, coin, symbol, market_id, market_slug,
			window_start, window_end, position_id, status, active, pnl, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			position_id = EXCLUDED.position_id,
			status = EXCLUDED.status,
			active = EXCLUDED.active,
			pnl = EXCLUDED.pnl,
			updated_at = NOW()`

	var positionID *string
	if sess.PositionID != "" {
		positionID = &sess.PositionID
	}

	err := s.client.Exec(ctx, query,
		sess.ID, sess.Coin, sess.Symbol, sess.Market.ID, sess.Market.Slug,
		sess.WindowStart, sess.WindowEnd, positionID,
		string(sess.Status), sess.Active, sess.PnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// ListByStatus returns sessions in the given lifecycle state, newest first.
func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus) ([]domain.MarketSession, error) {
	const query = `
		SELECT id, coin, symbol, market_id, market_slug,
			window_start, window_end, position_id, status, active, pnl
		FROM sessions
		WHERE status = $1
		ORDER BY window_end DESC`

	rows, err := s.client.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions by status %s: %w", status, err)
	}
	defer rows.Close()

	var sessions []domain.MarketSession
	for rows.Next() {
		var sess domain.MarketSession
		var st string
		var positionID *string

		if err := rows.Scan(
			&sess.ID, &sess.Coin, &sess.Symbol, &sess.Market.ID, &sess.Market.Slug,
			&sess.WindowStart, &sess.WindowEnd, &positionID, &st, &sess.Active, &sess.PnL,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan session row: %w", err)
		}
		if positionID != nil {
			sess.PositionID = *positionID
		}
		sess.Status = domain.SessionStatus(st)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
