package domain

import "context"

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	UpdateBalances(ctx context.Context, id string, up, down, costBasis float64) error
	Close(ctx context.Context, id string, exitPrice, pnl float64) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpenByCoin(ctx context.Context, coin string) (Position, error)
}

// TradeStore appends to the immutable trade log.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	ListByPosition(ctx context.Context, positionID string) ([]Trade, error)
}

// SnapshotStore records write-only market snapshots.
type SnapshotStore interface {
	Insert(ctx context.Context, s MarketSnapshot) error
}

// SessionStore persists per-window session records.
type SessionStore interface {
	Upsert(ctx context.Context, s MarketSession) error
	ListByStatus(ctx context.Context, status SessionStatus) ([]MarketSession, error)
}

// SnapshotMirror is a best-effort live mirror of the latest per-coin state
// (e.g. Redis) for external dashboards. Failures are never fatal.
type SnapshotMirror interface {
	SetSnapshot(ctx context.Context, snap MarketSnapshot) error
	SetBook(ctx context.Context, book OrderbookSnapshot) error
}
