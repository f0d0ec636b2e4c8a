package domain

import "context"

// OrderSide is the direction of an order against the venue.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderResult is the venue's answer to an order submission.
type OrderResult struct {
	Success bool
	OrderID string
	Status  string
	Message string
}

// OrderExecutor is the opaque buy/sell capability against the trading venue.
// Signing and submission mechanics live behind this interface.
type OrderExecutor interface {
	Buy(ctx context.Context, tokenID string, price, shares float64) (OrderResult, error)
	Sell(ctx context.Context, tokenID string, price, shares float64) (OrderResult, error)
}

// Decision is the output of a direction scorer for initial entry.
type Decision struct {
	Side       Side
	Confidence float64
	Reason     string
}

// DirectionScorer picks a trade direction for a fresh window. It is a
// pluggable numeric heuristic; the coordinator only consumes the decision.
type DirectionScorer interface {
	Score(md MarketData, upBook, downBook OrderbookSnapshot) Decision
}
