package domain

import "time"

// TradeAction classifies why a trade row exists.
type TradeAction string

const (
	TradeActionEntry     TradeAction = "entry"
	TradeActionRebalance TradeAction = "rebalance"
	TradeActionSettle    TradeAction = "settle"
)

// Trade is an append-only log row referencing a position. Rows are never
// mutated after insertion; the Executed flag and Error text record the outcome
// of the order attempt at write time.
type Trade struct {
	ID               int64
	PositionID       string
	Side             Side
	Action           TradeAction
	TokenID          string
	Shares           float64
	Price            float64
	Cost             float64
	UpBalanceAfter   float64
	DownBalanceAfter float64
	Reason           string
	Executed         bool
	Error            *string
	CreatedAt        time.Time
}
