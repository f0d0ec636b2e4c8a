package domain

import (
	"math"
	"time"
)

// PositionStatus tracks the lifecycle of a position in an hourly market.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusHedged PositionStatus = "hedged"
	PositionStatusClosed PositionStatus = "closed"
)

// Side identifies which outcome token of a binary market a trade touches.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the complementary outcome side.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Position represents holdings in one hourly up/down market. A position may
// hold both outcome tokens at once; UpBalance and DownBalance track the share
// counts per side. CostBasis equals the summed cost of every trade recorded
// against the position.
type Position struct {
	ID             string
	Coin           string
	MarketID       string
	MarketSlug     string
	Side           Side // side of the initial entry
	EntryPrice     float64
	Shares         float64
	CostBasis      float64
	ReferencePrice float64 // underlying price at window open
	WindowEnd      time.Time
	Status         PositionStatus
	UpBalance      float64
	DownBalance    float64
	Confidence     float64
	EntryTime      time.Time
	ExitPrice      *float64
	ExitTime       *time.Time
	PnL            *float64
}

// Imbalance returns the absolute share difference between the two sides.
func (p Position) Imbalance() float64 {
	return math.Abs(p.UpBalance - p.DownBalance)
}

// ShortSide returns the side with the smaller balance and false when the
// position is perfectly balanced.
func (p Position) ShortSide() (Side, bool) {
	switch {
	case p.UpBalance < p.DownBalance:
		return SideUp, true
	case p.DownBalance < p.UpBalance:
		return SideDown, true
	default:
		return "", false
	}
}

// MatchedShares returns the number of complete up/down pairs held. Each pair
// redeems for exactly 1.0 at settlement regardless of outcome.
func (p Position) MatchedShares() float64 {
	return math.Min(p.UpBalance, p.DownBalance)
}
