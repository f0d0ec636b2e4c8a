package domain

import "time"

// Market describes one hourly up/down market fetched from the venue.
type Market struct {
	ID          string
	Question    string
	Slug        string
	ConditionID string
	// TokenIDs holds the outcome token ids in [up, down] order.
	TokenIDs  [2]string
	Active    bool
	Closed    bool
	WindowEnd time.Time
}

// UpTokenID returns the token id for the "Up" outcome.
func (m Market) UpTokenID() string { return m.TokenIDs[0] }

// DownTokenID returns the token id for the "Down" outcome.
func (m Market) DownTokenID() string { return m.TokenIDs[1] }

// SessionStatus is the lifecycle state of a per-market trading session.
type SessionStatus string

const (
	SessionStatusDiscovering SessionStatus = "discovering"
	SessionStatusEntering    SessionStatus = "entering"
	SessionStatusRebalancing SessionStatus = "rebalancing"
	SessionStatusClosed      SessionStatus = "closed"
	SessionStatusFailed      SessionStatus = "failed"
)

// MarketSession is the in-memory handle for one tracked hourly window. It is
// created at discovery and goes inactive at window end or after an
// irrecoverable entry failure.
type MarketSession struct {
	ID          string
	Coin        string
	Symbol      string // underlying price-stream symbol, e.g. "BTCUSDT"
	Market      Market
	WindowStart time.Time
	WindowEnd   time.Time
	PositionID  string
	Status      SessionStatus
	Active      bool
	PnL         float64
}
