package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is the latest top-of-book view for one outcome token.
// It is overwritten in place on every book frame and never historized.
type OrderbookSnapshot struct {
	AssetID     string
	BestBid     float64
	BestBidSize float64
	BestAsk     float64
	BestAskSize float64
	Spread      float64
	MidPrice    float64
	Timestamp   time.Time
}

// PricePoint is one sample in a symbol's rolling price history.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}

// MarketData is the derived per-symbol snapshot produced by the price feed:
// latest price, short-horizon momentum figures, volatility, and the reference
// price sampled nearest the start of the current clock window.
type MarketData struct {
	Symbol          string
	CurrentPrice    float64
	PriceChange1m   float64
	PriceChange5m   float64
	PriceChange15m  float64
	Volatility      float64
	WindowOpenPrice float64
	LastUpdate      time.Time
}

// MarketSnapshot is a write-only point-in-time sample persisted every
// rebalance tick for later analysis.
type MarketSnapshot struct {
	Coin       string
	Price      float64
	Change1m   float64
	Change5m   float64
	Change15m  float64
	Volatility float64
	UpBid      float64
	UpAsk      float64
	DownBid    float64
	DownAsk    float64
	CreatedAt  time.Time
}
