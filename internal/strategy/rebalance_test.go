package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func testPolicy() *Policy {
	return NewPolicy(PolicyConfig{
		MomentumThreshold:   0.1,
		PriceOffset:         0.02,
		AggressiveCeiling:   0.60,
		MaxPrice:            0.95,
		EarlyCloseMinutes:   10,
		EarlyCloseProfitPct: 5,
	})
}

func book(ask, askSize float64) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		BestBid: ask - 0.02, BestBidSize: 100,
		BestAsk: ask, BestAskSize: askSize,
		Timestamp: time.Now(),
	}
}

func TestEvaluateBalancedHolds(t *testing.T) {
	p := domain.Position{UpBalance: 5, DownBalance: 5, CostBasis: 9}
	dec := testPolicy().Evaluate(p, domain.MarketData{}, book(0.5, 100), book(0.5, 100))
	assert.False(t, dec.Buy)
	assert.Equal(t, "balanced", dec.Reason)
}

func TestEvaluateBuysShortSideOnDiscount(t *testing.T) {
	// up=6, down=4: imbalance 2, short side is DOWN
	p := domain.Position{UpBalance: 6, DownBalance: 4, CostBasis: 5.0}
	md := domain.MarketData{PriceChange5m: 0.3} // rising underlying discounts DOWN

	// avg entry 0.5, target = max(0.5-0.02, 0.45-0.02) = 0.48
	dec := testPolicy().Evaluate(p, md, book(0.9, 100), book(0.45, 100))
	require.True(t, dec.Buy)
	assert.Equal(t, domain.SideDown, dec.Side)
	assert.InDelta(t, 2.0, dec.Shares, 1e-9)
	assert.InDelta(t, 0.45, dec.Price, 1e-9)
}

func TestEvaluateHoldsWithoutMomentum(t *testing.T) {
	p := domain.Position{UpBalance: 6, DownBalance: 4, CostBasis: 5.0}
	md := domain.MarketData{PriceChange5m: 0.05} // below threshold

	dec := testPolicy().Evaluate(p, md, book(0.9, 100), book(0.45, 100))
	assert.False(t, dec.Buy)
	assert.Contains(t, dec.Reason, "no momentum discount")
}

func TestEvaluateHoldsAboveTargetPrice(t *testing.T) {
	p := domain.Position{UpBalance: 6, DownBalance: 4, CostBasis: 5.0}
	md := domain.MarketData{PriceChange5m: 0.3}

	// target = max(0.5-0.02, 0.55-0.02) = 0.53, ask 0.55 is too high
	dec := testPolicy().Evaluate(p, md, book(0.9, 100), book(0.55, 100))
	assert.False(t, dec.Buy)
	assert.Contains(t, dec.Reason, "above target")
}

func TestEvaluateHoldsWhenAskSizeTooSmall(t *testing.T) {
	p := domain.Position{UpBalance: 6, DownBalance: 4, CostBasis: 5.0}
	md := domain.MarketData{PriceChange5m: 0.3}

	dec := testPolicy().Evaluate(p, md, book(0.9, 100), book(0.45, 1))
	assert.False(t, dec.Buy)
	assert.Contains(t, dec.Reason, "cannot cover")
}

func TestEvaluateAggressiveBypassesMomentum(t *testing.T) {
	// imbalance 6 > half of total 8
	p := domain.Position{UpBalance: 7, DownBalance: 1, CostBasis: 4.0}
	md := domain.MarketData{} // flat momentum

	dec := testPolicy().Evaluate(p, md, book(0.9, 100), book(0.55, 100))
	require.True(t, dec.Buy)
	assert.Equal(t, domain.SideDown, dec.Side)
	assert.InDelta(t, 6.0, dec.Shares, 1e-9)
	assert.Contains(t, dec.Reason, "aggressive")
}

func TestEvaluateAggressiveRespectsCeiling(t *testing.T) {
	p := domain.Position{UpBalance: 7, DownBalance: 1, CostBasis: 4.0}
	md := domain.MarketData{}

	// ask 0.65 above the 0.60 ceiling, and no momentum to fall back on
	dec := testPolicy().Evaluate(p, md, book(0.9, 100), book(0.65, 100))
	assert.False(t, dec.Buy)
}

func TestEvaluateShortSideUp(t *testing.T) {
	p := domain.Position{UpBalance: 4, DownBalance: 6, CostBasis: 5.0}
	md := domain.MarketData{PriceChange5m: -0.3} // falling underlying discounts UP

	dec := testPolicy().Evaluate(p, md, book(0.45, 100), book(0.9, 100))
	require.True(t, dec.Buy)
	assert.Equal(t, domain.SideUp, dec.Side)
}

func TestPayoutPnL(t *testing.T) {
	payout, pnl := PayoutPnL(6, 4, 9.0)
	assert.InDelta(t, 4.0, payout, 1e-9)
	assert.InDelta(t, -5.0, pnl, 1e-9)

	payout, pnl = PayoutPnL(5, 5, 9.0)
	assert.InDelta(t, 5.0, payout, 1e-9)
	assert.InDelta(t, 1.0, pnl, 1e-9)
}

func TestSettlementProfit(t *testing.T) {
	// 4 pairs bought at 0.45+0.45 lock 0.10 per pair
	assert.InDelta(t, 0.4, SettlementProfit(4, 0.45, 0.45), 1e-9)
	// pairs above 1.0 combined lose money
	assert.InDelta(t, -0.2, SettlementProfit(2, 0.55, 0.55), 1e-9)
}

func TestEarlyCloseEligible(t *testing.T) {
	pl := testPolicy()
	now := time.Now()
	end := now.Add(5 * time.Minute)

	// balanced, 5 min left, pnl = 10 - 8.5 = 1.5 > 5% of 20 shares
	p := domain.Position{UpBalance: 10, DownBalance: 10, CostBasis: 8.5}
	assert.True(t, pl.EarlyCloseEligible(p, end, now))

	// imbalanced never eligible
	p.UpBalance = 11
	assert.False(t, pl.EarlyCloseEligible(p, end, now))

	// too far from expiry
	p.UpBalance = 10
	assert.False(t, pl.EarlyCloseEligible(p, now.Add(30*time.Minute), now))

	// profit too thin: pnl = 10 - 9.9 = 0.1, needs > 1.0
	p.CostBasis = 9.9
	assert.False(t, pl.EarlyCloseEligible(p, end, now))
}

func TestMomentumScorerDirection(t *testing.T) {
	s := NewMomentumScorer(0.1)
	up := book(0.5, 100)
	down := book(0.5, 100)

	dec := s.Score(domain.MarketData{PriceChange1m: 0.4, PriceChange5m: 0.2, PriceChange15m: 0.1}, up, down)
	assert.Equal(t, domain.SideUp, dec.Side)
	assert.Greater(t, dec.Confidence, 0.5)

	dec = s.Score(domain.MarketData{PriceChange1m: -0.4, PriceChange5m: -0.2}, up, down)
	assert.Equal(t, domain.SideDown, dec.Side)
}

func TestMomentumScorerNoiseDamping(t *testing.T) {
	s := NewMomentumScorer(0.1)
	up := book(0.5, 100)
	down := book(0.5, 100)

	quiet := s.Score(domain.MarketData{PriceChange1m: 0.06, Volatility: 0}, up, down)
	noisy := s.Score(domain.MarketData{PriceChange1m: 0.06, Volatility: 0.5}, up, down)
	assert.Less(t, noisy.Confidence, quiet.Confidence)
}

func TestMomentumScorerEmptyBookZeroConfidence(t *testing.T) {
	s := NewMomentumScorer(0.1)
	dec := s.Score(domain.MarketData{PriceChange1m: 0.5},
		domain.OrderbookSnapshot{}, book(0.5, 100))
	assert.Equal(t, domain.SideUp, dec.Side)
	assert.Zero(t, dec.Confidence)
}
