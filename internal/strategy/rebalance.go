// Package strategy holds the pure trading rules: the rebalancing policy that
// keeps a two-sided position balanced, the settlement arithmetic, and the
// momentum scorer used for initial direction picks. Nothing here touches the
// network or the store.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// PolicyConfig tunes the rebalancing rules.
type PolicyConfig struct {
	// MomentumThreshold is the minimum short-horizon percent move that
	// counts as a discount signal on the short side.
	MomentumThreshold float64
	// PriceOffset is subtracted from the reference price when computing the
	// maximum acceptable ask.
	PriceOffset float64
	// AggressiveCeiling is the absolute ask ceiling for the aggressive rule.
	AggressiveCeiling float64
	// MaxPrice caps any rebalancing buy regardless of rule.
	MaxPrice float64
	// EarlyCloseMinutes is the remaining-window threshold below which a
	// balanced profitable position may settle early.
	EarlyCloseMinutes float64
	// EarlyCloseProfitPct is the locked profit, as a percent of total held
	// shares, required for early close.
	EarlyCloseProfitPct float64
}

// RebalanceDecision is the outcome of one policy evaluation. Buy is false
// for a hold; Reason is always set.
type RebalanceDecision struct {
	Buy    bool
	Side   domain.Side
	Shares float64
	Price  float64
	Reason string
}

func hold(reason string) RebalanceDecision {
	return RebalanceDecision{Reason: reason}
}

// Policy is the pure rebalancing rule set. It is stateless; every input
// arrives as an argument.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy creates a Policy with the given tuning.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Evaluate decides whether to buy shares of the short side of p given the
// current underlying momentum and both outcome books.
func (pl *Policy) Evaluate(p domain.Position, md domain.MarketData, upBook, downBook domain.OrderbookSnapshot) RebalanceDecision {
	imbalance := p.Imbalance()
	if imbalance == 0 {
		return hold("balanced")
	}

	side, ok := p.ShortSide()
	if !ok {
		return hold("balanced")
	}

	book := upBook
	if side == domain.SideDown {
		book = downBook
	}
	if book.BestAsk <= 0 {
		return hold(fmt.Sprintf("no ask on %s side", side))
	}
	if book.BestAsk > pl.cfg.MaxPrice {
		return hold(fmt.Sprintf("%s ask %.3f above max price %.3f", side, book.BestAsk, pl.cfg.MaxPrice))
	}

	need := imbalance
	total := p.UpBalance + p.DownBalance

	// Aggressive rule: a lopsided book is fixed at any reasonable price,
	// momentum ignored.
	if imbalance > total/2 && book.BestAsk < pl.cfg.AggressiveCeiling {
		if book.BestAskSize < need {
			return hold(fmt.Sprintf("ask size %.1f cannot cover %.1f shares", book.BestAskSize, need))
		}
		return RebalanceDecision{
			Buy:    true,
			Side:   side,
			Shares: need,
			Price:  book.BestAsk,
			Reason: fmt.Sprintf("aggressive: imbalance %.1f exceeds half of %.1f held, ask %.3f below ceiling %.3f",
				imbalance, total, book.BestAsk, pl.cfg.AggressiveCeiling),
		}
	}

	if !pl.shortSideDiscount(side, md) {
		return hold(fmt.Sprintf("no momentum discount on %s side", side))
	}

	target := pl.targetPrice(p, book.BestAsk)
	if book.BestAsk > target {
		return hold(fmt.Sprintf("%s ask %.3f above target %.3f", side, book.BestAsk, target))
	}
	if book.BestAskSize < need {
		return hold(fmt.Sprintf("ask size %.1f cannot cover %.1f shares", book.BestAskSize, need))
	}

	return RebalanceDecision{
		Buy:    true,
		Side:   side,
		Shares: need,
		Price:  book.BestAsk,
		Reason: fmt.Sprintf("momentum discount on %s, ask %.3f within target %.3f", side, book.BestAsk, target),
	}
}

// shortSideDiscount reports whether recent underlying momentum makes the
// short side's token cheap: a rising underlying discounts DOWN, a falling
// one discounts UP.
func (pl *Policy) shortSideDiscount(side domain.Side, md domain.MarketData) bool {
	move := md.PriceChange5m
	if side == domain.SideDown {
		return move >= pl.cfg.MomentumThreshold
	}
	return move <= -pl.cfg.MomentumThreshold
}

// targetPrice is the maximum acceptable ask: the higher of the average
// existing entry price minus the offset, or the current best ask minus the
// offset.
func (pl *Policy) targetPrice(p domain.Position, bestAsk float64) float64 {
	total := p.UpBalance + p.DownBalance
	avgEntry := 0.0
	if total > 0 {
		avgEntry = p.CostBasis / total
	}
	return math.Max(avgEntry-pl.cfg.PriceOffset, bestAsk-pl.cfg.PriceOffset)
}

// SettlementProfit returns the profit locked in by matched pairs bought at
// the given average prices. Each matched pair redeems for exactly 1.0.
func SettlementProfit(matched, avgUp, avgDown float64) float64 {
	return matched*1.0 - (avgUp+avgDown)*matched
}

// PayoutPnL returns the settlement payout and realized pnl for final
// balances and total cost basis. Only matched pairs pay out.
func PayoutPnL(up, down, costBasis float64) (payout, pnl float64) {
	payout = math.Min(up, down) * 1.0
	pnl = payout - costBasis
	return payout, pnl
}

// EarlyCloseEligible reports whether a position may settle before window
// end: fully balanced, close to expiry, and holding enough locked profit
// relative to the share count.
func (pl *Policy) EarlyCloseEligible(p domain.Position, windowEnd, now time.Time) bool {
	if p.Imbalance() != 0 {
		return false
	}
	remaining := windowEnd.Sub(now).Minutes()
	if remaining >= pl.cfg.EarlyCloseMinutes {
		return false
	}
	total := p.UpBalance + p.DownBalance
	if total == 0 {
		return false
	}
	_, pnl := PayoutPnL(p.UpBalance, p.DownBalance, p.CostBasis)
	return pnl > (pl.cfg.EarlyCloseProfitPct/100.0)*total
}
