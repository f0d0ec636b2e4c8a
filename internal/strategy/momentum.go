package strategy

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// horizon weights for the blended momentum figure; the shortest horizon
// dominates because hourly windows resolve fast.
const (
	weight1m  = 0.5
	weight5m  = 0.3
	weight15m = 0.2
)

// MomentumScorer picks the entry direction from blended short-horizon
// momentum, scaled against realized volatility so a quiet drift does not
// read as conviction.
type MomentumScorer struct {
	// MinMove is the blended percent move that maps to full confidence.
	MinMove float64
}

// NewMomentumScorer creates a MomentumScorer. minMove must be positive.
func NewMomentumScorer(minMove float64) *MomentumScorer {
	if minMove <= 0 {
		minMove = 0.1
	}
	return &MomentumScorer{MinMove: minMove}
}

var _ domain.DirectionScorer = (*MomentumScorer)(nil)

// Score returns the side the underlying is drifting toward with a
// confidence in [0, 1].
func (m *MomentumScorer) Score(md domain.MarketData, upBook, downBook domain.OrderbookSnapshot) domain.Decision {
	blended := md.PriceChange1m*weight1m + md.PriceChange5m*weight5m + md.PriceChange15m*weight15m

	side := domain.SideUp
	if blended < 0 {
		side = domain.SideDown
	}

	confidence := math.Min(1.0, math.Abs(blended)/m.MinMove)
	if md.Volatility > 0 && math.Abs(blended) < md.Volatility {
		// the move is inside normal noise for this symbol
		confidence *= math.Abs(blended) / md.Volatility
	}

	// A one-sided book means the market already agrees; an empty book means
	// no basis for conviction at all.
	ask := upBook.BestAsk
	if side == domain.SideDown {
		ask = downBook.BestAsk
	}
	if ask <= 0 {
		confidence = 0
	}

	return domain.Decision{
		Side:       side,
		Confidence: confidence,
		Reason: fmt.Sprintf("momentum %.4f%% (1m %.4f / 5m %.4f / 15m %.4f), vol %.4f",
			blended, md.PriceChange1m, md.PriceChange5m, md.PriceChange15m, md.Volatility),
	}
}
