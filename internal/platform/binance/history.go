package binance

import (
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// history is the rolling price series for one symbol. Samples are appended in
// time order and trimmed by both an absolute age window and a maximum count.
type history struct {
	mu        sync.RWMutex
	points    []domain.PricePoint
	maxAge    time.Duration
	maxLen    int
	tolerance time.Duration
	volWindow int
}

func newHistory(maxAge time.Duration, maxLen int, tolerance time.Duration, volWindow int) *history {
	return &history{
		maxAge:    maxAge,
		maxLen:    maxLen,
		tolerance: tolerance,
		volWindow: volWindow,
	}
}

// append records a sample and trims the series. A sample older than the
// current tail would violate ordering and is dropped.
func (h *history) append(price float64, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.points); n > 0 && ts.Before(h.points[n-1].Timestamp) {
		return
	}
	h.points = append(h.points, domain.PricePoint{Price: price, Timestamp: ts})

	cutoff := ts.Add(-h.maxAge)
	start := 0
	for start < len(h.points) && h.points[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(h.points) - start - h.maxLen; over > 0 {
		start += over
	}
	if start > 0 {
		h.points = append(h.points[:0], h.points[start:]...)
	}
}

// snapshot derives the full MarketData view as of now. Returns false when the
// series is empty.
func (h *history) snapshot(symbol string, now time.Time) (domain.MarketData, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.points) == 0 {
		return domain.MarketData{}, false
	}

	latest := h.points[len(h.points)-1]
	return domain.MarketData{
		Symbol:          symbol,
		CurrentPrice:    latest.Price,
		PriceChange1m:   h.changeOver(time.Minute, now, latest.Price),
		PriceChange5m:   h.changeOver(5*time.Minute, now, latest.Price),
		PriceChange15m:  h.changeOver(15*time.Minute, now, latest.Price),
		Volatility:      h.volatility(),
		WindowOpenPrice: h.nearest(now.Truncate(time.Hour)).Price,
		LastUpdate:      latest.Timestamp,
	}, true
}

// changeOver returns the percent change versus the sample nearest now-d. The
// anchor is accepted only within the tolerance window; outside it the current
// price anchors itself, which yields 0% rather than a spurious figure.
// Callers must hold at least a read lock.
func (h *history) changeOver(d time.Duration, now time.Time, current float64) float64 {
	target := now.Add(-d)
	anchor := h.nearest(target)

	if gap := anchor.Timestamp.Sub(target); gap > h.tolerance || gap < -h.tolerance {
		anchor = domain.PricePoint{Price: current, Timestamp: target}
	}
	if anchor.Price == 0 {
		return 0
	}
	return (current - anchor.Price) / anchor.Price * 100
}

// nearest returns the sample whose timestamp is closest to target. Callers
// must hold at least a read lock and guarantee a non-empty series.
func (h *history) nearest(target time.Time) domain.PricePoint {
	best := h.points[0]
	bestGap := absDuration(best.Timestamp.Sub(target))
	for _, p := range h.points[1:] {
		if gap := absDuration(p.Timestamp.Sub(target)); gap < bestGap {
			best, bestGap = p, gap
		}
	}
	return best
}

// volatility is the standard deviation of consecutive returns over the most
// recent volWindow samples, scaled by 100. Callers must hold a read lock.
func (h *history) volatility() float64 {
	pts := h.points
	if len(pts) > h.volWindow {
		pts = pts[len(pts)-h.volWindow:]
	}
	if len(pts) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		if pts[i-1].Price == 0 {
			continue
		}
		returns = append(returns, (pts[i].Price-pts[i-1].Price)/pts[i-1].Price)
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * 100
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
