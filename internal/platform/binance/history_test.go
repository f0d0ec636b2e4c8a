package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppendTrimsByAge(t *testing.T) {
	h := newHistory(10*time.Minute, 100, 90*time.Second, 20)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	h.append(100, base)
	h.append(101, base.Add(5*time.Minute))
	h.append(102, base.Add(15*time.Minute)) // pushes the first sample past maxAge

	assert.Equal(t, 2, h.len())
}

func TestHistoryAppendTrimsByLength(t *testing.T) {
	h := newHistory(time.Hour, 3, 90*time.Second, 20)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		h.append(float64(100+i), base.Add(time.Duration(i)*time.Minute))
	}

	require.Equal(t, 3, h.len())
	// oldest two dropped
	assert.InDelta(t, 102, h.points[0].Price, 1e-9)
}

func TestHistoryAppendRejectsOutOfOrder(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	h.append(100, base)
	h.append(99, base.Add(-time.Minute))

	assert.Equal(t, 1, h.len())
}

func TestChangeOverWithAnchorInTolerance(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	now := time.Date(2026, 8, 29, 12, 30, 0, 0, time.UTC)

	h.append(100, now.Add(-5*time.Minute))
	h.append(110, now)

	md, ok := h.snapshot("BTCUSDT", now)
	require.True(t, ok)
	assert.InDelta(t, 10.0, md.PriceChange5m, 1e-9)
}

func TestChangeOverOutsideToleranceIsZero(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	now := time.Date(2026, 8, 29, 12, 30, 0, 0, time.UTC)

	// nearest sample to now-15m is 10 minutes off, far outside tolerance
	h.append(100, now.Add(-5*time.Minute))
	h.append(110, now)

	md, ok := h.snapshot("BTCUSDT", now)
	require.True(t, ok)
	assert.Zero(t, md.PriceChange15m)
}

func TestSnapshotEmptyHistory(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	_, ok := h.snapshot("BTCUSDT", time.Now())
	assert.False(t, ok)
}

func TestSnapshotWindowOpenPrice(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	now := time.Date(2026, 8, 29, 12, 40, 0, 0, time.UTC)

	h.append(200, now.Add(-39*time.Minute)) // 12:01, closest to window open
	h.append(205, now.Add(-20*time.Minute))
	h.append(210, now)

	md, ok := h.snapshot("BTCUSDT", now)
	require.True(t, ok)
	assert.InDelta(t, 200, md.WindowOpenPrice, 1e-9)
	assert.InDelta(t, 210, md.CurrentPrice, 1e-9)
}

func TestVolatilityConstantSeriesIsZero(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		h.append(100, base.Add(time.Duration(i)*time.Minute))
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Zero(t, h.volatility())
}

func TestVolatilityAlternatingSeries(t *testing.T) {
	h := newHistory(time.Hour, 100, 90*time.Second, 20)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	prices := []float64{100, 101, 100, 101, 100, 101}
	for i, p := range prices {
		h.append(p, base.Add(time.Duration(i)*time.Minute))
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Greater(t, h.volatility(), 0.0)
}

func TestVolatilityUsesRecentWindowOnly(t *testing.T) {
	// volWindow 3: only the last 3 samples matter, and those are constant
	h := newHistory(time.Hour, 100, 90*time.Second, 3)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	for i, p := range []float64{100, 150, 90, 100, 100, 100} {
		h.append(p, base.Add(time.Duration(i)*time.Minute))
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Zero(t, h.volatility())
}
