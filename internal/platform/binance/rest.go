package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Backfiller preloads rolling histories from the klines REST endpoint so
// momentum figures are meaningful before the stream has been up for a full
// lookback horizon.
type Backfiller struct {
	client *gobinance.Client
}

// NewBackfiller creates an unauthenticated REST client; the klines endpoint
// is public.
func NewBackfiller() *Backfiller {
	return &Backfiller{client: gobinance.NewClient("", "")}
}

// Fetch returns up to limit closed klines for symbol as price points, oldest
// first.
func (b *Backfiller) Fetch(ctx context.Context, symbol, interval string, limit int) ([]domain.PricePoint, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance/rest: fetch klines %s: %w", symbol, err)
	}

	points := make([]domain.PricePoint, 0, len(klines))
	for _, k := range klines {
		price, err := strconv.ParseFloat(k.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		points = append(points, domain.PricePoint{
			Price:     price,
			Timestamp: time.UnixMilli(k.CloseTime).UTC(),
		})
	}
	return points, nil
}
