package binance

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func feedLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// wsServer runs handler for every accepted connection and returns the ws URL.
func wsServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testFeedConfig(url string) FeedConfig {
	return FeedConfig{
		WsHost:           url,
		Interval:         "1m",
		HistoryMaxAge:    time.Hour,
		HistoryMaxLen:    100,
		ChangeTolerance:  90 * time.Second,
		VolatilityWindow: 20,
		ReconnectMin:     time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
	}
}

func klineFrame(t *testing.T, symbol, closePrice string, closed bool, eventTime, closeTime int64) []byte {
	t.Helper()
	data, err := json.Marshal(klineEvent{
		EventType: "kline",
		EventTime: eventTime,
		Symbol:    symbol,
		Kline: klineData{
			Symbol:    symbol,
			Interval:  "1m",
			Close:     closePrice,
			CloseTime: closeTime,
			IsClosed:  closed,
		},
	})
	require.NoError(t, err)
	return data
}

func TestStartSendsSingleSubscribeForAllSymbols(t *testing.T) {
	var mu sync.Mutex
	var frames []subscribeRequest

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeRequest
			if json.Unmarshal(msg, &req) == nil && req.Method == "SUBSCRIBE" {
				mu.Lock()
				frames = append(frames, req)
				mu.Unlock()
			}
		}
	})

	f := NewPriceFeed(testFeedConfig(url), feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT", "ETHUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.NoError(t, f.WaitReady(time.Second))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"btcusdt@kline_1m", "ethusdt@kline_1m"}, frames[0].Params)
}

func TestClosedCandleFeedsHistory(t *testing.T) {
	closeTime := time.Date(2026, 8, 29, 12, 0, 59, 0, time.UTC)

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, klineFrame(t, "BTCUSDT", "65000.50", true, 0, closeTime.UnixMilli()))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f := NewPriceFeed(testFeedConfig(url), feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.Eventually(t, func() bool {
		md, ok := f.MarketData("BTCUSDT")
		return ok && md.CurrentPrice == 65000.50
	}, time.Second, 5*time.Millisecond)

	md, _ := f.MarketData("BTCUSDT")
	assert.True(t, md.LastUpdate.Equal(closeTime))
}

func TestOpenCandlesIgnoredByDefault(t *testing.T) {
	now := time.Now().UTC()

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// open update first, then the closing update of the same candle
		conn.WriteMessage(websocket.TextMessage, klineFrame(t, "BTCUSDT", "100", false, now.UnixMilli(), now.UnixMilli()))
		conn.WriteMessage(websocket.TextMessage, klineFrame(t, "BTCUSDT", "200", true, now.UnixMilli(), now.UnixMilli()))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f := NewPriceFeed(testFeedConfig(url), feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.Eventually(t, func() bool {
		md, ok := f.MarketData("BTCUSDT")
		return ok && md.CurrentPrice == 200
	}, time.Second, 5*time.Millisecond)

	f.histMu.RLock()
	h := f.histories["BTCUSDT"]
	f.histMu.RUnlock()
	assert.Equal(t, 1, h.len())
}

func TestIncludeOpenCandlesUsesEventTime(t *testing.T) {
	eventTime := time.Date(2026, 8, 29, 12, 0, 30, 0, time.UTC)
	closeTime := eventTime.Add(29 * time.Second)

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, klineFrame(t, "BTCUSDT", "300", false, eventTime.UnixMilli(), closeTime.UnixMilli()))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testFeedConfig(url)
	cfg.IncludeOpenCandles = true
	f := NewPriceFeed(cfg, feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.Eventually(t, func() bool {
		md, ok := f.MarketData("BTCUSDT")
		return ok && md.CurrentPrice == 300 && md.LastUpdate.Equal(eventTime)
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedAndForeignFramesDropped(t *testing.T) {
	now := time.Now().UTC()

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","s":"BTCUSDT"}`))
		conn.WriteMessage(websocket.TextMessage, klineFrame(t, "BTCUSDT", "400", true, now.UnixMilli(), now.UnixMilli()))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f := NewPriceFeed(testFeedConfig(url), feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.Eventually(t, func() bool {
		md, ok := f.MarketData("BTCUSDT")
		return ok && md.CurrentPrice == 400
	}, time.Second, 5*time.Millisecond)
}

func TestCombinedStreamEnvelope(t *testing.T) {
	now := time.Now().UTC()
	inner := klineFrame(t, "BTCUSDT", "500", true, now.UnixMilli(), now.UnixMilli())
	wrapped, err := json.Marshal(map[string]any{
		"stream": "btcusdt@kline_1m",
		"data":   json.RawMessage(inner),
	})
	require.NoError(t, err)

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, wrapped)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f := NewPriceFeed(testFeedConfig(url), feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.Eventually(t, func() bool {
		md, ok := f.MarketData("BTCUSDT")
		return ok && md.CurrentPrice == 500
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectResubscribesSymbolSet(t *testing.T) {
	var mu sync.Mutex
	var perConn []int
	var conns int

	url := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		mu.Lock()
		conns++
		drop := conns == 1
		perConn = append(perConn, 0)
		idx := len(perConn) - 1
		mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeRequest
			if json.Unmarshal(msg, &req) == nil && req.Method == "SUBSCRIBE" {
				mu.Lock()
				perConn[idx]++
				mu.Unlock()
				if drop {
					return // server drops the first connection after subscribe
				}
			}
		}
	})

	f := NewPriceFeed(testFeedConfig(url), feedLogger())
	require.NoError(t, f.Start(context.Background(), []string{"BTCUSDT"}))
	t.Cleanup(func() { f.Stop() })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns == 2 && len(perConn) == 2 && perConn[1] == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1}, perConn)
}

func TestSeedBackfillsHistory(t *testing.T) {
	f := NewPriceFeed(testFeedConfig("ws://unused"), feedLogger())

	now := time.Now().UTC()
	f.Seed("BTCUSDT", []domain.PricePoint{
		{Price: 100, Timestamp: now.Add(-2 * time.Minute)},
		{Price: 105, Timestamp: now.Add(-time.Minute)},
	})

	md, ok := f.MarketData("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 105, md.CurrentPrice, 1e-9)
}

func TestStartAfterStopFails(t *testing.T) {
	f := NewPriceFeed(testFeedConfig("ws://unused"), feedLogger())
	require.NoError(t, f.Stop())

	err := f.Start(context.Background(), []string{"BTCUSDT"})
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestWaitReadyTimesOutWhenNeverConnected(t *testing.T) {
	f := NewPriceFeed(testFeedConfig("ws://unused"), feedLogger())
	err := f.WaitReady(20 * time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}
