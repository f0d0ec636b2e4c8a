package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
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

// bookServer accepts connections, records every subscribe frame, and hands
// each connection to onConn for scripted writes.
type bookServer struct {
	mu     sync.Mutex
	frames []subscribeMessage
	conns  int
}

func (s *bookServer) subscribes() []subscribeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscribeMessage(nil), s.frames...)
}

func (s *bookServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func startBookServer(t *testing.T, onConn func(conn *websocket.Conn, first subscribeMessage)) (*bookServer, string) {
	t.Helper()
	s := &bookServer{}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns++
		s.mu.Unlock()

		notified := false
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sub subscribeMessage
			if json.Unmarshal(msg, &sub) != nil || sub.Type != "market" {
				continue
			}
			s.mu.Lock()
			s.frames = append(s.frames, sub)
			s.mu.Unlock()
			if !notified && onConn != nil {
				notified = true
				go onConn(conn, sub)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testBookConfig(url string) BookFeedConfig {
	return BookFeedConfig{
		WsURL:          url,
		QuietThreshold: time.Minute,
		ReconnectMin:   time.Millisecond,
		ReconnectMax:   5 * time.Millisecond,
	}
}

func bookFrame(t *testing.T, assetID string, bids, asks []wsPriceLevel) []byte {
	t.Helper()
	data, err := json.Marshal(bookMessage{
		EventType: "book",
		AssetID:   assetID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: "1756468800000",
	})
	require.NoError(t, err)
	return data
}

func TestConnectSendsFullTrackedSet(t *testing.T) {
	srv, url := startBookServer(t, nil)

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-a", "tok-b"}, false))
	require.NoError(t, f.Connect(context.Background(), []string{"tok-c"}, false))

	require.Eventually(t, func() bool {
		return len(srv.subscribes()) == 2
	}, time.Second, 5*time.Millisecond)

	frames := srv.subscribes()
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, frames[0].AssetIDs)
	// additive connect retransmits the whole accumulated set, never a delta
	assert.ElementsMatch(t, []string{"tok-a", "tok-b", "tok-c"}, frames[1].AssetIDs)
	assert.Equal(t, 1, srv.connections())
}

func TestConnectReplaceResetsTrackedSet(t *testing.T) {
	srv, url := startBookServer(t, nil)

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-a", "tok-b"}, false))
	require.NoError(t, f.Connect(context.Background(), []string{"tok-c"}, true))

	require.Eventually(t, func() bool {
		return len(srv.subscribes()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"tok-c"}, srv.subscribes()[1].AssetIDs)
}

func TestWaitForBooksResolvesOnFirstFrames(t *testing.T) {
	_, url := startBookServer(t, func(conn *websocket.Conn, _ subscribeMessage) {
		conn.WriteMessage(websocket.TextMessage, bookFrame(t, "tok-up",
			[]wsPriceLevel{{Price: "0.30", Size: "50"}, {Price: "0.44", Size: "100"}},
			[]wsPriceLevel{{Price: "0.60", Size: "40"}, {Price: "0.46", Size: "80"}},
		))
		conn.WriteMessage(websocket.TextMessage, bookFrame(t, "tok-down",
			[]wsPriceLevel{{Price: "0.50", Size: "25"}},
			[]wsPriceLevel{{Price: "0.54", Size: "60"}},
		))
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-up", "tok-down"}, false))
	require.NoError(t, f.WaitForBooks(context.Background(), "tok-up", "tok-down", time.Second))

	// best level is the last element of each side
	up, ok := f.LatestBook("tok-up")
	require.True(t, ok)
	assert.InDelta(t, 0.44, up.BestBid, 1e-9)
	assert.InDelta(t, 100, up.BestBidSize, 1e-9)
	assert.InDelta(t, 0.46, up.BestAsk, 1e-9)
	assert.InDelta(t, 80, up.BestAskSize, 1e-9)
	assert.InDelta(t, 0.02, up.Spread, 1e-9)
	assert.InDelta(t, 0.45, up.MidPrice, 1e-9)
}

func TestWaitForBooksReturnsImmediatelyWhenCached(t *testing.T) {
	_, url := startBookServer(t, func(conn *websocket.Conn, _ subscribeMessage) {
		conn.WriteMessage(websocket.TextMessage, bookFrame(t, "tok-up",
			[]wsPriceLevel{{Price: "0.40", Size: "10"}},
			[]wsPriceLevel{{Price: "0.60", Size: "10"}},
		))
		conn.WriteMessage(websocket.TextMessage, bookFrame(t, "tok-down",
			[]wsPriceLevel{{Price: "0.40", Size: "10"}},
			[]wsPriceLevel{{Price: "0.60", Size: "10"}},
		))
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-up", "tok-down"}, false))
	require.NoError(t, f.WaitForBooks(context.Background(), "tok-up", "tok-down", time.Second))

	// second wait hits the cache, no new frames needed
	require.NoError(t, f.WaitForBooks(context.Background(), "tok-up", "tok-down", 10*time.Millisecond))
}

func TestWaitForBooksTimesOutWithoutData(t *testing.T) {
	_, url := startBookServer(t, nil)

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-up", "tok-down"}, false))

	err := f.WaitForBooks(context.Background(), "tok-up", "tok-down", 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	_, url := startBookServer(t, nil)

	f := NewBookFeed(testBookConfig(url), feedLogger())
	require.NoError(t, f.Connect(context.Background(), []string{"tok-up", "tok-down"}, false))

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.WaitForBooks(context.Background(), "tok-up", "tok-down", 5*time.Second)
	}()

	// let the waiter register before tearing down
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrWSDisconnect)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on close")
	}
}

func TestBatchedFramesHandled(t *testing.T) {
	batch := []json.RawMessage{
		bookFrame(t, "tok-up", []wsPriceLevel{{Price: "0.40", Size: "10"}}, []wsPriceLevel{{Price: "0.60", Size: "10"}}),
		bookFrame(t, "tok-down", []wsPriceLevel{{Price: "0.45", Size: "10"}}, []wsPriceLevel{{Price: "0.55", Size: "10"}}),
	}
	payload, err := json.Marshal(batch)
	require.NoError(t, err)

	_, url := startBookServer(t, func(conn *websocket.Conn, _ subscribeMessage) {
		conn.WriteMessage(websocket.TextMessage, payload)
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-up", "tok-down"}, false))
	require.NoError(t, f.WaitForBooks(context.Background(), "tok-up", "tok-down", time.Second))

	down, ok := f.LatestBook("tok-down")
	require.True(t, ok)
	assert.InDelta(t, 0.55, down.BestAsk, 1e-9)
}

func TestUnsubscribeDropsBooksAndRetransmits(t *testing.T) {
	srv, url := startBookServer(t, func(conn *websocket.Conn, _ subscribeMessage) {
		conn.WriteMessage(websocket.TextMessage, bookFrame(t, "tok-a",
			[]wsPriceLevel{{Price: "0.40", Size: "10"}},
			[]wsPriceLevel{{Price: "0.60", Size: "10"}},
		))
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-a", "tok-b"}, false))
	require.Eventually(t, func() bool {
		_, ok := f.LatestBook("tok-a")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Unsubscribe([]string{"tok-a"}))

	_, ok := f.LatestBook("tok-a")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return len(srv.subscribes()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tok-b"}, srv.subscribes()[1].AssetIDs)
}

func TestReconnectCarriesOnlyNewIDs(t *testing.T) {
	srv, url := startBookServer(t, func(conn *websocket.Conn, sub subscribeMessage) {
		for _, id := range sub.AssetIDs {
			conn.WriteMessage(websocket.TextMessage, bookFrame(t, id,
				[]wsPriceLevel{{Price: "0.40", Size: "10"}},
				[]wsPriceLevel{{Price: "0.60", Size: "10"}},
			))
		}
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-a", "tok-b"}, false))
	require.NoError(t, f.WaitForBooks(context.Background(), "tok-a", "tok-b", time.Second))

	require.NoError(t, f.Reconnect(context.Background(), []string{"tok-c"}))

	// old books are gone, new subscription covers tok-c alone
	_, ok := f.LatestBook("tok-a")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		frames := srv.subscribes()
		return len(frames) >= 2 && len(frames[len(frames)-1].AssetIDs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	frames := srv.subscribes()
	assert.Equal(t, []string{"tok-c"}, frames[len(frames)-1].AssetIDs)
	assert.GreaterOrEqual(t, srv.connections(), 2)
}

func TestServerDropFailsWaitersAndResubscribes(t *testing.T) {
	var conns atomic.Int32
	srv, url := startBookServer(t, func(conn *websocket.Conn, sub subscribeMessage) {
		if conns.Add(1) == 1 {
			// drop the first connection right after its subscribe
			conn.Close()
			return
		}
		for _, id := range sub.AssetIDs {
			conn.WriteMessage(websocket.TextMessage, bookFrame(t, id,
				[]wsPriceLevel{{Price: "0.40", Size: "10"}},
				[]wsPriceLevel{{Price: "0.60", Size: "10"}},
			))
		}
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	// register the waiter before dialing so the drop finds it pending
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.WaitForBooks(context.Background(), "tok-a", "tok-b", 5*time.Second)
	}()
	require.Eventually(t, func() bool {
		f.bookMu.RLock()
		defer f.bookMu.RUnlock()
		return f.waiters["tok-a"] != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Connect(context.Background(), []string{"tok-a", "tok-b"}, false))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrWSDisconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not rejected on socket drop")
	}

	// the reconnect retransmits the full preserved set on a new connection
	require.Eventually(t, func() bool {
		return srv.connections() == 2 && len(srv.subscribes()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, srv.subscribes()[1].AssetIDs)

	// and the recovered stream serves books again
	require.NoError(t, f.WaitForBooks(context.Background(), "tok-a", "tok-b", 2*time.Second))
}

func TestKeepalivePingsQuietConnection(t *testing.T) {
	var pings atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testBookConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.QuietThreshold = 40 * time.Millisecond
	f := NewBookFeed(cfg, feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-a"}, false))

	require.Eventually(t, func() bool {
		return pings.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedBookFramesDropped(t *testing.T) {
	_, url := startBookServer(t, func(conn *websocket.Conn, _ subscribeMessage) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"price_change","asset_id":"tok-up"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"book"}`))
		conn.WriteMessage(websocket.TextMessage, bookFrame(t, "tok-up",
			[]wsPriceLevel{{Price: "0.40", Size: "10"}},
			[]wsPriceLevel{{Price: "0.60", Size: "10"}},
		))
	})

	f := NewBookFeed(testBookConfig(url), feedLogger())
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Connect(context.Background(), []string{"tok-up"}, false))

	require.Eventually(t, func() bool {
		snap, ok := f.LatestBook("tok-up")
		return ok && snap.BestAsk == 0.60
	}, time.Second, 5*time.Millisecond)
}

func TestConnectAfterCloseFails(t *testing.T) {
	f := NewBookFeed(testBookConfig("ws://unused"), feedLogger())
	require.NoError(t, f.Close())

	err := f.Connect(context.Background(), []string{"tok-a"}, false)
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)
}
