// Package polymarket implements the venue clients: the order-book feed over
// WebSocket, the Gamma market-discovery REST API, and the CLOB order
// capability.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// BookFeedConfig controls the order-book stream client.
type BookFeedConfig struct {
	WsURL string
	// QuietThreshold triggers a keepalive probe when no frame has arrived
	// for this long.
	QuietThreshold time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// bookWaiter is the single-fire readiness barrier for one asset id. Every
// caller waiting on the same id shares one waiter; ch is closed exactly once,
// with err set first when the wait is being failed rather than satisfied.
type bookWaiter struct {
	ch  chan struct{}
	err error
}

// BookFeed is a WebSocket client for the CLOB market channel. The venue's
// subscription protocol has replace semantics: every subscribe message
// carries the entire tracked id set and overwrites server-side interest.
type BookFeed struct {
	cfg    BookFeedConfig
	logger *slog.Logger

	// mu serializes every tracked-set mutation against in-flight
	// resubscribes so the most recent full set always wins.
	mu      sync.Mutex
	conn    *websocket.Conn
	tracked map[string]struct{}
	closed  bool

	bookMu  sync.RWMutex
	books   map[string]domain.OrderbookSnapshot
	waiters map[string]*bookWaiter

	lastFrame atomic.Int64 // unix nanos of the most recent inbound frame

	done chan struct{}
}

// NewBookFeed creates an order-book feed client. Call Connect to dial.
func NewBookFeed(cfg BookFeedConfig, logger *slog.Logger) *BookFeed {
	if cfg.QuietThreshold <= 0 {
		cfg.QuietThreshold = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	return &BookFeed{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "book_feed")),
		tracked: make(map[string]struct{}),
		books:   make(map[string]domain.OrderbookSnapshot),
		waiters: make(map[string]*bookWaiter),
		done:    make(chan struct{}),
	}
}

// Connect adds assetIDs to the tracked set (or, when replace is true, resets
// the set to exactly assetIDs), dials if needed, and transmits the full
// accumulated set as one subscribe message.
func (b *BookFeed) Connect(ctx context.Context, assetIDs []string, replace bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	if replace {
		b.tracked = make(map[string]struct{}, len(assetIDs))
	}
	for _, id := range assetIDs {
		b.tracked[id] = struct{}{}
	}

	if b.conn == nil {
		return b.openLocked(ctx)
	}
	return b.subscribeLocked()
}

// WaitForBooks blocks until both ids have produced at least one book frame,
// returning immediately for ids already cached. It fails when the timeout
// elapses or the connection drops with the wait still pending.
func (b *BookFeed) WaitForBooks(ctx context.Context, id1, id2 string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, id := range []string{id1, id2} {
		if err := b.waitOne(ctx, id); err != nil {
			return fmt.Errorf("polymarket/ws: wait for book %s: %w", id, err)
		}
	}
	return nil
}

func (b *BookFeed) waitOne(ctx context.Context, id string) error {
	b.bookMu.Lock()
	if _, ok := b.books[id]; ok {
		b.bookMu.Unlock()
		return nil
	}
	w, ok := b.waiters[id]
	if !ok {
		w = &bookWaiter{ch: make(chan struct{})}
		b.waiters[id] = w
	}
	b.bookMu.Unlock()

	select {
	case <-w.ch:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe drops ids and their cached books, then retransmits the reduced
// full set.
func (b *BookFeed) Unsubscribe(ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ids {
		delete(b.tracked, id)
	}
	b.bookMu.Lock()
	for _, id := range ids {
		delete(b.books, id)
	}
	b.bookMu.Unlock()

	if b.conn == nil || b.closed {
		return nil
	}
	return b.subscribeLocked()
}

// Reconnect tears down the connection and re-establishes it carrying only
// newIDs. Used for wholesale session refresh.
func (b *BookFeed) Reconnect(ctx context.Context, newIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}

	b.tracked = make(map[string]struct{}, len(newIDs))
	for _, id := range newIDs {
		b.tracked[id] = struct{}{}
	}
	b.bookMu.Lock()
	b.books = make(map[string]domain.OrderbookSnapshot)
	b.bookMu.Unlock()

	return b.openLocked(ctx)
}

// LatestBook returns the cached top-of-book for id.
func (b *BookFeed) LatestBook(id string) (domain.OrderbookSnapshot, bool) {
	b.bookMu.RLock()
	defer b.bookMu.RUnlock()
	snap, ok := b.books[id]
	return snap, ok
}

// Close shuts the feed down. Pending waiters are failed, not left hanging.
func (b *BookFeed) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	b.bookMu.Lock()
	b.failWaiters(domain.ErrWSDisconnect)
	b.bookMu.Unlock()

	if b.conn != nil {
		_ = b.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return b.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// openLocked dials and subscribes as one unit. The per-connection loops start
// only after the subscription is on the wire, so a failed subscribe never
// leaves a half-open connection behind. Caller must hold b.mu.
func (b *BookFeed) openLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.WsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	b.conn = conn
	b.lastFrame.Store(time.Now().UnixNano())

	if err := b.subscribeLocked(); err != nil {
		conn.Close()
		b.conn = nil
		return err
	}

	go b.readLoop(conn)
	go b.keepaliveLoop(conn)
	return nil
}

// subscribeLocked transmits the entire tracked set as one subscribe message.
// Caller must hold b.mu. Partial or delta messages are never sent.
func (b *BookFeed) subscribeLocked() error {
	if b.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	ids := make([]string, 0, len(b.tracked))
	for id := range b.tracked {
		ids = append(ids, id)
	}
	msg := subscribeMessage{AssetIDs: ids, Type: "market"}

	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscribe: %w", err)
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

func (b *BookFeed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-b.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}

			// Reject pending waiters rather than leaving them hanging
			// until the reconnected stream produces data.
			b.bookMu.Lock()
			b.failWaiters(domain.ErrWSDisconnect)
			b.bookMu.Unlock()

			b.logger.Warn("stream closed, reconnecting", slog.String("error", err.Error()))
			b.reconnect(conn)
			return
		}

		b.lastFrame.Store(time.Now().UnixNano())
		b.handleMessage(message)
	}
}

// keepaliveLoop probes the connection when no frame has arrived within the
// quiet threshold.
func (b *BookFeed) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(b.cfg.QuietThreshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			quiet := time.Since(time.Unix(0, b.lastFrame.Load()))
			if quiet < b.cfg.QuietThreshold {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one inbound frame. The venue may batch several events
// in one JSON array. Unparseable frames and unknown event types are dropped
// silently; the connection stays open.
func (b *BookFeed) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, item := range batch {
			b.handleEvent(item)
		}
		return
	}
	b.handleEvent(raw)
}

func (b *BookFeed) handleEvent(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	if env.EventType != "book" {
		return
	}

	var msg bookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.AssetID == "" {
		return
	}

	snap := msg.toSnapshot()

	b.bookMu.Lock()
	b.books[msg.AssetID] = snap
	// First value for this id: fire the barrier exactly once and retire it.
	if w, ok := b.waiters[msg.AssetID]; ok {
		delete(b.waiters, msg.AssetID)
		close(w.ch)
	}
	b.bookMu.Unlock()
}

// failWaiters rejects every pending waiter with err and clears the registry.
// Caller must hold b.bookMu.
func (b *BookFeed) failWaiters(err error) {
	for id, w := range b.waiters {
		w.err = err
		delete(b.waiters, id)
		close(w.ch)
	}
}

// reconnect re-establishes the connection with bounded exponential backoff.
// The tracked id set is preserved and resubscribed on reopen.
func (b *BookFeed) reconnect(old *websocket.Conn) {
	bo := &backoff.Backoff{
		Min:    b.cfg.ReconnectMin,
		Max:    b.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-b.done:
			return
		case <-time.After(bo.Duration()):
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		// Another caller (e.g. Reconnect) already replaced the connection.
		if b.conn != nil && b.conn != old {
			b.mu.Unlock()
			return
		}
		b.conn = nil

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := b.openLocked(ctx)
		cancel()
		b.mu.Unlock()

		if err == nil {
			b.logger.Info("stream reconnected", slog.Int("attempt", int(bo.Attempt())))
			return
		}
		b.logger.Warn("reconnect failed", slog.String("error", err.Error()))
	}
}
