// Package binance implements the kline price feed client. It maintains a
// rolling per-symbol price history and derives the momentum figures the
// rebalancing policy consumes.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 90 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 15 * time.Second
)

// FeedConfig controls stream behavior and history derivation.
type FeedConfig struct {
	WsHost             string
	Interval           string
	HistoryMaxAge      time.Duration
	HistoryMaxLen      int
	ChangeTolerance    time.Duration
	VolatilityWindow   int
	IncludeOpenCandles bool
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
}

// PriceFeed is a WebSocket client for the kline stream. One connection serves
// every subscribed symbol; the symbol set survives reconnects and is
// resubscribed exactly once per new connection.
type PriceFeed struct {
	cfg    FeedConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols []string
	// subscribed guards against duplicate subscribe sends on one connection.
	subscribed bool
	closed     bool

	histMu    sync.RWMutex
	histories map[string]*history

	ready     chan struct{}
	readyOnce sync.Once

	reqID atomic.Int64
	done  chan struct{}
}

// NewPriceFeed creates a price feed client. Call Start to connect.
func NewPriceFeed(cfg FeedConfig, logger *slog.Logger) *PriceFeed {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	return &PriceFeed{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "price_feed")),
		histories: make(map[string]*history),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start opens the stream and subscribes to klines for the given symbols. The
// subscribe message is sent once per connection open.
func (f *PriceFeed) Start(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("binance/ws: %w", domain.ErrWSDisconnect)
	}
	f.symbols = append([]string(nil), symbols...)
	f.mu.Unlock()

	f.histMu.Lock()
	for _, s := range symbols {
		if _, ok := f.histories[s]; !ok {
			f.histories[s] = newHistory(f.cfg.HistoryMaxAge, f.cfg.HistoryMaxLen, f.cfg.ChangeTolerance, f.cfg.VolatilityWindow)
		}
	}
	f.histMu.Unlock()

	return f.connect(ctx)
}

// WaitReady blocks until the socket is open or the timeout elapses.
func (f *PriceFeed) WaitReady(timeout time.Duration) error {
	select {
	case <-f.ready:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("binance/ws: not connected after %s: %w", timeout, domain.ErrWSDisconnect)
	}
}

// MarketData returns the latest derived snapshot for symbol.
func (f *PriceFeed) MarketData(symbol string) (domain.MarketData, bool) {
	f.histMu.RLock()
	h, ok := f.histories[symbol]
	f.histMu.RUnlock()
	if !ok {
		return domain.MarketData{}, false
	}
	return h.snapshot(symbol, time.Now().UTC())
}

// Seed preloads historical samples for a symbol (REST backfill).
func (f *PriceFeed) Seed(symbol string, points []domain.PricePoint) {
	f.histMu.Lock()
	h, ok := f.histories[symbol]
	if !ok {
		h = newHistory(f.cfg.HistoryMaxAge, f.cfg.HistoryMaxLen, f.cfg.ChangeTolerance, f.cfg.VolatilityWindow)
		f.histories[symbol] = h
	}
	f.histMu.Unlock()
	for _, p := range points {
		h.append(p.Price, p.Timestamp)
	}
}

// Stop disables further reconnects and closes the socket.
func (f *PriceFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)

	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (f *PriceFeed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("binance/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.WsHost, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}

	f.conn = conn
	f.subscribed = false

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribeLocked(); err != nil {
		conn.Close()
		return err
	}

	go f.readLoop(conn)
	go f.pingLoop(conn)

	f.readyOnce.Do(func() { close(f.ready) })
	return nil
}

// subscribeLocked sends the SUBSCRIBE frame for the full symbol set. Caller
// must hold f.mu. The per-connection guard keeps this to one send even if the
// caller races a reconnect.
func (f *PriceFeed) subscribeLocked() error {
	if f.subscribed || len(f.symbols) == 0 {
		return nil
	}

	params := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		params = append(params, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), f.cfg.Interval))
	}
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     f.reqID.Add(1),
	}

	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("binance/ws: marshal subscribe: %w", err)
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w", err)
	}

	f.subscribed = true
	return nil
}

func (f *PriceFeed) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-f.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return
			default:
			}
			f.logger.Warn("stream closed, reconnecting", slog.String("error", err.Error()))
			f.reconnect()
			return
		}

		f.handleMessage(message)
	}
}

func (f *PriceFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one inbound frame. Malformed frames are dropped, never
// fatal.
func (f *PriceFeed) handleMessage(raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
	} else if env.EventType != "kline" {
		// Subscribe acks and unknown raw events.
		return
	}

	var ev klineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if ev.EventType != "kline" || ev.Symbol == "" {
		return
	}
	if !ev.Kline.IsClosed && !f.cfg.IncludeOpenCandles {
		return
	}

	price, err := strconv.ParseFloat(ev.Kline.Close, 64)
	if err != nil || price <= 0 {
		return
	}

	f.histMu.RLock()
	h, ok := f.histories[ev.Symbol]
	f.histMu.RUnlock()
	if !ok {
		return
	}

	ts := time.UnixMilli(ev.Kline.CloseTime).UTC()
	if f.cfg.IncludeOpenCandles && !ev.Kline.IsClosed {
		ts = time.UnixMilli(ev.EventTime).UTC()
	}
	h.append(price, ts)
}

// reconnect re-establishes the connection with bounded exponential backoff,
// preserving the symbol set. It returns once connected or the feed stops.
func (f *PriceFeed) reconnect() {
	bo := &backoff.Backoff{
		Min:    f.cfg.ReconnectMin,
		Max:    f.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-f.done:
			return
		case <-time.After(bo.Duration()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := f.connect(ctx)
		cancel()
		if err == nil {
			f.logger.Info("stream reconnected", slog.Int("attempt", int(bo.Attempt())))
			return
		}
		f.logger.Warn("reconnect failed", slog.String("error", err.Error()))
	}
}
