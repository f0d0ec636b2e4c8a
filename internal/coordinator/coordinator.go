// Package coordinator drives the per-window trading sessions: market
// discovery, position entry with bounded retries, the per-position rebalance
// tick, settlement at window end, and the look-ahead refresh for the next
// window.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/strategy"
)

// PriceSource is the slice of the price feed the coordinator consumes.
type PriceSource interface {
	MarketData(symbol string) (domain.MarketData, bool)
}

// BookSource is the slice of the order-book feed the coordinator consumes.
type BookSource interface {
	Connect(ctx context.Context, assetIDs []string, replace bool) error
	WaitForBooks(ctx context.Context, id1, id2 string, timeout time.Duration) error
	Unsubscribe(ids []string) error
	LatestBook(id string) (domain.OrderbookSnapshot, bool)
}

// MarketFetcher resolves a market descriptor by slug.
type MarketFetcher interface {
	GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error)
}

// Notifier delivers best-effort operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Archiver receives a finished session for cold storage.
type Archiver interface {
	ArchiveSession(ctx context.Context, sess domain.MarketSession, pos domain.Position, trades []domain.Trade) error
}

// CoinTarget binds a tracked coin to its slug prefix and price symbol.
type CoinTarget struct {
	SlugPrefix string
	Symbol     string
}

// Config holds coordinator tuning. Timezone must be the venue-local zone
// used to format window slugs.
type Config struct {
	Coins            map[string]CoinTarget
	Shares           float64
	MinConfidence    float64
	MaxPrice         float64
	TickInterval     time.Duration
	MaxEntryAttempts int
	EntryBackoffBase time.Duration
	EntryBackoffMax  time.Duration
	RefreshLead      time.Duration
	BookTimeout      time.Duration
	Timezone         *time.Location
}

// Deps are the collaborators the coordinator drives. Mirror, Notifier and
// Archiver are optional; nil disables them.
type Deps struct {
	Prices    PriceSource
	Books     BookSource
	Markets   MarketFetcher
	Executor  domain.OrderExecutor
	Scorer    domain.DirectionScorer
	Policy    *strategy.Policy
	Positions domain.PositionStore
	Trades    domain.TradeStore
	Snapshots domain.SnapshotStore
	Sessions  domain.SessionStore
	Mirror    domain.SnapshotMirror
	Notifier  Notifier
	Archiver  Archiver
}

// session is the in-flight state for one tracked window.
type session struct {
	domain.MarketSession
	position domain.Position
	cancel   context.CancelFunc
}

// Coordinator owns every live session. One instance serves all configured
// coins.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	// live is keyed by session id, not coin: during the refresh lead the
	// next window's session coexists with the closing one, and Stop must
	// reach both.
	mu           sync.Mutex
	live         map[string]*session
	refreshTimer *time.Timer
	stopped      bool

	wg sync.WaitGroup
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "coordinator")),
		live:   make(map[string]*session),
	}
}

// Run discovers the current window for every configured coin, drives the
// resulting sessions, and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.discoverAll(ctx, time.Now())
	c.scheduleRefresh(ctx)

	<-ctx.Done()
	c.Stop()
	return ctx.Err()
}

// Stop cancels every per-position timer and pending refresh. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	for _, s := range c.live {
		if s.cancel != nil {
			s.cancel()
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// discoverAll runs window discovery for every configured coin at the given
// instant. Coins with a live active session for the same window are left
// alone.
func (c *Coordinator) discoverAll(ctx context.Context, at time.Time) {
	for coin, target := range c.cfg.Coins {
		if err := c.discover(ctx, coin, target, at); err != nil {
			c.logger.Error("discovery failed",
				slog.String("coin", coin),
				slog.String("error", err.Error()),
			)
		}
	}
}

// discover resolves the window containing at for one coin and starts (or
// recovers) its session.
func (c *Coordinator) discover(ctx context.Context, coin string, target CoinTarget, at time.Time) error {
	slug := windowSlug(target.SlugPrefix, at, c.cfg.Timezone)

	start, end, err := decodeWindow(slug, time.Now(), c.cfg.Timezone)
	if err != nil {
		return err
	}
	if !end.After(time.Now()) {
		c.logger.Debug("window already elapsed, skipping",
			slog.String("coin", coin), slog.String("slug", slug))
		return nil
	}

	c.mu.Lock()
	for _, existing := range c.live {
		if existing.Coin == coin && existing.Active && existing.Market.Slug == slug {
			c.mu.Unlock()
			return nil
		}
	}
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	market, err := c.deps.Markets.GetMarketBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("coordinator: fetch market %s: %w", slug, err)
	}
	if market.Closed {
		return nil
	}
	market.Slug = slug
	market.WindowEnd = end

	sess := &session{
		MarketSession: domain.MarketSession{
			ID:          uuid.NewString(),
			Coin:        coin,
			Symbol:      target.Symbol,
			Market:      market,
			WindowStart: start,
			WindowEnd:   end,
			Status:      domain.SessionStatusDiscovering,
			Active:      true,
		},
	}
	c.persistSession(ctx, sess)

	c.logger.Info("window discovered",
		slog.String("coin", coin),
		slog.String("slug", slug),
		slog.Time("window_end", end),
	)

	sessCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.live[sess.ID] = sess
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runSession(sessCtx, sess)
	}()
	return nil
}

// runSession carries one session from entry (or recovery) through its
// rebalance loop to settlement.
func (c *Coordinator) runSession(ctx context.Context, sess *session) {
	// An open position from a previous run re-enters the rebalance loop
	// directly.
	recovered, err := c.deps.Positions.GetOpenByCoin(ctx, sess.Coin)
	switch {
	case err == nil && recovered.MarketSlug == sess.Market.Slug:
		if err := c.prepareBooks(ctx, sess); err != nil {
			c.failSession(ctx, sess, err)
			return
		}
		sess.position = recovered
		sess.PositionID = recovered.ID
		sess.Status = domain.SessionStatusRebalancing
		c.persistSession(ctx, sess)
		c.logger.Info("recovered open position",
			slog.String("coin", sess.Coin),
			slog.String("position_id", recovered.ID),
		)
	case err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStoreUnavailable):
		if err := c.prepareBooks(ctx, sess); err != nil {
			c.failSession(ctx, sess, err)
			return
		}
		if err := c.enterPosition(ctx, sess); err != nil {
			c.failSession(ctx, sess, err)
			return
		}
	default:
		c.failSession(ctx, sess, err)
		return
	}

	c.rebalanceLoop(ctx, sess)
}

// prepareBooks subscribes both outcome tokens and waits for first data.
func (c *Coordinator) prepareBooks(ctx context.Context, sess *session) error {
	ids := []string{sess.Market.UpTokenID(), sess.Market.DownTokenID()}
	if err := c.deps.Books.Connect(ctx, ids, false); err != nil {
		return fmt.Errorf("coordinator: subscribe books: %w", err)
	}
	if err := c.deps.Books.WaitForBooks(ctx, ids[0], ids[1], c.cfg.BookTimeout); err != nil {
		return fmt.Errorf("coordinator: wait for books: %w", err)
	}
	return nil
}

// enterPosition scores a direction and buys the initial stake, retrying up
// to MaxEntryAttempts with linearly growing capped backoff.
func (c *Coordinator) enterPosition(ctx context.Context, sess *session) error {
	sess.Status = domain.SessionStatusEntering
	c.persistSession(ctx, sess)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxEntryAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * c.cfg.EntryBackoffBase
			if wait > c.cfg.EntryBackoffMax {
				wait = c.cfg.EntryBackoffMax
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = c.tryEntry(ctx, sess, attempt)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("entry attempt failed",
			slog.String("coin", sess.Coin),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	}

	return fmt.Errorf("coordinator: %w after %d attempts: %v",
		domain.ErrEntryExhausted, c.cfg.MaxEntryAttempts, lastErr)
}

func (c *Coordinator) tryEntry(ctx context.Context, sess *session, attempt int) error {
	md, ok := c.deps.Prices.MarketData(sess.Symbol)
	if !ok {
		return domain.ErrNoData
	}
	upBook, okUp := c.deps.Books.LatestBook(sess.Market.UpTokenID())
	downBook, okDown := c.deps.Books.LatestBook(sess.Market.DownTokenID())
	if !okUp || !okDown {
		return domain.ErrNoData
	}

	dec := c.deps.Scorer.Score(md, upBook, downBook)
	if dec.Confidence < c.cfg.MinConfidence {
		return fmt.Errorf("coordinator: confidence %.2f below %.2f (%s)",
			dec.Confidence, c.cfg.MinConfidence, dec.Reason)
	}

	tokenID := sess.Market.UpTokenID()
	book := upBook
	if dec.Side == domain.SideDown {
		tokenID = sess.Market.DownTokenID()
		book = downBook
	}
	if book.BestAsk <= 0 || book.BestAsk > c.cfg.MaxPrice {
		return fmt.Errorf("coordinator: %s ask %.3f outside (0, %.3f]", dec.Side, book.BestAsk, c.cfg.MaxPrice)
	}

	result, err := c.deps.Executor.Buy(ctx, tokenID, book.BestAsk, c.cfg.Shares)
	if err != nil {
		return fmt.Errorf("coordinator: entry buy: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("coordinator: entry order rejected: %s", result.Message)
	}

	cost := book.BestAsk * c.cfg.Shares
	pos := domain.Position{
		ID:             uuid.NewString(),
		Coin:           sess.Coin,
		MarketID:       sess.Market.ID,
		MarketSlug:     sess.Market.Slug,
		Side:           dec.Side,
		EntryPrice:     book.BestAsk,
		Shares:         c.cfg.Shares,
		CostBasis:      cost,
		ReferencePrice: md.WindowOpenPrice,
		WindowEnd:      sess.WindowEnd,
		Status:         domain.PositionStatusOpen,
		Confidence:     dec.Confidence,
		EntryTime:      time.Now(),
	}
	if dec.Side == domain.SideUp {
		pos.UpBalance = c.cfg.Shares
	} else {
		pos.DownBalance = c.cfg.Shares
	}

	if err := c.deps.Positions.Create(ctx, pos); err != nil {
		return fmt.Errorf("coordinator: persist position: %w", err)
	}
	c.recordTrade(ctx, pos, dec.Side, domain.TradeActionEntry, tokenID, c.cfg.Shares, book.BestAsk, dec.Reason, true, nil)

	sess.position = pos
	sess.PositionID = pos.ID
	sess.Status = domain.SessionStatusRebalancing
	c.persistSession(ctx, sess)

	c.logger.Info("position opened",
		slog.String("coin", sess.Coin),
		slog.String("side", string(dec.Side)),
		slog.Float64("price", book.BestAsk),
		slog.Float64("shares", c.cfg.Shares),
		slog.Int("attempt", attempt),
	)
	c.notify(ctx, "position_opened", "Position opened",
		fmt.Sprintf("%s %s %.1f @ %.3f (%s)", sess.Coin, dec.Side, c.cfg.Shares, book.BestAsk, dec.Reason))
	return nil
}

// rebalanceLoop ticks at a fixed interval until the window ends or ctx is
// cancelled. Ticks run inline on the loop goroutine, so one position's ticks
// never overlap; a slow tick simply delays the next.
func (c *Coordinator) rebalanceLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	closeTimer := time.NewTimer(time.Until(sess.WindowEnd))
	defer closeTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closeTimer.C:
			c.closeSession(ctx, sess, "window end")
			return
		case <-ticker.C:
			if c.rebalanceTick(ctx, sess) {
				c.closeSession(ctx, sess, "early close")
				return
			}
		}
	}
}

// rebalanceTick runs one policy evaluation. It returns true when the
// position qualifies for early settlement.
func (c *Coordinator) rebalanceTick(ctx context.Context, sess *session) (earlyClose bool) {
	md, ok := c.deps.Prices.MarketData(sess.Symbol)
	if !ok {
		return false
	}
	upBook, okUp := c.deps.Books.LatestBook(sess.Market.UpTokenID())
	downBook, okDown := c.deps.Books.LatestBook(sess.Market.DownTokenID())
	if !okUp || !okDown {
		return false
	}

	dec := c.deps.Policy.Evaluate(sess.position, md, upBook, downBook)
	if dec.Buy {
		c.applyRebalance(ctx, sess, dec)
	}

	c.persistSnapshot(ctx, sess, md, upBook, downBook)

	return c.deps.Policy.EarlyCloseEligible(sess.position, sess.WindowEnd, time.Now())
}

// applyRebalance executes a policy buy and persists the updated balances
// plus a trade row. Order failures are recorded but do not abort the
// session.
func (c *Coordinator) applyRebalance(ctx context.Context, sess *session, dec strategy.RebalanceDecision) {
	tokenID := sess.Market.UpTokenID()
	if dec.Side == domain.SideDown {
		tokenID = sess.Market.DownTokenID()
	}

	result, err := c.deps.Executor.Buy(ctx, tokenID, dec.Price, dec.Shares)
	if err != nil || !result.Success {
		msg := "order rejected"
		if err != nil {
			msg = err.Error()
		} else if result.Message != "" {
			msg = result.Message
		}
		c.logger.Warn("rebalance buy failed",
			slog.String("coin", sess.Coin),
			slog.String("error", msg),
		)
		c.recordTrade(ctx, sess.position, dec.Side, domain.TradeActionRebalance, tokenID, dec.Shares, dec.Price, dec.Reason, false, &msg)
		return
	}

	pos := &sess.position
	if dec.Side == domain.SideUp {
		pos.UpBalance += dec.Shares
	} else {
		pos.DownBalance += dec.Shares
	}
	pos.CostBasis += dec.Price * dec.Shares
	if pos.Imbalance() == 0 {
		pos.Status = domain.PositionStatusHedged
	}

	if err := c.deps.Positions.UpdateBalances(ctx, pos.ID, pos.UpBalance, pos.DownBalance, pos.CostBasis); err != nil {
		c.logger.Error("persist balances failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	c.recordTrade(ctx, *pos, dec.Side, domain.TradeActionRebalance, tokenID, dec.Shares, dec.Price, dec.Reason, true, nil)

	c.logger.Info("rebalanced",
		slog.String("coin", sess.Coin),
		slog.String("side", string(dec.Side)),
		slog.Float64("shares", dec.Shares),
		slog.Float64("price", dec.Price),
		slog.String("reason", dec.Reason),
	)
}

// closeSession settles the position from final balances, persists terminal
// state, and releases the book subscriptions.
func (c *Coordinator) closeSession(ctx context.Context, sess *session, reason string) {
	pos := &sess.position
	payout, pnl := strategy.PayoutPnL(pos.UpBalance, pos.DownBalance, pos.CostBasis)

	exitPrice := 0.0
	if total := pos.UpBalance + pos.DownBalance; total > 0 {
		exitPrice = payout / total
	}
	if err := c.deps.Positions.Close(ctx, pos.ID, exitPrice, pnl); err != nil {
		c.logger.Error("persist close failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	c.recordTrade(ctx, *pos, pos.Side, domain.TradeActionSettle, "", pos.MatchedShares(), 1.0, reason, true, nil)

	sess.Status = domain.SessionStatusClosed
	sess.Active = false
	sess.PnL = pnl
	c.persistSession(ctx, sess)
	c.releaseSession(sess)

	c.logger.Info("session closed",
		slog.String("coin", sess.Coin),
		slog.String("reason", reason),
		slog.Float64("payout", payout),
		slog.Float64("pnl", pnl),
	)
	c.notify(ctx, "position_closed", "Position closed",
		fmt.Sprintf("%s %s: payout %.2f, pnl %+.2f", sess.Coin, reason, payout, pnl))
	c.archive(ctx, sess)
}

// failSession deactivates a session after an irrecoverable error.
func (c *Coordinator) failSession(ctx context.Context, sess *session, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	sess.Status = domain.SessionStatusFailed
	sess.Active = false
	c.persistSession(ctx, sess)
	c.releaseSession(sess)

	c.logger.Error("session failed",
		slog.String("coin", sess.Coin),
		slog.String("slug", sess.Market.Slug),
		slog.String("error", cause.Error()),
	)
	c.notify(ctx, "error", "Session failed",
		fmt.Sprintf("%s %s: %s", sess.Coin, sess.Market.Slug, cause))
}

// releaseSession drops the book subscriptions and removes the session from
// the live set.
func (c *Coordinator) releaseSession(sess *session) {
	ids := []string{sess.Market.UpTokenID(), sess.Market.DownTokenID()}
	if err := c.deps.Books.Unsubscribe(ids); err != nil {
		c.logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	delete(c.live, sess.ID)
	c.mu.Unlock()
}

// scheduleRefresh arms a one-shot timer a fixed lead before the earliest
// tracked window end; it re-runs discovery for the next window without
// disturbing live sessions, then re-arms.
func (c *Coordinator) scheduleRefresh(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	earliest := time.Time{}
	for _, s := range c.live {
		if earliest.IsZero() || s.WindowEnd.Before(earliest) {
			earliest = s.WindowEnd
		}
	}
	if earliest.IsZero() {
		// nothing live; look again at the top of the next hour
		earliest = time.Now().Truncate(time.Hour).Add(time.Hour)
	}

	wait := time.Until(earliest.Add(-c.cfg.RefreshLead))
	if wait < 0 {
		wait = 0
	}

	nextWindow := earliest.Add(time.Minute)
	c.refreshTimer = time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		c.discoverAll(ctx, nextWindow)
		c.scheduleRefresh(ctx)
	})
}

// persistSnapshot writes the per-tick market snapshot and mirrors it when a
// mirror is configured. Best effort on both paths.
func (c *Coordinator) persistSnapshot(ctx context.Context, sess *session, md domain.MarketData, upBook, downBook domain.OrderbookSnapshot) {
	snap := domain.MarketSnapshot{
		Coin:       sess.Coin,
		Price:      md.CurrentPrice,
		Change1m:   md.PriceChange1m,
		Change5m:   md.PriceChange5m,
		Change15m:  md.PriceChange15m,
		Volatility: md.Volatility,
		UpBid:      upBook.BestBid,
		UpAsk:      upBook.BestAsk,
		DownBid:    downBook.BestBid,
		DownAsk:    downBook.BestAsk,
		CreatedAt:  time.Now(),
	}
	if err := c.deps.Snapshots.Insert(ctx, snap); err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
		c.logger.Warn("persist snapshot failed", slog.String("error", err.Error()))
	}
	if c.deps.Mirror != nil {
		if err := c.deps.Mirror.SetSnapshot(ctx, snap); err != nil {
			c.logger.Debug("mirror snapshot failed", slog.String("error", err.Error()))
		}
		for _, book := range []domain.OrderbookSnapshot{upBook, downBook} {
			if err := c.deps.Mirror.SetBook(ctx, book); err != nil {
				c.logger.Debug("mirror book failed", slog.String("error", err.Error()))
			}
		}
	}
}

// recordTrade appends a trade row. Failures are logged, not fatal: the trade
// log is an audit trail, not a precondition.
func (c *Coordinator) recordTrade(ctx context.Context, pos domain.Position, side domain.Side, action domain.TradeAction, tokenID string, shares, price float64, reason string, executed bool, execErr *string) {
	t := domain.Trade{
		PositionID:       pos.ID,
		Side:             side,
		Action:           action,
		TokenID:          tokenID,
		Shares:           shares,
		Price:            price,
		Cost:             round2(price * shares),
		UpBalanceAfter:   pos.UpBalance,
		DownBalanceAfter: pos.DownBalance,
		Reason:           reason,
		Executed:         executed,
		Error:            execErr,
		CreatedAt:        time.Now(),
	}
	if err := c.deps.Trades.Insert(ctx, t); err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
		c.logger.Warn("persist trade failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// notify forwards an operator alert when a notifier is configured.
func (c *Coordinator) notify(ctx context.Context, event, title, message string) {
	if c.deps.Notifier == nil {
		return
	}
	if err := c.deps.Notifier.Notify(ctx, event, title, message); err != nil {
		c.logger.Debug("notify failed", slog.String("error", err.Error()))
	}
}

// archive ships a closed session to cold storage when an archiver is
// configured.
func (c *Coordinator) archive(ctx context.Context, sess *session) {
	if c.deps.Archiver == nil {
		return
	}
	trades, err := c.deps.Trades.ListByPosition(ctx, sess.position.ID)
	if err != nil {
		c.logger.Warn("archive: list trades failed", slog.String("error", err.Error()))
	}
	if err := c.deps.Archiver.ArchiveSession(ctx, sess.MarketSession, sess.position, trades); err != nil {
		c.logger.Warn("archive failed", slog.String("error", err.Error()))
	}
}

// persistSession upserts the session row. Best effort.
func (c *Coordinator) persistSession(ctx context.Context, sess *session) {
	if err := c.deps.Sessions.Upsert(ctx, sess.MarketSession); err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
		c.logger.Warn("persist session failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
