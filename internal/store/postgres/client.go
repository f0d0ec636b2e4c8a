// Package postgres implements the durable store on PostgreSQL via pgx. The
// client monitors backend health, queues writes during outages, and replays
// them in strict arrival order once a validated connection is back.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// State is the connectivity state of the durable store.
type State int

const (
	StateHealthy State = iota
	StateReconnecting
)

func (s State) String() string {
	if s == StateHealthy {
		return "healthy"
	}
	return "reconnecting"
}

// backend is the slice of pgxpool.Pool the client needs. Tests substitute a
// fake; production always uses a pool.
type backend interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ backend = (*pgxpool.Pool)(nil)

// connector opens a fresh backend for a reconnect trial.
type connector func(ctx context.Context) (backend, error)

// Stmt is one SQL statement with its arguments.
type Stmt struct {
	SQL  string
	Args []any
}

type opKind int

const (
	opExec opKind = iota
	opTx
)

// pendingOp is a write captured while the backend is unhealthy. It exists
// only between "store unhealthy" and "replay completes". The done channel is
// the deferred result; it is written exactly once.
type pendingOp struct {
	kind       opKind
	stmt       Stmt
	stmts      []Stmt
	enqueuedAt time.Time
	done       chan error
}

// ClientConfig holds connection and durability parameters.
type ClientConfig struct {
	DSN           string
	Host          string
	Port          int
	Database      string
	User          string
	Password      string
	SSLMode       string
	MaxConns      int
	MinConns      int
	MaxQueue      int
	ProbeInterval time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

// DSN builds a PostgreSQL connection string from the given config.
func DSN(cfg ClientConfig) string {
	if strings.TrimSpace(cfg.DSN) != "" {
		return cfg.DSN
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database, sslMode,
	)
}

// Client is the durable store. Writes submitted while the backend is down are
// queued FIFO (bounded) and replayed in arrival order after a trial
// connection validates; reads fail fast with domain.ErrStoreUnavailable so
// callers can skip a tick instead of blocking on a dead backend.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu      sync.Mutex
	db      backend
	state   State
	queue   []*pendingOp
	closed  bool
	// reconnecting is true while one reconnect loop owns recovery.
	reconnecting bool

	connect connector

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Client, establishes the initial pool, and starts the
// periodic health probe.
func New(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 500
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "durable_store")),
		connect: poolConnector(cfg),
		done:    make(chan struct{}),
	}

	db, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	c.db = db
	c.state = StateHealthy

	c.wg.Add(1)
	go c.probeLoop()

	return c, nil
}

// poolConnector returns the production connector: a pgxpool dial that
// prefers IPv4 but gracefully handles IPv6-only endpoints.
func poolConnector(cfg ClientConfig) connector {
	return func(ctx context.Context) (backend, error) {
		poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxConns)
		}
		if cfg.MinConns > 0 {
			poolCfg.MinConns = int32(cfg.MinConns)
		}

		poolCfg.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("split host/port %q: %w", addr, err)
			}
			dialer := &net.Dialer{}

			if ip := net.ParseIP(host); ip != nil {
				if ip.To4() != nil {
					return dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
				}
				return dialer.DialContext(ctx, "tcp6", net.JoinHostPort(ip.String(), port))
			}

			ipv4s, err4 := net.DefaultResolver.LookupIP(ctx, "ip4", host)
			for _, ip := range ipv4s {
				conn, dialErr := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
				if dialErr == nil {
					return conn, nil
				}
			}

			conn, err := dialer.DialContext(ctx, network, addr)
			if err == nil {
				return conn, nil
			}
			return nil, fmt.Errorf("dial %q failed: %w", addr, errors.Join(err4, err))
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}
}

// State reports the current connectivity state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen reports the number of pending operations.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Exec runs a single write statement. When the backend is healthy the
// statement executes immediately; otherwise the call joins the FIFO backlog
// and blocks (ctx-bounded) until replayed. A full backlog fails immediately
// with domain.ErrQueueFull. A caller whose ctx expires while queued gets the
// ctx error, but the write itself stays queued and still replays.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) error {
	return c.submit(ctx, &pendingOp{
		kind:       opExec,
		stmt:       Stmt{SQL: sql, Args: args},
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	})
}

// ExecTx runs several statements in one transaction, with the same queueing
// behavior as Exec.
func (c *Client) ExecTx(ctx context.Context, stmts []Stmt) error {
	return c.submit(ctx, &pendingOp{
		kind:       opTx,
		stmts:      stmts,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	})
}

func (c *Client) submit(ctx context.Context, op *pendingOp) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrStoreClosed
	}

	if c.state == StateHealthy {
		db := c.db
		c.mu.Unlock()

		err := c.apply(ctx, db, op)
		if err == nil || !isConnErr(err) {
			return err
		}
		// Connection-shaped failure: fall through to the outage path so the
		// write is not lost, and kick off recovery.
		c.mu.Lock()
		c.markUnhealthyLocked(err)
	}

	// Reconnecting (or just transitioned): enqueue.
	if len(c.queue) >= c.cfg.MaxQueue {
		c.mu.Unlock()
		return fmt.Errorf("postgres: %w (%d pending)", domain.ErrQueueFull, c.cfg.MaxQueue)
	}
	c.queue = append(c.queue, op)
	c.mu.Unlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs a read. Reads are not queued: while the store is reconnecting
// they fail fast with domain.ErrStoreUnavailable and the caller retries on
// its next tick.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrStoreClosed
	}
	if c.state != StateHealthy {
		c.mu.Unlock()
		return nil, domain.ErrStoreUnavailable
	}
	db := c.db
	c.mu.Unlock()

	rows, err := db.Query(ctx, sql, args...)
	if err != nil && isConnErr(err) {
		c.mu.Lock()
		c.markUnhealthyLocked(err)
		c.mu.Unlock()
	}
	return rows, err
}

// QueryRow runs a single-row read with the same availability behavior as
// Query. Scan surfaces any availability error.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errRow{domain.ErrStoreClosed}
	}
	if c.state != StateHealthy {
		c.mu.Unlock()
		return errRow{domain.ErrStoreUnavailable}
	}
	db := c.db
	c.mu.Unlock()

	return db.QueryRow(ctx, sql, args...)
}

// errRow is a pgx.Row that fails with a fixed error.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// HealthCheck probes backend liveness. A failed probe while healthy starts
// recovery.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrStoreClosed
	}
	if c.state != StateHealthy {
		c.mu.Unlock()
		return domain.ErrStoreUnavailable
	}
	db := c.db
	c.mu.Unlock()

	if err := db.Ping(ctx); err != nil {
		c.mu.Lock()
		c.markUnhealthyLocked(err)
		c.mu.Unlock()
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}

// Close enters shutdown: new calls are rejected immediately, queued calls
// are failed with domain.ErrStoreClosed, and the pool is released.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)

	for _, op := range c.queue {
		op.done <- domain.ErrStoreClosed
	}
	c.queue = nil

	db := c.db
	c.db = nil
	c.mu.Unlock()

	c.wg.Wait()
	if db != nil {
		db.Close()
	}
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// markUnhealthyLocked flips to Reconnecting and starts the single recovery
// loop. Caller must hold c.mu.
func (c *Client) markUnhealthyLocked(cause error) {
	if c.closed {
		return
	}
	if c.state != StateReconnecting {
		c.state = StateReconnecting
		c.logger.Warn("backend unhealthy, queueing writes", slog.String("cause", cause.Error()))
	}
	if !c.reconnecting {
		c.reconnecting = true
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop dials trial connections with bounded exponential backoff.
// Each trial is validated independently before promotion; only then does the
// backlog replay.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	bo := &backoff.Backoff{
		Min:    c.cfg.ReconnectMin,
		Max:    c.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-c.done:
			return
		case <-time.After(bo.Duration()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		trial, err := c.connect(ctx)
		if err == nil {
			err = c.validate(ctx, trial)
			if err != nil {
				trial.Close()
			}
		}
		cancel()

		if err != nil {
			c.logger.Warn("reconnect trial failed",
				slog.Int("attempt", int(bo.Attempt())),
				slog.String("error", err.Error()),
			)
			continue
		}

		// Promote the trial, drain and close the old pool.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			trial.Close()
			return
		}
		old := c.db
		c.db = trial
		c.mu.Unlock()
		if old != nil {
			old.Close()
		}

		c.logger.Info("backend reconnected, replaying backlog")
		c.replay(trial)
		return
	}
}

// validate checks schema and permissions on a trial connection before it may
// become the live one.
func (c *Client) validate(ctx context.Context, db backend) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var ok bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'positions')`,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("schema probe: %w", err)
	}
	if !ok {
		return fmt.Errorf("schema probe: positions table missing")
	}
	return nil
}

// replay drains the backlog in strict arrival order. Calls arriving during
// replay queue behind it; the state flips back to Healthy only once the
// queue is observed empty. A failing operation rejects only its own deferred
// result and is not requeued.
func (c *Client) replay(db backend) {
	replayed := 0
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.state = StateHealthy
			c.reconnecting = false
			c.mu.Unlock()
			c.logger.Info("backlog replayed", slog.Int("operations", replayed))
			return
		}
		op := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		op.done <- c.apply(ctx, db, op)
		cancel()
		replayed++
	}
}

// apply executes one operation against db.
func (c *Client) apply(ctx context.Context, db backend, op *pendingOp) error {
	switch op.kind {
	case opTx:
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		for _, s := range op.stmts {
			if _, err := tx.Exec(ctx, s.SQL, s.Args...); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("postgres: tx exec: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit: %w", err)
		}
		return nil
	default:
		if _, err := db.Exec(ctx, op.stmt.SQL, op.stmt.Args...); err != nil {
			return fmt.Errorf("postgres: exec: %w", err)
		}
		return nil
	}
}

// probeLoop periodically pings the live backend so outages and recoveries
// are detected even absent caller traffic.
func (c *Client) probeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.HealthCheck(ctx)
			cancel()
			if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) && !errors.Is(err, domain.ErrStoreClosed) {
				c.logger.Warn("health probe failed", slog.String("error", err.Error()))
			}
		}
	}
}

// isConnErr reports whether err looks like lost connectivity rather than a
// SQL-level failure (which should surface to the caller directly).
func isConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01/57P02/57P03 are shutdown codes.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	if pgconn.Timeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "closed pool") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "broken pipe")
}

// RunMigrations reads embedded SQL files from the migrations/ directory,
// applies them in lexicographic order, and tracks applied migrations in a
// schema_migrations table.
func (c *Client) RunMigrations(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return domain.ErrStoreClosed
	}

	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := db.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)",
			entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
