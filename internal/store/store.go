package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

var ErrNotFound = errors.New("not found")

// acquire retry schedule for transient pool exhaustion.
const (
	acquireAttempts     = 3
	acquireInitialDelay = 100 * time.Millisecond
	acquireMaxDelay     = time.Second
)

// Pool wraps pgxpool with acquire retries and a usage monitor.
type Pool struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	stop   chan struct{}
}

type PoolConfig struct {
	MinConns int32
	MaxConns int32
	// StatementTimeout bounds every command issued through the pool. It is
	// installed as the Postgres statement_timeout session parameter so it
	// also covers row streaming, which a per-call context deadline cannot
	// wrap without cancelling result reads.
	StatementTimeout time.Duration
}

func buildPoolConfig(url string, cfg PoolConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

func NewPool(ctx context.Context, url string, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	pc, err := buildPoolConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{db: db, logger: logger, stop: make(chan struct{})}, nil
}

func (p *Pool) DB() *pgxpool.Pool { return p.db }

func (p *Pool) Close() {
	close(p.stop)
	p.db.Close()
}

func (p *Pool) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

// AcquireWithRetry obtains a connection, retrying transient exhaustion with
// backoff before surfacing unavailability.
func (p *Pool) AcquireWithRetry(ctx context.Context) (*pgxpool.Conn, error) {
	delay := acquireInitialDelay
	var lastErr error
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		conn, err := p.db.Acquire(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < acquireAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 10
			if delay > acquireMaxDelay {
				delay = acquireMaxDelay
			}
		}
	}
	return nil, domain.UpstreamUnavailable("store", lastErr)
}

// MonitorLoop samples pool usage every interval and logs a resize proposal
// when sustained usage crosses the high or low watermark over the window.
func (p *Pool) MonitorLoop(interval time.Duration, window int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if window <= 0 {
		window = 120 // one hour at 30s samples
	}

	samples := make([]float64, 0, window)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			st := p.db.Stat()
			max := float64(st.MaxConns())
			if max == 0 {
				continue
			}
			usage := float64(st.AcquiredConns()) / max
			samples = append(samples, usage)
			if len(samples) > window {
				samples = samples[1:]
			}
			if len(samples) < window {
				continue
			}

			var sum float64
			for _, s := range samples {
				sum += s
			}
			avg := sum / float64(len(samples))
			switch {
			case avg > 0.8:
				p.logger.Warn("pool usage sustained above 80%, consider raising max conns",
					zap.Float64("avg_usage", avg), zap.Int32("max_conns", st.MaxConns()))
			case avg < 0.3:
				p.logger.Info("pool usage sustained below 30%, consider lowering max conns",
					zap.Float64("avg_usage", avg), zap.Int32("max_conns", st.MaxConns()))
			}
		}
	}
}

// visibilityPredicate renders the user-scope read predicate. It appends the
// tenant id (and user id unless the caller holds memories.manage) to args and
// returns the SQL fragment. Every memory read goes through this. prefix
// qualifies column names when the memories table is aliased in a join.
func visibilityPredicate(rc domain.RequestContext, args *[]any, prefix string) string {
	*args = append(*args, rc.TenantID)
	tenantParam := len(*args)

	if rc.CanManageMemories() {
		return fmt.Sprintf("%stenant_id = $%d", prefix, tenantParam)
	}

	*args = append(*args, rc.UserID)
	userParam := len(*args)
	return fmt.Sprintf(
		"%stenant_id = $%d AND (%svisibility IN ('public', 'team') OR (%svisibility = 'private' AND %screated_by = $%d))",
		prefix, tenantParam, prefix, prefix, prefix, userParam,
	)
}
