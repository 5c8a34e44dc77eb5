package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS session_checkpoint_jobs (
	job_id     TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	payload    JSONB NOT NULL,
	status     TEXT NOT NULL,
	attempts   INT NOT NULL DEFAULT 0,
	last_error TEXT,
	queued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const jobsIndex = `
CREATE INDEX IF NOT EXISTS session_checkpoint_jobs_status_queued_at
	ON session_checkpoint_jobs (status, queued_at)`

// PostgresStore implements RelationalStore over database/sql with the
// pgx driver.
type PostgresStore struct {
	cfg config.RelationalConfig
	db  *sql.DB

	initialized atomic.Bool
}

func NewPostgresStore(cfg config.RelationalConfig) *PostgresStore {
	return &PostgresStore{cfg: cfg}
}

// NewPostgresStoreWithDB wires an existing handle, used by tests to
// inject a mock.
func NewPostgresStoreWithDB(cfg config.RelationalConfig, db *sql.DB) *PostgresStore {
	s := &PostgresStore{cfg: cfg, db: db}
	s.initialized.Store(true)
	return s
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	db, err := sql.Open("pgx", s.cfg.URL)
	if err != nil {
		return &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	db.SetMaxOpenConns(s.cfg.MaxConnections)
	db.SetMaxIdleConns(s.cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	s.db = db
	s.initialized.Store(true)
	log.Info().Int("max_conns", s.cfg.MaxConnections).Msg("🐘 relational store connected")
	return nil
}

func (s *PostgresStore) Close(context.Context) error {
	if s.db == nil {
		return nil
	}
	s.initialized.Store(false)
	return s.db.Close()
}

func (s *PostgresStore) IsInitialized() bool { return s.initialized.Load() }

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		metrics.StoreUp.WithLabelValues("relational").Set(0)
		return &types.ErrStoreUnavailable{Store: "relational", Err: fmt.Errorf("not initialized")}
	}
	if err := s.db.PingContext(ctx); err != nil {
		metrics.StoreUp.WithLabelValues("relational").Set(0)
		return &types.ErrStoreUnavailable{Store: "relational", Err: err}
	}
	metrics.StoreUp.WithLabelValues("relational").Set(1)
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	ctx, cancel := s.withTimeout(ctx, 0)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	metrics.StoreQueryDuration.WithLabelValues("relational", "query").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("relational", "query").Inc()
		return nil, fmt.Errorf("relational query: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

func (s *PostgresStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := s.withTimeout(ctx, 0)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	metrics.StoreQueryDuration.WithLabelValues("relational", "exec").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("relational", "exec").Inc()
		return 0, fmt.Errorf("relational exec: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// Transaction runs fn inside one transaction at the requested
// isolation level, rolling back on any error.
func (s *PostgresStore) Transaction(ctx context.Context, opts *TxOptions, fn func(tx RelationalQuerier) error) error {
	var timeout time.Duration
	sqlOpts := &sql.TxOptions{}
	if opts != nil {
		timeout = opts.Timeout
		sqlOpts.Isolation = opts.Isolation
	}
	ctx, cancel := s.withTimeout(ctx, timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, sqlOpts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// BulkQuery runs the statements sequentially inside one transaction.
func (s *PostgresStore) BulkQuery(ctx context.Context, stmts []Statement) error {
	return s.Transaction(ctx, nil, func(tx RelationalQuerier) error {
		for i, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
				return fmt.Errorf("bulk statement %d: %w", i, err)
			}
		}
		return nil
	})
}

// SetupSchema creates the session checkpoint job table and its pending
// scan index. Idempotent.
func (s *PostgresStore) SetupSchema(ctx context.Context) error {
	for _, stmt := range []string{jobsSchema, jobsIndex} {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("setup schema: %w", err)
		}
	}
	log.Info().Msg("relational schema ready")
	return nil
}

func (s *PostgresStore) withTimeout(ctx context.Context, override time.Duration) (context.Context, context.CancelFunc) {
	timeout := s.cfg.QueryTimeout.D()
	if override > 0 {
		timeout = override
	}
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tx query: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("tx exec: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
