package watermark

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// TableName is the state table holding watermarks.
const TableName = "sync_watermarks"

// SQLStore keeps watermarks in a SQLite or Postgres table. Advances run as a
// compare-then-upsert transaction under a per-table lock.
type SQLStore struct {
	db      *sql.DB
	dialect source.Dialect
	locks   *keyedMutex
	logger  *zap.Logger
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLStore opens the state database and creates the watermark table.
func NewSQLStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, err := source.DialectFor(driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect.Name() {
	case config.SourceSQLite:
		db, err = sql.Open("sqlite", source.SQLiteDSN(dsn))
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	case config.SourcePostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "watermark store does not support %s", dialect.Name())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open watermark store")
	}

	s := &SQLStore{db: db, dialect: dialect, locks: newKeyedMutex(), logger: logger.With(zap.String("component", "watermarks"))}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB wraps an open database.
func NewSQLStoreFromDB(ctx context.Context, db *sql.DB, driver string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, err := source.DialectFor(driver)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect, locks: newKeyedMutex(), logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect.Name() == config.SourcePostgres {
		ts = "TIMESTAMPTZ"
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	table_name VARCHAR(255) NOT NULL PRIMARY KEY,
	last_updated_at ` + ts + ` NULL,
	last_primary_key TEXT NOT NULL DEFAULT '',
	last_run_at ` + ts + ` NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create watermark table")
	}
	return nil
}

func (s *SQLStore) ph(n int) string { return s.dialect.Placeholder(n) }

// Get returns the watermark of table.
func (s *SQLStore) Get(ctx context.Context, table string) (Watermark, bool, error) {
	return s.get(ctx, s.db, table, false)
}

func (s *SQLStore) get(ctx context.Context, q querier, table string, forUpdate bool) (Watermark, bool, error) {
	query := `SELECT last_updated_at, last_primary_key, last_run_at FROM ` + TableName +
		` WHERE table_name = ` + s.ph(1)
	if forUpdate && s.dialect.Name() == config.SourcePostgres {
		query += " FOR UPDATE"
	}

	var (
		updated sql.NullTime
		wm      = Watermark{Table: table}
	)
	err := q.QueryRowContext(ctx, query, table).Scan(&updated, &wm.LastPrimaryKey, &wm.LastRunAt)
	if err == sql.ErrNoRows {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read watermark").
			WithDetail("table", table)
	}
	if updated.Valid {
		wm.LastUpdatedAt = updated.Time.UTC()
	}
	wm.LastRunAt = wm.LastRunAt.UTC()
	return wm, true, nil
}

// Advance stores wm unless it regresses the stored watermark.
func (s *SQLStore) Advance(ctx context.Context, wm Watermark) error {
	unlock := s.locks.lock(wm.Table)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin watermark transaction")
	}
	defer func() { _ = tx.Rollback() }()

	current, found, err := s.get(ctx, tx, wm.Table, true)
	if err != nil {
		return err
	}
	if err := checkAdvance(current, found, wm); err != nil {
		return err
	}

	var updated interface{}
	if !wm.LastUpdatedAt.IsZero() {
		updated = wm.LastUpdatedAt.UTC()
	}
	runAt := wm.LastRunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	upsert := `INSERT INTO ` + TableName + ` (table_name, last_updated_at, last_primary_key, last_run_at)
VALUES (` + strings.Join([]string{s.ph(1), s.ph(2), s.ph(3), s.ph(4)}, ", ") + `)
ON CONFLICT (table_name) DO UPDATE SET
	last_updated_at = excluded.last_updated_at,
	last_primary_key = excluded.last_primary_key,
	last_run_at = excluded.last_run_at`
	if _, err := tx.ExecContext(ctx, upsert, wm.Table, updated, wm.LastPrimaryKey, runAt.UTC()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to write watermark").
			WithDetail("table", wm.Table)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to commit watermark").
			WithDetail("table", wm.Table)
	}

	s.logger.Debug("watermark advanced",
		zap.String("table", wm.Table),
		zap.Time("last_updated_at", wm.LastUpdatedAt),
		zap.String("last_primary_key", wm.LastPrimaryKey))
	return nil
}

// Reset deletes the watermark of table.
func (s *SQLStore) Reset(ctx context.Context, table string) error {
	unlock := s.locks.lock(table)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+TableName+` WHERE table_name = `+s.ph(1), table); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to reset watermark").WithDetail("table", table)
	}
	s.logger.Info("watermark reset", zap.String("table", table))
	return nil
}

// List returns every stored watermark.
func (s *SQLStore) List(ctx context.Context) ([]Watermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, last_updated_at, last_primary_key, last_run_at FROM `+TableName+` ORDER BY table_name`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list watermarks")
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var (
			wm      Watermark
			updated sql.NullTime
		)
		if err := rows.Scan(&wm.Table, &updated, &wm.LastPrimaryKey, &wm.LastRunAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan watermark")
		}
		if updated.Valid {
			wm.LastUpdatedAt = updated.Time.UTC()
		}
		wm.LastRunAt = wm.LastRunAt.UTC()
		out = append(out, wm)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list watermarks")
	}
	return out, nil
}

// Close closes the state database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
