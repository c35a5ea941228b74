// Package watermark persists per-table sync positions. A watermark is the
// (ordering time, primary key) of the last row written to the store; the
// next run resumes strictly after it. Watermarks only move forward unless
// explicitly reset.
package watermark

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// Backends.
const (
	BackendSQL  = "sql"
	BackendFile = "file"
)

// Watermark is the persisted position of one table.
type Watermark struct {
	Table          string    `json:"table"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	LastPrimaryKey string    `json:"last_primary_key"`
	LastRunAt      time.Time `json:"last_run_at"`
	// NumericKey is set for tables with an integer primary key
	NumericKey bool `json:"numeric_key,omitempty"`
}

// Cursor returns the extraction position the watermark stands for.
func (w Watermark) Cursor() source.Cursor {
	return source.Cursor{Ordering: w.LastUpdatedAt, PrimaryKey: w.LastPrimaryKey, NumericKey: w.NumericKey}
}

// At builds the watermark of table at cursor c.
func At(table string, c source.Cursor, runAt time.Time) Watermark {
	return Watermark{
		Table:          table,
		LastUpdatedAt:  c.Ordering.UTC(),
		LastPrimaryKey: c.PrimaryKey,
		LastRunAt:      runAt.UTC(),
		NumericKey:     c.NumericKey,
	}
}

// Store persists watermarks.
type Store interface {
	// Get returns the watermark of table; found is false when none exists.
	Get(ctx context.Context, table string) (wm Watermark, found bool, err error)
	// Advance stores wm. Moving a watermark backwards is a conflict.
	Advance(ctx context.Context, wm Watermark) error
	// Reset removes the watermark of table so the next run starts over.
	Reset(ctx context.Context, table string) error
	// List returns all watermarks ordered by table.
	List(ctx context.Context) ([]Watermark, error)
	Close() error
}

// Open creates the store selected by cfg.
func Open(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendSQL, "":
		return NewSQLStore(ctx, cfg.Driver, cfg.DSN, logger)
	case BackendFile:
		return NewFileStore(cfg.Path, logger)
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown watermark backend %q", cfg.Backend)
}

// checkAdvance rejects next when it would move current backwards.
func checkAdvance(current Watermark, found bool, next Watermark) error {
	if next.Table == "" {
		return errors.New(errors.ErrorTypeValidation, "watermark has no table")
	}
	if !found {
		return nil
	}
	if next.Cursor().Compare(current.Cursor()) < 0 {
		return errors.Newf(errors.ErrorTypeConflict,
			"watermark for %s would regress from (%s, %s) to (%s, %s)", next.Table,
			current.LastUpdatedAt.Format(time.RFC3339Nano), current.LastPrimaryKey,
			next.LastUpdatedAt.Format(time.RFC3339Nano), next.LastPrimaryKey).
			WithDetail("table", next.Table)
	}
	return nil
}

// keyedMutex serializes work per table.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
