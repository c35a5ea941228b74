// Package source reads the relational side of a sync: catalog introspection
// and keyset-paginated batch extraction, over database/sql for every dialect.
package source

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// TypeClass is the dialect-neutral category of a column's source type.
type TypeClass string

const (
	ClassText        TypeClass = "text"
	ClassShortString TypeClass = "short_string"
	ClassInteger     TypeClass = "integer"
	ClassFloat       TypeClass = "float"
	ClassBoolean     TypeClass = "boolean"
	ClassTimestamp   TypeClass = "timestamp"
	ClassJSON        TypeClass = "json"
	ClassIdentifier  TypeClass = "identifier"
)

// Column is one introspected column.
type Column struct {
	Name       string
	SourceType string
	Class      TypeClass
	Nullable   bool
	Length     int
	Position   int
	PrimaryKey bool
	Unique     bool
	ForeignKey bool
}

// SourceTable is the introspected shape of a table. It is immutable for the
// duration of a run.
type SourceTable struct {
	Name             string
	Schema           string
	PrimaryKey       string
	SoftDeleteColumn string
	UpdatedAtColumn  string
	CreatedAtColumn  string
	Columns          []Column
}

// Column returns the named column.
func (t SourceTable) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns column names in ordinal order.
func (t SourceTable) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IsKey reports whether name is the primary key or a declared foreign key.
func (t SourceTable) IsKey(name string) bool {
	if name == t.PrimaryKey {
		return true
	}
	c, ok := t.Column(name)
	return ok && c.ForeignKey
}

// Source is an open, read-only connection to the relational database.
type Source struct {
	db      *sql.DB
	dialect Dialect
	schema  string
	logger  *zap.Logger

	pool *pgxpool.Pool
}

// Open connects to the source described by cfg.
func Open(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, err := DialectFor(cfg.Type)
	if err != nil {
		return nil, err
	}

	s := &Source{dialect: dialect, schema: cfg.Schema, logger: logger.With(zap.String("dialect", dialect.Name()))}
	switch d := dialect.(type) {
	case postgresDialect:
		s.db, s.pool, err = d.open(ctx, cfg)
	case mysqlDialect:
		s.db, err = d.open(cfg)
	case sqliteDialect:
		s.db, err = d.open(cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open source").
			WithDetail("dialect", dialect.Name())
	}

	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Info("source connected", zap.String("schema", cfg.Schema))
	return s, nil
}

// New wraps an already-open database.
func New(db *sql.DB, dialect Dialect, schema string, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{db: db, dialect: dialect, schema: schema, logger: logger}
}

// DB returns the underlying handle.
func (s *Source) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect of the source.
func (s *Source) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Source) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "source ping failed")
	}
	return nil
}

// Close releases the connection pool.
func (s *Source) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// QualifiedName returns the quoted schema.table reference.
func (s *Source) QualifiedName(schema, table string) string {
	if schema == "" {
		return s.dialect.QuoteIdentifier(table)
	}
	return s.dialect.QuoteIdentifier(schema) + "." + s.dialect.QuoteIdentifier(table)
}

func quoteWith(q string, name string) string {
	return q + strings.ReplaceAll(name, q, q+q) + q
}
