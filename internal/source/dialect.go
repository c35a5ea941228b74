package source

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// Catalog is the raw catalog description of one table. A nil *Catalog from
// Describe means the table does not exist in that schema.
type Catalog struct {
	Columns     []Column
	PrimaryKey  []string
	Unique      [][]string
	ForeignKeys []string
}

// Dialect abstracts the SQL differences between supported sources.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument
	Placeholder(n int) string
	// OrderingExpr wraps a timestamp expression so that it compares in time
	// order regardless of how the value was written
	OrderingExpr(expr string) string
	// OrderingValue is the bind value compared against OrderingExpr
	OrderingValue(t time.Time) interface{}
	// OrderingPrecision is the resolution ordering times compare at
	OrderingPrecision() time.Duration
	// Greatest returns the larger of two non-null expressions
	Greatest(a, b string) string
	DefaultSchema(ctx context.Context, db *sql.DB) (string, error)
	Describe(ctx context.Context, db *sql.DB, schema, table string) (*Catalog, error)
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case config.SourcePostgres, "postgres", "pg":
		return postgresDialect{}, nil
	case config.SourceMySQL:
		return mysqlDialect{}, nil
	case config.SourceSQLite, "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported source type %q", name)
	}
}

// applyKeys marks key flags on catalog columns.
func (c *Catalog) applyKeys() {
	byName := make(map[string]*Column, len(c.Columns))
	for i := range c.Columns {
		byName[c.Columns[i].Name] = &c.Columns[i]
	}
	if len(c.PrimaryKey) == 1 {
		if col, ok := byName[c.PrimaryKey[0]]; ok {
			col.PrimaryKey = true
		}
	}
	for _, u := range c.Unique {
		if len(u) != 1 {
			continue
		}
		if col, ok := byName[u[0]]; ok {
			col.Unique = true
		}
	}
	for _, fk := range c.ForeignKeys {
		if col, ok := byName[fk]; ok {
			col.ForeignKey = true
		}
	}
}

// collectKeys folds (constraint, type, column) rows into a catalog.
type keyRow struct {
	constraint string
	kind       string
	column     string
}

func (c *Catalog) addKeyRows(keys []keyRow) {
	unique := make(map[string][]string)
	var order []string
	for _, k := range keys {
		switch k.kind {
		case "PRIMARY KEY":
			c.PrimaryKey = append(c.PrimaryKey, k.column)
		case "UNIQUE":
			if _, ok := unique[k.constraint]; !ok {
				order = append(order, k.constraint)
			}
			unique[k.constraint] = append(unique[k.constraint], k.column)
		case "FOREIGN KEY":
			c.ForeignKeys = append(c.ForeignKeys, k.column)
		}
	}
	for _, name := range order {
		c.Unique = append(c.Unique, unique[name])
	}
}

func scanKeyRows(rows *sql.Rows) ([]keyRow, error) {
	defer rows.Close()
	var out []keyRow
	for rows.Next() {
		var k keyRow
		if err := rows.Scan(&k.constraint, &k.kind, &k.column); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
