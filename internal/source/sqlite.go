package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/ajitpratap0/lakesync/pkg/config"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return config.SourceSQLite }

func (sqliteDialect) QuoteIdentifier(name string) string { return quoteWith(`"`, name) }

func (sqliteDialect) Placeholder(int) string { return "?" }

// sqliteOrderingLayout is what julianday reads back at full precision.
const sqliteOrderingLayout = "2006-01-02 15:04:05.000"

// OrderingExpr compares times as julian day numbers. SQLite stores DATETIME
// as text, and rows written by other clients need not share the driver's
// layout, so a textual comparison can misorder equal instants.
func (sqliteDialect) OrderingExpr(expr string) string { return "julianday(" + expr + ")" }

func (sqliteDialect) OrderingValue(t time.Time) interface{} {
	return t.UTC().Format(sqliteOrderingLayout)
}

// OrderingPrecision matches julianday, which resolves milliseconds.
func (sqliteDialect) OrderingPrecision() time.Duration { return time.Millisecond }

func (sqliteDialect) Greatest(a, b string) string { return "MAX(" + a + ", " + b + ")" }

// SQLiteDSN makes sure the driver writes times in a layout julianday can
// read, which keyset comparisons on DATETIME columns rely on.
func SQLiteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

func (sqliteDialect) open(cfg config.SourceConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (sqliteDialect) DefaultSchema(context.Context, *sql.DB) (string, error) {
	return "main", nil
}

func (d sqliteDialect) Describe(ctx context.Context, db *sql.DB, schema, table string) (*Catalog, error) {
	attached, err := sqliteHasSchema(ctx, db, schema)
	if err != nil || !attached {
		return nil, err
	}
	prefix := d.QuoteIdentifier(schema) + "."

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA %stable_info(%s)", prefix, d.QuoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	cat := &Catalog{}
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, err
		}
		c := Column{
			Name:       name,
			SourceType: strings.ToLower(colType),
			Nullable:   notnull == 0,
			Position:   cid + 1,
			Length:     declaredLength(colType),
		}
		if pk > 0 {
			pks = append(pks, pkCol{name: name, pos: pk})
		}
		cat.Columns = append(cat.Columns, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(cat.Columns) == 0 {
		return nil, nil
	}
	cat.PrimaryKey = make([]string, len(pks))
	for _, p := range pks {
		if p.pos-1 < len(cat.PrimaryKey) {
			cat.PrimaryKey[p.pos-1] = p.name
		}
	}

	uniques, err := d.uniqueIndexes(ctx, db, prefix, table)
	if err != nil {
		return nil, err
	}
	cat.Unique = uniques

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA %sforeign_key_list(%s)", prefix, d.QuoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	for fkRows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			fkRows.Close()
			return nil, err
		}
		cat.ForeignKeys = append(cat.ForeignKeys, from)
	}
	if err := fkRows.Err(); err != nil {
		fkRows.Close()
		return nil, err
	}
	fkRows.Close()

	cat.applyKeys()
	return cat, nil
}

func (d sqliteDialect) uniqueIndexes(ctx context.Context, db *sql.DB, prefix, table string) ([][]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA %sindex_list(%s)", prefix, d.QuoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, err
		}
		if unique == 1 && partial == 0 {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var out [][]string
	for _, name := range names {
		colRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA %sindex_info(%s)", prefix, d.QuoteIdentifier(name)))
		if err != nil {
			return nil, err
		}
		var cols []string
		expr := false
		for colRows.Next() {
			var seqno, cid int
			var colName sql.NullString
			if err := colRows.Scan(&seqno, &cid, &colName); err != nil {
				colRows.Close()
				return nil, err
			}
			if !colName.Valid {
				expr = true
				continue
			}
			cols = append(cols, colName.String)
		}
		err = colRows.Err()
		colRows.Close()
		if err != nil {
			return nil, err
		}
		if !expr {
			out = append(out, cols)
		}
	}
	return out, nil
}

func sqliteHasSchema(ctx context.Context, db *sql.DB, schema string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name string
		var file sql.NullString
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return false, err
		}
		if name == schema {
			return true, nil
		}
	}
	return false, rows.Err()
}

// declaredLength extracts N from declarations like VARCHAR(N).
func declaredLength(decl string) int {
	open := strings.IndexByte(decl, '(')
	if open < 0 {
		return 0
	}
	end := strings.IndexAny(decl[open:], ",)")
	if end < 0 {
		return 0
	}
	n := 0
	for _, r := range strings.TrimSpace(decl[open+1 : open+end]) {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
