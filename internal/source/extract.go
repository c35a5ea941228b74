package source

import (
	"cmp"
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// DefaultBatchSize is the number of rows fetched per batch.
const DefaultBatchSize = 1000

// Cursor is a position in a table's (ordering time, primary key) order.
type Cursor struct {
	Ordering   time.Time
	PrimaryKey string
	// NumericKey is set when the primary key column holds integers
	NumericKey bool
}

// IsZero reports whether c is the position before the first row.
func (c Cursor) IsZero() bool {
	return c.Ordering.IsZero() && c.PrimaryKey == ""
}

// Compare orders cursors by time, then by key. Keys of an integer primary
// key compare numerically, every other key compares as text.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Ordering.Before(o.Ordering):
		return -1
	case c.Ordering.After(o.Ordering):
		return 1
	}
	if c.NumericKey || o.NumericKey {
		a, aerr := strconv.ParseInt(c.PrimaryKey, 10, 64)
		b, berr := strconv.ParseInt(o.PrimaryKey, 10, 64)
		if aerr == nil && berr == nil {
			return cmp.Compare(a, b)
		}
	}
	return strings.Compare(c.PrimaryKey, o.PrimaryKey)
}

// Row is one extracted source row.
type Row struct {
	Values map[string]interface{}
	// PrimaryKey is the raw key as a string, "" when NULL
	PrimaryKey string
	Cursor     Cursor
}

// Extractor reads tables in keyset-ordered batches.
type Extractor struct {
	src       *Source
	batchSize int
}

// NewExtractor creates an extractor reading batchSize rows at a time.
func NewExtractor(src *Source, batchSize int) *Extractor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Extractor{src: src, batchSize: batchSize}
}

// BatchSize returns the configured batch size.
func (e *Extractor) BatchSize() int { return e.batchSize }

// Iterate returns an iterator over t starting strictly after from.
func (e *Extractor) Iterate(t SourceTable, from Cursor) *BatchIterator {
	return e.iterate(t, from, false)
}

// Changes iterates t in the order its rows last changed. Setting the soft
// delete column counts as a change even when updatedAt was left alone.
func (e *Extractor) Changes(t SourceTable, from Cursor) *BatchIterator {
	return e.iterate(t, from, true)
}

func (e *Extractor) iterate(t SourceTable, from Cursor, changes bool) *BatchIterator {
	d := e.src.Dialect()
	it := &BatchIterator{
		src:     e.src,
		table:   t,
		cursor:  from,
		limit:   e.batchSize,
		changes: changes,
		intKey:  integerKey(t),
	}

	pk := d.QuoteIdentifier(t.PrimaryKey)
	it.ordering = orderingExpr(d, t, changes)
	it.selectSQL = "SELECT " + e.columnList(t) + " FROM " + e.src.QualifiedName(t.Schema, t.Name)
	orderBy := pk
	if it.ordering != "" {
		orderBy = it.ordering + ", " + pk
		it.whereSQL = " WHERE (" + it.ordering + " > " + d.OrderingExpr(d.Placeholder(1)) +
			" OR (" + it.ordering + " = " + d.OrderingExpr(d.Placeholder(2)) + " AND " + pk + " > " + d.Placeholder(3) + "))"
	} else {
		it.whereSQL = " WHERE " + pk + " > " + d.Placeholder(1)
	}
	it.tailSQL = " ORDER BY " + orderBy + " LIMIT " + strconv.Itoa(e.batchSize)
	return it
}

// LastChange returns the position of the most recently changed row of t, in
// the order Changes walks. ok is false for an empty table.
func (e *Extractor) LastChange(ctx context.Context, t SourceTable) (c Cursor, ok bool, err error) {
	d := e.src.Dialect()
	pk := d.QuoteIdentifier(t.PrimaryKey)
	orderBy := pk + " DESC"
	if ord := orderingExpr(d, t, true); ord != "" {
		orderBy = ord + " DESC, " + orderBy
	}
	query := "SELECT " + e.columnList(t) + " FROM " + e.src.QualifiedName(t.Schema, t.Name) +
		" ORDER BY " + orderBy + " LIMIT 1"

	rows, err := e.src.DB().QueryContext(ctx, query)
	if err != nil {
		return Cursor{}, false, errors.Wrap(err, errors.ErrorTypeQuery, "last change query failed").
			WithDetail("table", t.Name)
	}
	out, err := scanRows(rows, t, cursorFunc(d, t, true))
	if err != nil {
		return Cursor{}, false, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read last change").
			WithDetail("table", t.Name)
	}
	if len(out) == 0 {
		return Cursor{}, false, nil
	}
	return out[0].Cursor, true, nil
}

// Fetch reads the rows of t with the given primary keys, in key order. Keys
// without a row are skipped.
func (e *Extractor) Fetch(ctx context.Context, t SourceTable, keys []string) ([]Row, error) {
	d := e.src.Dialect()
	intKey := integerKey(t)
	head := "SELECT " + e.columnList(t) + " FROM " + e.src.QualifiedName(t.Schema, t.Name) +
		" WHERE " + d.QuoteIdentifier(t.PrimaryKey) + " IN ("
	tail := ") ORDER BY " + d.QuoteIdentifier(t.PrimaryKey)

	var out []Row
	for start := 0; start < len(keys); start += maxFetchKeys {
		chunk := keys[start:min(start+maxFetchKeys, len(keys))]
		args := make([]interface{}, len(chunk))
		marks := make([]string, len(chunk))
		for i, k := range chunk {
			v, err := bindKey(t, k, intKey)
			if err != nil {
				return nil, err
			}
			args[i] = v
			marks[i] = d.Placeholder(i + 1)
		}
		rows, err := e.src.DB().QueryContext(ctx, head+strings.Join(marks, ", ")+tail, args...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "fetch by key failed").
				WithDetail("table", t.Name)
		}
		batch, err := scanRows(rows, t, cursorFunc(d, t, false))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read rows by key").
				WithDetail("table", t.Name)
		}
		out = append(out, batch...)
	}
	return out, nil
}

// maxFetchKeys bounds the bind parameters of one Fetch query.
const maxFetchKeys = 500

func (e *Extractor) columnList(t SourceTable) string {
	d := e.src.Dialect()
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = d.QuoteIdentifier(c.Name)
	}
	return strings.Join(cols, ", ")
}

// orderingExpr is COALESCE(updatedAt, createdAt), or whichever of the two
// exists. For change order the soft delete time is folded in with Greatest.
func orderingExpr(d Dialect, t SourceTable, changes bool) string {
	col := func(name string) string { return d.OrderingExpr(d.QuoteIdentifier(name)) }
	var expr string
	switch {
	case t.UpdatedAtColumn != "" && t.CreatedAtColumn != "":
		expr = "COALESCE(" + col(t.UpdatedAtColumn) + ", " + col(t.CreatedAtColumn) + ")"
	case t.UpdatedAtColumn != "":
		expr = col(t.UpdatedAtColumn)
	case t.CreatedAtColumn != "":
		expr = col(t.CreatedAtColumn)
	}
	if changes && expr != "" && tracksDeletes(t) {
		expr = d.Greatest(expr, "COALESCE("+col(t.SoftDeleteColumn)+", "+expr+")")
	}
	return expr
}

func tracksDeletes(t SourceTable) bool {
	sd := t.SoftDeleteColumn
	return sd != "" && sd != t.UpdatedAtColumn && sd != t.CreatedAtColumn
}

func integerKey(t SourceTable) bool {
	c, ok := t.Column(t.PrimaryKey)
	return ok && c.Class == ClassInteger
}

// bindKey converts a key rendered by KeyString back into a bind value.
func bindKey(t SourceTable, key string, intKey bool) (interface{}, error) {
	if !intKey {
		return key, nil
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "key is not an integer").
			WithDetail("table", t.Name).
			WithDetail("key", key)
	}
	return n, nil
}

// cursorFunc positions a scanned row at the precision the database compares
// ordering times at, so Go-side comparisons agree with the SQL order.
func cursorFunc(d Dialect, t SourceTable, changes bool) func(values map[string]interface{}, key string) Cursor {
	precision := d.OrderingPrecision()
	intKey := integerKey(t)
	return func(values map[string]interface{}, key string) Cursor {
		ts := OrderingTime(t, values)
		if changes {
			ts = ChangeTime(t, values)
		}
		if precision > 0 {
			ts = ts.Round(precision)
		}
		return Cursor{Ordering: ts, PrimaryKey: key, NumericKey: intKey}
	}
}

// BatchIterator yields consecutive batches of one table. It is not safe for
// concurrent use.
type BatchIterator struct {
	src     *Source
	table   SourceTable
	cursor  Cursor
	limit   int
	done    bool
	intKey  bool
	changes bool

	ordering  string
	selectSQL string
	whereSQL  string
	tailSQL   string
}

// Cursor returns the position after the last row returned.
func (it *BatchIterator) Cursor() Cursor { return it.cursor }

// Next returns the next batch. An empty batch means the table is exhausted.
func (it *BatchIterator) Next(ctx context.Context) ([]Row, error) {
	if it.done {
		return nil, nil
	}

	query, args, err := it.query()
	if err != nil {
		return nil, err
	}
	rows, err := it.src.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "batch query failed").
			WithDetail("table", it.table.Name)
	}
	batch, err := scanRows(rows, it.table, cursorFunc(it.src.Dialect(), it.table, it.changes))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read batch").
			WithDetail("table", it.table.Name)
	}

	if len(batch) < it.limit {
		it.done = true
	}
	if len(batch) > 0 {
		it.cursor = batch[len(batch)-1].Cursor
	}
	return batch, nil
}

func (it *BatchIterator) query() (string, []interface{}, error) {
	if it.cursor.IsZero() {
		return it.selectSQL + it.tailSQL, nil, nil
	}
	key, err := bindKey(it.table, it.cursor.PrimaryKey, it.intKey)
	if err != nil {
		return "", nil, err
	}
	if it.ordering == "" {
		return it.selectSQL + it.whereSQL + it.tailSQL, []interface{}{key}, nil
	}
	ts := it.src.Dialect().OrderingValue(it.cursor.Ordering)
	return it.selectSQL + it.whereSQL + it.tailSQL, []interface{}{ts, ts, key}, nil
}

func scanRows(rows *sql.Rows, t SourceTable, cursor func(map[string]interface{}, string) Cursor) ([]Row, error) {
	defer rows.Close()

	names := t.ColumnNames()
	var out []Row
	for rows.Next() {
		vals := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := Row{Values: make(map[string]interface{}, len(names))}
		for i, n := range names {
			r.Values[n] = vals[i]
		}
		r.PrimaryKey = KeyString(r.Values[t.PrimaryKey])
		r.Cursor = cursor(r.Values, r.PrimaryKey)
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrderingTime is updatedAt when set, createdAt otherwise, zero when the
// table has neither.
func OrderingTime(t SourceTable, values map[string]interface{}) time.Time {
	if t.UpdatedAtColumn != "" {
		if ts, ok := ToTime(values[t.UpdatedAtColumn]); ok {
			return ts
		}
	}
	if t.CreatedAtColumn != "" {
		if ts, ok := ToTime(values[t.CreatedAtColumn]); ok {
			return ts
		}
	}
	return time.Time{}
}

// ChangeTime is OrderingTime, or the soft delete time when that is later.
func ChangeTime(t SourceTable, values map[string]interface{}) time.Time {
	ts := OrderingTime(t, values)
	if ts.IsZero() || !tracksDeletes(t) {
		return ts
	}
	if deleted, ok := ToTime(values[t.SoftDeleteColumn]); ok && deleted.After(ts) {
		return deleted
	}
	return ts
}
