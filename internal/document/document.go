// Package document turns extracted rows into canonical store documents.
//
// A Document is keyed by the lowercased primary key of its row, so writing
// the same row again replaces the earlier document rather than adding one.
// Column values are sanitized according to their introspected class; JSON
// columns become tagged Values, and a JSON column that cannot be parsed is
// dropped from the document and reported as a FieldError.
package document

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// Document is one store document.
type Document struct {
	ID      string
	Index   string
	Fields  map[string]Value
	Deleted bool
	// Position is the source row's place in the table order
	Position source.Cursor
}

// Source returns the document body as plain Go values.
func (d Document) Source() map[string]interface{} {
	out := make(map[string]interface{}, len(d.Fields))
	for k, v := range d.Fields {
		out[k] = v.Interface()
	}
	return out
}

// FieldError reports a column dropped from a document.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

// Builder converts rows of one table into documents for one index.
type Builder struct {
	table source.SourceTable
	index string
}

// NewBuilder creates a builder for rows of t written to index.
func NewBuilder(t source.SourceTable, index string) *Builder {
	return &Builder{table: t, index: index}
}

// Build converts row and its resolved associations into a document. Field
// errors do not prevent the document from being built; a missing primary
// key does.
func (b *Builder) Build(row source.Row, embedded map[string]Value) (Document, []FieldError, error) {
	if row.PrimaryKey == "" {
		return Document{}, nil, errors.New(errors.ErrorTypeData, "row has a null primary key").
			WithDetail("table", b.table.Name)
	}

	doc := Document{
		ID:       strings.ToLower(row.PrimaryKey),
		Index:    b.index,
		Fields:   make(map[string]Value, len(b.table.Columns)+len(embedded)),
		Position: row.Cursor,
	}

	var fieldErrs []FieldError
	for _, c := range b.table.Columns {
		v, err := b.sanitize(c, row.Values[c.Name])
		if err != nil {
			fieldErrs = append(fieldErrs, FieldError{Field: c.Name, Err: err})
			continue
		}
		doc.Fields[c.Name] = v
	}
	for name, v := range embedded {
		doc.Fields[name] = v
	}

	if col := b.table.SoftDeleteColumn; col != "" {
		doc.Deleted = row.Values[col] != nil
	}
	return doc, fieldErrs, nil
}

// Value sanitizes a single column value. Columns the table does not declare
// are converted without class information.
func (b *Builder) Value(column string, raw interface{}) (Value, error) {
	c, ok := b.table.Column(column)
	if !ok {
		c = source.Column{Name: column}
	}
	return b.sanitize(c, raw)
}

func (b *Builder) sanitize(c source.Column, raw interface{}) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	if b.table.IsKey(c.Name) {
		return String(source.KeyString(raw)), nil
	}

	switch c.Class {
	case source.ClassJSON:
		switch x := raw.(type) {
		case []byte:
			return ParseJSON(x)
		case string:
			return ParseJSON([]byte(x))
		}
		return FromInterface(raw), nil

	case source.ClassTimestamp:
		if ts, ok := source.ToTime(raw); ok {
			return String(FormatTime(ts)), nil
		}
		return Null(), fmt.Errorf("unparsable timestamp %q", fmt.Sprint(raw))

	case source.ClassBoolean:
		switch x := raw.(type) {
		case bool:
			return Bool(x), nil
		case int64:
			return Bool(x != 0), nil
		case []byte:
			return parseBool(string(x))
		case string:
			return parseBool(x)
		}

	case source.ClassInteger:
		switch x := raw.(type) {
		case int64:
			return Int(x), nil
		case int32:
			return Int(int64(x)), nil
		case []byte:
			return parseInt(string(x))
		case string:
			return parseInt(x)
		}

	case source.ClassFloat:
		switch x := raw.(type) {
		case float64:
			return Float(x), nil
		case float32:
			return Float(float64(x)), nil
		case int64:
			return Float(float64(x)), nil
		case []byte:
			return parseFloat(string(x))
		case string:
			return parseFloat(x)
		}

	case source.ClassIdentifier:
		return String(source.KeyString(raw)), nil
	}

	switch x := raw.(type) {
	case []byte:
		return String(strings.ToValidUTF8(string(x), "")), nil
	case string:
		return String(strings.ToValidUTF8(x, "")), nil
	case time.Time:
		return String(FormatTime(x)), nil
	}
	return FromInterface(raw), nil
}

// FormatTime renders t as RFC 3339 in UTC with nanoseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseBool(s string) (Value, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return Null(), err
	}
	return Bool(b), nil
}

func parseInt(s string) (Value, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Null(), err
	}
	return Int(n), nil
}

func parseFloat(s string) (Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Null(), err
	}
	return Float(f), nil
}
