// Package denorm resolves configured associations for a batch of owner rows
// into embedded document values: arrays for many_to_many and one_to_many,
// objects for many_to_one.
package denorm

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/document"
	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// maxInList bounds the bind parameters of one association query.
const maxInList = 500

// correlation is the alias of the column linking a related row to its owner.
const correlation = "__owner"

// Failure records an association that fell back to its empty value.
type Failure struct {
	Field string
	Err   error
}

// Result maps owner primary key to embedded field values.
type Result map[string]map[string]document.Value

// Denormalizer queries association data for batches of owner rows.
type Denormalizer struct {
	src          *source.Source
	introspector *source.Introspector
	logger       *zap.Logger
}

// New creates a denormalizer. The introspector, when set, lets related
// values be sanitized by their column class.
func New(src *source.Source, introspector *source.Introspector, logger *zap.Logger) *Denormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Denormalizer{src: src, introspector: introspector, logger: logger}
}

// Resolve returns the embedded fields of every row for the given specs. Each
// row gets every field; a failed association yields an empty array (null for
// many_to_one) and a Failure.
func (d *Denormalizer) Resolve(ctx context.Context, owner source.SourceTable, specs []config.AssociationSpec, rows []source.Row) (Result, []Failure) {
	out := make(Result, len(rows))
	for _, r := range rows {
		out[r.PrimaryKey] = make(map[string]document.Value, len(specs))
	}
	if len(rows) == 0 {
		return out, nil
	}

	var failures []Failure
	for _, spec := range specs {
		values, err := d.resolve(ctx, owner, spec, rows)
		if err != nil {
			err = errors.Wrap(err, errors.ErrorTypeDenormalization, "association lookup failed").
				WithDetail("table", owner.Name).
				WithDetail("field", spec.Field)
			d.logger.Warn("association lookup failed, embedding empty value",
				zap.String("table", owner.Name),
				zap.String("field", spec.Field),
				zap.Error(err))
			failures = append(failures, Failure{Field: spec.Field, Err: err})
			values = nil
		}
		for _, r := range rows {
			v, ok := values[r.PrimaryKey]
			if !ok {
				v = emptyValue(spec)
			}
			out[r.PrimaryKey][spec.Field] = v
		}
	}
	return out, failures
}

func emptyValue(spec config.AssociationSpec) document.Value {
	if spec.Kind == config.ManyToOne {
		return document.Null()
	}
	return document.Array(nil)
}

func (d *Denormalizer) resolve(ctx context.Context, owner source.SourceTable, spec config.AssociationSpec, rows []source.Row) (map[string]document.Value, error) {
	target, err := d.target(ctx, owner, spec.TargetTable)
	if err != nil {
		return nil, err
	}
	builder := document.NewBuilder(target, "")

	if spec.Kind == config.ManyToOne {
		return d.resolveManyToOne(ctx, target, spec, rows, builder)
	}

	keys := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Values[owner.PrimaryKey])
	}

	grouped := make(map[string][]document.Value, len(rows))
	for start := 0; start < len(keys); start += maxInList {
		end := min(start+maxInList, len(keys))
		query, args := d.listQuery(owner, target, spec, keys[start:end])
		if err := d.collect(ctx, query, args, spec, builder, func(ownerKey string, obj document.Value) {
			if spec.Limit > 0 && len(grouped[ownerKey]) >= spec.Limit {
				return
			}
			grouped[ownerKey] = append(grouped[ownerKey], obj)
		}); err != nil {
			return nil, err
		}
	}

	out := make(map[string]document.Value, len(grouped))
	for _, r := range rows {
		out[r.PrimaryKey] = document.Array(grouped[r.PrimaryKey])
	}
	return out, nil
}

func (d *Denormalizer) resolveManyToOne(ctx context.Context, target source.SourceTable, spec config.AssociationSpec, rows []source.Row, builder *document.Builder) (map[string]document.Value, error) {
	seen := make(map[string]bool)
	var keys []interface{}
	for _, r := range rows {
		v := r.Values[spec.OwnerKey]
		if v == nil {
			continue
		}
		k := source.KeyString(v)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, v)
		}
	}

	targets := make(map[string]document.Value, len(keys))
	for start := 0; start < len(keys); start += maxInList {
		end := min(start+maxInList, len(keys))
		query, args := d.lookupQuery(target, spec, keys[start:end])
		if err := d.collect(ctx, query, args, spec, builder, func(key string, obj document.Value) {
			targets[key] = obj
		}); err != nil {
			return nil, err
		}
	}

	out := make(map[string]document.Value, len(rows))
	for _, r := range rows {
		if obj, ok := targets[source.KeyString(r.Values[spec.OwnerKey])]; ok {
			out[r.PrimaryKey] = obj
		} else {
			out[r.PrimaryKey] = document.Null()
		}
	}
	return out, nil
}

// listQuery selects related rows for many_to_many and one_to_many, ordered
// by owner and then by the configured ordering column.
func (d *Denormalizer) listQuery(owner, targetTable source.SourceTable, spec config.AssociationSpec, keys []interface{}) (string, []interface{}) {
	q := d.src.Dialect().QuoteIdentifier
	target := d.src.QualifiedName(targetTable.Schema, targetTable.Name)
	targetKey := "t." + q(spec.TargetKeyOrDefault())
	dir := " ASC"
	if spec.Descending() {
		dir = " DESC"
	}

	var b strings.Builder
	var ownerCol, orderCol string
	var where []string
	if spec.Kind == config.ManyToMany {
		ownerCol = "j." + q(spec.JoinOwnerKey)
		orderCol = "j." + q(spec.OrderByOrDefault())
		b.WriteString("SELECT " + ownerCol + " AS " + correlation + d.fieldList(spec))
		b.WriteString(" FROM " + d.src.QualifiedName(owner.Schema, spec.JoinTable) + " j")
		b.WriteString(" JOIN " + target + " t ON j." + q(spec.JoinTargetKey) + " = " + targetKey)
		if spec.JoinSoftDeleteColumn != "" {
			where = append(where, "j."+q(spec.JoinSoftDeleteColumn)+" IS NULL")
		}
	} else {
		ownerCol = "t." + q(spec.TargetOwnerKey)
		orderCol = "t." + q(spec.OrderByOrDefault())
		b.WriteString("SELECT " + ownerCol + " AS " + correlation + d.fieldList(spec))
		b.WriteString(" FROM " + target + " t")
	}
	if spec.TargetSoftDeleteColumn != "" {
		where = append(where, "t."+q(spec.TargetSoftDeleteColumn)+" IS NULL")
	}
	where = append(where, ownerCol+" IN ("+d.placeholders(len(keys))+")")

	b.WriteString(" WHERE " + strings.Join(where, " AND "))
	b.WriteString(" ORDER BY " + ownerCol + ", " + orderCol + dir + ", " + targetKey + dir)
	return b.String(), keys
}

// lookupQuery selects many_to_one targets by key.
func (d *Denormalizer) lookupQuery(target source.SourceTable, spec config.AssociationSpec, keys []interface{}) (string, []interface{}) {
	q := d.src.Dialect().QuoteIdentifier
	targetKey := "t." + q(spec.TargetKeyOrDefault())

	var b strings.Builder
	b.WriteString("SELECT " + targetKey + " AS " + correlation + d.fieldList(spec))
	b.WriteString(" FROM " + d.src.QualifiedName(target.Schema, target.Name) + " t")
	b.WriteString(" WHERE " + targetKey + " IN (" + d.placeholders(len(keys)) + ")")
	if spec.TargetSoftDeleteColumn != "" {
		b.WriteString(" AND t." + q(spec.TargetSoftDeleteColumn) + " IS NULL")
	}
	return b.String(), keys
}

func (d *Denormalizer) fieldList(spec config.AssociationSpec) string {
	q := d.src.Dialect().QuoteIdentifier
	var b strings.Builder
	for _, f := range spec.TargetFields {
		b.WriteString(", t." + q(f))
	}
	return b.String()
}

func (d *Denormalizer) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.src.Dialect().Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// target describes the related table. Without an introspector it is
// assumed to live next to the owner and its values are converted without
// class information.
func (d *Denormalizer) target(ctx context.Context, owner source.SourceTable, table string) (source.SourceTable, error) {
	if d.introspector == nil {
		return source.SourceTable{Name: table, Schema: owner.Schema}, nil
	}
	return d.introspector.Introspect(ctx, table)
}

// collect runs query and hands each related row, as an object without null
// members, to emit together with its owner key.
func (d *Denormalizer) collect(ctx context.Context, query string, args []interface{}, spec config.AssociationSpec, builder *document.Builder, emit func(ownerKey string, obj document.Value)) error {
	rows, err := d.src.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := len(spec.TargetFields) + 1
	for rows.Next() {
		vals := make([]interface{}, n)
		ptrs := make([]interface{}, n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		fields := make(map[string]document.Value, len(spec.TargetFields))
		for i, name := range spec.TargetFields {
			v, err := builder.Value(name, vals[i+1])
			if err != nil || v.IsNull() {
				continue
			}
			fields[name] = v
		}
		emit(source.KeyString(vals[0]), document.Object(fields))
	}
	return rows.Err()
}
