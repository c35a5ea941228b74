package denorm

import (
	"context"
	"strings"

	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/config"
)

// Sources lists the tables whose rows feed the embedded value of spec: the
// join table and the target for many_to_many, the target otherwise.
func Sources(spec config.AssociationSpec) []string {
	if spec.Kind == config.ManyToMany {
		return []string{spec.JoinTable, spec.TargetTable}
	}
	return []string{spec.TargetTable}
}

// Owners returns the keys of the owner rows whose embedded value for spec
// depends on the given rows of table. Join rows and one_to_many children name
// their owner directly; changed targets are traced back through the join
// table or the owner's foreign key.
func (d *Denormalizer) Owners(ctx context.Context, owner source.SourceTable, spec config.AssociationSpec, table string, rows []source.Row) ([]string, error) {
	direct := ""
	switch {
	case spec.Kind == config.ManyToMany && strings.EqualFold(table, spec.JoinTable):
		direct = spec.JoinOwnerKey
	case spec.Kind == config.OneToMany && strings.EqualFold(table, spec.TargetTable):
		direct = spec.TargetOwnerKey
	case !strings.EqualFold(table, spec.TargetTable):
		return nil, nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	if direct != "" {
		for _, r := range rows {
			add(source.KeyString(r.Values[direct]))
		}
		return out, nil
	}

	targetKey := spec.TargetKeyOrDefault()
	keys := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		if v := r.Values[targetKey]; v != nil {
			keys = append(keys, v)
		}
	}
	for start := 0; start < len(keys); start += maxInList {
		end := min(start+maxInList, len(keys))
		query, args := d.ownersQuery(owner, spec, keys[start:end])
		if err := d.scanKeys(ctx, query, args, add); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ownersQuery selects the owners linked to the given targets: through live
// join rows for many_to_many, through the owner's foreign key for
// many_to_one.
func (d *Denormalizer) ownersQuery(owner source.SourceTable, spec config.AssociationSpec, keys []interface{}) (string, []interface{}) {
	q := d.src.Dialect().QuoteIdentifier
	var b strings.Builder
	if spec.Kind == config.ManyToMany {
		b.WriteString("SELECT DISTINCT j." + q(spec.JoinOwnerKey))
		b.WriteString(" FROM " + d.src.QualifiedName(owner.Schema, spec.JoinTable) + " j")
		b.WriteString(" WHERE j." + q(spec.JoinTargetKey) + " IN (" + d.placeholders(len(keys)) + ")")
		if spec.JoinSoftDeleteColumn != "" {
			b.WriteString(" AND j." + q(spec.JoinSoftDeleteColumn) + " IS NULL")
		}
		return b.String(), keys
	}
	b.WriteString("SELECT o." + q(owner.PrimaryKey))
	b.WriteString(" FROM " + d.src.QualifiedName(owner.Schema, owner.Name) + " o")
	b.WriteString(" WHERE o." + q(spec.OwnerKey) + " IN (" + d.placeholders(len(keys)) + ")")
	return b.String(), keys
}

func (d *Denormalizer) scanKeys(ctx context.Context, query string, args []interface{}, emit func(string)) error {
	rows, err := d.src.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return err
		}
		emit(source.KeyString(v))
	}
	return rows.Err()
}
