package source

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// DefaultSoftDeletePattern matches the usual deletion-marker column names.
const DefaultSoftDeletePattern = `(?i)^(deleted|removed|archived)_?(at|on|date)$`

// IntrospectOptions tunes how catalog data becomes a SourceTable.
type IntrospectOptions struct {
	SoftDeletePattern string
	ShortStringMax    int
}

// Introspector builds and caches SourceTable descriptions.
type Introspector struct {
	src            *Source
	softDelete     *regexp.Regexp
	shortStringMax int

	mu    sync.RWMutex
	cache map[string]SourceTable
}

// NewIntrospector creates an introspector over src.
func NewIntrospector(src *Source, opts IntrospectOptions) (*Introspector, error) {
	pattern := opts.SoftDeletePattern
	if pattern == "" {
		pattern = DefaultSoftDeletePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid soft-delete pattern")
	}
	return &Introspector{
		src:            src,
		softDelete:     re,
		shortStringMax: opts.ShortStringMax,
		cache:          make(map[string]SourceTable),
	}, nil
}

// Introspect returns the description of table, from cache when available.
func (i *Introspector) Introspect(ctx context.Context, table string) (SourceTable, error) {
	i.mu.RLock()
	t, ok := i.cache[table]
	i.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := i.describe(ctx, table)
	if err != nil {
		return SourceTable{}, err
	}

	i.mu.Lock()
	i.cache[table] = t
	i.mu.Unlock()
	return t, nil
}

// Invalidate drops the cached description of table.
func (i *Introspector) Invalidate(table string) {
	i.mu.Lock()
	delete(i.cache, table)
	i.mu.Unlock()
}

func (i *Introspector) describe(ctx context.Context, table string) (SourceTable, error) {
	dialect := i.src.Dialect()
	schemas := make([]string, 0, 2)
	if i.src.schema != "" {
		schemas = append(schemas, i.src.schema)
	}
	def, err := dialect.DefaultSchema(ctx, i.src.DB())
	if err != nil {
		return SourceTable{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to resolve default schema").
			WithDetail("table", table)
	}
	if def != "" && def != i.src.schema {
		schemas = append(schemas, def)
	}

	for _, schema := range schemas {
		cat, err := dialect.Describe(ctx, i.src.DB(), schema, table)
		if err != nil {
			return SourceTable{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read catalog").
				WithDetail("table", table).
				WithDetail("schema", schema)
		}
		if cat == nil {
			continue
		}
		if schema != i.src.schema {
			i.src.logger.Debug("table resolved in fallback schema",
				zap.String("table", table), zap.String("schema", schema))
		}
		return i.build(table, schema, cat)
	}

	return SourceTable{}, errors.New(errors.ErrorTypeSchema, "table not found").
		WithDetail("table", table).
		WithDetail("schemas", schemas)
}

func (i *Introspector) build(table, schema string, cat *Catalog) (SourceTable, error) {
	t := SourceTable{Name: table, Schema: schema, Columns: make([]Column, len(cat.Columns))}
	for idx, c := range cat.Columns {
		c.Class = Classify(c.SourceType, c.Length, i.shortStringMax)
		t.Columns[idx] = c
	}

	var candidates []string
	for _, c := range t.Columns {
		if (c.PrimaryKey || c.Unique) && !c.Nullable {
			candidates = append(candidates, c.Name)
		}
	}
	for _, name := range candidates {
		if strings.EqualFold(name, "id") {
			t.PrimaryKey = name
			break
		}
	}
	if t.PrimaryKey == "" && len(candidates) > 0 {
		t.PrimaryKey = candidates[0]
	}
	if t.PrimaryKey == "" {
		return SourceTable{}, errors.New(errors.ErrorTypeSchema, "no usable primary key").
			WithDetail("table", table).
			WithDetail("schema", schema)
	}

	for _, c := range t.Columns {
		if t.SoftDeleteColumn == "" && c.Nullable && c.Class == ClassTimestamp && i.softDelete.MatchString(c.Name) {
			t.SoftDeleteColumn = c.Name
		}
		switch normalizeName(c.Name) {
		case "updatedat":
			if t.UpdatedAtColumn == "" {
				t.UpdatedAtColumn = c.Name
			}
		case "createdat":
			if t.CreatedAtColumn == "" {
				t.CreatedAtColumn = c.Name
			}
		}
	}
	return t, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}
