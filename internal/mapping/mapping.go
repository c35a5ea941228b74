// Package mapping derives document store field mappings from introspected
// tables and reconciles them against mappings already present in the store.
package mapping

import (
	"sort"
	"strings"

	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/config"
)

// FieldType is a document store field type.
type FieldType string

const (
	Keyword FieldType = "keyword"
	Text    FieldType = "text"
	Date    FieldType = "date"
	Boolean FieldType = "boolean"
	Long    FieldType = "long"
	Double  FieldType = "double"
	Object  FieldType = "object"
	Nested  FieldType = "nested"
)

// KeywordIgnoreAbove bounds the keyword sub-field of text fields.
const KeywordIgnoreAbove = 256

// DeletedField marks tombstoned documents under the tag soft-delete policy.
const DeletedField = "_deleted"

// Field is one mapped field. Keyword adds a keyword sub-field to text.
type Field struct {
	Name       string
	Type       FieldType
	Keyword    bool
	Properties []Field
}

// FieldMapping is the ordered set of fields of one index.
type FieldMapping struct {
	Fields []Field
}

// Field returns the named top-level field.
func (m FieldMapping) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (m *FieldMapping) set(f Field) {
	for i := range m.Fields {
		if m.Fields[i].Name == f.Name {
			m.Fields[i] = f
			return
		}
	}
	m.Fields = append(m.Fields, f)
}

var classTypes = map[source.TypeClass]FieldType{
	source.ClassText:        Text,
	source.ClassShortString: Keyword,
	source.ClassIdentifier:  Keyword,
	source.ClassInteger:     Long,
	source.ClassFloat:       Double,
	source.ClassBoolean:     Boolean,
	source.ClassTimestamp:   Date,
	source.ClassJSON:        Object,
}

// Generate maps every column of t. Keys map to keyword whatever their class.
func Generate(t source.SourceTable) FieldMapping {
	m := FieldMapping{Fields: make([]Field, 0, len(t.Columns))}
	for _, c := range t.Columns {
		f := Field{Name: c.Name, Type: classTypes[c.Class]}
		if f.Type == "" {
			f.Type = Text
		}
		if t.IsKey(c.Name) {
			f.Type = Keyword
		}
		if f.Type == Text {
			f.Keyword = true
		}
		m.Fields = append(m.Fields, f)
	}
	return m
}

// WithAssociations adds the embedded association fields owned by the mapped
// table and forces association owner keys to keyword.
func WithAssociations(m FieldMapping, specs []config.AssociationSpec) FieldMapping {
	out := FieldMapping{Fields: append([]Field(nil), m.Fields...)}
	for _, a := range specs {
		for _, col := range a.ForeignKeyColumns() {
			if f, ok := out.Field(col); ok {
				out.set(Field{Name: f.Name, Type: Keyword})
			}
		}

		props := make([]Field, 0, len(a.TargetFields))
		for _, name := range a.TargetFields {
			props = append(props, embeddedField(name))
		}
		typ := Nested
		if a.Kind == config.ManyToOne {
			typ = Object
		}
		out.set(Field{Name: a.Field, Type: typ, Properties: props})
	}
	return out
}

// WithDeletedMarker adds the tombstone flag used by the tag policy.
func WithDeletedMarker(m FieldMapping) FieldMapping {
	out := FieldMapping{Fields: append([]Field(nil), m.Fields...)}
	out.set(Field{Name: DeletedField, Type: Boolean})
	return out
}

func embeddedField(name string) Field {
	switch {
	case strings.EqualFold(name, "id"), strings.HasSuffix(name, "Id"), strings.HasSuffix(name, "_id"):
		return Field{Name: name, Type: Keyword}
	case strings.EqualFold(name, "name"):
		return Field{Name: name, Type: Text, Keyword: true}
	default:
		return Field{Name: name, Type: Keyword}
	}
}

// Body renders m as a mappings body: {"properties": {...}}.
func (m FieldMapping) Body() map[string]interface{} {
	return map[string]interface{}{"properties": properties(m.Fields)}
}

func properties(fields []Field) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		props[f.Name] = f.definition()
	}
	return props
}

func (f Field) definition() map[string]interface{} {
	def := map[string]interface{}{"type": string(f.Type)}
	if f.Keyword {
		def["fields"] = map[string]interface{}{
			"keyword": map[string]interface{}{"type": "keyword", "ignore_above": KeywordIgnoreAbove},
		}
	}
	if len(f.Properties) > 0 {
		def["properties"] = properties(f.Properties)
	}
	return def
}

// FromBody parses a mappings body as returned by the store. Fields come back
// sorted by name.
func FromBody(body map[string]interface{}) FieldMapping {
	props, _ := body["properties"].(map[string]interface{})
	return FieldMapping{Fields: parseProperties(props)}
}

func parseProperties(props map[string]interface{}) []Field {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		def, _ := props[name].(map[string]interface{})
		f := Field{Name: name}
		if typ, ok := def["type"].(string); ok {
			f.Type = FieldType(typ)
		} else {
			f.Type = Object
		}
		if sub, ok := def["fields"].(map[string]interface{}); ok {
			if kw, ok := sub["keyword"].(map[string]interface{}); ok && kw["type"] == "keyword" {
				f.Keyword = true
			}
		}
		if nested, ok := def["properties"].(map[string]interface{}); ok {
			f.Properties = parseProperties(nested)
		}
		fields = append(fields, f)
	}
	return fields
}
