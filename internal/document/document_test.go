package document

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
)

func ticketTable() source.SourceTable {
	return source.SourceTable{
		Name:             "Ticket",
		PrimaryKey:       "id",
		SoftDeleteColumn: "deletedAt",
		Columns: []source.Column{
			{Name: "id", Class: source.ClassText, PrimaryKey: true},
			{Name: "title", Class: source.ClassText},
			{Name: "priority", Class: source.ClassInteger},
			{Name: "estimate", Class: source.ClassFloat},
			{Name: "done", Class: source.ClassBoolean},
			{Name: "metadata", Class: source.ClassJSON},
			{Name: "createdAt", Class: source.ClassTimestamp},
			{Name: "deletedAt", Class: source.ClassTimestamp, Nullable: true},
		},
	}
}

func TestBuildSanitizesByClass(t *testing.T) {
	b := NewBuilder(ticketTable(), "data_lake_ticket")
	created := time.Date(2024, 3, 1, 12, 0, 0, 5, time.FixedZone("x", 2*3600))

	doc, fieldErrs, err := b.Build(source.Row{
		PrimaryKey: "6BA7B810-9DAD-11D1-80B4-00C04FD430C8",
		Values: map[string]interface{}{
			"id":        "6BA7B810-9DAD-11D1-80B4-00C04FD430C8",
			"title":     []byte("Fix \xffbug"),
			"priority":  []byte("3"),
			"estimate":  math.NaN(),
			"done":      int64(1),
			"metadata":  []byte(`{"tags":["a","b"],"points":12345678901234567890}`),
			"createdAt": created,
			"deletedAt": nil,
		},
	}, map[string]Value{"labels": Array(nil)})
	require.NoError(t, err)
	assert.Empty(t, fieldErrs)

	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", doc.ID)
	assert.Equal(t, "data_lake_ticket", doc.Index)
	assert.False(t, doc.Deleted)

	src := doc.Source()
	assert.Equal(t, "6BA7B810-9DAD-11D1-80B4-00C04FD430C8", src["id"], "the field keeps the source value")
	assert.Equal(t, "Fix bug", src["title"])
	assert.Equal(t, int64(3), src["priority"])
	assert.Nil(t, src["estimate"])
	assert.Equal(t, true, src["done"])
	assert.Equal(t, "2024-03-01T10:00:00.000000005Z", src["createdAt"])
	assert.Nil(t, src["deletedAt"])
	assert.Equal(t, []interface{}{}, src["labels"])

	meta := doc.Fields["metadata"]
	require.Equal(t, KindObject, meta.Kind())
	assert.Equal(t, json.Number("12345678901234567890"), meta.Fields()["points"].Scalar(), "big numbers stay exact")
	assert.Equal(t, KindArray, meta.Fields()["tags"].Kind())
}

func TestBuildDropsUnparsableJSON(t *testing.T) {
	b := NewBuilder(ticketTable(), "idx")
	doc, fieldErrs, err := b.Build(source.Row{
		PrimaryKey: "t1",
		Values: map[string]interface{}{
			"id": "t1", "title": "ok", "metadata": "{not json",
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "metadata", fieldErrs[0].Field)
	assert.Contains(t, fieldErrs[0].Error(), "field metadata")

	_, present := doc.Fields["metadata"]
	assert.False(t, present)
	assert.Equal(t, "ok", doc.Fields["title"].Scalar(), "the rest of the document is kept")
}

func TestBuildDeletedAndNullKey(t *testing.T) {
	b := NewBuilder(ticketTable(), "idx")
	doc, _, err := b.Build(source.Row{
		PrimaryKey: "t1",
		Values:     map[string]interface{}{"id": "t1", "deletedAt": time.Now()},
	}, nil)
	require.NoError(t, err)
	assert.True(t, doc.Deleted)

	_, _, err = b.Build(source.Row{Values: map[string]interface{}{"id": nil}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestValueJSON(t *testing.T) {
	v := Object(map[string]Value{
		"b":    Array([]Value{Int(1), String("x"), Null()}),
		"a":    Bool(true),
		"f":    Float(1.5),
		"none": Float(math.Inf(1)),
	})
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":true,"b":[1,"x",null],"f":1.5,"none":null}`, string(raw))
	assert.True(t, strings.HasPrefix(string(raw), `{"a":`), "keys are sorted")

	parsed, err := ParseJSON([]byte(`[1, {"k": null}]`))
	require.NoError(t, err)
	assert.Equal(t, KindArray, parsed.Kind())
	assert.True(t, parsed.Items()[1].Fields()["k"].IsNull())

	_, err = ParseJSON([]byte(`{} {}`))
	assert.Error(t, err)
	assert.Equal(t, "object", KindObject.String())
}

func TestIndexName(t *testing.T) {
	tests := []struct {
		prefix, table, want string
	}{
		{"data_lake_", "Ticket", "data_lake_ticket"},
		{"data_lake_", "TicketLabel", "data_lake_ticketlabel"},
		{"", "_Weird Name*", "weird_name_"},
		{"lake-", "a:b#c", "lake-a_b_c"},
		{"", "+-x", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			assert.Equal(t, tt.want, IndexName(tt.prefix, tt.table))
		})
	}
	assert.Len(t, IndexName("", strings.Repeat("a", 300)), 255)
}
