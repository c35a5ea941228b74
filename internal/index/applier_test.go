package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

func ticketMapping() mapping.FieldMapping {
	return mapping.FieldMapping{Fields: []mapping.Field{
		{Name: "id", Type: mapping.Keyword},
		{Name: "title", Type: mapping.Text, Keyword: true},
		{Name: "createdAt", Type: mapping.Date},
		{Name: "labels", Type: mapping.Nested, Properties: []mapping.Field{
			{Name: "id", Type: mapping.Keyword},
			{Name: "name", Type: mapping.Text, Keyword: true},
		}},
	}}
}

func TestMappingApplierCreatesThenNoops(t *testing.T) {
	store := NewMemoryStore()
	a := NewMappingApplier(store, "1s", testutil.TestLogger(t))
	ctx := context.Background()

	plan, err := a.Apply(ctx, testIndex, ticketMapping())
	require.NoError(t, err)
	assert.Len(t, plan.Additions, 4)
	assert.Equal(t, map[string]interface{}{"refresh_interval": "1s"}, store.Settings(testIndex))

	plan, err = a.Apply(ctx, testIndex, ticketMapping())
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "applying the same mapping twice is a no-op")
}

func TestMappingApplierAddsMissingFields(t *testing.T) {
	store := NewMemoryStore()
	a := NewMappingApplier(store, "", nil)
	ctx := context.Background()

	_, err := a.Apply(ctx, testIndex, mapping.FieldMapping{Fields: []mapping.Field{{Name: "id", Type: mapping.Keyword}}})
	require.NoError(t, err)

	plan, err := a.Apply(ctx, testIndex, ticketMapping())
	require.NoError(t, err)
	assert.Len(t, plan.Additions, 3)

	got, err := store.GetMapping(ctx, testIndex)
	require.NoError(t, err)
	again, err := mapping.Reconcile(got, ticketMapping())
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

func TestMappingApplierConflict(t *testing.T) {
	store := NewMemoryStore()
	a := NewMappingApplier(store, "", nil)
	ctx := context.Background()

	_, err := a.Apply(ctx, testIndex, mapping.FieldMapping{Fields: []mapping.Field{{Name: "createdAt", Type: mapping.Keyword}}})
	require.NoError(t, err)

	_, err = a.Apply(ctx, testIndex, ticketMapping())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMappingConflict))
}

func TestMemoryStorePutMappingRejectsTypeChange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateIndex(ctx, testIndex, nil, ticketMapping()))

	err := store.PutMapping(ctx, testIndex, mapping.FieldMapping{Fields: []mapping.Field{
		{Name: "labels", Type: mapping.Nested, Properties: []mapping.Field{{Name: "id", Type: mapping.Long}}},
	}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMappingConflict))
	assert.Contains(t, err.Error(), "labels.id")
}

func TestMemoryStoreSearch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.Bulk(ctx, "data_lake_ticket", []Op{
		{Type: OpIndex, ID: "t1", Body: map[string]interface{}{
			"title":  "Printer on fire",
			"labels": []interface{}{map[string]interface{}{"id": "l1", "name": "Urgent"}},
		}},
		{Type: OpIndex, ID: "t2", Body: map[string]interface{}{"title": "Password reset"}},
	})
	require.NoError(t, err)
	_, err = store.Bulk(ctx, "data_lake_label", []Op{
		{Type: OpIndex, ID: "l1", Body: map[string]interface{}{"name": "Urgent"}},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		index string
		query map[string]interface{}
		want  []string
	}{
		{"match all", "data_lake_ticket", map[string]interface{}{"query": map[string]interface{}{"match_all": map[string]interface{}{}}}, []string{"t1", "t2"}},
		{"no query", "data_lake_ticket", map[string]interface{}{}, []string{"t1", "t2"}},
		{"multi match nested path", "data_lake_*", map[string]interface{}{
			"query": map[string]interface{}{"multi_match": map[string]interface{}{"query": "urgent", "fields": []interface{}{"labels.name", "name"}}},
		}, []string{"l1", "t1"}},
		{"multi match all fields", "data_lake_ticket", map[string]interface{}{
			"query": map[string]interface{}{"multi_match": map[string]interface{}{"query": "password"}},
		}, []string{"t2"}},
		{"term keyword", "data_lake_ticket", map[string]interface{}{
			"query": map[string]interface{}{"term": map[string]interface{}{"labels.id": "l1"}},
		}, []string{"t1"}},
		{"ids", "data_lake_ticket", map[string]interface{}{
			"query": map[string]interface{}{"ids": map[string]interface{}{"values": []interface{}{"t2"}}},
		}, []string{"t2"}},
		{"size", "data_lake_ticket", map[string]interface{}{"size": 1}, []string{"t1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.Search(ctx, tt.index, tt.query)
			require.NoError(t, err)
			var ids []string
			for _, h := range res.Hits {
				ids = append(ids, h.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err = store.Search(ctx, "data_lake_missing", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
