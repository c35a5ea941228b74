package index

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/lakesync/internal/document"
	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
	"github.com/ajitpratap0/lakesync/pkg/testutil"
)

// fakeES answers the subset of the Elasticsearch REST API the store uses.
type fakeES struct {
	mu         sync.Mutex
	mappings   map[string]map[string]interface{}
	docs       map[string]map[string]map[string]interface{}
	bulkStatus int
	bulkBodies []string
}

func newFakeES(t *testing.T) (*fakeES, *ElasticsearchStore) {
	t.Helper()
	f := &fakeES{
		mappings: make(map[string]map[string]interface{}),
		docs:     make(map[string]map[string]map[string]interface{}),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	store, err := NewElasticsearchStore(ElasticsearchConfig{
		Addresses: []string{srv.URL},
		Transport: DefaultTransportConfig(),
	}, testutil.TestLogger(t))
	require.NoError(t, err)
	return f, store
}

func (f *fakeES) reply(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func esError(typ, reason string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"type": typ, "reason": reason}}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	index := parts[0]
	endpoint := ""
	if len(parts) > 1 {
		endpoint = parts[1]
	}

	switch {
	case index == "":
		f.reply(w, http.StatusOK, map[string]interface{}{"version": map[string]interface{}{"number": "8.17.1"}})
	case endpoint == "" && r.Method == http.MethodHead:
		if _, ok := f.mappings[index]; ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case endpoint == "" && r.Method == http.MethodPut:
		if _, ok := f.mappings[index]; ok {
			f.reply(w, http.StatusBadRequest, esError("resource_already_exists_exception", "index ["+index+"] already exists"))
			return
		}
		var body struct {
			Mappings map[string]interface{} `json:"mappings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mappings[index] = body.Mappings
		f.docs[index] = make(map[string]map[string]interface{})
		f.reply(w, http.StatusOK, map[string]interface{}{"acknowledged": true, "index": index})
	case endpoint == "_mapping" && r.Method == http.MethodGet:
		m, ok := f.mappings[index]
		if !ok {
			f.reply(w, http.StatusNotFound, esError("index_not_found_exception", "no such index"))
			return
		}
		f.reply(w, http.StatusOK, map[string]interface{}{index: map[string]interface{}{"mappings": m}})
	case endpoint == "_mapping" && r.Method == http.MethodPut:
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		have, _ := f.mappings[index]["properties"].(map[string]interface{})
		add, _ := body["properties"].(map[string]interface{})
		for name, def := range add {
			if old, ok := have[name].(map[string]interface{}); ok && old["type"] != def.(map[string]interface{})["type"] {
				f.reply(w, http.StatusBadRequest, esError("illegal_argument_exception",
					fmt.Sprintf("mapper [%s] cannot be changed from type [%v]", name, old["type"])))
				return
			}
		}
		if have == nil {
			have = make(map[string]interface{})
		}
		for name, def := range add {
			have[name] = def
		}
		f.mappings[index] = map[string]interface{}{"properties": have}
		f.reply(w, http.StatusOK, map[string]interface{}{"acknowledged": true})
	case endpoint == "_bulk":
		f.bulk(w, r, index)
	case endpoint == "_search":
		hits := []interface{}{}
		for id, doc := range f.docs[index] {
			hits = append(hits, map[string]interface{}{"_index": index, "_id": id, "_score": 1.0, "_source": doc})
		}
		f.reply(w, http.StatusOK, map[string]interface{}{
			"hits": map[string]interface{}{"total": map[string]interface{}{"value": len(hits)}, "hits": hits},
		})
	case endpoint == "_count":
		f.reply(w, http.StatusOK, map[string]interface{}{"count": len(f.docs[index])})
	default:
		f.reply(w, http.StatusMethodNotAllowed, esError("unsupported", r.Method+" "+r.URL.Path))
	}
}

func (f *fakeES) bulk(w http.ResponseWriter, r *http.Request, index string) {
	raw, _ := io.ReadAll(r.Body)
	f.bulkBodies = append(f.bulkBodies, string(raw))
	if f.bulkStatus != 0 {
		f.reply(w, f.bulkStatus, esError("es_rejected_execution_exception", "rejected"))
		return
	}
	if f.docs[index] == nil {
		f.docs[index] = make(map[string]map[string]interface{})
	}

	var items []interface{}
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		var action map[string]map[string]string
		_ = json.Unmarshal(scanner.Bytes(), &action)
		for name, meta := range action {
			id := meta["_id"]
			status := http.StatusOK
			switch name {
			case "index":
				scanner.Scan()
				var doc map[string]interface{}
				_ = json.Unmarshal(scanner.Bytes(), &doc)
				if _, ok := f.docs[index][id]; !ok {
					status = http.StatusCreated
				}
				f.docs[index][id] = doc
			case "delete":
				if _, ok := f.docs[index][id]; !ok {
					status = http.StatusNotFound
				}
				delete(f.docs[index], id)
			}
			items = append(items, map[string]interface{}{name: map[string]interface{}{"_id": id, "status": status}})
		}
	}
	f.reply(w, http.StatusOK, map[string]interface{}{"errors": false, "items": items})
}

func TestElasticsearchStoreIndexLifecycle(t *testing.T) {
	f, store := newFakeES(t)
	ctx := context.Background()

	exists, err := store.IndexExists(ctx, testIndex)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.CreateIndex(ctx, testIndex, map[string]interface{}{"refresh_interval": "1s"}, ticketMapping()))
	require.NoError(t, store.CreateIndex(ctx, testIndex, nil, ticketMapping()), "racing creates are tolerated")

	exists, err = store.IndexExists(ctx, testIndex)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.GetMapping(ctx, testIndex)
	require.NoError(t, err)
	plan, err := mapping.Reconcile(got, ticketMapping())
	require.NoError(t, err)
	assert.True(t, plan.Empty())

	require.NoError(t, store.PutMapping(ctx, testIndex, mapping.FieldMapping{Fields: []mapping.Field{{Name: "priority", Type: mapping.Long}}}))
	assert.Contains(t, f.mappings[testIndex]["properties"], "priority")

	err = store.PutMapping(ctx, testIndex, mapping.FieldMapping{Fields: []mapping.Field{{Name: "createdAt", Type: mapping.Keyword}}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMappingConflict))
}

func TestElasticsearchStoreBulk(t *testing.T) {
	f, store := newFakeES(t)
	ctx := context.Background()

	results, err := store.Bulk(ctx, testIndex, []Op{
		{Type: OpIndex, ID: "t1", Body: map[string]interface{}{"title": "first"}},
		{Type: OpIndex, ID: "t2", Body: map[string]interface{}{"title": "second"}},
		{Type: OpDelete, ID: "t9"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, http.StatusCreated, results[0].Status)
	assert.Equal(t, "t2", results[1].ID)
	assert.Equal(t, http.StatusNotFound, results[2].Status)

	require.Len(t, f.bulkBodies, 1)
	lines := strings.Split(strings.TrimSpace(f.bulkBodies[0]), "\n")
	require.Len(t, lines, 5)
	assert.JSONEq(t, `{"index":{"_id":"t1"}}`, lines[0])
	assert.JSONEq(t, `{"title":"first"}`, lines[1])
	assert.JSONEq(t, `{"delete":{"_id":"t9"}}`, lines[4])

	count, err := store.Count(ctx, testIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	res, err := store.Search(ctx, testIndex, map[string]interface{}{"query": map[string]interface{}{"match_all": map[string]interface{}{}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Len(t, res.Hits, 2)

	require.NoError(t, store.Ping(ctx))
}

func TestElasticsearchStoreBulkRequestErrors(t *testing.T) {
	tests := []struct {
		status    int
		want      errors.ErrorType
		retryable bool
	}{
		{http.StatusTooManyRequests, errors.ErrorTypeTransientWrite, true},
		{http.StatusServiceUnavailable, errors.ErrorTypeTransientWrite, true},
		{http.StatusUnauthorized, errors.ErrorTypeConfig, false},
		{http.StatusBadRequest, errors.ErrorTypePermanentWrite, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f, store := newFakeES(t)
			f.bulkStatus = tt.status

			_, err := store.Bulk(context.Background(), testIndex, []Op{{Type: OpDelete, ID: "t1"}})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.want), err.Error())
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
			assert.Contains(t, err.Error(), "rejected")
		})
	}
}

func TestElasticsearchStoreUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	store, err := NewElasticsearchStore(ElasticsearchConfig{Addresses: []string{addr}}, nil)
	require.NoError(t, err)

	err = store.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestWriterAgainstElasticsearch(t *testing.T) {
	f, store := newFakeES(t)
	w, _ := newTestWriter(t, store, config.SoftDeleteRemove, 2)

	report, err := w.Write(context.Background(), testIndex, []document.Document{
		doc("t1", "first", false), doc("t2", "second", false),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Indexed)

	report, err = w.Write(context.Background(), testIndex, []document.Document{doc("t1", "first", true)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.NotContains(t, f.docs[testIndex], "t1")
	assert.Contains(t, f.docs[testIndex], "t2")
}
