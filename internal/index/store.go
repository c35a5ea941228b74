// Package index writes documents to the search store. Store abstracts the
// store's REST surface (bulk, index and mapping management, search), with an
// Elasticsearch implementation and an in-memory one; Writer drives bulk
// writes with per-item retry, and MappingApplier keeps index mappings in
// line with generated ones.
package index

import (
	"context"
	"net/http"

	"github.com/ajitpratap0/lakesync/internal/mapping"
)

// OpType is a bulk action.
type OpType string

const (
	OpIndex  OpType = "index"
	OpDelete OpType = "delete"
)

// Op is one bulk action. Body is ignored for deletes.
type Op struct {
	Type OpType
	ID   string
	Body map[string]interface{}
}

// ItemResult is the store's answer for one bulk action. Status 0 means the
// item never reached the store.
type ItemResult struct {
	ID        string
	Status    int
	ErrorType string
	Reason    string
}

// OK reports whether the item was applied.
func (r ItemResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Hit is one search result.
type Hit struct {
	Index  string                 `json:"_index"`
	ID     string                 `json:"_id"`
	Score  float64                `json:"_score"`
	Source map[string]interface{} `json:"_source"`
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	Total int64 `json:"total"`
	Hits  []Hit `json:"hits"`
}

// Store is the document store contract.
type Store interface {
	// Bulk applies ops to index and returns one result per op, in order. An
	// error means the request as a whole failed.
	Bulk(ctx context.Context, index string, ops []Op) ([]ItemResult, error)
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string, settings map[string]interface{}, m mapping.FieldMapping) error
	GetMapping(ctx context.Context, index string) (mapping.FieldMapping, error)
	PutMapping(ctx context.Context, index string, m mapping.FieldMapping) error
	Search(ctx context.Context, index string, query map[string]interface{}) (SearchResult, error)
	Count(ctx context.Context, index string) (int64, error)
	Ping(ctx context.Context) error
}

// RetryableStatus reports whether a failed item may succeed when re-sent.
func RetryableStatus(status int) bool {
	switch status {
	case 0, http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
