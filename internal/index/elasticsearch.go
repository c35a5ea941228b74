package index

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
)

// ElasticsearchConfig configures the Elasticsearch store.
type ElasticsearchConfig struct {
	Addresses        []string
	Username         string
	Password         string
	CompressRequests bool
	RequestTimeout   time.Duration
	// Refresh is passed to bulk requests ("", "true", "wait_for")
	Refresh   string
	Transport TransportConfig
}

// ElasticsearchStore implements Store over the Elasticsearch REST API.
type ElasticsearchStore struct {
	client  *elasticsearch.Client
	timeout time.Duration
	refresh string
	logger  *zap.Logger
}

// NewElasticsearchStore creates a store client. Client-side retries are
// disabled; Writer owns retry decisions.
func NewElasticsearchStore(cfg ElasticsearchConfig, logger *zap.Logger) (*ElasticsearchStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           cfg.Addresses,
		Username:            cfg.Username,
		Password:            cfg.Password,
		CompressRequestBody: cfg.CompressRequests,
		DisableRetry:        true,
		Transport:           NewTransport(cfg.Transport, logger),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create elasticsearch client")
	}
	return &ElasticsearchStore{
		client:  client,
		timeout: cfg.RequestTimeout,
		refresh: cfg.Refresh,
		logger:  logger.With(zap.String("component", "elasticsearch")),
	}, nil
}

func (s *ElasticsearchStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type bulkAction struct {
	ID string `json:"_id"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *errorBody `json:"error"`
}

type errorBody struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Bulk sends ops as one NDJSON bulk request.
func (s *ElasticsearchStore) Bulk(ctx context.Context, index string, ops []Op) ([]ItemResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	buf := json.GetBuffer()
	defer json.PutBuffer(buf)
	enc := json.NewEncoder(buf)
	for _, op := range ops {
		if err := enc.Encode(map[string]bulkAction{string(op.Type): {ID: op.ID}}); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode bulk action")
		}
		if op.Type == OpIndex {
			if err := enc.Encode(op.Body); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode document").
					WithDetail("id", op.ID)
			}
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := []func(*esapi.BulkRequest){
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(index),
	}
	if s.refresh != "" {
		opts = append(opts, s.client.Bulk.WithRefresh(s.refresh))
	}
	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()), opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "bulk request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError(res, "bulk", index)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientWrite, "failed to decode bulk response").
			WithDetail("index", index)
	}
	if len(parsed.Items) != len(ops) {
		return nil, errors.Newf(errors.ErrorTypeTransientWrite,
			"bulk response has %d items for %d actions", len(parsed.Items), len(ops)).
			WithDetail("index", index)
	}

	results := make([]ItemResult, len(ops))
	for i, item := range parsed.Items {
		r := ItemResult{ID: ops[i].ID}
		for _, body := range item {
			r.Status = body.Status
			if body.Error != nil {
				r.ErrorType = body.Error.Type
				r.Reason = body.Error.Reason
			}
		}
		results[i] = r
	}
	return results, nil
}

// IndexExists reports whether index exists.
func (s *ElasticsearchStore) IndexExists(ctx context.Context, index string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Indices.Exists([]string{index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "index exists request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, responseError(res, "exists", index)
}

// CreateIndex creates index with settings and mapping. An index created
// concurrently by another worker is not an error.
func (s *ElasticsearchStore) CreateIndex(ctx context.Context, index string, settings map[string]interface{}, m mapping.FieldMapping) error {
	body := map[string]interface{}{"mappings": m.Body()}
	if len(settings) > 0 {
		body["settings"] = map[string]interface{}{"index": settings}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode index body")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Indices.Create(index,
		s.client.Indices.Create.WithBody(bytes.NewReader(raw)),
		s.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "create index request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()
	if !res.IsError() {
		s.logger.Info("index created", zap.String("index", index))
		return nil
	}
	rerr := responseError(res, "create", index)
	if rerr.Details["error_type"] == "resource_already_exists_exception" {
		return nil
	}
	return rerr
}

// GetMapping returns the current mapping of index.
func (s *ElasticsearchStore) GetMapping(ctx context.Context, index string) (mapping.FieldMapping, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Indices.GetMapping(
		s.client.Indices.GetMapping.WithIndex(index),
		s.client.Indices.GetMapping.WithContext(ctx))
	if err != nil {
		return mapping.FieldMapping{}, errors.Wrap(err, errors.ErrorTypeConnection, "get mapping request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapping.FieldMapping{}, responseError(res, "get_mapping", index)
	}

	var parsed map[string]struct {
		Mappings map[string]interface{} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return mapping.FieldMapping{}, errors.Wrap(err, errors.ErrorTypeData, "failed to decode mapping").
			WithDetail("index", index)
	}
	if entry, ok := parsed[index]; ok {
		return mapping.FromBody(entry.Mappings), nil
	}
	// an alias resolves to the concrete index name
	for _, entry := range parsed {
		return mapping.FromBody(entry.Mappings), nil
	}
	return mapping.FieldMapping{}, nil
}

// PutMapping adds fields to the mapping of index. The store rejects type
// changes, which surface as mapping conflicts.
func (s *ElasticsearchStore) PutMapping(ctx context.Context, index string, m mapping.FieldMapping) error {
	raw, err := json.Marshal(m.Body())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode mapping")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Indices.PutMapping([]string{index}, bytes.NewReader(raw),
		s.client.Indices.PutMapping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "put mapping request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusBadRequest {
		return errors.Wrap(responseError(res, "put_mapping", index), errors.ErrorTypeMappingConflict,
			"store rejected mapping update").WithDetail("index", index)
	}
	if res.IsError() {
		return responseError(res, "put_mapping", index)
	}
	return nil
}

// Search runs query against index, which may be a pattern.
func (s *ElasticsearchStore) Search(ctx context.Context, index string, query map[string]interface{}) (SearchResult, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return SearchResult{}, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode query")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(raw)),
		s.client.Search.WithTrackTotalHits(true))
	if err != nil {
		return SearchResult{}, errors.Wrap(err, errors.ErrorTypeConnection, "search request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()
	if res.IsError() {
		return SearchResult{}, responseError(res, "search", index)
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []Hit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return SearchResult{}, errors.Wrap(err, errors.ErrorTypeData, "failed to decode search response")
	}
	return SearchResult{Total: parsed.Hits.Total.Value, Hits: parsed.Hits.Hits}, nil
}

// Count returns the number of documents in index.
func (s *ElasticsearchStore) Count(ctx context.Context, index string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Count(s.client.Count.WithContext(ctx), s.client.Count.WithIndex(index))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "count request failed").
			WithDetail("index", index)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res, "count", index)
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeData, "failed to decode count response")
	}
	return parsed.Count, nil
}

// Ping checks that the cluster answers.
func (s *ElasticsearchStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "store ping failed")
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res, "ping", "")
	}
	return nil
}

// responseError converts an error response into a typed error.
func responseError(res *esapi.Response, op, index string) *errors.Error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	var parsed struct {
		Error json.RawMessage `json:"error"`
	}
	var detail errorBody
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Error) > 0 {
		if json.Unmarshal(parsed.Error, &detail) != nil {
			// some endpoints report the error as a plain string
			_ = json.Unmarshal(parsed.Error, &detail.Reason)
		}
	}
	if detail.Reason == "" {
		detail.Reason = http.StatusText(res.StatusCode)
	}

	var errType errors.ErrorType
	switch {
	case RetryableStatus(res.StatusCode):
		errType = errors.ErrorTypeTransientWrite
	case res.StatusCode == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		errType = errors.ErrorTypeConfig
	default:
		errType = errors.ErrorTypePermanentWrite
	}

	return errors.New(errType, fmt.Sprintf("%s failed with status %d: %s", op, res.StatusCode, detail.Reason)).
		WithDetail("index", index).
		WithDetail("status", res.StatusCode).
		WithDetail("error_type", detail.Type)
}
