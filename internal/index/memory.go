package index

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// MemoryStore is an in-process Store. It applies the same mapping rules as
// the real store and can be told to fail individual items or whole bulk
// requests.
type MemoryStore struct {
	mu        sync.Mutex
	indices   map[string]*memoryIndex
	itemFails map[string][]int
	bulkFails []error
	bulkCalls int
}

type memoryIndex struct {
	settings map[string]interface{}
	mapping  mapping.FieldMapping
	docs     map[string]map[string]interface{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indices:   make(map[string]*memoryIndex),
		itemFails: make(map[string][]int),
	}
}

// FailItem makes the next bulk actions on id answer with statuses, one per
// action, before behaving normally again.
func (s *MemoryStore) FailItem(id string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemFails[id] = append(s.itemFails[id], statuses...)
}

// FailBulk makes the next bulk requests return errs, one per request.
func (s *MemoryStore) FailBulk(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkFails = append(s.bulkFails, errs...)
}

// BulkCalls returns the number of bulk requests received.
func (s *MemoryStore) BulkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

// Document returns a copy of one stored document.
func (s *MemoryStore) Document(index, id string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		return nil, false
	}
	doc, ok := idx.docs[id]
	if !ok {
		return nil, false
	}
	return copyDoc(doc), true
}

// Documents returns copies of all documents of index keyed by id.
func (s *MemoryStore) Documents(index string) map[string]map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]interface{})
	if idx, ok := s.indices[index]; ok {
		for id, doc := range idx.docs {
			out[id] = copyDoc(doc)
		}
	}
	return out
}

// Settings returns the settings index was created with.
func (s *MemoryStore) Settings(index string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indices[index]; ok {
		return idx.settings
	}
	return nil
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Bulk applies ops in order. Indexing into a missing index creates it with
// an empty mapping.
func (s *MemoryStore) Bulk(ctx context.Context, index string, ops []Op) ([]ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "bulk request cancelled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bulkCalls++
	if len(s.bulkFails) > 0 {
		err := s.bulkFails[0]
		s.bulkFails = s.bulkFails[1:]
		if err != nil {
			return nil, err
		}
	}

	idx := s.indices[index]
	if idx == nil {
		idx = &memoryIndex{docs: make(map[string]map[string]interface{})}
		s.indices[index] = idx
	}

	results := make([]ItemResult, len(ops))
	for i, op := range ops {
		results[i] = ItemResult{ID: op.ID}
		if queued := s.itemFails[op.ID]; len(queued) > 0 {
			s.itemFails[op.ID] = queued[1:]
			results[i].Status = queued[0]
			results[i].ErrorType = "injected_failure"
			results[i].Reason = http.StatusText(queued[0])
			continue
		}
		switch op.Type {
		case OpIndex:
			idx.docs[op.ID] = copyDoc(op.Body)
			results[i].Status = http.StatusOK
		case OpDelete:
			if _, ok := idx.docs[op.ID]; !ok {
				results[i].Status = http.StatusNotFound
				results[i].ErrorType = "not_found"
				continue
			}
			delete(idx.docs, op.ID)
			results[i].Status = http.StatusOK
		default:
			results[i].Status = http.StatusBadRequest
			results[i].ErrorType = "illegal_argument_exception"
			results[i].Reason = fmt.Sprintf("unknown action %q", op.Type)
		}
	}
	return results, nil
}

// IndexExists reports whether index exists.
func (s *MemoryStore) IndexExists(_ context.Context, index string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.indices[index]
	return ok, nil
}

// CreateIndex creates index. Creating an existing index is a no-op.
func (s *MemoryStore) CreateIndex(_ context.Context, index string, settings map[string]interface{}, m mapping.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indices[index]; ok {
		return nil
	}
	s.indices[index] = &memoryIndex{
		settings: settings,
		mapping:  mapping.FromBody(m.Body()),
		docs:     make(map[string]map[string]interface{}),
	}
	return nil
}

// GetMapping returns the mapping of index, normalized as the store returns it.
func (s *MemoryStore) GetMapping(_ context.Context, index string) (mapping.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		return mapping.FieldMapping{}, errors.Newf(errors.ErrorTypeNotFound, "index %s not found", index).
			WithDetail("index", index)
	}
	return mapping.FromBody(idx.mapping.Body()), nil
}

// PutMapping merges m into the mapping of index. Changing the type of an
// existing field is rejected.
func (s *MemoryStore) PutMapping(_ context.Context, index string, m mapping.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "index %s not found", index).WithDetail("index", index)
	}
	if err := checkTypes("", idx.mapping.Fields, m.Fields); err != nil {
		return err
	}
	idx.mapping = mapping.FromBody(mapping.Merge(idx.mapping, m).Body())
	return nil
}

func checkTypes(path string, existing, update []mapping.Field) error {
	have := make(map[string]mapping.Field, len(existing))
	for _, f := range existing {
		have[f.Name] = f
	}
	for _, f := range update {
		got, ok := have[f.Name]
		if !ok {
			continue
		}
		if got.Type != f.Type {
			return errors.Newf(errors.ErrorTypeMappingConflict,
				"mapper [%s] cannot be changed from type [%s] to [%s]", path+f.Name, got.Type, f.Type).
				WithDetail("field", path+f.Name)
		}
		if err := checkTypes(path+f.Name+".", got.Properties, f.Properties); err != nil {
			return err
		}
	}
	return nil
}

// Search supports match_all, multi_match, match, term and ids queries plus
// size. Index may end in "*" to search every index with that prefix.
func (s *MemoryStore) Search(_ context.Context, index string, query map[string]interface{}) (SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := 10
	if v, ok := toInt(query["size"]); ok {
		size = v
	}
	match, err := compileQuery(query["query"])
	if err != nil {
		return SearchResult{}, err
	}

	var names []string
	for name := range s.indices {
		if name == index || (strings.HasSuffix(index, "*") && strings.HasPrefix(name, strings.TrimSuffix(index, "*"))) {
			names = append(names, name)
		}
	}
	if len(names) == 0 && !strings.HasSuffix(index, "*") {
		return SearchResult{}, errors.Newf(errors.ErrorTypeNotFound, "index %s not found", index).
			WithDetail("index", index)
	}
	sort.Strings(names)

	var hits []Hit
	for _, name := range names {
		ids := make([]string, 0, len(s.indices[name].docs))
		for id := range s.indices[name].docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			doc := s.indices[name].docs[id]
			if match(id, doc) {
				hits = append(hits, Hit{Index: name, ID: id, Score: 1, Source: copyDoc(doc)})
			}
		}
	}

	res := SearchResult{Total: int64(len(hits))}
	if size < len(hits) {
		hits = hits[:size]
	}
	res.Hits = hits
	return res, nil
}

// Count returns the number of documents in index.
func (s *MemoryStore) Count(_ context.Context, index string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[index]
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeNotFound, "index %s not found", index).WithDetail("index", index)
	}
	return int64(len(idx.docs)), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

type matcher func(id string, doc map[string]interface{}) bool

func compileQuery(q interface{}) (matcher, error) {
	if q == nil {
		return func(string, map[string]interface{}) bool { return true }, nil
	}
	body, ok := q.(map[string]interface{})
	if !ok || len(body) != 1 {
		return nil, errors.New(errors.ErrorTypeValidation, "query must have exactly one clause")
	}
	for kind, raw := range body {
		args, _ := raw.(map[string]interface{})
		switch kind {
		case "match_all":
			return func(string, map[string]interface{}) bool { return true }, nil
		case "ids":
			want := make(map[string]bool)
			for _, v := range toSlice(args["values"]) {
				want[fmt.Sprint(v)] = true
			}
			return func(id string, _ map[string]interface{}) bool { return want[id] }, nil
		case "term":
			for field, v := range args {
				if m, ok := v.(map[string]interface{}); ok {
					v = m["value"]
				}
				want := fmt.Sprint(v)
				return func(_ string, doc map[string]interface{}) bool {
					for _, got := range lookup(doc, strings.TrimSuffix(field, ".keyword")) {
						if fmt.Sprint(got) == want {
							return true
						}
					}
					return false
				}, nil
			}
		case "match":
			for field, v := range args {
				if m, ok := v.(map[string]interface{}); ok {
					v = m["query"]
				}
				return textMatcher(fmt.Sprint(v), []string{field}), nil
			}
		case "multi_match":
			return textMatcher(fmt.Sprint(args["query"]), toStrings(args["fields"])), nil
		}
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported query %s", kind)
	}
	return nil, errors.New(errors.ErrorTypeValidation, "empty query")
}

// textMatcher matches documents where any term of text occurs, case
// insensitively, in one of fields (all fields when empty or "*").
func textMatcher(text string, fields []string) matcher {
	terms := strings.Fields(strings.ToLower(text))
	all := len(fields) == 0 || (len(fields) == 1 && fields[0] == "*")
	return func(_ string, doc map[string]interface{}) bool {
		var values []interface{}
		if all {
			values = flatten(doc)
		} else {
			for _, f := range fields {
				if i := strings.IndexByte(f, '^'); i >= 0 {
					f = f[:i]
				}
				values = append(values, lookup(doc, f)...)
			}
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			words := strings.Fields(strings.ToLower(s))
			for _, t := range terms {
				for _, w := range words {
					if w == t {
						return true
					}
				}
			}
		}
		return false
	}
}

// lookup resolves a dotted path, fanning out over arrays.
func lookup(doc map[string]interface{}, path string) []interface{} {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := doc[head]
	if !ok {
		return nil
	}
	if !nested {
		if arr, ok := v.([]interface{}); ok {
			return arr
		}
		return []interface{}{v}
	}
	var out []interface{}
	switch t := v.(type) {
	case map[string]interface{}:
		out = append(out, lookup(t, rest)...)
	case []interface{}:
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, lookup(m, rest)...)
			}
		}
	}
	return out
}

func flatten(v interface{}) []interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		var out []interface{}
		for _, item := range t {
			out = append(out, flatten(item)...)
		}
		return out
	case []interface{}:
		var out []interface{}
		for _, item := range t {
			out = append(out, flatten(item)...)
		}
		return out
	}
	return []interface{}{v}
}

func toSlice(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return nil
}

func toStrings(v interface{}) []string {
	items := toSlice(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
