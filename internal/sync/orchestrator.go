// Package sync runs the synchronization engine. An Orchestrator walks each
// configured table through introspection, mapping, and a loop of batched
// extract, denormalize, build, write and watermark steps. Tables are
// isolated from one another: a failing table is reported in the Summary
// while the others keep going.
//
// # Basic Usage
//
//	o, err := sync.New(cfg, sync.Deps{Source: src, Store: store, Watermarks: wm})
//	if err != nil {
//		return err
//	}
//	summary := o.SyncAll(ctx)
//	for _, r := range summary.Results {
//		fmt.Println(r.Table, r.State, r.RowsProcessed)
//	}
package sync

import (
	"context"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/lakesync/internal/deadletter"
	"github.com/ajitpratap0/lakesync/internal/denorm"
	"github.com/ajitpratap0/lakesync/internal/document"
	"github.com/ajitpratap0/lakesync/internal/index"
	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/internal/notify"
	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/internal/watermark"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/metrics"
)

// DefaultSearchSize is the hit count of text searches that do not ask for
// one.
const DefaultSearchSize = 10

// Deps are the collaborators an Orchestrator drives. Source, Store and
// Watermarks are required; the rest default to no-ops.
type Deps struct {
	Source     *source.Source
	Store      index.Store
	Watermarks watermark.Store
	Notifier   notify.Notifier
	DeadLetter deadletter.Sink
	Metrics    *metrics.SyncMetrics
	Logger     *zap.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Orchestrator syncs tables into the document store.
type Orchestrator struct {
	cfg config.Config

	src          *source.Source
	introspector *source.Introspector
	extractor    *source.Extractor
	denorm       *denorm.Denormalizer
	store        index.Store
	applier      *index.MappingApplier
	writer       *index.Writer
	watermarks   watermark.Store
	notifier     notify.Notifier
	deadLetter   deadletter.Sink
	metrics      *metrics.SyncMetrics
	logger       *zap.Logger
	now          func() time.Time

	mu     stdsync.RWMutex
	states map[string]State
	locks  map[string]*stdsync.Mutex
}

// New validates cfg and assembles the engine.
func New(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	switch {
	case deps.Source == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "sync engine needs a source")
	case deps.Store == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "sync engine needs a document store")
	case deps.Watermarks == nil:
		return nil, errors.New(errors.ErrorTypeConfig, "sync engine needs a watermark store")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewSyncMetrics(nil)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	sink := deps.DeadLetter
	if sink == nil {
		sink = deadletter.Nop{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	introspector, err := source.NewIntrospector(deps.Source, source.IntrospectOptions{
		SoftDeletePattern: cfg.Sync.SoftDeletePattern,
		ShortStringMax:    cfg.Sync.ShortStringMax,
	})
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:          cfg,
		src:          deps.Source,
		introspector: introspector,
		extractor:    source.NewExtractor(deps.Source, cfg.Sync.BatchSize),
		denorm:       denorm.New(deps.Source, introspector, logger),
		store:        deps.Store,
		applier:      index.NewMappingApplier(deps.Store, cfg.Search.RefreshInterval, logger),
		writer:       index.NewWriter(deps.Store, index.WriterConfigFrom(cfg), m, logger),
		watermarks:   deps.Watermarks,
		notifier:     notifier,
		deadLetter:   sink,
		metrics:      m,
		logger:       logger.With(zap.String("component", "orchestrator")),
		now:          now,
		states:       make(map[string]State),
		locks:        make(map[string]*stdsync.Mutex),
	}, nil
}

// Config returns the configuration the engine runs with.
func (o *Orchestrator) Config() config.Config { return o.cfg }

// IndexFor returns the index holding documents of table.
func (o *Orchestrator) IndexFor(table string) string {
	return document.IndexName(o.cfg.Search.IndexPrefix, table)
}

// SyncAll syncs every configured table.
func (o *Orchestrator) SyncAll(ctx context.Context) Summary {
	return o.SyncTables(ctx, o.cfg.Source.Tables)
}

// SyncTables syncs tables concurrently, at most sync.workers at a time. One
// table's failure never stops the others.
func (o *Orchestrator) SyncTables(ctx context.Context, tables []string) Summary {
	start := time.Now()
	runID := newRunID()
	results := make([]SyncResult, len(tables))

	var g errgroup.Group
	g.SetLimit(max(1, o.cfg.Sync.Workers))
	for i, table := range tables {
		g.Go(func() error {
			results[i] = o.syncTable(ctx, runID, table)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{RunID: runID, Results: results, Duration: time.Since(start)}
	for _, r := range results {
		if r.Failed() {
			summary.FailedTables = append(summary.FailedTables, r.Table)
		}
	}
	o.logger.Info("sync run finished",
		zap.String("run_id", runID),
		zap.Int("tables", len(tables)),
		zap.Strings("failed_tables", summary.FailedTables),
		zap.Int("rows", summary.RowsProcessed()),
		zap.Duration("duration", summary.Duration))
	return summary
}

// SyncTable syncs one table from its watermark to the end of its rows.
func (o *Orchestrator) SyncTable(ctx context.Context, table string) SyncResult {
	return o.syncTable(ctx, newRunID(), table)
}

// Resync forgets the watermark of table and syncs it from the beginning.
// Documents already in the index are overwritten in place.
func (o *Orchestrator) Resync(ctx context.Context, table string) (SyncResult, error) {
	unlock := o.lock(table)
	err := o.watermarks.Reset(ctx, table)
	unlock()
	if err != nil {
		return SyncResult{}, err
	}
	o.logger.Info("watermark reset for full resync", zap.String("table", table))
	return o.SyncTable(ctx, table), nil
}

// States returns the current state of every table the engine has touched.
func (o *Orchestrator) States() map[string]State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]State, len(o.states))
	for k, v := range o.states {
		out[k] = v
	}
	return out
}

// Watermarks lists the persisted watermarks.
func (o *Orchestrator) Watermarks(ctx context.Context) ([]watermark.Watermark, error) {
	return o.watermarks.List(ctx)
}

// Mapping returns the mapping the engine would apply to the index of table.
func (o *Orchestrator) Mapping(ctx context.Context, table string) (mapping.FieldMapping, error) {
	t, err := o.introspector.Introspect(ctx, table)
	if err != nil {
		return mapping.FieldMapping{}, err
	}
	return o.mappingFor(t), nil
}

func (o *Orchestrator) mappingFor(t source.SourceTable) mapping.FieldMapping {
	m := mapping.WithAssociations(mapping.Generate(t), o.cfg.AssociationsFor(t.Name))
	if o.cfg.Sync.SoftDeletePolicy == config.SoftDeleteTag {
		m = mapping.WithDeletedMarker(m)
	}
	return m
}

// Search runs query against target, which may be a table name, a full
// index name, or "*" for every synced index.
func (o *Orchestrator) Search(ctx context.Context, target string, query map[string]interface{}) (index.SearchResult, error) {
	return o.store.Search(ctx, o.resolveIndex(target), query)
}

// SearchText matches term against fields across every synced index. No
// fields, or "*", searches all of them.
func (o *Orchestrator) SearchText(ctx context.Context, term string, fields []string, size int) (index.SearchResult, error) {
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	if size <= 0 {
		size = DefaultSearchSize
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  term,
				"fields": fields,
			},
		},
		"size": size,
	}
	return o.Search(ctx, "*", query)
}

func (o *Orchestrator) resolveIndex(target string) string {
	prefix := o.cfg.Search.IndexPrefix
	switch {
	case target == "" || target == "*":
		return strings.ToLower(prefix) + "*"
	case prefix != "" && strings.HasPrefix(strings.ToLower(target), strings.ToLower(prefix)):
		return strings.ToLower(target)
	}
	return o.IndexFor(target)
}

// Health pings the source and the store.
func (o *Orchestrator) Health(ctx context.Context) map[string]error {
	return map[string]error{
		"source": o.src.Ping(ctx),
		"store":  o.store.Ping(ctx),
	}
}

func (o *Orchestrator) setState(table string, s State) {
	o.mu.Lock()
	o.states[table] = s
	o.mu.Unlock()
}

// lock serializes runs of the same table.
func (o *Orchestrator) lock(table string) func() {
	o.mu.Lock()
	l, ok := o.locks[table]
	if !ok {
		l = &stdsync.Mutex{}
		o.locks[table] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}
