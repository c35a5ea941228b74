package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/deadletter"
	"github.com/ajitpratap0/lakesync/internal/document"
	"github.com/ajitpratap0/lakesync/internal/index"
	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/internal/watermark"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/logger"
	"github.com/ajitpratap0/lakesync/pkg/metrics"
	"github.com/ajitpratap0/lakesync/pkg/observability"
)

func newRunID() string { return uuid.NewString() }

// tableRun is the working state of one table's sync.
type tableRun struct {
	o      *Orchestrator
	m      *machine
	result *SyncResult
	logger *zap.Logger

	table   source.SourceTable
	specs   []config.AssociationSpec
	builder *document.Builder
}

// syncTable runs table to completion. It never panics and never returns
// without a result; every failure is recorded on the result.
func (o *Orchestrator) syncTable(ctx context.Context, runID, table string) (result SyncResult) {
	start := time.Now()
	unlock := o.lock(table)
	defer unlock()

	ctx = logger.ContextWithRunID(logger.ContextWithTable(ctx, table), runID)
	ctx, span := observability.StartSpan(ctx, "sync.table",
		attribute.String("table", table),
		attribute.String("run_id", runID))

	result = SyncResult{RunID: runID, Table: table, Index: o.IndexFor(table)}
	run := &tableRun{
		o:      o,
		result: &result,
		logger: logger.FromContext(ctx, o.logger),
		m:      newMachine(table, func(s State) { o.setState(table, s) }),
	}

	o.metrics.ActiveTables.Inc()
	defer func() {
		if p := recover(); p != nil {
			err := errors.Newf(errors.ErrorTypeInternal, "panic while syncing table: %v", p).
				WithDetail("table", table)
			run.fail(err)
		}
		o.metrics.ActiveTables.Dec()
		result.State = run.m.state
		result.Duration = time.Since(start)
		observability.EndSpan(span, result.Err)
		o.finish(ctx, run)
	}()

	if err := run.execute(ctx); err != nil {
		run.fail(err)
	}
	return result
}

// finish records the end of a run and publishes it.
func (o *Orchestrator) finish(ctx context.Context, run *tableRun) {
	r := run.result
	fields := []zap.Field{
		zap.String("state", string(r.State)),
		zap.Int("rows_processed", r.RowsProcessed),
		zap.Int("rows_deleted", r.RowsDeleted),
		zap.Int("rows_failed", r.RowsFailed),
		zap.Int("batches", r.Batches),
		zap.Duration("duration", r.Duration),
	}
	if r.Failed() {
		o.metrics.TableFailures.WithLabelValues(r.Table, string(errors.TypeOf(r.Err))).Inc()
		run.logger.Error("table sync failed", append(fields, zap.Error(r.Err))...)
	} else {
		run.logger.Info("table sync finished", fields...)
	}

	if err := o.notifier.Notify(context.WithoutCancel(ctx), r.event(o.now())); err != nil {
		run.logger.Warn("failed to publish sync result", zap.Error(err))
	}
}

func (r *tableRun) fail(err error) {
	r.m.fail()
	r.result.setErr(err)
}

func (r *tableRun) execute(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}
	if err := r.m.to(StateMappingReady); err != nil {
		return err
	}

	current, found, err := r.o.watermarks.Get(ctx, r.table.Name)
	if err != nil {
		return err
	}
	if found {
		r.result.NewWatermark = current
	} else if err := r.seedAssociations(ctx); err != nil {
		return err
	}
	it := r.o.extractor.Iterate(r.table, current.Cursor())
	r.logger.Debug("extracting",
		zap.Time("from_updated_at", current.LastUpdatedAt),
		zap.String("from_primary_key", current.LastPrimaryKey))

	for {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}
		if err := r.m.to(StateExtracting); err != nil {
			return err
		}
		done, err := r.batch(ctx, it)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	if err := r.refreshAssociations(ctx); err != nil {
		return err
	}
	r.o.metrics.BlockedRows.WithLabelValues(r.table.Name).Set(0)
	return r.m.to(StateIdle)
}

func (r *tableRun) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "sync cancelled between batches").
			WithDetail("table", r.table.Name)
	}
	return nil
}

// prepare introspects the table and brings its index mapping up to date. A
// mapping conflict invalidates the cached description and is retried once.
func (r *tableRun) prepare(ctx context.Context) error {
	name := r.result.Table
	for attempt := 0; ; attempt++ {
		t, err := r.o.introspector.Introspect(ctx, name)
		if err != nil {
			return err
		}
		plan, err := r.o.applier.Apply(ctx, r.result.Index, r.o.mappingFor(t))
		if err == nil {
			r.table = t
			r.specs = r.o.cfg.AssociationsFor(t.Name)
			r.builder = document.NewBuilder(t, r.result.Index)
			if !plan.Empty() {
				r.logger.Info("index mapping updated",
					zap.String("index", r.result.Index),
					zap.Int("fields_added", len(plan.Additions)))
			}
			return nil
		}
		if attempt > 0 || !errors.HasType(err, errors.ErrorTypeMappingConflict) {
			return err
		}
		r.logger.Warn("mapping conflict, re-introspecting table", zap.Error(err))
		r.o.introspector.Invalidate(name)
	}
}

// batchContext detaches an in-flight batch from cancellation: it completes
// or fails as a unit, bounded only by the batch timeout.
func (r *tableRun) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx := context.WithoutCancel(ctx)
	if d := r.o.cfg.Sync.BatchTimeout; d > 0 {
		return context.WithTimeout(bctx, d)
	}
	return bctx, func() {}
}

// batch runs one extract-to-watermark cycle. done is true when the table has
// no more rows or the run must stop after this batch.
func (r *tableRun) batch(ctx context.Context, it *source.BatchIterator) (done bool, err error) {
	o := r.o
	start := time.Now()

	bctx, cancel := r.batchContext(ctx)
	defer cancel()
	bctx, span := observability.StartSpan(bctx, "sync.batch",
		attribute.String("table", r.table.Name),
		attribute.Int("batch", r.result.Batches+1))
	defer func() { observability.EndSpan(span, err) }()

	rows, err := it.Next(bctx)
	if err != nil {
		o.metrics.ObserveBatch(r.table.Name, metrics.StatusFailed, time.Since(start))
		return true, err
	}
	if len(rows) == 0 {
		return true, r.touch(bctx)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))

	out, err := r.write(bctx, rows, start)
	if err != nil {
		return true, err
	}
	r.result.Batches++
	r.result.RowsProcessed += out.report.Indexed + out.report.Deleted
	o.metrics.RowsTotal.WithLabelValues(r.table.Name, metrics.OutcomeIndexed).Add(float64(out.report.Indexed))
	o.metrics.RowsTotal.WithLabelValues(r.table.Name, metrics.OutcomeDeleted).Add(float64(out.report.Deleted))

	prefix := 0
	for prefix < len(rows) && out.written[prefix] {
		prefix++
	}
	failed := len(rows) - countTrue(out.written)

	if prefix > 0 {
		if err := r.advance(bctx, rows[prefix-1].Cursor); err != nil {
			return true, err
		}
		if err := r.m.to(StateWatermarkAdvanced); err != nil {
			return true, err
		}
	}

	if failed > 0 {
		r.reportBlocked(out, prefix, failed)
		return true, r.writeError(failed, len(rows))
	}

	r.logger.Debug("batch written",
		zap.Int("rows", len(rows)),
		zap.Int("indexed", out.report.Indexed),
		zap.Int("deleted", out.report.Deleted),
		zap.Int("retries", out.report.Retries),
		zap.Duration("duration", time.Since(start)))
	return false, nil
}

// batchOutcome is what became of the rows handed to write.
type batchOutcome struct {
	// written[i] reports whether rows[i] reached the store
	written []bool
	// failures holds the reason of every row that did not, by position
	failures map[int]RowFailure
	report   index.WriteReport
}

// write denormalizes, builds and bulk-writes rows, recording every row that
// did not reach the store. An error means the bulk request itself failed.
func (r *tableRun) write(ctx context.Context, rows []source.Row, start time.Time) (batchOutcome, error) {
	o := r.o
	out := batchOutcome{written: make([]bool, len(rows)), failures: make(map[int]RowFailure)}

	if err := r.m.to(StateDenormalizing); err != nil {
		return out, err
	}
	embedded, failures := o.denorm.Resolve(ctx, r.table, r.specs, rows)
	for _, f := range failures {
		o.metrics.DenormErrors.WithLabelValues(r.table.Name, f.Field).Inc()
		r.result.warn(f.Err.Error())
	}

	docs, positions := r.build(rows, embedded, &out)

	if err := r.m.to(StateWriting); err != nil {
		return out, err
	}
	report, err := o.writer.Write(ctx, r.result.Index, docs)
	if err != nil {
		o.metrics.ObserveBatch(r.table.Name, metrics.StatusFailed, time.Since(start))
		return out, err
	}
	out.report = report

	for _, i := range positions {
		out.written[i] = true
	}
	var dead []deadletter.Record
	for j, item := range report.Items {
		i := positions[j]
		if item.Outcome == index.OutcomeSuccess {
			if item.Op == index.OpDelete || docs[j].Deleted {
				r.result.RowsDeleted++
			}
			continue
		}
		r.recordFailure(&out, i, RowFailure{
			DocumentID: item.ID,
			Op:         string(item.Op),
			Status:     item.HTTPStatus,
			Reason:     item.Reason,
			Attempts:   item.Attempts,
			Retryable:  item.Outcome == index.OutcomeRetryable,
		})
		if item.Outcome == index.OutcomePermanent {
			dead = append(dead, deadletter.Record{
				Table:      r.table.Name,
				Index:      r.result.Index,
				DocumentID: item.ID,
				Op:         string(item.Op),
				Status:     item.HTTPStatus,
				Reason:     item.Reason,
				Attempts:   item.Attempts,
				Document:   docs[j].Source(),
				FailedAt:   o.now().UTC(),
			})
		}
	}
	o.metrics.RowsTotal.WithLabelValues(r.table.Name, metrics.OutcomeFailed).Add(float64(report.Failed))
	if len(dead) > 0 {
		if err := o.deadLetter.Write(ctx, dead); err != nil {
			r.logger.Error("failed to write dead-letter records", zap.Int("count", len(dead)), zap.Error(err))
		}
	}

	failed := len(rows) - countTrue(out.written)
	status := metrics.StatusSuccess
	switch {
	case failed == len(rows):
		status = metrics.StatusFailed
	case failed > 0:
		status = metrics.StatusPartial
	}
	o.metrics.ObserveBatch(r.table.Name, status, time.Since(start))
	return out, nil
}

func (r *tableRun) recordFailure(out *batchOutcome, i int, f RowFailure) {
	out.written[i] = false
	out.failures[i] = f
	r.result.RowsFailed++
	r.result.Failures = append(r.result.Failures, f)
}

// writeError fails the run after rows were left unwritten. Only failures
// that may succeed on a later run make it transient.
func (r *tableRun) writeError(failed, total int) error {
	errType := errors.ErrorTypePermanentWrite
	if allRetryable(r.result.Failures) {
		errType = errors.ErrorTypeTransientWrite
	}
	return errors.Newf(errType, "%d of %d rows were not written", failed, total).
		WithDetail("table", r.table.Name).
		WithDetail("index", r.result.Index)
}

// reportBlocked names the first unwritten row, which the watermark cannot
// pass until it is written.
func (r *tableRun) reportBlocked(out batchOutcome, prefix, failed int) {
	r.o.metrics.BlockedRows.WithLabelValues(r.table.Name).Set(float64(failed))
	f := out.failures[prefix]
	fields := []zap.Field{
		zap.String("index", r.result.Index),
		zap.String("document_id", f.DocumentID),
		zap.String("op", f.Op),
		zap.Int("status", f.Status),
		zap.String("reason", f.Reason),
		zap.Int("attempts", f.Attempts),
		zap.Int("failed_rows", failed),
		zap.String("watermark_primary_key", r.result.NewWatermark.LastPrimaryKey),
	}
	if f.Retryable {
		r.logger.Warn("row is holding back the watermark until it is written", fields...)
		return
	}
	r.logger.Error("row failed permanently and is holding back the watermark", fields...)
}

// build converts rows into documents. positions maps each document back to
// its row; rows that could not be built are recorded as failures.
func (r *tableRun) build(rows []source.Row, embedded map[string]map[string]document.Value, out *batchOutcome) ([]document.Document, []int) {
	docs := make([]document.Document, 0, len(rows))
	positions := make([]int, 0, len(rows))
	for i, row := range rows {
		doc, fieldErrs, err := r.builder.Build(row, embedded[row.PrimaryKey])
		if err != nil {
			r.recordFailure(out, i, RowFailure{
				DocumentID: row.PrimaryKey,
				Op:         string(index.OpIndex),
				Reason:     err.Error(),
			})
			r.o.metrics.RowsTotal.WithLabelValues(r.table.Name, metrics.OutcomeFailed).Inc()
			continue
		}
		for _, fe := range fieldErrs {
			r.result.warn(fmt.Sprintf("row %s: %v", row.PrimaryKey, fe))
			r.logger.Warn("field dropped from document",
				zap.String("document_id", doc.ID),
				zap.String("field", fe.Field),
				zap.Error(fe.Err))
		}
		docs = append(docs, doc)
		positions = append(positions, i)
	}
	return docs, positions
}

// advance moves the table's watermark to c.
func (r *tableRun) advance(ctx context.Context, c source.Cursor) error {
	wm := watermark.At(r.table.Name, c, r.o.now())
	if err := r.o.watermarks.Advance(ctx, wm); err != nil {
		return err
	}
	r.result.NewWatermark = wm
	r.o.metrics.ObserveWatermark(r.table.Name, wm.LastUpdatedAt)
	return nil
}

// touch records a run that found nothing new by refreshing the watermark's
// run time in place.
func (r *tableRun) touch(ctx context.Context) error {
	if r.result.Batches > 0 || r.result.NewWatermark.Table == "" {
		return nil
	}
	return r.advance(ctx, r.result.NewWatermark.Cursor())
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

func allRetryable(failures []RowFailure) bool {
	for _, f := range failures {
		if !f.Retryable {
			return false
		}
	}
	return len(failures) > 0
}
