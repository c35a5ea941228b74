package sync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/denorm"
	"github.com/ajitpratap0/lakesync/internal/source"
	"github.com/ajitpratap0/lakesync/internal/watermark"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/metrics"
	"github.com/ajitpratap0/lakesync/pkg/observability"
)

// AssociationWatermark names the watermark tracking the rows of table that
// feed field of owner. It lives in the same store as table watermarks.
func AssociationWatermark(owner, field, table string) string {
	return owner + "." + field + "@" + table
}

// seedAssociations runs before a table's first pass. That pass embeds every
// association as it stands, so change tracking starts at the latest change
// of each feeding table instead of replaying its history.
func (r *tableRun) seedAssociations(ctx context.Context) error {
	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	for _, spec := range r.specs {
		for _, table := range denorm.Sources(spec) {
			key := AssociationWatermark(r.table.Name, spec.Field, table)
			_, found, err := r.o.watermarks.Get(ctx, key)
			if err != nil {
				return err
			}
			if found {
				continue
			}
			feed, err := r.o.introspector.Introspect(ctx, table)
			if err != nil {
				r.skipRefresh(spec, table, err)
				continue
			}
			last, ok, err := r.o.extractor.LastChange(ctx, feed)
			if err != nil {
				r.skipRefresh(spec, table, err)
				continue
			}
			if !ok {
				continue
			}
			if err := r.o.watermarks.Advance(ctx, watermark.At(key, last, r.o.now())); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshAssociations rewrites the owner documents whose embedded values
// changed since the last run without the owner row itself changing: a link
// added or soft-deleted, a target renamed.
func (r *tableRun) refreshAssociations(ctx context.Context) error {
	for _, spec := range r.specs {
		for _, table := range denorm.Sources(spec) {
			if err := r.refreshFrom(ctx, spec, table); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshFrom walks the changes of one feeding table. Read failures on the
// feeding side only skip the refresh; failed writes fail the run and leave
// the association watermark where it was.
func (r *tableRun) refreshFrom(ctx context.Context, spec config.AssociationSpec, table string) error {
	key := AssociationWatermark(r.table.Name, spec.Field, table)
	current, _, err := r.o.watermarks.Get(ctx, key)
	if err != nil {
		return err
	}
	feed, err := r.o.introspector.Introspect(ctx, table)
	if err != nil {
		r.skipRefresh(spec, table, err)
		return nil
	}

	it := r.o.extractor.Changes(feed, current.Cursor())
	for {
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}
		done, err := r.refreshBatch(ctx, spec, table, key, it)
		if err != nil || done {
			return err
		}
	}
}

func (r *tableRun) refreshBatch(ctx context.Context, spec config.AssociationSpec, table, key string, it *source.BatchIterator) (done bool, err error) {
	start := time.Now()
	bctx, cancel := r.batchContext(ctx)
	defer cancel()
	bctx, span := observability.StartSpan(bctx, "sync.refresh",
		attribute.String("table", r.table.Name),
		attribute.String("field", spec.Field),
		attribute.String("source", table))
	defer func() { observability.EndSpan(span, err) }()

	changed, err := it.Next(bctx)
	if err != nil {
		r.skipRefresh(spec, table, err)
		return true, nil
	}
	if len(changed) == 0 {
		return true, nil
	}
	owners, err := r.o.denorm.Owners(bctx, r.table, spec, table, changed)
	if err != nil {
		r.skipRefresh(spec, table, err)
		return true, nil
	}
	rows, err := r.o.extractor.Fetch(bctx, r.table, owners)
	if err != nil {
		return true, err
	}

	if len(rows) > 0 {
		out, err := r.write(bctx, rows, start)
		if err != nil {
			return true, err
		}
		written := out.report.Indexed + out.report.Deleted
		r.result.RowsRefreshed += written
		r.o.metrics.RowsTotal.WithLabelValues(r.table.Name, metrics.OutcomeRefreshed).Add(float64(written))
		if failed := len(rows) - countTrue(out.written); failed > 0 {
			return true, r.writeError(failed, len(rows))
		}
	}

	if err := r.o.watermarks.Advance(bctx, watermark.At(key, it.Cursor(), r.o.now())); err != nil {
		return true, err
	}
	if len(rows) > 0 {
		if err := r.m.to(StateWatermarkAdvanced); err != nil {
			return true, err
		}
		if err := r.m.to(StateExtracting); err != nil {
			return true, err
		}
	}
	r.logger.Debug("association changes applied",
		zap.String("field", spec.Field),
		zap.String("source", table),
		zap.Int("changed", len(changed)),
		zap.Int("owners", len(rows)))
	return false, nil
}

func (r *tableRun) skipRefresh(spec config.AssociationSpec, table string, err error) {
	err = errors.Wrap(err, errors.ErrorTypeDenormalization, "association change tracking failed").
		WithDetail("table", r.table.Name).
		WithDetail("field", spec.Field).
		WithDetail("source", table)
	r.o.metrics.DenormErrors.WithLabelValues(r.table.Name, spec.Field).Inc()
	r.result.warn(err.Error())
	r.logger.Warn("skipping association refresh", zap.String("field", spec.Field), zap.String("source", table), zap.Error(err))
}
