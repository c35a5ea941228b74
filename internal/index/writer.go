package index

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/lakesync/internal/document"
	"github.com/ajitpratap0/lakesync/internal/mapping"
	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/metrics"
	"github.com/ajitpratap0/lakesync/pkg/retry"
)

// Outcome classifies the result of one bulk item.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomePermanent Outcome = "permanent"
)

// ItemOutcome is the final state of one document write.
type ItemOutcome struct {
	ID         string
	Op         OpType
	Outcome    Outcome
	HTTPStatus int
	Reason     string
	Attempts   int
}

// WriteReport describes one Write call. Items follow the order of the
// documents passed in.
type WriteReport struct {
	Items   []ItemOutcome
	Indexed int
	Deleted int
	Failed  int
	Retries int
}

// FirstFailure returns the position of the first item that was not written,
// or -1 when all were.
func (r WriteReport) FirstFailure() int {
	for i, item := range r.Items {
		if item.Outcome != OutcomeSuccess {
			return i
		}
	}
	return -1
}

// Failures returns the items that were not written.
func (r WriteReport) Failures() []ItemOutcome {
	var out []ItemOutcome
	for _, item := range r.Items {
		if item.Outcome != OutcomeSuccess {
			out = append(out, item)
		}
	}
	return out
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	// SoftDeletePolicy is config.SoftDeleteRemove or config.SoftDeleteTag
	SoftDeletePolicy string
	Retry            *retry.Policy
	// RateLimit caps bulk requests per second; zero disables pacing
	RateLimit float64
}

// WriterConfigFrom derives writer settings from the loaded configuration.
func WriterConfigFrom(cfg config.Config) WriterConfig {
	r := cfg.Reliability
	return WriterConfig{
		SoftDeletePolicy: cfg.Sync.SoftDeletePolicy,
		Retry:            retry.NewPolicy(r.RetryAttempts, r.RetryDelay, r.MaxRetryDelay, r.RetryMultiplier),
		RateLimit:        r.RateLimitPerSec,
	}
}

// Writer turns documents into bulk requests and retries the items the store
// could not take.
type Writer struct {
	store   Store
	policy  *retry.Policy
	limiter *rate.Limiter
	tag     bool
	metrics *metrics.SyncMetrics
	logger  *zap.Logger
}

// NewWriter creates a writer. A nil metrics value disables recording.
func NewWriter(store Store, cfg WriterConfig, m *metrics.SyncMetrics, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.Retry
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	w := &Writer{
		store:   store,
		policy:  policy,
		tag:     cfg.SoftDeletePolicy == config.SoftDeleteTag,
		metrics: m,
		logger:  logger.With(zap.String("component", "index_writer")),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return w
}

// Ops converts documents into bulk actions under the writer's soft-delete
// policy.
func (w *Writer) Ops(docs []document.Document) []Op {
	ops := make([]Op, len(docs))
	for i, d := range docs {
		switch {
		case d.Deleted && !w.tag:
			ops[i] = Op{Type: OpDelete, ID: d.ID}
		case w.tag:
			body := d.Source()
			body[mapping.DeletedField] = d.Deleted
			ops[i] = Op{Type: OpIndex, ID: d.ID, Body: body}
		default:
			ops[i] = Op{Type: OpIndex, ID: d.ID, Body: d.Source()}
		}
	}
	return ops
}

// Write sends docs to index in one bulk request and re-sends retryable items
// alone until they succeed or the retry policy is exhausted. The returned
// error is set only when the store could not be reached on the last attempt
// or ctx ended; per-item failures are reported in the WriteReport.
func (w *Writer) Write(ctx context.Context, index string, docs []document.Document) (WriteReport, error) {
	ops := w.Ops(docs)
	report := WriteReport{Items: make([]ItemOutcome, len(ops))}
	for i, op := range ops {
		report.Items[i] = ItemOutcome{ID: op.ID, Op: op.Type, Outcome: OutcomeRetryable}
	}
	if len(ops) == 0 {
		return report, nil
	}

	pending := make([]int, len(ops))
	for i := range pending {
		pending[i] = i
	}

	var lastErr error
	for attempt := 0; attempt < w.policy.MaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 0 {
			report.Retries += len(pending)
			if w.metrics != nil {
				w.metrics.BulkRetries.WithLabelValues(index).Add(float64(len(pending)))
			}
			w.logger.Debug("retrying bulk items",
				zap.String("index", index),
				zap.Int("items", len(pending)),
				zap.Int("attempt", attempt+1))
			if err := w.policy.Wait(ctx, attempt-1); err != nil {
				w.finish(&report)
				return report, errors.Wrap(err, errors.ErrorTypeTimeout, "bulk retry interrupted").
					WithDetail("index", index)
			}
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.finish(&report)
				return report, errors.Wrap(err, errors.ErrorTypeTimeout, "bulk pacing interrupted").
					WithDetail("index", index)
			}
		}

		batch := make([]Op, len(pending))
		for j, i := range pending {
			batch[j] = ops[i]
		}

		results, err := w.store.Bulk(ctx, index, batch)
		if err != nil {
			lastErr = err
			outcome := OutcomePermanent
			if errors.IsRetryable(err) {
				outcome = OutcomeRetryable
			}
			for _, i := range pending {
				item := &report.Items[i]
				item.Attempts++
				item.Outcome = outcome
				item.Reason = err.Error()
			}
			if outcome == OutcomePermanent {
				pending = nil
			}
			w.logger.Warn("bulk request failed",
				zap.String("index", index),
				zap.Int("items", len(batch)),
				zap.Bool("retryable", outcome == OutcomeRetryable),
				zap.Error(err))
			continue
		}
		lastErr = nil

		var next []int
		for j, i := range pending {
			item := &report.Items[i]
			item.Attempts++
			item.HTTPStatus = results[j].Status
			item.Outcome = Classify(ops[i].Type, results[j])
			item.Reason = results[j].Reason
			if item.Outcome == OutcomeRetryable {
				next = append(next, i)
			}
		}
		pending = next
	}

	w.finish(&report)
	if lastErr != nil {
		return report, errors.Wrap(lastErr, errors.TypeOf(lastErr), "bulk write failed").
			WithDetail("index", index).
			WithDetail("attempts", w.policy.MaxAttempts)
	}
	return report, nil
}

func (w *Writer) finish(r *WriteReport) {
	for _, item := range r.Items {
		switch {
		case item.Outcome != OutcomeSuccess:
			r.Failed++
		case item.Op == OpDelete:
			r.Deleted++
		default:
			r.Indexed++
		}
	}
}

// Classify maps a bulk item result to an outcome. Deleting a document that
// is already absent counts as success.
func Classify(op OpType, r ItemResult) Outcome {
	switch {
	case r.OK():
		return OutcomeSuccess
	case op == OpDelete && r.Status == http.StatusNotFound:
		return OutcomeSuccess
	case RetryableStatus(r.Status):
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}
