package sync

import (
	"time"

	"github.com/ajitpratap0/lakesync/internal/notify"
	"github.com/ajitpratap0/lakesync/internal/watermark"
)

// maxWarnings bounds the warnings kept on one result.
const maxWarnings = 100

// RowFailure is one row that did not reach the store.
type RowFailure struct {
	DocumentID string `json:"document_id"`
	Op         string `json:"op"`
	Status     int    `json:"status,omitempty"`
	Reason     string `json:"reason"`
	Attempts   int    `json:"attempts,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// SyncResult is the outcome of one table's run.
type SyncResult struct {
	RunID         string              `json:"run_id"`
	Table         string              `json:"table"`
	Index         string              `json:"index"`
	RowsProcessed int                 `json:"rows_processed"`
	RowsFailed    int                 `json:"rows_failed"`
	RowsDeleted   int                 `json:"rows_deleted"`
	Batches       int                 `json:"batches"`
	// RowsRefreshed counts owner documents rewritten because an
	// association changed
	RowsRefreshed int                 `json:"rows_refreshed,omitempty"`
	NewWatermark  watermark.Watermark `json:"watermark"`
	State         State               `json:"state"`
	Err           error               `json:"-"`
	Error         string              `json:"error,omitempty"`
	Failures      []RowFailure        `json:"failures,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	Duration      time.Duration       `json:"duration"`
}

// Failed reports whether the run ended in the Failed state.
func (r SyncResult) Failed() bool { return r.State == StateFailed }

func (r *SyncResult) warn(msg string) {
	if len(r.Warnings) < maxWarnings {
		r.Warnings = append(r.Warnings, msg)
	}
}

func (r *SyncResult) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// event converts the result into a notification payload.
func (r SyncResult) event(now time.Time) notify.Event {
	return notify.Event{
		RunID:          r.RunID,
		Table:          r.Table,
		Index:          r.Index,
		State:          string(r.State),
		RowsProcessed:  r.RowsProcessed,
		RowsFailed:     r.RowsFailed,
		RowsDeleted:    r.RowsDeleted,
		Batches:        r.Batches,
		LastUpdatedAt:  r.NewWatermark.LastUpdatedAt,
		LastPrimaryKey: r.NewWatermark.LastPrimaryKey,
		Error:          r.Error,
		DurationMS:     r.Duration.Milliseconds(),
		Timestamp:      now,
	}
}

// Summary is the outcome of syncing several tables.
type Summary struct {
	RunID        string        `json:"run_id"`
	Results      []SyncResult  `json:"results"`
	FailedTables []string      `json:"failed_tables"`
	Duration     time.Duration `json:"duration"`
}

// RowsProcessed totals the rows written across tables.
func (s Summary) RowsProcessed() int {
	n := 0
	for _, r := range s.Results {
		n += r.RowsProcessed
	}
	return n
}
