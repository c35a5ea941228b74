// Package deadletter keeps documents the store permanently rejected. Each
// failed batch becomes one NDJSON file, optionally compressed, so operators
// can inspect and replay them.
package deadletter

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
)

// Record is one rejected document.
type Record struct {
	Table      string                 `json:"table"`
	Index      string                 `json:"index"`
	DocumentID string                 `json:"document_id"`
	Op         string                 `json:"op"`
	Status     int                    `json:"status"`
	Reason     string                 `json:"reason"`
	Attempts   int                    `json:"attempts"`
	Document   map[string]interface{} `json:"document,omitempty"`
	FailedAt   time.Time              `json:"failed_at"`
}

// Sink receives rejected documents.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Nop drops records.
type Nop struct{}

// Write does nothing.
func (Nop) Write(context.Context, []Record) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Open returns a file sink when a directory is configured and Nop otherwise.
func Open(cfg config.DeadLetterConfig, logger *zap.Logger) (Sink, error) {
	if cfg.Dir == "" {
		return Nop{}, nil
	}
	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return NewFileSink(cfg.Dir, codec, logger)
}

// FileSink writes one file per Write call into a directory.
type FileSink struct {
	dir    string
	codec  Codec
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileSink creates dir when needed.
func NewFileSink(dir string, codec Codec, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create dead-letter directory").
			WithDetail("dir", dir)
	}
	return &FileSink{dir: dir, codec: codec, logger: logger.With(zap.String("component", "dead_letter"))}, nil
}

// Write stores records as <table>-<unix nanos>-<uuid>.ndjson[.ext].
func (s *FileSink) Write(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	table := strings.ToLower(records[0].Table)
	if table == "" {
		table = "unknown"
	}
	name := filepath.Join(s.dir, table+"-"+
		time.Now().UTC().Format("20060102T150405.000000000")+"-"+uuid.NewString()+".ndjson"+s.codec.Extension())

	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create dead-letter file").WithDetail("path", name)
	}
	if err := s.encode(f, records); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close dead-letter file").WithDetail("path", name)
	}

	s.logger.Warn("documents written to dead letter",
		zap.String("table", records[0].Table),
		zap.Int("count", len(records)),
		zap.String("path", name))
	return nil
}

func (s *FileSink) encode(f *os.File, records []Record) error {
	buffered := bufio.NewWriter(f)
	w, err := s.codec.NewWriter(buffered)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			w.Close()
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode dead-letter record").
				WithDetail("document_id", r.DocumentID)
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush dead-letter stream")
	}
	if err := buffered.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush dead-letter file")
	}
	return nil
}

// Close does nothing; every Write closes its file.
func (s *FileSink) Close() error { return nil }

// Files lists the dead-letter files in dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ndjson*"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to list dead-letter files")
	}
	return matches, nil
}

// ReadFile decodes one dead-letter file, picking the codec from its name.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open dead-letter file").WithDetail("path", path)
	}
	defer f.Close()

	r, err := codecFor(path).NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open dead-letter stream").WithDetail("path", path)
	}
	defer r.Close()

	var out []Record
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return out, errors.Wrap(err, errors.ErrorTypeData, "corrupt dead-letter record").WithDetail("path", path)
		}
		out = append(out, rec)
	}
	return out, nil
}
