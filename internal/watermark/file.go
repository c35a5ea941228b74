package watermark

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
)

const fileVersion = 1

type fileDocument struct {
	Version    int                  `json:"version"`
	Watermarks map[string]Watermark `json:"watermarks"`
}

// FileStore keeps watermarks in one JSON file, replaced atomically on every
// change.
type FileStore struct {
	path   string
	locks  *keyedMutex
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStore creates a store at path. The file is created on first write.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "watermark file path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create watermark directory")
		}
	}
	return &FileStore{path: path, locks: newKeyedMutex(), logger: logger.With(zap.String("component", "watermarks"))}, nil
}

func (s *FileStore) load() (fileDocument, error) {
	doc := fileDocument{Version: fileVersion, Watermarks: map[string]Watermark{}}
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, errors.Wrap(err, errors.ErrorTypeFile, "failed to read watermark file").WithDetail("path", s.path)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, errors.Wrap(err, errors.ErrorTypeData, "corrupt watermark file").WithDetail("path", s.path)
	}
	if doc.Watermarks == nil {
		doc.Watermarks = map[string]Watermark{}
	}
	return doc, nil
}

func (s *FileStore) save(doc fileDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode watermarks")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".watermarks-*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp watermark file")
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write watermark file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to sync watermark file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close watermark file")
	}
	if err := os.Rename(name, s.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to replace watermark file").WithDetail("path", s.path)
	}
	return nil
}

// Get returns the watermark of table.
func (s *FileStore) Get(_ context.Context, table string) (Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Watermark{}, false, err
	}
	wm, ok := doc.Watermarks[table]
	return wm, ok, nil
}

// Advance stores wm unless it regresses the stored watermark.
func (s *FileStore) Advance(_ context.Context, wm Watermark) error {
	unlock := s.locks.lock(wm.Table)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	current, found := doc.Watermarks[wm.Table]
	if err := checkAdvance(current, found, wm); err != nil {
		return err
	}
	doc.Watermarks[wm.Table] = wm
	return s.save(doc)
}

// Reset removes the watermark of table.
func (s *FileStore) Reset(_ context.Context, table string) error {
	unlock := s.locks.lock(table)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Watermarks[table]; !ok {
		return nil
	}
	delete(doc.Watermarks, table)
	s.logger.Info("watermark reset", zap.String("table", table))
	return s.save(doc)
}

// List returns every stored watermark.
func (s *FileStore) List(context.Context) ([]Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Watermark, 0, len(doc.Watermarks))
	for _, wm := range doc.Watermarks {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
