// Package server exposes the sync engine over HTTP: health, search, sync
// triggers, watermark listing and Prometheus metrics. Serve can also run the
// engine on a fixed interval.
package server

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/internal/index"
	lsync "github.com/ajitpratap0/lakesync/internal/sync"
	"github.com/ajitpratap0/lakesync/internal/watermark"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
	"github.com/ajitpratap0/lakesync/pkg/logger"
	"github.com/ajitpratap0/lakesync/pkg/observability"
)

// maxQueryBytes bounds advanced search bodies.
const maxQueryBytes = 1 << 20

// Engine is the part of the orchestrator the server drives.
type Engine interface {
	SyncAll(ctx context.Context) lsync.Summary
	SyncTable(ctx context.Context, table string) lsync.SyncResult
	Resync(ctx context.Context, table string) (lsync.SyncResult, error)
	Search(ctx context.Context, target string, query map[string]interface{}) (index.SearchResult, error)
	SearchText(ctx context.Context, term string, fields []string, size int) (index.SearchResult, error)
	Watermarks(ctx context.Context) ([]watermark.Watermark, error)
	States() map[string]lsync.State
	Health(ctx context.Context) map[string]error
}

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8080"
	Addr string
	// SyncInterval runs SyncAll periodically when positive
	SyncInterval time.Duration
	// ShutdownTimeout bounds the drain of in-flight requests; 10s when zero
	ShutdownTimeout time.Duration
	// Gatherer backs /metrics; the default registry when nil
	Gatherer    prometheus.Gatherer
	ServiceName string
}

// Server is the HTTP surface of the engine.
type Server struct {
	engine  Engine
	cfg     Config
	logger  *zap.Logger
	handler http.Handler

	ready chan struct{}
	addr  net.Addr
}

// New builds the server and its routes.
func New(engine Engine, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lakesync"
	}
	s := &Server{
		engine: engine,
		cfg:    cfg,
		logger: log.With(zap.String("component", "http")),
		ready:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("POST /search", s.handleSearchBody)
	mux.HandleFunc("POST /search/advanced", s.handleAdvancedSearch)
	mux.HandleFunc("POST /sync", s.handleSyncAll)
	mux.HandleFunc("POST /sync/{table}", s.handleSyncTable)
	mux.HandleFunc("POST /sync/{table}/resync", s.handleResync)
	mux.HandleFunc("GET /watermarks", s.handleWatermarks)
	mux.HandleFunc("GET /states", s.handleStates)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	s.handler = observability.TracingMiddleware(cfg.ServiceName)(s.withRequestLogging(mux))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address; valid after Ready is closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve listens on the configured address until ctx ends, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to listen").WithDetail("addr", s.cfg.Addr)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.cfg.SyncInterval > 0 {
		go s.syncLoop(ctx)
	}

	s.logger.Info("http server listening", zap.String("addr", s.addr.String()))
	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "http server shutdown")
	}
	s.logger.Info("http server stopped")
	return nil
}

// syncLoop runs the engine every SyncInterval. Runs never overlap: a tick
// that arrives while a run is going is dropped.
func (s *Server) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.engine.SyncAll(ctx)
			s.logger.Info("scheduled sync finished",
				zap.String("run_id", summary.RunID),
				zap.Strings("failed_tables", summary.FailedTables))
		}
	}
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		logger.FromContext(ctx, s.logger).Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status, code := "ok", http.StatusOK
	for name, err := range s.engine.Health(r.Context()) {
		if err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	term := strings.TrimSpace(q.Get("q"))
	if term == "" {
		s.writeError(w, errors.New(errors.ErrorTypeValidation, "query parameter q is required"))
		return
	}
	var fields []string
	if raw := q.Get("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	size := 0
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errors.Newf(errors.ErrorTypeValidation, "invalid size %q", raw))
			return
		}
		size = n
	}

	res, err := s.engine.SearchText(r.Context(), term, fields, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// SearchRequest is the JSON body of POST /search.
type SearchRequest struct {
	SearchTerm string   `json:"search_term"`
	Fields     []string `json:"fields,omitempty"`
	Size       int      `json:"size,omitempty"`
}

func (s *Server) handleSearchBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeValidation, "failed to read search request"))
		return
	}
	var req SearchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeValidation, "search request is not valid JSON"))
		return
	}
	term := strings.TrimSpace(req.SearchTerm)
	if term == "" {
		s.writeError(w, errors.New(errors.ErrorTypeValidation, "search_term is required"))
		return
	}
	if req.Size < 0 {
		s.writeError(w, errors.Newf(errors.ErrorTypeValidation, "invalid size %d", req.Size))
		return
	}
	var fields []string
	for _, f := range req.Fields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}

	res, err := s.engine.SearchText(r.Context(), term, fields, req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdvancedSearch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeValidation, "failed to read query"))
		return
	}
	var query map[string]interface{}
	if err := json.Unmarshal(body, &query); err != nil {
		s.writeError(w, errors.Wrap(err, errors.ErrorTypeValidation, "query body is not a JSON object"))
		return
	}
	target := r.URL.Query().Get("index")
	if target == "" {
		target = "*"
	}

	res, err := s.engine.Search(r.Context(), target, query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.SyncAll(r.Context())
	code := http.StatusOK
	if len(summary.FailedTables) > 0 {
		code = http.StatusMultiStatus
	}
	s.writeJSON(w, code, summary)
}

func (s *Server) handleSyncTable(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.engine.SyncTable(r.Context(), r.PathValue("table")))
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Resync(r.Context(), r.PathValue("table"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResult(w, res)
}

func (s *Server) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.Watermarks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []watermark.Watermark{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"watermarks": list})
}

func (s *Server) handleStates(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.States())
}

func (s *Server) writeResult(w http.ResponseWriter, res lsync.SyncResult) {
	code := http.StatusOK
	if res.Failed() {
		code = statusFor(res.Err)
	}
	s.writeJSON(w, code, res)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	buf := json.GetBuffer()
	defer json.PutBuffer(buf)
	if err := json.MarshalToWriter(buf, v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"type":  string(errors.TypeOf(err)),
	})
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeConflict, errors.ErrorTypeMappingConflict:
		return http.StatusConflict
	case errors.ErrorTypeConnection, errors.ErrorTypeTransientWrite, errors.ErrorTypeRateLimit:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypePermanentWrite, errors.ErrorTypeSchema:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
