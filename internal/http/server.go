package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"analyticdb/internal/compaction"
	"analyticdb/internal/engine"
	"analyticdb/internal/table"
	"analyticdb/pkg/config"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
)

type iEngine interface {
	Stats() engine.Stats
	CreateSpace(id types.SpaceID) error
	CreateTable(ctx context.Context, space types.SpaceID, name string, schema row.Schema, opts config.TableOptions) (types.TableID, error)
	DropTable(ctx context.Context, id types.TableID) error
	Table(id types.TableID) (*table.Table, error)
	Write(ctx context.Context, id types.TableID, rows []row.Row) (engine.WriteResult, error)
	ReadAll(ctx context.Context, req engine.ReadRequest) ([]row.Row, error)
	Get(ctx context.Context, id types.TableID, key types.Key) (row.Row, bool, error)
	Flush(ctx context.Context, id types.TableID) error
	Compact(ctx context.Context, id types.TableID) (compaction.Info, error)
	MetricsHandler() http.Handler
}

// Server is the admin HTTP surface of an engine.
type Server struct {
	engine            iEngine
	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(eng iEngine, cfg config.ServerConfig) *Server {
	port := defaultHTTPPort
	if cfg.Port > 0 {
		port = strconv.Itoa(cfg.Port)
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = defaultReadHeaderTimeout
	}
	return &Server{
		engine:            eng,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: timeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.engine.MetricsHandler())
	r.Get("/api/stats", s.handleStats)
	r.Post("/api/spaces/{space}", s.handleCreateSpace)

	r.Route("/api/tables", func(r chi.Router) {
		r.Post("/", s.handleCreateTable)
		r.Route("/{table}", func(r chi.Router) {
			r.Get("/", s.handleTableStats)
			r.Delete("/", s.handleDropTable)
			r.Post("/rows", s.handleWrite)
			r.Get("/rows", s.handleScan)
			r.Get("/rows/{key}", s.handleGet)
			r.Post("/flush", s.handleFlush)
			r.Post("/compact", s.handleCompact)
		})
	})
	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps engine errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		fatal  *table.FatalError
		pe     *engine.PartialWriteError
	)
	switch {
	case errors.Is(err, engine.ErrTableNotFound), errors.Is(err, engine.ErrSpaceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrTableExists), errors.Is(err, compaction.ErrNothingToCompact):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSchema), errors.Is(err, row.ErrSchemaMismatch),
		errors.Is(err, row.ErrEmptyKey), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrTableUnavailable), errors.Is(err, table.ErrWriteQueueFull),
		errors.Is(err, engine.ErrClosed), errors.As(err, &fatal):
		status = http.StatusServiceUnavailable
	case errors.As(err, &pe):
		status = http.StatusMultiStatus
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

var errBadRequest = errors.New("bad request")

func tableParam(r *http.Request) (types.TableID, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "table"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: table id: %w", errBadRequest, err)
	}
	return types.TableID(id), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewDataResponse(s.engine.Stats()))
}

func (s *Server) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "space"), 10, 32)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: space id: %w", errBadRequest, err))
		return
	}
	if err := s.engine.CreateSpace(types.SpaceID(id)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req CreateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	id, err := s.engine.CreateTable(r.Context(), req.Space, req.Name, row.Schema{Columns: req.Columns}, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDataResponse(CreateTableResponse{ID: id}))
}

func (s *Server) handleTableStats(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.engine.Table(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(t.Stats()))
}

func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.DropTable(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.engine.Table(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	rows, err := decodeRows(t.Schema(), req.Rows)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.Write(r.Context(), id, rows)
	if err != nil {
		var pe *engine.PartialWriteError
		if errors.As(err, &pe) {
			resp := NewErrorResponse(err.Error())
			resp.Data = res
			s.writeJSON(w, http.StatusMultiStatus, resp)
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(res))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := r.URL.Query()
	req := engine.ReadRequest{Table: id}
	if v := q.Get("start"); v != "" {
		req.Range.Start = []byte(v)
	}
	if v := q.Get("end"); v != "" {
		req.Range.End = []byte(v)
	}
	if v := q.Get("columns"); v != "" {
		req.Columns = strings.Split(v, ",")
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil || req.Limit < 0 {
			s.writeError(w, fmt.Errorf("%w: limit %q", errBadRequest, v))
			return
		}
	}

	t, err := s.engine.Table(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	schema, _, err := t.Schema().Project(req.Columns)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", engine.ErrInvalidSchema, err))
		return
	}
	rows, err := s.engine.ReadAll(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(encodeRows(schema, rows)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.engine.Table(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	found, ok, err := s.engine.Get(r.Context(), id, []byte(chi.URLParam(r, "key")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(encodeRow(t.Schema(), found)))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Flush(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id, err := tableParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.engine.Compact(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(info))
}
