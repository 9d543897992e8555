package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"panelquery/internal/config"
	"panelquery/internal/filters"
	"panelquery/internal/query"
	"panelquery/internal/resource"
	"panelquery/internal/sqlq"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func withJSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withTelemetry(next http.Handler, telemetry *telemetry, logRequests bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)

		if telemetry != nil {
			telemetry.recordRequest(r.Context(), r.Method, r.URL.Path, recorder.status, duration)
		}
		if logRequests && telemetry != nil && telemetry.logger != nil {
			telemetry.logger.Info("request completed", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "status", recorder.status, "duration_ms", duration.Milliseconds())
		}
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// app holds what a listing needs: the store, the resource catalog and the
// pagination bounds.
type app struct {
	cfg       config.AppConfig
	db        sqlq.Executor
	dialect   sqlq.Dialect
	catalog   *resource.Catalog
	telemetry *telemetry
	logger    *slog.Logger
}

type listingRequest struct {
	Resource        string
	Search          *string
	Filters         string
	OrderBy         string
	Trashed         string
	PerPage         int
	Page            int
	ViaResource     string
	ViaRelationship string
	ViaResourceID   string
}

type listingResult struct {
	Resource      string     `json:"resource"`
	Strategy      string     `json:"strategy"`
	Items         []sqlq.Row `json:"items"`
	Page          int        `json:"page"`
	PerPage       int        `json:"perPage"`
	Total         int        `json:"total"`
	TotalAccurate bool       `json:"totalAccurate"`
	HasMore       bool       `json:"hasMore"`
	Filters       []string   `json:"filters"`
	TimingMs      int64      `json:"timingMs"`
}

func (a *app) list(ctx context.Context, req listingRequest) (listingResult, error) {
	def, err := a.catalog.Get(req.Resource)
	if err != nil {
		return listingResult{}, err
	}

	perPage := req.PerPage
	if perPage <= 0 {
		perPage = a.cfg.Pagination.PerPage
	}
	if perPage > a.cfg.Pagination.MaxPerPage {
		perPage = a.cfg.Pagination.MaxPerPage
	}
	page := req.Page
	if page < 1 {
		page = 1
	}

	var via *query.Via
	if req.ViaResource != "" && req.ViaResourceID != "" {
		via, err = a.catalog.Via(def, req.ViaResource, req.ViaRelationship, req.ViaResourceID)
		if err != nil {
			return listingResult{}, err
		}
	}

	applied := filters.NewDecoder(req.Filters, def.Filters()).Filters()
	orderings := query.ParseOrderings(req.OrderBy)

	c, err := query.New(def, query.WithLogger(a.logger), query.WithObserver(a.telemetry)).
		Search(ctx, query.Request{Via: via}, def.NewQuery(a.db, a.dialect), req.Search, applied, orderings, query.ParseTrashed(req.Trashed))
	if err != nil {
		return listingResult{}, err
	}

	result, total, accurate, err := c.Paginate(ctx, perPage, page)
	if err != nil {
		return listingResult{}, fmt.Errorf("list %s: %w", def.Name(), err)
	}

	strategy := query.StrategyRelational
	if c.UsesIndex() {
		strategy = query.StrategyIndex
	}
	keys := make([]string, 0, len(applied))
	for _, filter := range applied {
		keys = append(keys, filter.Filter.Key())
	}
	items := result.Items
	if items == nil {
		items = []sqlq.Row{}
	}
	return listingResult{
		Resource:      def.Name(),
		Strategy:      string(strategy),
		Items:         items,
		Page:          result.Page,
		PerPage:       result.PerPage,
		Total:         total,
		TotalAccurate: accurate,
		HasMore:       result.HasMore,
		Filters:       keys,
	}, nil
}

func (a *app) show(ctx context.Context, name, key string) (sqlq.Row, error) {
	def, err := a.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	keyValue := def.Table().KeyValues([]string{key})[0]
	rows, err := query.New(def, query.WithLogger(a.logger)).WhereKey(def.NewQuery(a.db, a.dialect), keyValue).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", name, key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

type apiServer struct {
	app    *app
	logger *slog.Logger
	ready  atomic.Bool
}

func newAPIServer(a *app) *apiServer {
	server := &apiServer{app: a, logger: a.logger}
	server.ready.Store(true)
	return server
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/resources", s.handleResources)
	mux.HandleFunc("/v1/resources/", s.handleResourceByName)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/ready", s.handleReadiness)
	if s.app.telemetry.enabled {
		mux.HandleFunc("/v1/metrics", s.app.telemetry.handleMetrics)
	}

	handler := withJSONHeaders(mux)
	return withTelemetry(handler, s.app.telemetry, s.app.cfg.RequestLogsEnabled())
}

func (s *apiServer) handleResources(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resources := make([]map[string]any, 0)
	for _, def := range s.app.catalog.List() {
		filterKeys := make([]string, 0, def.Filters().Len())
		for _, f := range def.Filters().Definitions() {
			filterKeys = append(filterKeys, f.Key())
		}
		resources = append(resources, map[string]any{
			"name":    def.Name(),
			"table":   def.Table().Name,
			"indexed": def.UsesIndex(),
			"filters": filterKeys,
		})
	}
	respond(w, http.StatusOK, map[string]any{"resources": resources, "timingMs": time.Since(start).Milliseconds()})
}

func (s *apiServer) handleResourceByName(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/v1/resources/")
	segments := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(segments) == 0 || segments[0] == "" || len(segments) > 2 {
		http.NotFound(w, r)
		return
	}

	name := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.listResource(w, r, name)
		return
	}

	switch {
	case segments[1] == "index" && r.Method == http.MethodPost:
		s.reindexResource(w, r, name)
	case r.Method == http.MethodGet:
		s.showResource(w, r, name, segments[1])
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *apiServer) listResource(w http.ResponseWriter, r *http.Request, name string) {
	start := time.Now()
	params := r.URL.Query()

	perPage, err := parseIntDefault(params.Get("perPage"), 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid perPage: %v", err), start)
		return
	}
	page, err := parseIntDefault(params.Get("page"), 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid page: %v", err), start)
		return
	}

	req := listingRequest{
		Resource:        name,
		Filters:         params.Get("filters"),
		OrderBy:         params.Get("orderBy"),
		Trashed:         params.Get("trashed"),
		PerPage:         perPage,
		Page:            page,
		ViaResource:     params.Get("viaResource"),
		ViaRelationship: params.Get("viaRelationship"),
		ViaResourceID:   params.Get("viaResourceId"),
	}
	if params.Has("search") {
		search := params.Get("search")
		req.Search = &search
	}

	result, err := s.app.list(r.Context(), req)
	if err != nil {
		s.logger.Warn("listing failed", "request_id", requestID(r.Context()), "resource", name, "error", err)
		respondError(w, httpStatusForError(err), err.Error(), start)
		return
	}

	result.TimingMs = time.Since(start).Milliseconds()
	respond(w, http.StatusOK, result)

	s.logger.Info("listing served", "request_id", requestID(r.Context()), "resource", name, "strategy", result.Strategy, "items", len(result.Items), "total", result.Total, "duration_ms", time.Since(start).Milliseconds())
}

func (s *apiServer) showResource(w http.ResponseWriter, r *http.Request, name, key string) {
	start := time.Now()
	row, err := s.app.show(r.Context(), name, key)
	if err != nil {
		respondError(w, httpStatusForError(err), err.Error(), start)
		return
	}
	if row == nil {
		respondError(w, http.StatusNotFound, "record not found", start)
		return
	}
	respond(w, http.StatusOK, map[string]any{"resource": name, "record": row, "timingMs": time.Since(start).Milliseconds()})
}

func (s *apiServer) reindexResource(w http.ResponseWriter, r *http.Request, name string) {
	start := time.Now()
	indexed, err := s.app.catalog.Reindex(r.Context(), s.app.db, s.app.dialect, name)
	if err != nil {
		respondError(w, httpStatusForError(err), err.Error(), start)
		return
	}
	respond(w, http.StatusOK, map[string]any{"resource": name, "indexed": indexed, "timingMs": time.Since(start).Milliseconds()})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	respond(w, http.StatusOK, map[string]any{"status": "ok", "timingMs": time.Since(start).Milliseconds()})
}

func (s *apiServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()
	ready := s.ready.Load()

	indexed := 0
	resources := s.app.catalog.List()
	for _, def := range resources {
		if def.UsesIndex() {
			indexed++
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respond(w, status, map[string]any{
		"status":    map[bool]string{true: "ready", false: "initializing"}[ready],
		"resources": len(resources),
		"indexes":   indexed,
		"timingMs":  time.Since(start).Milliseconds(),
	})
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string, start time.Time) {
	respond(w, status, map[string]any{"error": message, "timingMs": time.Since(start).Milliseconds()})
}

func parseIntDefault(raw string, defaultVal int) (int, error) {
	if raw == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return val, nil
}

func httpStatusForError(err error) int {
	switch {
	case errors.Is(err, resource.ErrUnknownResource):
		return http.StatusNotFound
	case errors.Is(err, resource.ErrNotIndexed):
		return http.StatusConflict
	case errors.Is(err, resource.ErrInvalidVia), errors.Is(err, sqlq.ErrUnknownRelation), errors.Is(err, sqlq.ErrUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
