// Package api exposes the HTTP interface for the submission service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/config"
	"github.com/directorybolt/submitd/internal/discovery"
	"github.com/directorybolt/submitd/internal/dispatcher"
	"github.com/directorybolt/submitd/internal/metrics"
	"github.com/directorybolt/submitd/internal/pipeline"
	"github.com/directorybolt/submitd/internal/worker"
)

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router     chi.Router
	store      pipeline.TaskStore
	catalog    pipeline.CatalogRepository
	engine     *discovery.Engine
	mapper     pipeline.FieldMapper
	solver     pipeline.CaptchaSolver
	prober     pipeline.FormProber
	dispatcher *dispatcher.Dispatcher
	worker     *worker.Worker
	pauses     *worker.PauseRegistry
	idGen      pipeline.IDGenerator
	clock      pipeline.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// Deps collects everything the Server needs.
type Deps struct {
	Store      pipeline.TaskStore
	Catalog    pipeline.CatalogRepository
	Engine     *discovery.Engine
	Mapper     pipeline.FieldMapper
	Solver     pipeline.CaptchaSolver
	Prober     pipeline.FormProber
	Dispatcher *dispatcher.Dispatcher
	Worker     *worker.Worker
	Pauses     *worker.PauseRegistry
	IDGen      pipeline.IDGenerator
	Clock      pipeline.Clock
	Logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      deps.Store,
		catalog:    deps.Catalog,
		engine:     deps.Engine,
		mapper:     deps.Mapper,
		solver:     deps.Solver,
		prober:     deps.Prober,
		dispatcher: deps.Dispatcher,
		worker:     deps.Worker,
		pauses:     deps.Pauses,
		idGen:      deps.IDGen,
		clock:      deps.Clock,
		cfg:        cfg,
		logger:     logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware("api"))
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/discover", s.discover)
		r.Post("/forms/analyze", s.analyzeForm)
		r.Post("/captcha/solve", s.solveCaptcha)
		r.Route("/submissions", func(r chi.Router) {
			r.Post("/", s.enqueueSubmissions)
			r.Get("/{task_id}", s.getSubmission)
		})
		r.Route("/customers/{customer_id}", func(r chi.Router) {
			r.Post("/pause", s.pauseCustomer)
			r.Post("/resume", s.resumeCustomer)
		})
		r.Post("/directories/process", s.processDirectory)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The catalog is the only hard downstream at startup.
	if s.catalog != nil {
		if _, err := s.catalog.ListDirectories(r.Context(), pipeline.DiscoveryCriteria{MaxResults: 1}); err != nil {
			writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type discoverRequest struct {
	Industry           string `json:"industry"`
	Location           string `json:"location"`
	BusinessType       string `json:"business_type"`
	MinDomainAuthority int    `json:"min_domain_authority"`
	MaxResults         int    `json:"max_results"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Industry == "" {
		writeError(w, http.StatusBadRequest, "industry required")
		return
	}
	records, stats, err := s.engine.Discover(r.Context(), pipeline.DiscoveryCriteria{
		Industry:           req.Industry,
		Location:           req.Location,
		BusinessType:       req.BusinessType,
		MinDomainAuthority: req.MinDomainAuthority,
		MaxResults:         req.MaxResults,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"directories": records,
		"stats":       stats,
	})
}

type analyzeFormRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

func (s *Server) analyzeForm(w http.ResponseWriter, r *http.Request) {
	var req analyzeFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" && req.HTML == "" {
		writeError(w, http.StatusBadRequest, "url or html required")
		return
	}

	html := req.HTML
	var probe *pipeline.ProbeResult
	if html == "" {
		result, err := s.prober.Probe(r.Context(), req.URL)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		html = result.HTML
		probe = &result
	}

	mapping, err := s.mapper.MapForm(r.Context(), html, pipeline.MapOptions{
		ConfidenceThreshold: s.cfg.Mapper.ConfidenceThreshold,
	})
	if err != nil {
		var mErr *pipeline.MappingError
		if errors.As(err, &mErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      mErr.Code,
				"confidence": mErr.Confidence,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"mapping": mapping}
	if probe != nil {
		resp["probe"] = map[string]any{
			"field_count":       probe.FieldCount,
			"requires_login":    probe.RequiresLogin,
			"likely_multi_step": probe.LikelyMultiStep,
			"rendered_headless": probe.RenderedHeadless,
			"captcha":           probe.Challenge,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type solveCaptchaRequest struct {
	Type     string  `json:"type"`
	SiteKey  string  `json:"site_key"`
	PageURL  string  `json:"page_url"`
	MinScore float64 `json:"min_score"`
}

func (s *Server) solveCaptcha(w http.ResponseWriter, r *http.Request) {
	var req solveCaptchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SiteKey == "" || req.PageURL == "" {
		writeError(w, http.StatusBadRequest, "site_key and page_url required")
		return
	}
	challenge := pipeline.CaptchaChallenge{
		Type:     pipeline.CaptchaType(req.Type),
		SiteKey:  req.SiteKey,
		PageURL:  req.PageURL,
		MinScore: req.MinScore,
	}
	solution, err := s.solver.Solve(r.Context(), challenge, pipeline.SolveBudget{
		MaxCost: s.cfg.Captcha.BudgetUSD,
		MaxWait: s.cfg.SolveBudgetWait(),
	})
	if err != nil {
		var cErr *pipeline.CaptchaError
		if errors.As(err, &cErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":     cErr.Code,
				"type":      string(cErr.Type),
				"attempted": cErr.Attempted,
			})
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"solution": solution})
}

type enqueueSubmissionsRequest struct {
	CustomerID   string                   `json:"customer_id"`
	Profile      pipeline.BusinessProfile `json:"profile"`
	DirectoryIDs []string                 `json:"directory_ids"`
}

type enqueueItemResult struct {
	DirectoryID string `json:"directory_id"`
	TaskID      string `json:"task_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) enqueueSubmissions(w http.ResponseWriter, r *http.Request) {
	var req enqueueSubmissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CustomerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id required")
		return
	}
	if len(req.DirectoryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one directory_id required")
		return
	}

	items := make([]enqueueItemResult, 0, len(req.DirectoryIDs))
	accepted := 0
	for _, dirID := range req.DirectoryIDs {
		taskID, err := s.enqueueTask(r.Context(), req.CustomerID, dirID, req.Profile)
		item := enqueueItemResult{DirectoryID: dirID, TaskID: taskID}
		if err != nil {
			item.TaskID = ""
			item.Error = err.Error()
		} else {
			accepted++
		}
		items = append(items, item)
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"customer_id": req.CustomerID,
		"accepted":    accepted,
		"items":       items,
	})
}

func (s *Server) enqueueTask(ctx context.Context, customerID, directoryID string, profile pipeline.BusinessProfile) (string, error) {
	directory, err := s.catalog.GetDirectory(ctx, directoryID)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	taskID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := s.clock.Now()
	task := pipeline.SubmissionTask{
		ID:          taskID,
		CustomerID:  customerID,
		DirectoryID: directoryID,
		Directory:   directory,
		Profile:     profile,
		Mapping:     directory.FormMapping,
		State:       pipeline.TaskStatePending,
		CreatedAt:   now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", err
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := pipeline.QueueItem{
		TaskID:      taskID,
		CustomerID:  customerID,
		DirectoryID: directoryID,
		Submitted:   now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return taskID, nil
}

func (s *Server) getSubmission(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) pauseCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customer_id")
	s.pauses.Pause(customerID)
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "paused": true})
}

func (s *Server) resumeCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customer_id")
	s.pauses.Resume(customerID)
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": customerID, "paused": false})
}

type processDirectoryRequest struct {
	CustomerID  string                   `json:"customer_id"`
	DirectoryID string                   `json:"directory_id"`
	Profile     pipeline.BusinessProfile `json:"profile"`
}

// processDirectory runs a single submission inline and waits for a terminal
// state, bounded by the request timeout.
func (s *Server) processDirectory(w http.ResponseWriter, r *http.Request) {
	var req processDirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CustomerID == "" || req.DirectoryID == "" {
		writeError(w, http.StatusBadRequest, "customer_id and directory_id required")
		return
	}

	taskID, err := s.enqueueInline(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrDuplicateTask) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	task, done := s.waitTerminal(r.Context(), taskID)
	resp := map[string]any{"task": task}
	if !done {
		// Still retrying in the background; report current state.
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if results, err := s.store.ListResults(r.Context(), req.CustomerID); err == nil {
		for _, result := range results {
			if result.TaskID == taskID {
				resp["result"] = result
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) enqueueInline(ctx context.Context, req processDirectoryRequest) (string, error) {
	directory, err := s.catalog.GetDirectory(ctx, req.DirectoryID)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	taskID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	task := pipeline.SubmissionTask{
		ID:          taskID,
		CustomerID:  req.CustomerID,
		DirectoryID: req.DirectoryID,
		Directory:   directory,
		Profile:     req.Profile,
		Mapping:     directory.FormMapping,
		State:       pipeline.TaskStatePending,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", err
	}
	s.worker.ProcessOne(ctx, pipeline.QueueItem{
		TaskID:      taskID,
		CustomerID:  req.CustomerID,
		DirectoryID: req.DirectoryID,
		Submitted:   task.CreatedAt.Unix(),
	})
	return taskID, nil
}

func (s *Server) waitTerminal(ctx context.Context, taskID string) (pipeline.SubmissionTask, bool) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		task, err := s.store.GetTask(ctx, taskID)
		if err == nil && task.State.IsTerminal() {
			return task, true
		}
		select {
		case <-ctx.Done():
			task, _ := s.store.GetTask(context.Background(), taskID)
			return task, task.State.IsTerminal()
		case <-ticker.C:
		}
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
