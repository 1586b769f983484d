package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/service"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server exposes workflow management and execution over HTTP.
type Server struct {
	svc    *service.WorkflowService
	runner service.Executor
	pool   *service.WorkerPool
	logger *logrus.Logger
	router chi.Router
}

// NewServer builds the router. runner executes single runs (usually svc or a
// Retrier around it); pool, if not nil, runs batch triggers.
func NewServer(svc *service.WorkflowService, runner service.Executor, pool *service.WorkerPool, logger *logrus.Logger) *Server {
	if runner == nil {
		runner = svc
	}
	s := &Server{svc: svc, runner: runner, pool: pool, logger: logger}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.listWorkflows)
		r.Post("/", s.createWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Post("/executions", s.executeWorkflow)
			r.Get("/executions", s.listExecutions)
		})
	})
	r.Get("/executions/{id}", s.getExecution)
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting leadflow server on :%d", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Infof("Shutting down leadflow server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Info("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createWorkflowRequest struct {
	Name     string            `json:"name"`
	IsActive *bool             `json:"is_active"`
	Actions  models.ActionList `json:"actions"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid workflow: "+err.Error())
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	id, err := s.svc.CreateWorkflow(r.Context(), req.Name, req.Actions, active)
	if err != nil {
		s.logger.Errorf("Failed to create workflow: %v", err)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf, err := s.svc.GetWorkflow(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, wf)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.svc.ListWorkflows(r.Context())
	if err != nil {
		s.logger.Errorf("Failed to list workflows: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	wf, err := s.svc.GetWorkflow(r.Context(), id)
	if errors.Is(err, service.ErrWorkflowNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

type executeRequest struct {
	TriggeredBy models.TriggerKind    `json:"triggered_by"`
	Context     models.TriggerContext `json:"context"`
	// EntityIDs turns the request into a batch: one execution per id.
	EntityIDs   []string              `json:"entity_ids,omitempty"`
}

type executeResponse struct {
	ExecutionID string `json:"execution_id,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.ManualTrigger
	}
	if !req.TriggeredBy.Valid() {
		respondError(w, http.StatusBadRequest, service.ErrInvalidTrigger.Error())
		return
	}

	// A client hanging up must not abort a run halfway through its actions.
	ctx := context.WithoutCancel(r.Context())
	if len(req.EntityIDs) > 0 {
		s.executeBatch(ctx, w, id, req)
		return
	}

	execID, err := s.runner.ExecuteWorkflow(ctx, id, req.TriggeredBy, req.Context)
	if err != nil {
		if execID == "" {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusUnprocessableEntity, executeResponse{ExecutionID: execID, Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusCreated, executeResponse{ExecutionID: execID})
}

func (s *Server) executeBatch(ctx context.Context, w http.ResponseWriter, id int64, req executeRequest) {
	reqs := service.EntityRuns(id, req.TriggeredBy, req.Context, req.EntityIDs)
	var outcomes []service.RunOutcome
	if s.pool != nil {
		outcomes = s.pool.ExecuteBatch(ctx, reqs)
	} else {
		for _, rr := range reqs {
			execID, err := s.runner.ExecuteWorkflow(ctx, rr.WorkflowID, rr.TriggeredBy, rr.Trigger)
			outcomes = append(outcomes, service.RunOutcome{Request: rr, ExecutionID: execID, Err: err})
		}
	}

	results := make([]executeResponse, len(outcomes))
	for i, out := range outcomes {
		results[i] = executeResponse{ExecutionID: out.ExecutionID, EntityID: req.EntityIDs[i]}
		if out.Err != nil {
			results[i].Error = out.Err.Error()
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	execs, err := s.svc.ListExecutions(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func workflowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid workflow id")
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
