package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/internal/config"
	"github.com/alexchuang650730/aicore0707-sub001/internal/log"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const apiPrefix = "/api/v1"

// Server exposes an AutomationCore as a JSON REST API.
type Server struct {
	core   *service.AutomationCore
	router *mux.Router
	logger *logrus.Logger
}

func NewServer(core *service.AutomationCore) *Server {
	s := &Server{core: core, router: mux.NewRouter(), logger: log.GetLogger()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverer, s.requestLogger)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)

	api := r.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/status", s.status).Methods(http.MethodGet)

	api.HandleFunc("/workflows", s.listWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows", s.createWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", s.getWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", s.deleteWorkflow).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/execute", s.executeWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/executions", s.listExecutions).Methods(http.MethodGet)

	api.HandleFunc("/executions/{id}", s.getExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/{action:cancel|pause|resume}", s.controlExecution).Methods(http.MethodPost)

	api.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.createTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/run", s.runTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancel", s.cancelTask).Methods(http.MethodPost)
	api.HandleFunc("/task-executions/{id}", s.getTaskExecution).Methods(http.MethodGet)
	api.HandleFunc("/events/{name}", s.triggerEvent).Methods(http.MethodPost)

	api.HandleFunc("/mcps", s.listMCPs).Methods(http.MethodGet)
	api.HandleFunc("/mcps", s.registerMCP).Methods(http.MethodPost)
	api.HandleFunc("/mcps/history", s.callHistory).Methods(http.MethodGet)
	api.HandleFunc("/mcps/{id}", s.getMCP).Methods(http.MethodGet)
	api.HandleFunc("/mcps/{id}", s.unregisterMCP).Methods(http.MethodDelete)
	api.HandleFunc("/mcps/{id}/call", s.callMCP).Methods(http.MethodPost)

	api.HandleFunc("/resources", s.resourceStatus).Methods(http.MethodGet)
	api.HandleFunc("/resources/metrics", s.systemMetrics).Methods(http.MethodGet)
	api.HandleFunc("/resources/allocations", s.listAllocations).Methods(http.MethodGet)
	api.HandleFunc("/resources/allocations", s.allocate).Methods(http.MethodPost)
	api.HandleFunc("/resources/allocations/{id}", s.release).Methods(http.MethodDelete)

	api.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.createAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.resolveAlert).Methods(http.MethodPost)

	api.HandleFunc("/monitoring/metrics", s.recordMetric).Methods(http.MethodPost)
	api.HandleFunc("/monitoring/metrics/{name}", s.getMetrics).Methods(http.MethodGet)
	api.HandleFunc("/monitoring/performance", s.performance).Methods(http.MethodGet)
	api.HandleFunc("/monitoring/health", s.health).Methods(http.MethodGet)
}

// StartServer serves the API on cfg.Addr() until ctx is cancelled, then
// drains in-flight requests for at most cfg.ShutdownTimeout.
func StartServer(ctx context.Context, cfg config.ServerConfig, core *service.AutomationCore) error {
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      NewServer(core),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting autocore API on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	log.GetLogger().Info("Shutting down autocore API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return nil
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: status})
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyExists), errors.Is(err, service.ErrResourceExhausted):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, service.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrUnavailable), errors.Is(err, service.ErrNotInitialized),
		errors.Is(err, service.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrExecution):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Errorf("Request failed: %v", err)
	}
	respondError(w, status, err)
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(service.ErrValidation, "invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(service.ErrValidation, "%s must be an integer", key)
	}
	return n, nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithField("path", r.URL.Path).Errorf("Handler panic: %v", rec)
				respondError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("Handled request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	checks, err := s.core.RunHealthChecks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status, code := "ok", http.StatusOK
	for _, ok := range checks {
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	respondJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	registry, err := s.core.MetricsRegistry()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.core.GetStatus(r.Context()))
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.core.ListWorkflows()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workflows)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var def models.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.core.CreateWorkflow(r.Context(), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.core.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteWorkflow(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]interface{} `json:"input"`
		// Wait blocks until the execution finishes.
		Wait bool `json:"wait"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.core.ExecuteWorkflow(r.Context(), mux.Vars(r)["id"], req.Input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !req.Wait {
		respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
		return
	}
	exec, err := s.core.WaitExecution(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.core.ListExecutions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, executions)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.core.GetExecutionStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) controlExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var err error
	switch vars["action"] {
	case "cancel":
		err = s.core.CancelExecution(vars["id"])
	case "pause":
		err = s.core.PauseExecution(vars["id"])
	case "resume":
		err = s.core.ResumeExecution(vars["id"])
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": vars["id"], "action": vars["action"]})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.core.ListTasks()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

// createTask schedules the task unless ?schedule=false, which only stores it.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var def models.TaskDefinition
	if err := decodeBody(r, &def); err != nil {
		s.fail(w, r, err)
		return
	}
	create := s.core.ScheduleTask
	if r.URL.Query().Get("schedule") == "false" {
		create = s.core.CreateTask
	}
	id, err := create(r.Context(), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	report, err := s.core.GetTaskStatus(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At *time.Time `json:"at"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.core.ScheduleTaskExecution(r.Context(), mux.Vars(r)["id"], req.At)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.core.CancelTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) getTaskExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.core.GetTaskExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := decodeBody(r, &payload); err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := s.core.TriggerEvent(r.Context(), mux.Vars(r)["name"], payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusAccepted, map[string][]string{"task_executions": ids})
}

func (s *Server) listMCPs(w http.ResponseWriter, r *http.Request) {
	mcps, err := s.core.ListMCPs()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, mcps)
}

func (s *Server) registerMCP(w http.ResponseWriter, r *http.Request) {
	var info models.MCPInfo
	if err := decodeBody(r, &info); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.core.RegisterMCP(r.Context(), info); err != nil {
		s.fail(w, r, err)
		return
	}
	registered, err := s.core.GetMCP(info.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, registered)
}

func (s *Server) getMCP(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.GetMCP(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) unregisterMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := s.core.UnregisterMCP(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		s.fail(w, r, errors.Wrapf(service.ErrNotFound, "mcp %s", id))
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) callMCP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.core.CallMCP(r.Context(), mux.Vars(r)["id"], req.Method, req.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (s *Server) callHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.core.GetCallHistory(limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) resourceStatus(w http.ResponseWriter, r *http.Request) {
	usage, err := s.core.GetResourceStatus()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

func (s *Server) systemMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.core.GetSystemMetrics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) listAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := s.core.ListAllocations()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, allocations)
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        models.ResourceType `json:"resource_type"`
		Amount      float64             `json:"amount"`
		AllocatedTo string              `json:"allocated_to"`
		Duration    models.Duration     `json:"duration"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.core.AllocateResource(r.Context(), req.Type, req.Amount, req.AllocatedTo, req.Duration.Std())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	released, err := s.core.ReleaseResource(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !released {
		s.fail(w, r, errors.Wrapf(service.ErrNotFound, "allocation %s", id))
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.core.ListAlerts(r.URL.Query().Get("active") == "true")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level   models.AlertLevel `json:"level"`
		Title   string            `json:"title"`
		Message string            `json:"message"`
		Source  string            `json:"source"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.core.CreateAlert(req.Level, req.Title, req.Message, req.Source)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resolved, err := s.core.ResolveAlert(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !resolved {
		s.fail(w, r, errors.Wrapf(service.ErrNotFound, "active alert %s", id))
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) recordMetric(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string            `json:"name"`
		Value float64           `json:"value"`
		Type  models.MetricType `json:"type"`
		Tags  map[string]string `json:"tags"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = models.GaugeMetricType
	}
	if err := s.core.RecordMetric(req.Name, req.Value, req.Type, req.Tags); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	metrics, err := s.core.GetMetrics(mux.Vars(r)["name"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) performance(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.GetPerformanceStats()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
