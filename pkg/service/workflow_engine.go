package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ResourceAllocator hands out quota for steps and tasks that declare resources.
type ResourceAllocator interface {
	AllocateResource(ctx context.Context, rt models.ResourceType, amount float64, owner string, duration time.Duration) (string, error)
	ReleaseResource(ctx context.Context, allocationID string) bool
}

// MCPCaller dispatches command and mcp_call steps.
type MCPCaller interface {
	CallMCP(ctx context.Context, id, method string, params map[string]interface{}) (interface{}, error)
}

// PerformanceRecorder receives the duration and outcome of each step.
type PerformanceRecorder interface {
	RecordPerformance(component, operation string, duration time.Duration, success bool)
}

type WorkflowConfig struct {
	MaxConcurrentExecutions int
	// MaxParallelSteps caps the steps of one wave running at once; 0 means no cap.
	MaxParallelSteps       int
	Workers                int
	RetryDelay             time.Duration
	DefaultStepTimeout     time.Duration
	DefaultWorkflowTimeout time.Duration
	LoopMaxIterations      int
}

func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxConcurrentExecutions: 10,
		RetryDelay:              time.Second,
		DefaultStepTimeout:      DefaultStepTimeout,
		DefaultWorkflowTimeout:  time.Hour,
		LoopMaxIterations:       defaultMaxIterations,
	}
}

// executionRun is the in-memory state of one running execution.
type executionRun struct {
	mu   sync.Mutex
	exec *models.WorkflowExecution
	def  models.WorkflowDefinition

	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}

	paused bool
	resume chan struct{}
}

func (r *executionRun) snapshot() models.WorkflowExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Snapshot()
}

// WorkflowEngine validates workflow definitions and executes them wave by wave.
type WorkflowEngine struct {
	store     storage.Store
	resources ResourceAllocator
	mcp       MCPCaller
	events    *EventBus
	logger    Logger
	cfg       WorkflowConfig
	pool      *WorkerPool
	perf      PerformanceRecorder
	now       func() time.Time

	mu        sync.RWMutex
	workflows map[string]models.WorkflowDefinition
	runs      map[string]*executionRun
	active    int
	running   bool
}

func NewWorkflowEngine(store storage.Store, resources ResourceAllocator, mcp MCPCaller, events *EventBus, logger Logger, cfg WorkflowConfig) *WorkflowEngine {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = DefaultWorkflowConfig().MaxConcurrentExecutions
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultStepTimeout
	}
	if cfg.DefaultWorkflowTimeout <= 0 {
		cfg.DefaultWorkflowTimeout = DefaultWorkflowConfig().DefaultWorkflowTimeout
	}
	logger = orNop(logger)
	return &WorkflowEngine{
		store:     store,
		resources: resources,
		mcp:       mcp,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		pool:      NewWorkerPool(logger),
		now:       time.Now,
		workflows: make(map[string]models.WorkflowDefinition),
		runs:      make(map[string]*executionRun),
	}
}

// SetPerformanceRecorder wires step timings into a recorder, typically the
// MonitoringService.
func (e *WorkflowEngine) SetPerformanceRecorder(perf PerformanceRecorder) {
	e.mu.Lock()
	e.perf = perf
	e.mu.Unlock()
}

// Start loads persisted definitions, fails executions left unfinished by a
// previous process and starts the worker pool.
func (e *WorkflowEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.store != nil {
		defs, err := e.store.ListWorkflows(ctx)
		if err != nil {
			return errors.Wrap(err, "load workflows")
		}
		e.mu.Lock()
		for _, def := range defs {
			e.workflows[def.ID] = def
		}
		e.mu.Unlock()

		if err := e.failInterrupted(ctx); err != nil {
			return err
		}
	}

	e.pool.Start(e.cfg.Workers)
	e.mu.Lock()
	e.running = true
	count := len(e.workflows)
	e.mu.Unlock()
	e.logger.Infof("Workflow engine started with %d workflows", count)
	return nil
}

func (e *WorkflowEngine) failInterrupted(ctx context.Context) error {
	executions, err := e.store.ListExecutions(ctx, "")
	if err != nil {
		return errors.Wrap(err, "load executions")
	}
	for _, exec := range executions {
		if exec.Status.Terminal() {
			continue
		}
		now := e.now()
		exec.Status = models.FailedExecutionStatus
		exec.ErrorMessage = "interrupted by shutdown"
		exec.EndTime = &now
		exec.CurrentSteps = nil
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return errors.Wrapf(err, "mark execution %s interrupted", exec.ID)
		}
		e.logger.Warnf("Execution %s of workflow %s was interrupted", exec.ID, exec.WorkflowID)
	}
	return nil
}

// Stop cancels running executions, waits for them to persist their final
// state and stops the worker pool.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	runs := make([]*executionRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			e.logger.Warnf("Gave up waiting for executions to stop: %v", ctx.Err())
			e.pool.Stop()
			return ctx.Err()
		}
	}
	e.pool.Stop()
	e.logger.Infof("Workflow engine stopped")
	return nil
}

// CreateWorkflow validates def and stores it. Validation covers the struct
// rules, unique step ids, known step types, dependencies that exist, an
// acyclic graph and step configs that can be checked ahead of time.
func (e *WorkflowEngine) CreateWorkflow(ctx context.Context, def models.WorkflowDefinition) (string, error) {
	if err := ValidateWorkflow(def); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = e.now()
	}

	e.mu.Lock()
	if _, exists := e.workflows[def.ID]; exists {
		e.mu.Unlock()
		return "", errors.Wrapf(ErrAlreadyExists, "workflow %s", def.ID)
	}
	e.workflows[def.ID] = def
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveWorkflow(ctx, def); err != nil {
			e.mu.Lock()
			delete(e.workflows, def.ID)
			e.mu.Unlock()
			return "", errors.Wrapf(err, "save workflow %s", def.ID)
		}
	}
	e.logger.Infof("Created workflow '%s' with ID %s (%d steps)", def.Name, def.ID, len(def.Steps))
	return def.ID, nil
}

// ValidateWorkflow checks a definition without storing it.
func ValidateWorkflow(def models.WorkflowDefinition) error {
	if err := validateStruct("workflow", def); err != nil {
		return err
	}
	if len(def.Steps) == 0 {
		return validationErrorf("workflow %q has no steps", def.Name)
	}
	ids := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, dup := ids[step.ID]; dup {
			return validationErrorf("duplicate step id %q", step.ID)
		}
		ids[step.ID] = struct{}{}
		if !step.Type.Valid() {
			return validationErrorf("step %s has unknown type %q", step.ID, step.Type)
		}
	}
	edges := def.Dependencies()
	for _, edge := range edges {
		if _, ok := ids[edge.DependsOn]; !ok {
			return validationErrorf("step %s depends on unknown step %q", edge.StepID, edge.DependsOn)
		}
		if edge.DependsOn == edge.StepID {
			return validationErrorf("step %s depends on itself", edge.StepID)
		}
	}
	for _, step := range def.Steps {
		if err := checkStepConfig(step); err != nil {
			return err
		}
	}
	if _, err := topologicalSort(def.Steps, edges); err != nil {
		return errors.Wrap(ErrValidation, err.Error())
	}
	return nil
}

// topologicalSort computes an execution order for the steps (Kahn's algorithm).
func topologicalSort(steps []models.WorkflowStep, edges []models.Dependency) ([]string, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, edge := range edges {
		inDegree[edge.StepID]++
		dependents[edge.DependsOn] = append(dependents[edge.DependsOn], edge.StepID)
	}

	// Find nodes with no dependencies
	var queue []string
	for _, step := range steps {
		if inDegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}
	var sorted []string
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, curr)
		for _, next := range dependents[curr] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) != len(steps) {
		return nil, errors.New("cycle detected in step dependencies")
	}
	return sorted, nil
}

func (e *WorkflowEngine) GetWorkflow(id string) (models.WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[id]
	if !ok {
		return models.WorkflowDefinition{}, notFoundErrorf("workflow %s", id)
	}
	return def, nil
}

// ListWorkflows returns every definition ordered by creation time.
func (e *WorkflowEngine) ListWorkflows() []models.WorkflowDefinition {
	e.mu.RLock()
	out := make([]models.WorkflowDefinition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteWorkflow removes a definition that has no running executions.
func (e *WorkflowEngine) DeleteWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.workflows[id]; !ok {
		e.mu.Unlock()
		return notFoundErrorf("workflow %s", id)
	}
	for _, r := range e.runs {
		if r.def.ID == id {
			e.mu.Unlock()
			return validationErrorf("workflow %s has running executions", id)
		}
	}
	delete(e.workflows, id)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteWorkflow(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(err, "delete workflow %s", id)
		}
	}
	e.logger.Infof("Deleted workflow %s", id)
	return nil
}

// ExecuteWorkflow starts an execution of workflow id in its own goroutine and
// returns its id. input is merged over the workflow variables.
func (e *WorkflowEngine) ExecuteWorkflow(ctx context.Context, id string, input map[string]interface{}) (string, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", errors.Wrap(ErrNotRunning, "workflow engine")
	}
	def, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return "", notFoundErrorf("workflow %s", id)
	}
	if e.active >= e.cfg.MaxConcurrentExecutions {
		e.mu.Unlock()
		return "", errors.Wrapf(ErrResourceExhausted, "%d executions already running", e.active)
	}

	vars := make(map[string]interface{}, len(def.Variables)+len(input)+1)
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}
	vars["steps"] = map[string]interface{}{}

	exec := &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		Status:      models.PendingExecutionStatus,
		Context:     vars,
		StepResults: make(map[string]*models.StepResult, len(def.Steps)),
	}
	for _, step := range def.Steps {
		exec.StepResults[step.ID] = &models.StepResult{StepID: step.ID, Status: models.PendingStepStatus}
	}

	timeout := def.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultWorkflowTimeout
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	r := &executionRun{exec: exec, def: def, cancel: cancel, done: make(chan struct{})}
	e.runs[exec.ID] = r
	e.active++
	e.mu.Unlock()

	e.persist(ctx, r)
	go e.run(runCtx, r, timeout)
	e.logger.Infof("Started execution %s of workflow '%s'", exec.ID, def.Name)
	return exec.ID, nil
}

func (e *WorkflowEngine) persist(ctx context.Context, r *executionRun) bool {
	if e.store == nil {
		return true
	}
	snap := r.snapshot()
	if err := e.store.SaveExecution(ctx, snap); err != nil {
		e.logger.Errorf("Failed to save execution %s: %v", snap.ID, err)
		return false
	}
	return true
}

func (e *WorkflowEngine) run(ctx context.Context, r *executionRun, timeout time.Duration) {
	defer close(r.done)
	defer r.cancel()

	start := e.now()
	r.mu.Lock()
	if r.exec.Status == models.PendingExecutionStatus {
		r.exec.Status = models.RunningExecutionStatus
	}
	r.exec.StartTime = &start
	execID, workflowID := r.exec.ID, r.exec.WorkflowID
	r.mu.Unlock()
	e.events.Emit(EventWorkflowStarted, map[string]interface{}{"execution_id": execID, "workflow_id": workflowID})

	finished := make(map[string]bool, len(r.def.Steps))
	for {
		if err := e.waitIfPaused(ctx, r); err != nil {
			e.finishInterrupted(r, timeout)
			return
		}
		if ctx.Err() != nil {
			e.finishInterrupted(r, timeout)
			return
		}
		if len(finished) == len(r.def.Steps) {
			e.finish(r, models.CompletedExecutionStatus, "")
			return
		}

		ready := readySteps(r.def.Steps, finished)
		if len(ready) == 0 {
			var stuck []string
			for _, step := range r.def.Steps {
				if !finished[step.ID] {
					stuck = append(stuck, step.ID)
				}
			}
			e.finish(r, models.FailedExecutionStatus,
				fmt.Sprintf("unresolvable dependency graph: steps [%s] can never become ready", strings.Join(stuck, ", ")))
			return
		}

		ids := make([]string, len(ready))
		for i, step := range ready {
			ids[i] = step.ID
		}
		r.mu.Lock()
		r.exec.CurrentSteps = ids
		r.mu.Unlock()

		err := e.runWave(ctx, r, ready)
		for _, id := range ids {
			finished[id] = true
		}
		if ctx.Err() != nil {
			e.finishInterrupted(r, timeout)
			return
		}
		if err != nil {
			e.finish(r, models.FailedExecutionStatus, err.Error())
			return
		}
		e.persist(ctx, r)
	}
}

// readySteps returns the unfinished steps whose dependencies have all finished,
// in definition order.
func readySteps(steps []models.WorkflowStep, finished map[string]bool) []models.WorkflowStep {
	var ready []models.WorkflowStep
	for _, step := range steps {
		if finished[step.ID] {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if !finished[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// runWave runs the ready steps concurrently. It returns the error of the first
// critical step that failed for good.
func (e *WorkflowEngine) runWave(ctx context.Context, r *executionRun, ready []models.WorkflowStep) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxParallelSteps > 0 {
		g.SetLimit(e.cfg.MaxParallelSteps)
	}
	for _, step := range ready {
		step := step
		g.Go(func() error {
			return e.runStep(gctx, r, step)
		})
	}
	return g.Wait()
}

func (e *WorkflowEngine) runStep(ctx context.Context, r *executionRun, step models.WorkflowStep) error {
	started := e.now()
	r.mu.Lock()
	res := r.exec.StepResults[step.ID]
	res.Status = models.RunningStepStatus
	res.StartedAt = &started
	vars := stepVars(r.exec.Context)
	execID := r.exec.ID
	r.exec.Logs = append(r.exec.Logs, models.ExecutionLog{StepID: step.ID, Status: models.RunningStepStatus, Message: "step started", LoggedAt: started})
	r.mu.Unlock()

	e.events.Emit(EventStepStarted, map[string]interface{}{"execution_id": execID, "step_id": step.ID, "type": string(step.Type)})
	e.logger.Debugf("Execution %s: starting step %s (%s)", execID, step.ID, step.Type)

	config := renderStepConfig(step, vars)
	result, attempts, err := e.executeStep(ctx, step, config, vars, fmt.Sprintf("workflow:%s:%s", execID, step.ID), func(attempt int) {
		r.mu.Lock()
		res.Attempts = attempt
		r.mu.Unlock()
	})

	finishedAt := e.now()
	e.recordPerformance(string(step.Type), finishedAt.Sub(started), err == nil)

	r.mu.Lock()
	res.FinishedAt = &finishedAt
	res.Attempts = attempts
	if err == nil {
		res.Status = models.CompletedStepStatus
		res.Result = result
		if steps, ok := r.exec.Context["steps"].(map[string]interface{}); ok {
			steps[step.ID] = result
		}
		if outVar := stringValue(step.Config, "output_var"); outVar != "" {
			r.exec.Context[outVar] = result
		}
		r.exec.Logs = append(r.exec.Logs, models.ExecutionLog{StepID: step.ID, Status: models.CompletedStepStatus, Message: "step completed", LoggedAt: finishedAt})
		r.mu.Unlock()
		e.events.Emit(EventStepCompleted, map[string]interface{}{"execution_id": execID, "step_id": step.ID, "attempts": attempts})
		return nil
	}

	res.Error = err.Error()
	critical := step.IsCritical()
	if critical || ctx.Err() != nil {
		res.Status = models.FailedStepStatus
	} else {
		res.Status = models.SkippedStepStatus
	}
	r.exec.Logs = append(r.exec.Logs, models.ExecutionLog{StepID: step.ID, Status: res.Status, Message: res.Error, LoggedAt: finishedAt})
	r.mu.Unlock()

	e.events.Emit(EventStepFailed, map[string]interface{}{
		"execution_id": execID,
		"step_id":      step.ID,
		"error":        err.Error(),
		"critical":     critical,
	})
	if ctx.Err() != nil {
		return err
	}
	if critical {
		e.logger.Errorf("Execution %s: critical step %s failed after %d attempts: %v", execID, step.ID, attempts, err)
		return errors.Wrapf(err, "step %s", step.ID)
	}
	e.logger.Warnf("Execution %s: non-critical step %s failed, continuing: %v", execID, step.ID, err)
	return nil
}

// stepVars copies the execution context for one step. The steps map is
// copied too since sibling steps write into it while this one runs.
func stepVars(execContext map[string]interface{}) map[string]interface{} {
	vars := copyParams(execContext)
	if steps, ok := vars["steps"].(map[string]interface{}); ok {
		vars["steps"] = copyParams(steps)
	}
	return vars
}

// executeStep allocates the step's declared resources, runs it on the worker
// pool with its retry policy and releases the resources again.
func (e *WorkflowEngine) executeStep(ctx context.Context, step models.WorkflowStep, config, vars map[string]interface{}, owner string, onAttempt func(int)) (interface{}, int, error) {
	allocations, err := e.allocateStepResources(ctx, config["resources"], owner)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		for _, id := range allocations {
			e.resources.ReleaseResource(context.Background(), id)
		}
	}()

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	policy := AttemptPolicy{Timeout: timeout, MaxRetries: step.MaxRetries, RetryDelay: e.cfg.RetryDelay}
	return e.pool.Run(ctx, policy, func(actx context.Context) (interface{}, error) {
		return e.dispatch(actx, step, config, vars)
	}, onAttempt)
}

func (e *WorkflowEngine) allocateStepResources(ctx context.Context, raw interface{}, owner string) ([]string, error) {
	requests, ok := raw.(map[string]interface{})
	if !ok || len(requests) == 0 {
		return nil, nil
	}
	if e.resources == nil {
		return nil, errors.Wrap(ErrUnavailable, "no resource manager configured")
	}
	var ids []string
	release := func() {
		for _, id := range ids {
			e.resources.ReleaseResource(ctx, id)
		}
	}
	types := make([]string, 0, len(requests))
	for k := range requests {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		amount, ok := toFloat(requests[k])
		if !ok {
			release()
			return nil, validationErrorf("resource %s amount %v is not a number", k, requests[k])
		}
		id, err := e.resources.AllocateResource(ctx, models.ResourceType(k), amount, owner, 0)
		if err != nil {
			release()
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *WorkflowEngine) recordPerformance(operation string, d time.Duration, success bool) {
	e.mu.RLock()
	perf := e.perf
	e.mu.RUnlock()
	if perf != nil {
		perf.RecordPerformance("workflow_engine", operation, d, success)
	}
}

// RunStep executes a single ad-hoc step outside any workflow.
func (e *WorkflowEngine) RunStep(ctx context.Context, step models.WorkflowStep, vars map[string]interface{}) (interface{}, error) {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return nil, errors.Wrap(ErrNotRunning, "workflow engine")
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if !step.Type.Valid() {
		return nil, validationErrorf("step %s has unknown type %q", step.ID, step.Type)
	}
	if err := checkStepConfig(step); err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]interface{}{}
	}
	start := e.now()
	result, _, err := e.executeStep(ctx, step, renderStepConfig(step, vars), vars, "step:"+step.ID, nil)
	e.recordPerformance(string(step.Type), e.now().Sub(start), err == nil)
	return result, err
}

func (e *WorkflowEngine) waitIfPaused(ctx context.Context, r *executionRun) error {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return nil
		}
		resume := r.resume
		r.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *WorkflowEngine) finishInterrupted(r *executionRun, timeout time.Duration) {
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		e.finish(r, models.CancelledExecutionStatus, "execution cancelled")
		return
	}
	e.finish(r, models.FailedExecutionStatus, fmt.Sprintf("workflow timed out after %s", timeout))
}

// finish records the terminal state, persists it and evicts the execution
// from memory once it is safely stored. Without a store it stays in memory.
func (e *WorkflowEngine) finish(r *executionRun, status models.ExecutionStatus, msg string) {
	end := e.now()
	r.mu.Lock()
	r.exec.Status = status
	r.exec.EndTime = &end
	r.exec.CurrentSteps = nil
	r.exec.ErrorMessage = msg
	r.paused = false
	execID, workflowID := r.exec.ID, r.exec.WorkflowID
	var elapsed time.Duration
	if r.exec.StartTime != nil {
		elapsed = end.Sub(*r.exec.StartTime)
	}
	r.mu.Unlock()

	stored := e.store != nil && e.persist(context.Background(), r)
	e.mu.Lock()
	e.active--
	if stored {
		delete(e.runs, execID)
	}
	e.mu.Unlock()

	data := map[string]interface{}{"execution_id": execID, "workflow_id": workflowID, "duration_ms": elapsed.Milliseconds()}
	switch status {
	case models.CompletedExecutionStatus:
		e.logger.Infof("Execution %s of workflow %s completed in %s", execID, workflowID, elapsed)
		e.events.Emit(EventWorkflowCompleted, data)
	case models.CancelledExecutionStatus:
		e.logger.Infof("Execution %s of workflow %s cancelled", execID, workflowID)
		e.events.Emit(EventWorkflowCancelled, data)
	default:
		e.logger.Errorf("Execution %s of workflow %s failed: %s", execID, workflowID, msg)
		data["error"] = msg
		e.events.Emit(EventWorkflowFailed, data)
	}
	e.recordPerformance("workflow", elapsed, status == models.CompletedExecutionStatus)
}

func (e *WorkflowEngine) lookupRun(id string) (*executionRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

// GetExecutionStatus returns a snapshot of a running or finished execution.
func (e *WorkflowEngine) GetExecutionStatus(ctx context.Context, id string) (models.WorkflowExecution, error) {
	if r, ok := e.lookupRun(id); ok {
		return r.snapshot(), nil
	}
	if e.store == nil {
		return models.WorkflowExecution{}, notFoundErrorf("execution %s", id)
	}
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return models.WorkflowExecution{}, translateStoreErr(err, "execution %s", id)
	}
	return exec, nil
}

// ListExecutions returns the executions of workflowID, or of every workflow
// when it is empty, newest first.
func (e *WorkflowEngine) ListExecutions(ctx context.Context, workflowID string) ([]models.WorkflowExecution, error) {
	byID := make(map[string]models.WorkflowExecution)
	if e.store != nil {
		stored, err := e.store.ListExecutions(ctx, workflowID)
		if err != nil {
			return nil, errors.Wrap(err, "list executions")
		}
		for _, exec := range stored {
			byID[exec.ID] = exec
		}
	}
	e.mu.RLock()
	runs := make([]*executionRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()
	for _, r := range runs {
		snap := r.snapshot()
		if workflowID == "" || snap.WorkflowID == workflowID {
			byID[snap.ID] = snap
		}
	}

	out := make([]models.WorkflowExecution, 0, len(byID))
	for _, exec := range byID {
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartTime, out[j].StartTime
		if ti == nil || tj == nil {
			return ti != nil
		}
		return ti.After(*tj)
	})
	return out, nil
}

// WaitExecution blocks until the execution reaches a terminal state or ctx ends.
func (e *WorkflowEngine) WaitExecution(ctx context.Context, id string) (models.WorkflowExecution, error) {
	r, ok := e.lookupRun(id)
	if !ok {
		return e.GetExecutionStatus(ctx, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// CancelExecution stops a running or paused execution. In-flight steps see
// their context cancelled.
func (e *WorkflowEngine) CancelExecution(id string) error {
	r, ok := e.lookupRun(id)
	if !ok {
		return notFoundErrorf("running execution %s", id)
	}
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		status := r.exec.Status
		r.mu.Unlock()
		return validationErrorf("execution %s already %s", id, status)
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	e.logger.Infof("Cancelling execution %s", id)
	return nil
}

// PauseExecution holds the execution before its next wave. Steps already
// running finish normally.
func (e *WorkflowEngine) PauseExecution(id string) error {
	r, ok := e.lookupRun(id)
	if !ok {
		return notFoundErrorf("running execution %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status != models.RunningExecutionStatus && r.exec.Status != models.PendingExecutionStatus {
		return validationErrorf("execution %s is %s", id, r.exec.Status)
	}
	r.paused = true
	r.resume = make(chan struct{})
	r.exec.Status = models.PausedExecutionStatus
	e.logger.Infof("Paused execution %s", id)
	return nil
}

func (e *WorkflowEngine) ResumeExecution(id string) error {
	r, ok := e.lookupRun(id)
	if !ok {
		return notFoundErrorf("running execution %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return validationErrorf("execution %s is not paused", id)
	}
	r.paused = false
	close(r.resume)
	r.exec.Status = models.RunningExecutionStatus
	e.logger.Infof("Resumed execution %s", id)
	return nil
}

// ActiveExecutions reports how many executions are running or paused.
func (e *WorkflowEngine) ActiveExecutions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
