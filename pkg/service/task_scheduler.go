package service

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const defaultTaskPriority = 5

// cronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextCronTime returns the first occurrence of expression strictly after after.
// The same inputs always give the same answer.
func NextCronTime(expression string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, validationErrorf("invalid cron expression %q: %v", expression, err)
	}
	next := schedule.Next(after)
	if next.IsZero() {
		return time.Time{}, validationErrorf("cron expression %q never fires", expression)
	}
	return next, nil
}

type SchedulerConfig struct {
	MaxConcurrentTasks     int
	PollInterval           time.Duration
	DependencyRecheckDelay time.Duration
	RecurringCheckInterval time.Duration
	DefaultTaskTimeout     time.Duration
	// ExecutionHistory bounds the finished executions kept in memory per task.
	ExecutionHistory int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentTasks:     10,
		PollInterval:           time.Second,
		DependencyRecheckDelay: 5 * time.Second,
		RecurringCheckInterval: 30 * time.Second,
		DefaultTaskTimeout:     5 * time.Minute,
		ExecutionHistory:       100,
	}
}

// ActionHandler runs the body of tasks whose action type it is registered for.
type ActionHandler func(ctx context.Context, task models.TaskDefinition, exec models.TaskExecution) (interface{}, error)

// WorkflowRunner is the part of the WorkflowEngine the scheduler drives.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, id string, input map[string]interface{}) (string, error)
	WaitExecution(ctx context.Context, id string) (models.WorkflowExecution, error)
	CancelExecution(id string) error
	RunStep(ctx context.Context, step models.WorkflowStep, vars map[string]interface{}) (interface{}, error)
}

// TaskStatusReport is the view of a task returned by GetTaskStatus.
type TaskStatusReport struct {
	Task          models.TaskDefinition  `json:"task"`
	LastExecution *models.TaskExecution  `json:"last_execution,omitempty"`
	Executions    []models.TaskExecution `json:"executions"`
	NextRun       *time.Time             `json:"next_run,omitempty"`
	Pending       int                    `json:"pending"`
	Running       int                    `json:"running"`
}

// SchedulerStats summarises the scheduler queue.
type SchedulerStats struct {
	Tasks   int `json:"tasks"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// TaskScheduler queues task executions on a priority heap and runs them with
// bounded concurrency, retrying failures with exponential backoff.
type TaskScheduler struct {
	store     storage.Store
	engine    WorkflowRunner
	resources ResourceAllocator
	events    *EventBus
	logger    Logger
	cfg       SchedulerConfig
	now       func() time.Time

	mu            sync.Mutex
	tasks         map[string]models.TaskDefinition
	executions    map[string]*models.TaskExecution
	byTask        map[string][]string
	queue         taskQueue
	seq           uint64
	inflight      map[string]context.CancelFunc
	lastArmed     map[string]time.Time
	eventPayloads map[string]map[string]interface{}
	handlers      map[models.ActionType]ActionHandler

	wake    chan struct{}
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	taskWG  sync.WaitGroup
	running bool
}

func NewTaskScheduler(store storage.Store, engine WorkflowRunner, resources ResourceAllocator, events *EventBus, logger Logger, cfg SchedulerConfig) *TaskScheduler {
	def := DefaultSchedulerConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DependencyRecheckDelay <= 0 {
		cfg.DependencyRecheckDelay = def.DependencyRecheckDelay
	}
	if cfg.RecurringCheckInterval <= 0 {
		cfg.RecurringCheckInterval = def.RecurringCheckInterval
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if cfg.ExecutionHistory <= 0 {
		cfg.ExecutionHistory = def.ExecutionHistory
	}
	return &TaskScheduler{
		store:         store,
		engine:        engine,
		resources:     resources,
		events:        events,
		logger:        orNop(logger),
		cfg:           cfg,
		now:           time.Now,
		tasks:         make(map[string]models.TaskDefinition),
		executions:    make(map[string]*models.TaskExecution),
		byTask:        make(map[string][]string),
		inflight:      make(map[string]context.CancelFunc),
		lastArmed:     make(map[string]time.Time),
		eventPayloads: make(map[string]map[string]interface{}),
		handlers:      make(map[models.ActionType]ActionHandler),
		wake:          make(chan struct{}, 1),
	}
}

// RegisterActionHandler installs the body for a custom action type. It also
// overrides the built-in handling of workflow, command, mcp_call and
// notification actions.
func (s *TaskScheduler) RegisterActionHandler(actionType models.ActionType, handler ActionHandler) {
	s.mu.Lock()
	s.handlers[actionType] = handler
	s.mu.Unlock()
}

// Start restores persisted tasks and executions and launches the dispatch and
// recurring loops.
func (s *TaskScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.rearmRecurring(ctx)

	s.loopWG.Add(2)
	go s.dispatchLoop(loopCtx)
	go s.recurringLoop(loopCtx)
	s.logger.Infof("Task scheduler started (max %d concurrent tasks)", s.cfg.MaxConcurrentTasks)
	return nil
}

func (s *TaskScheduler) restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "load tasks")
	}
	executions, err := s.store.ListTaskExecutions(ctx, "")
	if err != nil {
		return errors.Wrap(err, "load task executions")
	}
	sort.Slice(executions, func(i, j int) bool { return executions[i].ScheduledTime.Before(executions[j].ScheduledTime) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	now := s.now()
	for i := range executions {
		exec := executions[i]
		task, ok := s.tasks[exec.TaskID]
		if !ok {
			continue
		}
		switch exec.Status {
		case models.RunningTaskStatus:
			exec.Status = models.FailedTaskStatus
			exec.Error = "interrupted by shutdown"
			exec.EndTime = &now
			if err := s.store.SaveTaskExecution(ctx, exec); err != nil {
				s.logger.Errorf("Failed to save interrupted task execution %s: %v", exec.ID, err)
			}
		case models.PendingTaskStatus:
			if task.Enabled {
				s.enqueueLocked(task, exec.ID, exec.ScheduledTime)
			} else {
				exec.Status = models.CancelledTaskStatus
				exec.EndTime = &now
			}
		}
		e := exec
		s.executions[e.ID] = &e
		s.byTask[e.TaskID] = append(s.byTask[e.TaskID], e.ID)
	}
	return nil
}

// Stop halts the loops, cancels in-flight executions and waits for them.
func (s *TaskScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	inflight := make([]context.CancelFunc, 0, len(s.inflight))
	for _, c := range s.inflight {
		inflight = append(inflight, c)
	}
	s.mu.Unlock()

	cancel()
	s.loopWG.Wait()
	for _, c := range inflight {
		c()
	}

	done := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Infof("Task scheduler stopped")
	return nil
}

// CreateTask validates and stores a task. Immediate tasks schedule themselves.
func (s *TaskScheduler) CreateTask(ctx context.Context, def models.TaskDefinition) (string, error) {
	if def.Priority == 0 {
		def.Priority = defaultTaskPriority
	}
	def.Enabled = true
	if err := s.validateTask(def); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}

	s.mu.Lock()
	if _, exists := s.tasks[def.ID]; exists {
		s.mu.Unlock()
		return "", errors.Wrapf(ErrAlreadyExists, "task %s", def.ID)
	}
	s.tasks[def.ID] = def
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveTask(ctx, def); err != nil {
			s.mu.Lock()
			delete(s.tasks, def.ID)
			s.mu.Unlock()
			return "", errors.Wrapf(err, "save task %s", def.ID)
		}
	}
	s.logger.Infof("Created %s task '%s' with ID %s", def.Type, def.Name, def.ID)

	if def.Type == models.ImmediateTaskType {
		if _, err := s.ScheduleTaskExecution(ctx, def.ID, nil); err != nil {
			return def.ID, err
		}
	}
	return def.ID, nil
}

// ScheduleTask creates the task and arms its first execution. Event-triggered
// tasks wait for TriggerEvent instead.
func (s *TaskScheduler) ScheduleTask(ctx context.Context, def models.TaskDefinition) (string, error) {
	id, err := s.CreateTask(ctx, def)
	if err != nil {
		return id, err
	}
	switch def.Type {
	case models.ImmediateTaskType, models.EventTriggeredTaskType:
		return id, nil
	case models.RecurringTaskType:
		// the recurring loop may already have armed it
		s.rearmTask(ctx, id)
		return id, nil
	}
	if _, err := s.ScheduleTaskExecution(ctx, id, nil); err != nil {
		return id, err
	}
	return id, nil
}

// ValidateTask checks a definition with a built-in action type without
// storing it. Dependencies are not resolved.
func ValidateTask(def models.TaskDefinition) error {
	if err := validateTaskShape(def); err != nil {
		return err
	}
	return validateAction(def.Action)
}

func (s *TaskScheduler) validateTask(def models.TaskDefinition) error {
	if err := validateTaskShape(def); err != nil {
		return err
	}

	s.mu.Lock()
	_, custom := s.handlers[def.Action.Type]
	for _, dep := range def.Dependencies {
		if _, ok := s.tasks[dep]; !ok || dep == def.ID {
			s.mu.Unlock()
			return validationErrorf("task depends on unknown task %q", dep)
		}
	}
	s.mu.Unlock()

	if custom {
		return nil
	}
	return validateAction(def.Action)
}

func validateTaskShape(def models.TaskDefinition) error {
	if err := validateStruct("task", def); err != nil {
		return err
	}
	if !def.Type.Valid() {
		return validationErrorf("unknown task type %q", def.Type)
	}

	switch def.Type {
	case models.ScheduledTaskType:
		if _, err := time.Parse(time.RFC3339, def.Schedule); err != nil {
			return validationErrorf("scheduled task needs an RFC3339 schedule, got %q", def.Schedule)
		}
	case models.RecurringTaskType:
		if _, err := cronParser.Parse(def.Schedule); err != nil {
			return validationErrorf("invalid cron expression %q: %v", def.Schedule, err)
		}
	case models.EventTriggeredTaskType:
		if def.Schedule == "" {
			return validationErrorf("event_triggered task needs the event name in schedule")
		}
	case models.DependencyTaskType:
		if len(def.Dependencies) == 0 {
			return validationErrorf("dependency task needs at least one dependency")
		}
	case models.ImmediateTaskType:
	}
	return nil
}

func validateAction(a models.TaskAction) error {
	switch a.Type {
	case models.WorkflowActionType:
		if a.WorkflowID == "" {
			return validationErrorf("workflow action needs workflow_id")
		}
	case models.CommandActionType:
		if a.Command == "" {
			return validationErrorf("command action needs command")
		}
	case models.MCPCallActionType:
		if a.MCPID == "" || a.Method == "" {
			return validationErrorf("mcp_call action needs mcp_id and method")
		}
	case models.NotificationActionType:
	default:
		return validationErrorf("unknown action type %q", a.Type)
	}
	for rt, amount := range a.Resources {
		if !rt.Valid() || amount <= 0 {
			return validationErrorf("invalid resource request %s=%v", rt, amount)
		}
	}
	return nil
}

// ScheduleTaskExecution queues one execution of the task. at overrides the
// time computed from the task type.
func (s *TaskScheduler) ScheduleTaskExecution(ctx context.Context, taskID string, at *time.Time) (string, error) {
	return s.scheduleExecution(ctx, taskID, at, nil)
}

// scheduleExecution queues one execution carrying payload as its event data.
func (s *TaskScheduler) scheduleExecution(ctx context.Context, taskID string, at *time.Time, payload map[string]interface{}) (string, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return "", notFoundErrorf("task %s", taskID)
	}
	if !task.Enabled {
		s.mu.Unlock()
		return "", validationErrorf("task %s is disabled", taskID)
	}

	var when time.Time
	if at != nil {
		when = *at
	} else {
		var err error
		when, err = s.nextRunLocked(task)
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	snap := s.armLocked(task, when, payload)
	s.mu.Unlock()

	s.announce(ctx, snap)
	return snap.ID, nil
}

// armLocked creates a pending execution of task due at when and queues it.
// The payload is attached before the entry becomes visible to the dispatcher.
func (s *TaskScheduler) armLocked(task models.TaskDefinition, when time.Time, payload map[string]interface{}) models.TaskExecution {
	exec := &models.TaskExecution{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		Status:        models.PendingTaskStatus,
		ScheduledTime: when,
	}
	s.executions[exec.ID] = exec
	s.byTask[task.ID] = append(s.byTask[task.ID], exec.ID)
	if payload != nil {
		s.eventPayloads[exec.ID] = copyParams(payload)
	}
	s.enqueueLocked(task, exec.ID, when)
	if task.Type == models.RecurringTaskType {
		s.lastArmed[task.ID] = when
	}
	return *exec
}

// announce persists a freshly armed execution and wakes the dispatcher.
func (s *TaskScheduler) announce(ctx context.Context, exec models.TaskExecution) {
	s.saveExecution(ctx, exec)
	s.signal()
	s.events.Emit(EventTaskScheduled, map[string]interface{}{
		"task_id":        exec.TaskID,
		"execution_id":   exec.ID,
		"scheduled_time": exec.ScheduledTime,
	})
	s.logger.Debugf("Scheduled task %s execution %s at %s", exec.TaskID, exec.ID, exec.ScheduledTime.Format(time.RFC3339))
}

// nextRunLocked computes when the next execution of task is due.
func (s *TaskScheduler) nextRunLocked(task models.TaskDefinition) (time.Time, error) {
	switch task.Type {
	case models.ScheduledTaskType:
		when, err := time.Parse(time.RFC3339, task.Schedule)
		if err != nil {
			return time.Time{}, validationErrorf("invalid schedule %q", task.Schedule)
		}
		return when, nil
	case models.RecurringTaskType:
		return NextCronTime(task.Schedule, s.recurringBaseLocked(task))
	case models.ImmediateTaskType, models.EventTriggeredTaskType, models.DependencyTaskType:
		return s.now(), nil
	}
	return time.Time{}, validationErrorf("unknown task type %q", task.Type)
}

// recurringBaseLocked is the end of the last finished execution of task, or
// its creation time when it never ran.
func (s *TaskScheduler) recurringBaseLocked(task models.TaskDefinition) time.Time {
	base := task.CreatedAt
	for _, id := range s.byTask[task.ID] {
		exec := s.executions[id]
		if exec.Status.Terminal() && exec.EndTime != nil && exec.EndTime.After(base) {
			base = *exec.EndTime
		}
	}
	return base
}

func (s *TaskScheduler) enqueueLocked(task models.TaskDefinition, execID string, at time.Time) {
	s.seq++
	s.queue.push(&queueItem{
		at:          at,
		priority:    task.Priority,
		seq:         s.seq,
		executionID: execID,
		taskID:      task.ID,
	})
}

func (s *TaskScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelTask disables the task, drops its queued executions and cancels the
// running ones. It reports false for unknown tasks.
func (s *TaskScheduler) CancelTask(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	task.Enabled = false
	s.tasks[taskID] = task
	delete(s.lastArmed, taskID)

	now := s.now()
	var changed []models.TaskExecution
	for _, execID := range s.queue.removeTask(taskID) {
		if exec, ok := s.executions[execID]; ok && exec.Status == models.PendingTaskStatus {
			exec.Status = models.CancelledTaskStatus
			exec.EndTime = &now
			changed = append(changed, *exec)
		}
	}
	var cancels []context.CancelFunc
	for _, execID := range s.byTask[taskID] {
		exec := s.executions[execID]
		if exec.Status == models.RunningTaskStatus {
			exec.Status = models.CancelledTaskStatus
			if c, ok := s.inflight[execID]; ok {
				cancels = append(cancels, c)
			}
		}
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if s.store != nil {
		if err := s.store.SaveTask(ctx, task); err != nil {
			s.logger.Errorf("Failed to save cancelled task %s: %v", taskID, err)
		}
	}
	for _, exec := range changed {
		s.saveExecution(ctx, exec)
	}
	s.logger.Infof("Cancelled task %s (%d queued, %d running)", taskID, len(changed), len(cancels))
	s.events.Emit(EventTaskCancelled, map[string]interface{}{"task_id": taskID})
	return true
}

// TriggerEvent schedules every enabled event_triggered task listening for
// name. payload is handed to the task action under "event".
func (s *TaskScheduler) TriggerEvent(ctx context.Context, name string, payload map[string]interface{}) ([]string, error) {
	s.mu.Lock()
	var ids []string
	for id, task := range s.tasks {
		if task.Type == models.EventTriggeredTaskType && task.Enabled && task.Schedule == name {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var execIDs []string
	for _, id := range ids {
		execID, err := s.scheduleExecution(ctx, id, nil, payload)
		if err != nil {
			return execIDs, err
		}
		execIDs = append(execIDs, execID)
	}
	s.logger.Infof("Event %s triggered %d tasks", name, len(execIDs))
	return execIDs, nil
}

func (s *TaskScheduler) dispatchLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.dispatchDue()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatchDue pops every due entry while there is capacity and launches it.
func (s *TaskScheduler) dispatchDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	now := s.now()
	for len(s.inflight) < s.cfg.MaxConcurrentTasks {
		item := s.queue.popDue(now)
		if item == nil {
			return
		}
		exec, ok := s.executions[item.executionID]
		if !ok || exec.Status != models.PendingTaskStatus {
			continue
		}
		task, ok := s.tasks[item.taskID]
		if !ok || !task.Enabled {
			continue
		}
		if !s.dependenciesMetLocked(task) {
			s.logger.Debugf("Task %s waiting for dependencies, rechecking in %s", task.ID, s.cfg.DependencyRecheckDelay)
			item.at = now.Add(s.cfg.DependencyRecheckDelay)
			s.queue.push(item)
			continue
		}
		s.launchLocked(task, exec)
	}
}

func (s *TaskScheduler) dependenciesMetLocked(task models.TaskDefinition) bool {
	for _, dep := range task.Dependencies {
		met := false
		for _, id := range s.byTask[dep] {
			if s.executions[id].Status == models.CompletedTaskStatus {
				met = true
				break
			}
		}
		if !met {
			return false
		}
	}
	return true
}

func (s *TaskScheduler) launchLocked(task models.TaskDefinition, exec *models.TaskExecution) {
	timeout := task.Timeout.Std()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	start := s.now()
	exec.Status = models.RunningTaskStatus
	exec.StartTime = &start
	exec.EndTime = nil
	s.inflight[exec.ID] = cancel
	snap := *exec
	payload := s.eventPayloads[exec.ID]

	s.taskWG.Add(1)
	go s.runExecution(ctx, cancel, task, snap, payload)
}

func (s *TaskScheduler) runExecution(ctx context.Context, cancel context.CancelFunc, task models.TaskDefinition, exec models.TaskExecution, payload map[string]interface{}) {
	defer s.taskWG.Done()
	defer cancel()

	s.events.Emit(EventTaskStarted, map[string]interface{}{"task_id": task.ID, "execution_id": exec.ID, "attempt": exec.RetryCount + 1})
	s.logger.Infof("Running task %s execution %s (attempt %d)", task.ID, exec.ID, exec.RetryCount+1)

	result, err := s.runAction(ctx, task, exec, payload)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = errors.Wrapf(ErrTimeout, "task %s exceeded its timeout: %v", task.ID, err)
	}

	now := s.now()
	s.mu.Lock()
	delete(s.inflight, exec.ID)
	cur := s.executions[exec.ID]
	var event EventType
	data := map[string]interface{}{"task_id": task.ID, "execution_id": exec.ID}
	switch {
	case cur.Status == models.CancelledTaskStatus:
		cur.EndTime = &now
		if err != nil {
			cur.Error = err.Error()
		}
		delete(s.eventPayloads, exec.ID)
	case err == nil:
		cur.Status = models.CompletedTaskStatus
		cur.Result = result
		cur.Error = ""
		cur.EndTime = &now
		event = EventTaskCompleted
		delete(s.eventPayloads, exec.ID)
	case cur.RetryCount < task.MaxRetries:
		cur.RetryCount++
		cur.Status = models.PendingTaskStatus
		cur.Error = err.Error()
		cur.ScheduledTime = now.Add(retryBackoff(task.RetryDelay.Std(), cur.RetryCount))
		s.enqueueLocked(task, cur.ID, cur.ScheduledTime)
		event = EventTaskRetrying
		data["retry_count"] = cur.RetryCount
		data["error"] = cur.Error
		data["next_attempt"] = cur.ScheduledTime
	default:
		cur.Status = models.FailedTaskStatus
		cur.Error = err.Error()
		cur.EndTime = &now
		event = EventTaskFailed
		data["error"] = cur.Error
		delete(s.eventPayloads, exec.ID)
	}
	snap := *cur
	if snap.Status.Terminal() {
		s.trimHistoryLocked(task.ID)
	}
	s.mu.Unlock()

	s.saveExecution(context.Background(), snap)
	switch event {
	case EventTaskCompleted:
		s.logger.Infof("Task %s execution %s completed", task.ID, exec.ID)
	case EventTaskRetrying:
		s.logger.Warnf("Task %s execution %s failed, retry %d/%d at %s: %v", task.ID, exec.ID, snap.RetryCount, task.MaxRetries, snap.ScheduledTime.Format(time.RFC3339), err)
	case EventTaskFailed:
		s.logger.Errorf("Task %s execution %s failed: %v", task.ID, exec.ID, err)
	}
	if event != "" {
		s.events.Emit(event, data)
	}
	if snap.Status.Terminal() && task.Type == models.RecurringTaskType {
		s.rearmTask(context.Background(), task.ID)
	}
	s.signal()
}

// retryBackoff is delay * 2^(retry-1).
func retryBackoff(delay time.Duration, retry int) time.Duration {
	if delay <= 0 || retry <= 0 {
		return delay
	}
	factor := math.Pow(2, float64(retry-1))
	backoff := time.Duration(float64(delay) * factor)
	if backoff <= 0 || backoff > 24*time.Hour {
		return 24 * time.Hour
	}
	return backoff
}

func (s *TaskScheduler) runAction(ctx context.Context, task models.TaskDefinition, exec models.TaskExecution, payload map[string]interface{}) (interface{}, error) {
	action := task.Action
	if payload != nil {
		merged := copyParams(action.Context)
		if merged == nil {
			merged = map[string]interface{}{}
		}
		merged["event"] = payload
		action.Context = merged
		task.Action = action
	}

	allocations, err := s.allocate(ctx, action.Resources, "task:"+exec.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, id := range allocations {
			s.resources.ReleaseResource(context.Background(), id)
		}
	}()

	s.mu.Lock()
	handler, custom := s.handlers[action.Type]
	s.mu.Unlock()
	if custom {
		return handler(ctx, task, exec)
	}

	switch action.Type {
	case models.WorkflowActionType:
		return s.runWorkflowAction(ctx, action)
	case models.CommandActionType:
		args := make([]interface{}, len(action.Args))
		for i, a := range action.Args {
			args[i] = a
		}
		config := map[string]interface{}{"command": action.Command, "args": args}
		if action.MCPID != "" {
			config["mcp_id"] = action.MCPID
		}
		return s.runStep(ctx, task, models.CommandStepType, config, action.Context)
	case models.MCPCallActionType:
		config := map[string]interface{}{"mcp_id": action.MCPID, "method": action.Method, "params": action.Params}
		return s.runStep(ctx, task, models.MCPCallStepType, config, action.Context)
	case models.NotificationActionType:
		s.logger.Infof("Notification from task %s: %s", task.Name, action.Message)
		s.events.Emit(EventTaskNotification, map[string]interface{}{
			"task_id": task.ID,
			"message": action.Message,
			"context": action.Context,
		})
		return map[string]interface{}{"notified": true, "message": action.Message}, nil
	}
	return nil, validationErrorf("no handler for action type %q", action.Type)
}

func (s *TaskScheduler) runStep(ctx context.Context, task models.TaskDefinition, stepType models.StepType, config, vars map[string]interface{}) (interface{}, error) {
	if s.engine == nil {
		return nil, errors.Wrap(ErrUnavailable, "no workflow engine configured")
	}
	step := models.WorkflowStep{
		ID:      "task-" + task.ID,
		Name:    task.Name,
		Type:    stepType,
		Config:  config,
		Timeout: task.Timeout,
	}
	return s.engine.RunStep(ctx, step, vars)
}

func (s *TaskScheduler) runWorkflowAction(ctx context.Context, action models.TaskAction) (interface{}, error) {
	if s.engine == nil {
		return nil, errors.Wrap(ErrUnavailable, "no workflow engine configured")
	}
	execID, err := s.engine.ExecuteWorkflow(ctx, action.WorkflowID, action.Context)
	if err != nil {
		return nil, err
	}
	exec, err := s.engine.WaitExecution(ctx, execID)
	if err != nil {
		if cancelErr := s.engine.CancelExecution(execID); cancelErr != nil {
			s.logger.Debugf("Cancel of execution %s: %v", execID, cancelErr)
		}
		return nil, err
	}
	result := map[string]interface{}{"execution_id": execID, "status": string(exec.Status)}
	if exec.Status != models.CompletedExecutionStatus {
		return result, errors.Wrapf(ErrExecution, "workflow execution %s %s: %s", execID, exec.Status, exec.ErrorMessage)
	}
	return result, nil
}

func (s *TaskScheduler) allocate(ctx context.Context, requests map[models.ResourceType]float64, owner string) ([]string, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if s.resources == nil {
		return nil, errors.Wrap(ErrUnavailable, "no resource manager configured")
	}
	types := make([]string, 0, len(requests))
	for rt := range requests {
		types = append(types, string(rt))
	}
	sort.Strings(types)
	var ids []string
	for _, rt := range types {
		id, err := s.resources.AllocateResource(ctx, models.ResourceType(rt), requests[models.ResourceType(rt)], owner, 0)
		if err != nil {
			for _, a := range ids {
				s.resources.ReleaseResource(ctx, a)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *TaskScheduler) recurringLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.RecurringCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rearmRecurring(ctx)
		}
	}
}

func (s *TaskScheduler) rearmRecurring(ctx context.Context) {
	s.mu.Lock()
	var ids []string
	for id, task := range s.tasks {
		if task.Type == models.RecurringTaskType && task.Enabled {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.rearmTask(ctx, id)
	}
}

// rearmTask schedules the next occurrence of a recurring task unless one is
// already pending or running, or the occurrence was already armed.
func (s *TaskScheduler) rearmTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || !task.Enabled || task.Type != models.RecurringTaskType {
		s.mu.Unlock()
		return
	}
	for _, id := range s.byTask[taskID] {
		if st := s.executions[id].Status; st == models.PendingTaskStatus || st == models.RunningTaskStatus {
			s.mu.Unlock()
			return
		}
	}
	next, err := NextCronTime(task.Schedule, s.recurringBaseLocked(task))
	if err != nil {
		s.mu.Unlock()
		s.logger.Errorf("Cannot re-arm task %s: %v", taskID, err)
		return
	}
	if last, armed := s.lastArmed[taskID]; armed && last.Equal(next) {
		s.mu.Unlock()
		return
	}
	// armed under the same lock as the checks above so concurrent re-arms
	// see the pending execution
	snap := s.armLocked(task, next, nil)
	s.mu.Unlock()

	s.announce(ctx, snap)
}

// trimHistoryLocked forgets the oldest finished executions beyond the
// configured history size. They remain in the store.
func (s *TaskScheduler) trimHistoryLocked(taskID string) {
	ids := s.byTask[taskID]
	excess := len(ids) - s.cfg.ExecutionHistory
	if excess <= 0 {
		return
	}
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if excess > 0 && s.executions[id].Status.Terminal() {
			delete(s.executions, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.byTask[taskID] = kept
}

func (s *TaskScheduler) saveExecution(ctx context.Context, exec models.TaskExecution) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTaskExecution(ctx, exec); err != nil {
		s.logger.Errorf("Failed to save task execution %s: %v", exec.ID, err)
	}
}

func (s *TaskScheduler) GetTask(id string) (models.TaskDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.TaskDefinition{}, notFoundErrorf("task %s", id)
	}
	return task, nil
}

// ListTasks returns every task ordered by creation time.
func (s *TaskScheduler) ListTasks() []models.TaskDefinition {
	s.mu.Lock()
	out := make([]models.TaskDefinition, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetTaskStatus reports the task, its known executions and its next run.
func (s *TaskScheduler) GetTaskStatus(taskID string) (TaskStatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskStatusReport{}, notFoundErrorf("task %s", taskID)
	}
	report := TaskStatusReport{Task: task, Executions: []models.TaskExecution{}}
	for _, id := range s.byTask[taskID] {
		exec := *s.executions[id]
		report.Executions = append(report.Executions, exec)
		switch exec.Status {
		case models.PendingTaskStatus:
			report.Pending++
			if report.NextRun == nil || exec.ScheduledTime.Before(*report.NextRun) {
				t := exec.ScheduledTime
				report.NextRun = &t
			}
		case models.RunningTaskStatus:
			report.Running++
		}
	}
	if n := len(report.Executions); n > 0 {
		last := report.Executions[n-1]
		report.LastExecution = &last
	}
	return report, nil
}

func (s *TaskScheduler) GetTaskExecution(ctx context.Context, id string) (models.TaskExecution, error) {
	s.mu.Lock()
	exec, ok := s.executions[id]
	var snap models.TaskExecution
	if ok {
		snap = *exec
	}
	s.mu.Unlock()
	if ok {
		return snap, nil
	}
	if s.store != nil {
		all, err := s.store.ListTaskExecutions(ctx, "")
		if err != nil {
			return models.TaskExecution{}, errors.Wrap(err, "list task executions")
		}
		for _, e := range all {
			if e.ID == id {
				return e, nil
			}
		}
	}
	return models.TaskExecution{}, notFoundErrorf("task execution %s", id)
}

func (s *TaskScheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{Tasks: len(s.tasks), Queued: s.queue.Len(), Running: len(s.inflight)}
}
