package service

import (
	"context"
	"sync"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// CoreConfig gathers the configuration of every component.
type CoreConfig struct {
	Resources      ResourceConfig
	MCP            MCPConfig
	Workflow       WorkflowConfig
	Scheduler      SchedulerConfig
	Monitoring     MonitoringConfig
	StatusInterval time.Duration
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Resources:      DefaultResourceConfig(),
		MCP:            DefaultMCPConfig(),
		Workflow:       DefaultWorkflowConfig(),
		Scheduler:      DefaultSchedulerConfig(),
		Monitoring:     DefaultMonitoringConfig(),
		StatusInterval: time.Minute,
	}
}

// CoreOption customises an AutomationCore.
type CoreOption func(*AutomationCore)

// WithHostMetricsProvider replaces the gopsutil provider, mostly for tests.
func WithHostMetricsProvider(p HostMetricsProvider) CoreOption {
	return func(c *AutomationCore) { c.provider = p }
}

// WithClock makes every component read time from now.
func WithClock(now func() time.Time) CoreOption {
	return func(c *AutomationCore) { c.now = now }
}

// CoreStatus is a point-in-time summary of the core.
type CoreStatus struct {
	Running          bool                                         `json:"running"`
	StartedAt        *time.Time                                   `json:"started_at,omitempty"`
	Uptime           string                                       `json:"uptime,omitempty"`
	Components       map[string]bool                              `json:"components"`
	Workflows        int                                          `json:"workflows"`
	ActiveExecutions int                                          `json:"active_executions"`
	Tasks            SchedulerStats                               `json:"tasks"`
	MCPs             int                                          `json:"mcps"`
	ConnectedMCPs    int                                          `json:"connected_mcps"`
	ActiveAlerts     int                                          `json:"active_alerts"`
	Resources        map[models.ResourceType]models.ResourceUsage `json:"resources,omitempty"`
}

// AutomationCore owns the component lifecycle and exposes the public facade.
// Every facade method fails with ErrNotInitialized until Start succeeds.
type AutomationCore struct {
	cfg      CoreConfig
	store    storage.Store
	logger   Logger
	events   *EventBus
	provider HostMetricsProvider
	now      func() time.Time

	mu         sync.RWMutex
	resources  *ResourceManager
	mcp        *MCPCoordinator
	engine     *WorkflowEngine
	scheduler  *TaskScheduler
	monitoring *MonitoringService
	started    bool
	startedAt  time.Time

	mcpHandlers    map[string]MCPHandler
	actionHandlers map[models.ActionType]ActionHandler
	healthChecks   map[string]HealthCheck

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAutomationCore(cfg CoreConfig, store storage.Store, logger Logger, opts ...CoreOption) *AutomationCore {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	logger = orNop(logger)
	c := &AutomationCore{
		cfg:            cfg,
		store:          store,
		logger:         logger,
		events:         NewEventBus(logger),
		now:            time.Now,
		mcpHandlers:    make(map[string]MCPHandler),
		actionHandlers: make(map[models.ActionType]ActionHandler),
		healthChecks:   make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.provider == nil {
		c.provider = NewHostMetricsProvider("/")
	}
	return c
}

// Start builds and starts the components in dependency order. A failure stops
// whatever was already started.
func (c *AutomationCore) Start(ctx context.Context) error {
	startedAt, err := c.start(ctx)
	if err != nil || startedAt == nil {
		return err
	}
	c.logger.Infof("Automation core started")
	c.events.Emit(EventCoreStarted, map[string]interface{}{"started_at": *startedAt})
	return nil
}

// start returns nil when the core was already running.
func (c *AutomationCore) start(ctx context.Context) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, nil
	}

	resources := NewResourceManager(c.store, c.provider, c.logger, c.cfg.Resources)
	resources.now = c.now
	mcp := NewMCPCoordinator(c.events, c.logger, c.cfg.MCP)
	mcp.now = c.now
	engine := NewWorkflowEngine(c.store, resources, mcp, c.events, c.logger, c.cfg.Workflow)
	engine.now = c.now
	scheduler := NewTaskScheduler(c.store, engine, resources, c.events, c.logger, c.cfg.Scheduler)
	scheduler.now = c.now
	monitoring := NewMonitoringService(resources, c.events, c.logger, c.cfg.Monitoring)
	monitoring.now = c.now
	engine.SetPerformanceRecorder(monitoring)

	for name, h := range c.mcpHandlers {
		mcp.RegisterHandler(name, h)
	}
	for t, h := range c.actionHandlers {
		scheduler.RegisterActionHandler(t, h)
	}
	monitoring.RegisterHealthCheck("store", c.store.Ping)
	monitoring.RegisterHealthCheck("mcp", mcpHealthCheck(mcp))
	for name, check := range c.healthChecks {
		monitoring.RegisterHealthCheck(name, check)
	}

	type component struct {
		name  string
		start func(context.Context) error
		stop  func(context.Context) error
	}
	components := []component{
		{"resource_manager", resources.Start, resources.Stop},
		{"mcp_coordinator", mcp.Start, mcp.Stop},
		{"workflow_engine", engine.Start, engine.Stop},
		{"task_scheduler", scheduler.Start, scheduler.Stop},
		{"monitoring", monitoring.Start, monitoring.Stop},
	}
	for i, comp := range components {
		if err := comp.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := components[j].stop(ctx); stopErr != nil {
					c.logger.Errorf("Failed to stop %s after start failure: %v", components[j].name, stopErr)
				}
			}
			return nil, errors.Wrapf(err, "start %s", comp.name)
		}
	}

	c.resources, c.mcp, c.engine, c.scheduler, c.monitoring = resources, mcp, engine, scheduler, monitoring
	c.started = true
	c.startedAt = c.now()

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.statusLoop(loopCtx)

	startedAt := c.startedAt
	return &startedAt, nil
}

// mcpHealthCheck fails when a registered MCP is not connected.
func mcpHealthCheck(mcp *MCPCoordinator) HealthCheck {
	return func(context.Context) error {
		var down []string
		for _, info := range mcp.ListMCPs() {
			if info.Status != models.ConnectedMCPStatus {
				down = append(down, info.ID+"="+string(info.Status))
			}
		}
		if len(down) > 0 {
			return errors.Errorf("mcps not connected: %v", down)
		}
		return nil
	}
}

// Stop stops the components in reverse start order. Every component is
// stopped even when an earlier one fails; the first error is returned.
func (c *AutomationCore) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	stops := []struct {
		name string
		stop func(context.Context) error
	}{
		{"monitoring", c.monitoring.Stop},
		{"task_scheduler", c.scheduler.Stop},
		{"workflow_engine", c.engine.Stop},
		{"mcp_coordinator", c.mcp.Stop},
		{"resource_manager", c.resources.Stop},
	}
	c.resources, c.mcp, c.engine, c.scheduler, c.monitoring = nil, nil, nil, nil, nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	var firstErr error
	for _, s := range stops {
		if err := s.stop(ctx); err != nil {
			c.logger.Errorf("Failed to stop %s: %v", s.name, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "stop %s", s.name)
			}
		}
	}
	c.logger.Infof("Automation core stopped")
	c.events.Emit(EventCoreStopped, nil)
	return firstErr
}

func (c *AutomationCore) statusLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.StatusInterval
	if interval <= 0 {
		interval = DefaultCoreConfig().StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportStatus(ctx)
		}
	}
}

func (c *AutomationCore) reportStatus(ctx context.Context) {
	status := c.GetStatus(ctx)
	if !status.Running {
		return
	}
	c.mu.RLock()
	monitoring := c.monitoring
	c.mu.RUnlock()
	if monitoring != nil {
		for name, v := range map[string]float64{
			"active_executions": float64(status.ActiveExecutions),
			"queued_tasks":      float64(status.Tasks.Queued),
			"running_tasks":     float64(status.Tasks.Running),
			"connected_mcps":    float64(status.ConnectedMCPs),
			"active_alerts":     float64(status.ActiveAlerts),
		} {
			_ = monitoring.RecordMetric(name, v, models.GaugeMetricType, map[string]string{"source": "core"})
		}
	}
	c.logger.Debugf("Core status: %d active executions, %d queued and %d running tasks, %d/%d MCPs connected, %d active alerts",
		status.ActiveExecutions, status.Tasks.Queued, status.Tasks.Running, status.ConnectedMCPs, status.MCPs, status.ActiveAlerts)
}

// GetStatus never fails; a stopped core reports Running false.
func (c *AutomationCore) GetStatus(_ context.Context) CoreStatus {
	c.mu.RLock()
	started, startedAt := c.started, c.startedAt
	resources, mcp, engine, scheduler, monitoring := c.resources, c.mcp, c.engine, c.scheduler, c.monitoring
	c.mu.RUnlock()

	status := CoreStatus{
		Running: started,
		Components: map[string]bool{
			"resource_manager": resources != nil,
			"mcp_coordinator":  mcp != nil,
			"workflow_engine":  engine != nil,
			"task_scheduler":   scheduler != nil,
			"monitoring":       monitoring != nil,
		},
	}
	if !started {
		return status
	}
	status.StartedAt = &startedAt
	status.Uptime = c.now().Sub(startedAt).Round(time.Second).String()
	status.Workflows = len(engine.ListWorkflows())
	status.ActiveExecutions = engine.ActiveExecutions()
	status.Tasks = scheduler.Stats()
	for _, info := range mcp.ListMCPs() {
		status.MCPs++
		if info.Status == models.ConnectedMCPStatus {
			status.ConnectedMCPs++
		}
	}
	status.ActiveAlerts = len(monitoring.ListAlerts(true))
	status.Resources = resources.GetAllResourceUsage()
	return status
}

// On subscribes handler to an event type. It works before Start.
func (c *AutomationCore) On(eventType EventType, handler EventHandler) func() {
	return c.events.On(eventType, handler)
}

func notInitialized(component string) error {
	return errors.Wrapf(ErrNotInitialized, "%s", component)
}

func (c *AutomationCore) workflowEngine() (*WorkflowEngine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.engine == nil {
		return nil, notInitialized("workflow engine")
	}
	return c.engine, nil
}

func (c *AutomationCore) taskScheduler() (*TaskScheduler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.scheduler == nil {
		return nil, notInitialized("task scheduler")
	}
	return c.scheduler, nil
}

func (c *AutomationCore) mcpCoordinator() (*MCPCoordinator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mcp == nil {
		return nil, notInitialized("mcp coordinator")
	}
	return c.mcp, nil
}

func (c *AutomationCore) resourceManager() (*ResourceManager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.resources == nil {
		return nil, notInitialized("resource manager")
	}
	return c.resources, nil
}

func (c *AutomationCore) monitoringService() (*MonitoringService, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.monitoring == nil {
		return nil, notInitialized("monitoring service")
	}
	return c.monitoring, nil
}

// Workflows

func (c *AutomationCore) CreateWorkflow(ctx context.Context, def models.WorkflowDefinition) (string, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return "", err
	}
	return e.CreateWorkflow(ctx, def)
}

func (c *AutomationCore) GetWorkflow(id string) (models.WorkflowDefinition, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	return e.GetWorkflow(id)
}

func (c *AutomationCore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return nil, err
	}
	return e.ListWorkflows(), nil
}

func (c *AutomationCore) DeleteWorkflow(ctx context.Context, id string) error {
	e, err := c.workflowEngine()
	if err != nil {
		return err
	}
	return e.DeleteWorkflow(ctx, id)
}

func (c *AutomationCore) ExecuteWorkflow(ctx context.Context, id string, input map[string]interface{}) (string, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return "", err
	}
	return e.ExecuteWorkflow(ctx, id, input)
}

func (c *AutomationCore) GetExecutionStatus(ctx context.Context, id string) (models.WorkflowExecution, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	return e.GetExecutionStatus(ctx, id)
}

func (c *AutomationCore) ListExecutions(ctx context.Context, workflowID string) ([]models.WorkflowExecution, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return nil, err
	}
	return e.ListExecutions(ctx, workflowID)
}

func (c *AutomationCore) WaitExecution(ctx context.Context, id string) (models.WorkflowExecution, error) {
	e, err := c.workflowEngine()
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	return e.WaitExecution(ctx, id)
}

func (c *AutomationCore) CancelExecution(id string) error {
	e, err := c.workflowEngine()
	if err != nil {
		return err
	}
	return e.CancelExecution(id)
}

func (c *AutomationCore) PauseExecution(id string) error {
	e, err := c.workflowEngine()
	if err != nil {
		return err
	}
	return e.PauseExecution(id)
}

func (c *AutomationCore) ResumeExecution(id string) error {
	e, err := c.workflowEngine()
	if err != nil {
		return err
	}
	return e.ResumeExecution(id)
}

// Tasks

func (c *AutomationCore) CreateTask(ctx context.Context, def models.TaskDefinition) (string, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return "", err
	}
	return s.CreateTask(ctx, def)
}

func (c *AutomationCore) ScheduleTask(ctx context.Context, def models.TaskDefinition) (string, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return "", err
	}
	return s.ScheduleTask(ctx, def)
}

func (c *AutomationCore) ScheduleTaskExecution(ctx context.Context, taskID string, at *time.Time) (string, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return "", err
	}
	return s.ScheduleTaskExecution(ctx, taskID, at)
}

func (c *AutomationCore) CancelTask(ctx context.Context, taskID string) (bool, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return false, err
	}
	return s.CancelTask(ctx, taskID), nil
}

func (c *AutomationCore) GetTaskStatus(taskID string) (TaskStatusReport, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return TaskStatusReport{}, err
	}
	return s.GetTaskStatus(taskID)
}

func (c *AutomationCore) GetTaskExecution(ctx context.Context, id string) (models.TaskExecution, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return models.TaskExecution{}, err
	}
	return s.GetTaskExecution(ctx, id)
}

func (c *AutomationCore) ListTasks() ([]models.TaskDefinition, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return nil, err
	}
	return s.ListTasks(), nil
}

func (c *AutomationCore) TriggerEvent(ctx context.Context, name string, payload map[string]interface{}) ([]string, error) {
	s, err := c.taskScheduler()
	if err != nil {
		return nil, err
	}
	return s.TriggerEvent(ctx, name, payload)
}

// RegisterActionHandler installs a task action handler now, or at Start when
// the core is not running.
func (c *AutomationCore) RegisterActionHandler(actionType models.ActionType, handler ActionHandler) {
	c.mu.Lock()
	c.actionHandlers[actionType] = handler
	scheduler := c.scheduler
	c.mu.Unlock()
	if scheduler != nil {
		scheduler.RegisterActionHandler(actionType, handler)
	}
}

// MCPs

func (c *AutomationCore) RegisterMCP(ctx context.Context, info models.MCPInfo) error {
	m, err := c.mcpCoordinator()
	if err != nil {
		return err
	}
	return m.RegisterMCP(ctx, info)
}

// RegisterMCPHandler installs an internal MCP handler now, or at Start when
// the core is not running.
func (c *AutomationCore) RegisterMCPHandler(name string, handler MCPHandler) {
	c.mu.Lock()
	c.mcpHandlers[name] = handler
	mcp := c.mcp
	c.mu.Unlock()
	if mcp != nil {
		mcp.RegisterHandler(name, handler)
	}
}

func (c *AutomationCore) UnregisterMCP(ctx context.Context, id string) (bool, error) {
	m, err := c.mcpCoordinator()
	if err != nil {
		return false, err
	}
	return m.UnregisterMCP(ctx, id), nil
}

func (c *AutomationCore) CallMCP(ctx context.Context, id, method string, params map[string]interface{}) (interface{}, error) {
	m, err := c.mcpCoordinator()
	if err != nil {
		return nil, err
	}
	return m.CallMCP(ctx, id, method, params)
}

func (c *AutomationCore) GetMCP(id string) (models.MCPInfo, error) {
	m, err := c.mcpCoordinator()
	if err != nil {
		return models.MCPInfo{}, err
	}
	return m.GetMCP(id)
}

func (c *AutomationCore) ListMCPs() ([]models.MCPInfo, error) {
	m, err := c.mcpCoordinator()
	if err != nil {
		return nil, err
	}
	return m.ListMCPs(), nil
}

func (c *AutomationCore) GetCallHistory(limit int) ([]models.MCPCallRecord, error) {
	m, err := c.mcpCoordinator()
	if err != nil {
		return nil, err
	}
	return m.GetCallHistory(limit), nil
}

// Resources

func (c *AutomationCore) AllocateResource(ctx context.Context, rt models.ResourceType, amount float64, owner string, duration time.Duration) (string, error) {
	r, err := c.resourceManager()
	if err != nil {
		return "", err
	}
	return r.AllocateResource(ctx, rt, amount, owner, duration)
}

func (c *AutomationCore) ReleaseResource(ctx context.Context, allocationID string) (bool, error) {
	r, err := c.resourceManager()
	if err != nil {
		return false, err
	}
	return r.ReleaseResource(ctx, allocationID), nil
}

// GetResourceStatus returns usage for every resource type.
func (c *AutomationCore) GetResourceStatus() (map[models.ResourceType]models.ResourceUsage, error) {
	r, err := c.resourceManager()
	if err != nil {
		return nil, err
	}
	return r.GetAllResourceUsage(), nil
}

func (c *AutomationCore) ListAllocations() ([]models.ResourceAllocation, error) {
	r, err := c.resourceManager()
	if err != nil {
		return nil, err
	}
	return r.ListAllocations(), nil
}

func (c *AutomationCore) GetSystemMetrics(ctx context.Context) (models.SystemMetrics, error) {
	r, err := c.resourceManager()
	if err != nil {
		return models.SystemMetrics{}, err
	}
	return r.GetSystemMetrics(ctx)
}

// Monitoring

func (c *AutomationCore) CreateAlert(level models.AlertLevel, title, message, source string) (string, error) {
	m, err := c.monitoringService()
	if err != nil {
		return "", err
	}
	return m.CreateAlert(level, title, message, source)
}

func (c *AutomationCore) ListAlerts(activeOnly bool) ([]models.Alert, error) {
	m, err := c.monitoringService()
	if err != nil {
		return nil, err
	}
	return m.ListAlerts(activeOnly), nil
}

func (c *AutomationCore) ResolveAlert(id string) (bool, error) {
	m, err := c.monitoringService()
	if err != nil {
		return false, err
	}
	return m.ResolveAlert(id), nil
}

func (c *AutomationCore) RecordMetric(name string, value float64, metricType models.MetricType, tags map[string]string) error {
	m, err := c.monitoringService()
	if err != nil {
		return err
	}
	return m.RecordMetric(name, value, metricType, tags)
}

func (c *AutomationCore) GetMetrics(name string, limit int) ([]models.Metric, error) {
	m, err := c.monitoringService()
	if err != nil {
		return nil, err
	}
	return m.GetMetrics(name, limit), nil
}

func (c *AutomationCore) GetPerformanceStats() ([]models.PerformanceStats, error) {
	m, err := c.monitoringService()
	if err != nil {
		return nil, err
	}
	return m.GetPerformanceStats(), nil
}

// RegisterHealthCheck installs a health check now, or at Start when the core
// is not running.
func (c *AutomationCore) RegisterHealthCheck(name string, check HealthCheck) {
	c.mu.Lock()
	c.healthChecks[name] = check
	monitoring := c.monitoring
	c.mu.Unlock()
	if monitoring != nil {
		monitoring.RegisterHealthCheck(name, check)
	}
}

func (c *AutomationCore) RunHealthChecks(ctx context.Context) (map[string]bool, error) {
	m, err := c.monitoringService()
	if err != nil {
		return nil, err
	}
	return m.RunHealthChecks(ctx), nil
}

// MetricsRegistry returns the prometheus registry of the monitoring service.
func (c *AutomationCore) MetricsRegistry() (*prometheus.Registry, error) {
	m, err := c.monitoringService()
	if err != nil {
		return nil, err
	}
	return m.Registry(), nil
}
