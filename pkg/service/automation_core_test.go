package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationCore_NotInitialized(t *testing.T) {
	core := service.NewAutomationCore(testCoreConfig(), nil, nil, service.WithHostMetricsProvider(newFakeHost()))
	ctx := context.Background()

	calls := map[string]func() error{
		"CreateWorkflow": func() error {
			_, err := core.CreateWorkflow(ctx, models.WorkflowDefinition{Name: "w"})
			return err
		},
		"ListWorkflows": func() error { _, err := core.ListWorkflows(); return err },
		"ExecuteWorkflow": func() error {
			_, err := core.ExecuteWorkflow(ctx, "w", nil)
			return err
		},
		"GetExecutionStatus": func() error { _, err := core.GetExecutionStatus(ctx, "e"); return err },
		"CancelExecution":    func() error { return core.CancelExecution("e") },
		"CreateTask": func() error {
			_, err := core.CreateTask(ctx, models.TaskDefinition{Name: "t"})
			return err
		},
		"CancelTask":    func() error { _, err := core.CancelTask(ctx, "t"); return err },
		"GetTaskStatus": func() error { _, err := core.GetTaskStatus("t"); return err },
		"TriggerEvent":  func() error { _, err := core.TriggerEvent(ctx, "e", nil); return err },
		"RegisterMCP": func() error {
			return core.RegisterMCP(ctx, models.MCPInfo{ID: "m", Name: "m", Endpoint: "internal://m"})
		},
		"CallMCP":          func() error { _, err := core.CallMCP(ctx, "m", "ping", nil); return err },
		"ListMCPs":         func() error { _, err := core.ListMCPs(); return err },
		"AllocateResource": func() error { _, err := core.AllocateResource(ctx, models.CPUResourceType, 1, "me", 0); return err },
		"ReleaseResource":  func() error { _, err := core.ReleaseResource(ctx, "a"); return err },
		"GetSystemMetrics": func() error { _, err := core.GetSystemMetrics(ctx); return err },
		"CreateAlert": func() error {
			_, err := core.CreateAlert(models.InfoAlertLevel, "t", "", "")
			return err
		},
		"RecordMetric":    func() error { return core.RecordMetric("m", 1, models.GaugeMetricType, nil) },
		"RunHealthChecks": func() error { _, err := core.RunHealthChecks(ctx); return err },
		"MetricsRegistry": func() error { _, err := core.MetricsRegistry(); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			assert.True(t, errors.Is(err, service.ErrNotInitialized), "got %v", err)
		})
	}

	status := core.GetStatus(ctx)
	assert.False(t, status.Running)
	assert.Nil(t, status.StartedAt)
	for name, up := range status.Components {
		assert.False(t, up, name)
	}
	assert.NoError(t, core.Stop(ctx), "stopping a core that never started")
}

func TestAutomationCore_EchoScenario(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()
	registerEcho(t, core, "echo", "echo")

	wfID, err := core.CreateWorkflow(ctx, models.WorkflowDefinition{
		Name: "greet",
		Steps: []models.WorkflowStep{
			{ID: "hello", Type: models.MCPCallStepType, Config: map[string]interface{}{
				"mcp_id": "echo", "method": "echo", "params": map[string]interface{}{"text": "hello ${who}"},
			}},
			scriptStep("shout", "upper(steps.hello.text)", "hello"),
		},
	})
	require.NoError(t, err)

	execID, err := core.ExecuteWorkflow(ctx, wfID, map[string]interface{}{"who": "world"})
	require.NoError(t, err)
	exec := waitExecution(t, core, execID)

	require.Equal(t, models.CompletedExecutionStatus, exec.Status, exec.ErrorMessage)
	assert.Equal(t, map[string]interface{}{"method": "echo", "text": "hello world"}, exec.StepResults["hello"].Result)
	assert.Equal(t, "HELLO WORLD", exec.StepResults["shout"].Result)

	history, err := core.GetCallHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)

	executions, err := core.ListExecutions(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, execID, executions[0].ID)

	stats, err := core.GetPerformanceStats()
	require.NoError(t, err)
	operations := map[string]int64{}
	for _, s := range stats {
		operations[s.Component+"/"+s.Operation] = s.Count
	}
	assert.EqualValues(t, 1, operations["workflow_engine/workflow"])
	assert.EqualValues(t, 1, operations["workflow_engine/mcp_call"])
	assert.EqualValues(t, 1, operations["workflow_engine/script"])

	status := core.GetStatus(ctx)
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Workflows)
	assert.Equal(t, 0, status.ActiveExecutions)
	assert.Equal(t, 1, status.MCPs)
	assert.Equal(t, 1, status.ConnectedMCPs)
	for name, up := range status.Components {
		assert.True(t, up, name)
	}
	assert.Contains(t, status.Resources, models.CPUResourceType)
}

func TestAutomationCore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	core := service.NewAutomationCore(testCoreConfig(), store, nil, service.WithHostMetricsProvider(newFakeHost()))

	var mu sync.Mutex
	var seen []service.EventType
	for _, et := range []service.EventType{service.EventCoreStarted, service.EventCoreStopped} {
		core.On(et, func(e service.Event) {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
			// handlers may call back into the core
			core.GetStatus(ctx)
		})
	}

	require.NoError(t, core.Start(ctx))
	require.NoError(t, core.Start(ctx), "second start is a no-op")

	wfID, err := core.CreateWorkflow(ctx, models.WorkflowDefinition{Name: "kept", Steps: []models.WorkflowStep{scriptStep("a", "1")}})
	require.NoError(t, err)

	require.NoError(t, core.Stop(ctx))
	require.NoError(t, core.Stop(ctx))
	_, err = core.GetWorkflow(wfID)
	assert.True(t, errors.Is(err, service.ErrNotInitialized), "got %v", err)
	assert.False(t, core.GetStatus(ctx).Running)

	require.NoError(t, core.Start(ctx))
	t.Cleanup(func() { _ = core.Stop(ctx) })
	def, err := core.GetWorkflow(wfID)
	require.NoError(t, err)
	assert.Equal(t, "kept", def.Name)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []service.EventType{service.EventCoreStarted, service.EventCoreStopped, service.EventCoreStarted}, seen)
}

func TestAutomationCore_HandlersRegisteredBeforeStart(t *testing.T) {
	ctx := context.Background()
	core := service.NewAutomationCore(testCoreConfig(), nil, nil, service.WithHostMetricsProvider(newFakeHost()))

	core.RegisterMCPHandler("early", echoHandler())
	ran := make(chan string, 1)
	core.RegisterActionHandler(recordAction, func(_ context.Context, task models.TaskDefinition, _ models.TaskExecution) (interface{}, error) {
		ran <- task.Name
		return nil, nil
	})
	core.RegisterHealthCheck("flaky", func(context.Context) error { return errors.New("down") })

	require.NoError(t, core.Start(ctx))
	t.Cleanup(func() { _ = core.Stop(ctx) })

	require.NoError(t, core.RegisterMCP(ctx, models.MCPInfo{ID: "early", Name: "early", Endpoint: "internal://early", Capabilities: []string{"ping"}}))
	out, err := core.CallMCP(ctx, "early", "ping", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "ping", out.(map[string]interface{})["method"])

	_, err = core.CreateTask(ctx, models.TaskDefinition{Name: "custom", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: recordAction}})
	require.NoError(t, err)
	select {
	case name := <-ran:
		assert.Equal(t, "custom", name)
	case <-time.After(5 * time.Second):
		t.Fatal("custom action never ran")
	}

	results, err := core.RunHealthChecks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"store": true, "mcp": true, "flaky": false}, results)

	alerts, err := core.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "health_check:flaky", alerts[0].Source)

	resolved, err := core.ResolveAlert(alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, resolved)
}

func TestAutomationCore_MCPHealthCheck(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()

	require.NoError(t, core.RegisterMCP(ctx, models.MCPInfo{ID: "remote", Name: "remote", Endpoint: "http://127.0.0.1:1/rpc"}))
	info, err := core.GetMCP("remote")
	require.NoError(t, err)
	assert.NotEqual(t, models.ConnectedMCPStatus, info.Status)

	results, err := core.RunHealthChecks(ctx)
	require.NoError(t, err)
	assert.False(t, results["mcp"])

	removed, err := core.UnregisterMCP(ctx, "remote")
	require.NoError(t, err)
	assert.True(t, removed)
	results, err = core.RunHealthChecks(ctx)
	require.NoError(t, err)
	assert.True(t, results["mcp"])
}

func TestAutomationCore_Resources(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()

	id, err := core.AllocateResource(ctx, models.MemoryResourceType, 100, "batch", time.Minute)
	require.NoError(t, err)

	usage, err := core.GetResourceStatus()
	require.NoError(t, err)
	assert.Equal(t, 100.0, usage[models.MemoryResourceType].Allocated)

	released, err := core.ReleaseResource(ctx, id)
	require.NoError(t, err)
	assert.True(t, released)
	released, err = core.ReleaseResource(ctx, id)
	require.NoError(t, err)
	assert.False(t, released)

	metrics, err := core.GetSystemMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, metrics.CPU.UsagePercent)
}

func TestAutomationCore_StatusLoopRecordsGauges(t *testing.T) {
	cfg := testCoreConfig()
	cfg.StatusInterval = 20 * time.Millisecond
	core := startCoreWith(t, cfg, nil)

	require.Eventually(t, func() bool {
		samples, err := core.GetMetrics("active_executions", 1)
		return err == nil && len(samples) == 1 && samples[0].Tags["source"] == "core"
	}, 5*time.Second, 10*time.Millisecond)

	registry, err := core.MetricsRegistry()
	require.NoError(t, err)
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestAutomationCore_Clock(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	core := startCore(t, service.WithClock(func() time.Time { return fixed }))

	status := core.GetStatus(context.Background())
	require.NotNil(t, status.StartedAt)
	assert.True(t, fixed.Equal(*status.StartedAt))
	assert.Equal(t, "0s", status.Uptime)
}
