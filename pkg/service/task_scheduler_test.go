package service_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/service"
	"github.com/alexchuang650730/aicore0707-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recordAction models.ActionType = "record"

// recorder is a custom action handler that logs the names of the tasks it ran.
type recorder struct {
	mu    sync.Mutex
	names []string
	times []time.Time
}

func (r *recorder) handler(_ context.Context, task models.TaskDefinition, _ models.TaskExecution) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, task.Name)
	r.times = append(r.times, time.Now())
	return map[string]interface{}{"task": task.Name}, nil
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func waitTaskStatus(t *testing.T, core *service.AutomationCore, taskID string, want models.TaskStatus) models.TaskExecution {
	t.Helper()
	var last models.TaskExecution
	require.Eventually(t, func() bool {
		report, err := core.GetTaskStatus(taskID)
		if err != nil || report.LastExecution == nil {
			return false
		}
		last = *report.LastExecution
		return last.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
	return last
}

func TestTaskScheduler_Validation(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()
	existing, err := core.CreateTask(ctx, models.TaskDefinition{
		Name: "existing", Type: models.EventTriggeredTaskType, Schedule: "never",
		Action: models.TaskAction{Type: models.NotificationActionType},
	})
	require.NoError(t, err)

	notify := models.TaskAction{Type: models.NotificationActionType}
	cases := map[string]models.TaskDefinition{
		"MissingName":      {Type: models.ImmediateTaskType, Action: notify},
		"UnknownType":      {Name: "t", Type: "sometimes", Action: notify},
		"BadTime":          {Name: "t", Type: models.ScheduledTaskType, Schedule: "tomorrow", Action: notify},
		"BadCron":          {Name: "t", Type: models.RecurringTaskType, Schedule: "every tuesday", Action: notify},
		"NoEventName":      {Name: "t", Type: models.EventTriggeredTaskType, Action: notify},
		"NoDependencies":   {Name: "t", Type: models.DependencyTaskType, Action: notify},
		"UnknownDep":       {Name: "t", Type: models.DependencyTaskType, Dependencies: []string{existing, "ghost"}, Action: notify},
		"WorkflowNoID":     {Name: "t", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: models.WorkflowActionType}},
		"CommandNoCommand": {Name: "t", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: models.CommandActionType}},
		"MCPNoMethod":      {Name: "t", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: models.MCPCallActionType, MCPID: "echo"}},
		"MissingAction":    {Name: "t", Type: models.ImmediateTaskType},
		"UnknownAction":    {Name: "t", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: "teleport"}},
		"PriorityTooHigh":  {Name: "t", Type: models.ImmediateTaskType, Priority: 11, Action: notify},
		"NegativeRetries":  {Name: "t", Type: models.ImmediateTaskType, MaxRetries: -1, Action: notify},
		"BadResource":      {Name: "t", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: models.NotificationActionType, Resources: map[models.ResourceType]float64{"quantum": 1}}},
		"ZeroResource":     {Name: "t", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: models.NotificationActionType, Resources: map[models.ResourceType]float64{models.CPUResourceType: 0}}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := core.CreateTask(ctx, def)
			assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
		})
	}

	_, err = core.CreateTask(ctx, models.TaskDefinition{
		ID: existing, Name: "dup", Type: models.EventTriggeredTaskType, Schedule: "never", Action: notify,
	})
	assert.True(t, errors.Is(err, service.ErrAlreadyExists), "got %v", err)

	tasks, err := core.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 5, tasks[0].Priority)
	assert.True(t, tasks[0].Enabled)
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2024, 3, 10, 12, 7, 30, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2024, 3, 10, 12, 15, 0, 0, time.UTC)},
		{"30 * * * * *", time.Date(2024, 3, 10, 12, 8, 30, 0, time.UTC)},
		{"@hourly", time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)},
		{"0 9 * * 1", time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := service.NextCronTime(tt.expr, after)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)

			again, err := service.NextCronTime(tt.expr, after)
			require.NoError(t, err)
			assert.True(t, got.Equal(again))
		})
	}

	_, err := service.NextCronTime("not a cron", after)
	assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
}

func TestTaskScheduler_ImmediateNotification(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()

	messages := make(chan string, 1)
	core.On(service.EventTaskNotification, func(e service.Event) {
		messages <- e.Data["message"].(string)
	})

	id, err := core.CreateTask(ctx, models.TaskDefinition{
		Name:   "notify",
		Type:   models.ImmediateTaskType,
		Action: models.TaskAction{Type: models.NotificationActionType, Message: "disk almost full"},
	})
	require.NoError(t, err)

	exec := waitTaskStatus(t, core, id, models.CompletedTaskStatus)
	assert.Equal(t, map[string]interface{}{"notified": true, "message": "disk almost full"}, exec.Result)
	require.NotNil(t, exec.StartTime)
	require.NotNil(t, exec.EndTime)
	assert.False(t, exec.EndTime.Before(*exec.StartTime))

	select {
	case msg := <-messages:
		assert.Equal(t, "disk almost full", msg)
	case <-time.After(time.Second):
		t.Fatal("no notification event")
	}

	byID, err := core.GetTaskExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedTaskStatus, byID.Status)

	_, err = core.GetTaskExecution(ctx, "missing")
	assert.True(t, errors.Is(err, service.ErrNotFound), "got %v", err)
	_, err = core.GetTaskStatus("missing")
	assert.True(t, errors.Is(err, service.ErrNotFound), "got %v", err)
}

func TestTaskScheduler_ScheduledRunsAtItsTime(t *testing.T) {
	core := startCore(t)
	rec := &recorder{}
	core.RegisterActionHandler(recordAction, rec.handler)

	at := time.Now().Add(150 * time.Millisecond)
	id, err := core.ScheduleTask(context.Background(), models.TaskDefinition{
		Name:     "later",
		Type:     models.ScheduledTaskType,
		Schedule: at.Format(time.RFC3339Nano),
		Action:   models.TaskAction{Type: recordAction},
	})
	require.NoError(t, err)

	report, err := core.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	require.NotNil(t, report.NextRun)
	assert.WithinDuration(t, at, *report.NextRun, time.Millisecond)

	waitTaskStatus(t, core, id, models.CompletedTaskStatus)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.times, 1)
	assert.False(t, rec.times[0].Before(at), "ran %s before %s", rec.times[0], at)
}

func TestTaskScheduler_PriorityOrder(t *testing.T) {
	cfg := testCoreConfig()
	cfg.Scheduler.MaxConcurrentTasks = 1
	core := startCoreWith(t, cfg, nil)
	ctx := context.Background()
	rec := &recorder{}
	core.RegisterActionHandler(recordAction, rec.handler)

	newTask := func(name string, priority int) string {
		id, err := core.CreateTask(ctx, models.TaskDefinition{
			Name: name, Type: models.EventTriggeredTaskType, Schedule: "manual", Priority: priority,
			Action: models.TaskAction{Type: recordAction},
		})
		require.NoError(t, err)
		return id
	}
	low := newTask("low", 1)
	mid := newTask("mid", 5)
	high := newTask("high", 9)

	at := time.Now().Add(100 * time.Millisecond)
	for _, id := range []string{low, mid, high} {
		_, err := core.ScheduleTaskExecution(ctx, id, &at)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(rec.ran()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low"}, rec.ran())
}

func TestTaskScheduler_PriorityOrderWhenDueNow(t *testing.T) {
	cfg := testCoreConfig()
	cfg.Scheduler.MaxConcurrentTasks = 1
	core := startCoreWith(t, cfg, nil)
	ctx := context.Background()
	rec := &recorder{}
	core.RegisterActionHandler(recordAction, rec.handler)

	release := make(chan struct{})
	const holdAction models.ActionType = "hold"
	core.RegisterActionHandler(holdAction, func(ctx context.Context, task models.TaskDefinition, exec models.TaskExecution) (interface{}, error) {
		<-release
		return rec.handler(ctx, task, exec)
	})

	blocker, err := core.ScheduleTask(ctx, models.TaskDefinition{
		Name: "blocker", Type: models.ImmediateTaskType, Action: models.TaskAction{Type: holdAction},
	})
	require.NoError(t, err)
	waitTaskStatus(t, core, blocker, models.RunningTaskStatus)

	// scheduled one after the other, both due immediately
	for _, task := range []struct {
		name     string
		priority int
	}{{"normal", 5}, {"urgent", 9}} {
		_, err := core.ScheduleTask(ctx, models.TaskDefinition{
			Name: task.name, Type: models.ImmediateTaskType, Priority: task.priority,
			Action: models.TaskAction{Type: recordAction},
		})
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return len(rec.ran()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"blocker", "urgent", "normal"}, rec.ran())
}

func TestTaskScheduler_EventPayloadWithSlowSubscriber(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()

	// subscribers run on the scheduling goroutine; the dispatcher must not
	// be able to start the task before its payload is attached
	core.On(service.EventTaskScheduled, func(service.Event) {
		time.Sleep(50 * time.Millisecond)
	})
	got := make(chan interface{}, 1)
	core.RegisterActionHandler(recordAction, func(_ context.Context, task models.TaskDefinition, _ models.TaskExecution) (interface{}, error) {
		got <- task.Action.Context["event"]
		return nil, nil
	})

	_, err := core.ScheduleTask(ctx, models.TaskDefinition{
		Name: "deployer", Type: models.EventTriggeredTaskType, Schedule: "deploy",
		Action: models.TaskAction{Type: recordAction},
	})
	require.NoError(t, err)
	_, err = core.TriggerEvent(ctx, "deploy", map[string]interface{}{"version": "1.2.3"})
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, map[string]interface{}{"version": "1.2.3"}, payload)
	case <-time.After(5 * time.Second):
		t.Fatal("event task never ran")
	}
}

func TestTaskScheduler_EventTriggered(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()

	var mu sync.Mutex
	payloads := map[string]interface{}{}
	core.RegisterActionHandler(recordAction, func(_ context.Context, task models.TaskDefinition, _ models.TaskExecution) (interface{}, error) {
		mu.Lock()
		payloads[task.Name] = task.Action.Context["event"]
		mu.Unlock()
		return nil, nil
	})

	var ids []string
	for _, name := range []string{"first", "second"} {
		id, err := core.ScheduleTask(ctx, models.TaskDefinition{
			Name: name, Type: models.EventTriggeredTaskType, Schedule: "deploy.finished",
			Action: models.TaskAction{Type: recordAction, Context: map[string]interface{}{"team": "ops"}},
		})
		require.NoError(t, err)
		ids = append(ids, id)

		report, err := core.GetTaskStatus(id)
		require.NoError(t, err)
		assert.Empty(t, report.Executions, "event tasks wait for their event")
	}

	none, err := core.TriggerEvent(ctx, "something.else", nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	execIDs, err := core.TriggerEvent(ctx, "deploy.finished", map[string]interface{}{"version": "1.2.3"})
	require.NoError(t, err)
	assert.Len(t, execIDs, 2)

	for _, id := range ids {
		waitTaskStatus(t, core, id, models.CompletedTaskStatus)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]interface{}{"version": "1.2.3"}, payloads["first"])
	assert.Equal(t, map[string]interface{}{"version": "1.2.3"}, payloads["second"])
}

func TestTaskScheduler_DependencyWaits(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()
	rec := &recorder{}
	core.RegisterActionHandler(recordAction, rec.handler)

	upstream, err := core.ScheduleTask(ctx, models.TaskDefinition{
		Name: "upstream", Type: models.EventTriggeredTaskType, Schedule: "go",
		Action: models.TaskAction{Type: recordAction},
	})
	require.NoError(t, err)
	downstream, err := core.ScheduleTask(ctx, models.TaskDefinition{
		Name: "downstream", Type: models.DependencyTaskType, Dependencies: []string{upstream},
		Action: models.TaskAction{Type: recordAction},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.ran())
	report, err := core.GetTaskStatus(downstream)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)

	_, err = core.TriggerEvent(ctx, "go", nil)
	require.NoError(t, err)

	waitTaskStatus(t, core, downstream, models.CompletedTaskStatus)
	assert.Equal(t, []string{"upstream", "downstream"}, rec.ran())
}

func TestTaskScheduler_Retries(t *testing.T) {
	t.Run("SucceedsWithBackoff", func(t *testing.T) {
		core := startCore(t)
		var retrying int32
		core.On(service.EventTaskRetrying, func(service.Event) { atomic.AddInt32(&retrying, 1) })

		var mu sync.Mutex
		var attempts []time.Time
		core.RegisterActionHandler(recordAction, func(context.Context, models.TaskDefinition, models.TaskExecution) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, time.Now())
			if len(attempts) < 3 {
				return nil, errors.New("flaky")
			}
			return "ok", nil
		})

		id, err := core.CreateTask(context.Background(), models.TaskDefinition{
			Name: "flaky", Type: models.ImmediateTaskType, MaxRetries: 3,
			RetryDelay: models.Duration(20 * time.Millisecond),
			Action:     models.TaskAction{Type: recordAction},
		})
		require.NoError(t, err)

		exec := waitTaskStatus(t, core, id, models.CompletedTaskStatus)
		assert.Equal(t, 2, exec.RetryCount)
		assert.Equal(t, "ok", exec.Result)
		assert.Empty(t, exec.Error)
		assert.EqualValues(t, 2, atomic.LoadInt32(&retrying))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, attempts, 3)
		assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 20*time.Millisecond)
		assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 40*time.Millisecond)
	})

	t.Run("Exhausted", func(t *testing.T) {
		core := startCore(t)
		var calls int32
		core.RegisterActionHandler(recordAction, func(context.Context, models.TaskDefinition, models.TaskExecution) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("boom")
		})
		failed := make(chan struct{}, 1)
		core.On(service.EventTaskFailed, func(service.Event) { failed <- struct{}{} })

		id, err := core.CreateTask(context.Background(), models.TaskDefinition{
			Name: "doomed", Type: models.ImmediateTaskType, MaxRetries: 1,
			RetryDelay: models.Duration(10 * time.Millisecond),
			Action:     models.TaskAction{Type: recordAction},
		})
		require.NoError(t, err)

		exec := waitTaskStatus(t, core, id, models.FailedTaskStatus)
		assert.Equal(t, 1, exec.RetryCount)
		assert.Contains(t, exec.Error, "boom")
		assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
		select {
		case <-failed:
		case <-time.After(time.Second):
			t.Fatal("no task_failed event")
		}
	})
}

func TestTaskScheduler_Timeout(t *testing.T) {
	core := startCore(t)
	core.RegisterActionHandler(recordAction, func(ctx context.Context, _ models.TaskDefinition, _ models.TaskExecution) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := core.CreateTask(context.Background(), models.TaskDefinition{
		Name: "slow", Type: models.ImmediateTaskType, Timeout: models.Duration(50 * time.Millisecond),
		Action: models.TaskAction{Type: recordAction},
	})
	require.NoError(t, err)

	exec := waitTaskStatus(t, core, id, models.FailedTaskStatus)
	assert.True(t, strings.Contains(exec.Error, "timeout"), exec.Error)
	assert.True(t, exec.EndTime.Sub(*exec.StartTime) >= 50*time.Millisecond)
}

func TestTaskScheduler_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("Queued", func(t *testing.T) {
		core := startCore(t)
		id, err := core.ScheduleTask(ctx, models.TaskDefinition{
			Name: "tomorrow", Type: models.ScheduledTaskType,
			Schedule: time.Now().Add(24 * time.Hour).Format(time.RFC3339),
			Action:   models.TaskAction{Type: models.NotificationActionType},
		})
		require.NoError(t, err)

		ok, err := core.CancelTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		report, err := core.GetTaskStatus(id)
		require.NoError(t, err)
		assert.False(t, report.Task.Enabled)
		assert.Zero(t, report.Pending)
		assert.Nil(t, report.NextRun)
		require.NotNil(t, report.LastExecution)
		assert.Equal(t, models.CancelledTaskStatus, report.LastExecution.Status)

		_, err = core.ScheduleTaskExecution(ctx, id, nil)
		assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)

		ok, err = core.CancelTask(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Running", func(t *testing.T) {
		core := startCore(t)
		started := make(chan struct{})
		stopped := make(chan error, 1)
		core.RegisterActionHandler(recordAction, func(ctx context.Context, _ models.TaskDefinition, _ models.TaskExecution) (interface{}, error) {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return nil, ctx.Err()
		})

		id, err := core.CreateTask(ctx, models.TaskDefinition{
			Name: "long", Type: models.ImmediateTaskType, MaxRetries: 3,
			Action: models.TaskAction{Type: recordAction},
		})
		require.NoError(t, err)

		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("task never started")
		}
		ok, err := core.CancelTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		select {
		case err := <-stopped:
			assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("running task was not cancelled")
		}
		exec := waitTaskStatus(t, core, id, models.CancelledTaskStatus)
		assert.Zero(t, exec.RetryCount, "cancelled executions are not retried")
		require.Eventually(t, func() bool {
			e, err := core.GetTaskExecution(ctx, exec.ID)
			return err == nil && e.EndTime != nil && e.Status == models.CancelledTaskStatus
		}, time.Second, 5*time.Millisecond)
	})
}

func TestTaskScheduler_BuiltinActions(t *testing.T) {
	ctx := context.Background()

	t.Run("Workflow", func(t *testing.T) {
		core := startCore(t)
		wfID, err := core.CreateWorkflow(ctx, models.WorkflowDefinition{
			Name:  "answer",
			Steps: []models.WorkflowStep{scriptStep("a", "6.0 * 7")},
		})
		require.NoError(t, err)

		id, err := core.CreateTask(ctx, models.TaskDefinition{
			Name: "run-workflow", Type: models.ImmediateTaskType,
			Action: models.TaskAction{Type: models.WorkflowActionType, WorkflowID: wfID},
		})
		require.NoError(t, err)

		exec := waitTaskStatus(t, core, id, models.CompletedTaskStatus)
		result, ok := exec.Result.(map[string]interface{})
		require.True(t, ok, "result %#v", exec.Result)
		assert.Equal(t, "completed", result["status"])

		wfExec, err := core.GetExecutionStatus(ctx, result["execution_id"].(string))
		require.NoError(t, err)
		assert.Equal(t, models.CompletedExecutionStatus, wfExec.Status)
		assert.Equal(t, 42.0, wfExec.StepResults["a"].Result)
	})

	t.Run("FailingWorkflow", func(t *testing.T) {
		core := startCore(t)
		wfID, err := core.CreateWorkflow(ctx, models.WorkflowDefinition{
			Name:  "broken",
			Steps: []models.WorkflowStep{scriptStep("a", "undefined_var + 1")},
		})
		require.NoError(t, err)

		id, err := core.CreateTask(ctx, models.TaskDefinition{
			Name: "run-broken", Type: models.ImmediateTaskType,
			Action: models.TaskAction{Type: models.WorkflowActionType, WorkflowID: wfID},
		})
		require.NoError(t, err)

		exec := waitTaskStatus(t, core, id, models.FailedTaskStatus)
		assert.Contains(t, exec.Error, "failed")
	})

	t.Run("MCPCall", func(t *testing.T) {
		core := startCore(t)
		registerEcho(t, core, "echo", "ping")

		id, err := core.CreateTask(ctx, models.TaskDefinition{
			Name: "call", Type: models.ImmediateTaskType,
			Action: models.TaskAction{
				Type: models.MCPCallActionType, MCPID: "echo", Method: "ping",
				Params: map[string]interface{}{"host": "db-1"},
			},
		})
		require.NoError(t, err)

		exec := waitTaskStatus(t, core, id, models.CompletedTaskStatus)
		assert.Equal(t, map[string]interface{}{"method": "ping", "host": "db-1"}, exec.Result)

		history, err := core.GetCallHistory(10)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		assert.Equal(t, "echo", history[len(history)-1].MCPID)
	})

	t.Run("UnknownMCP", func(t *testing.T) {
		core := startCore(t)
		id, err := core.CreateTask(ctx, models.TaskDefinition{
			Name: "call", Type: models.ImmediateTaskType,
			Action: models.TaskAction{Type: models.MCPCallActionType, MCPID: "ghost", Method: "ping"},
		})
		require.NoError(t, err)

		exec := waitTaskStatus(t, core, id, models.FailedTaskStatus)
		assert.Contains(t, exec.Error, "ghost")
	})
}

func TestTaskScheduler_Resources(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()

	seen := make(chan []models.ResourceAllocation, 1)
	core.RegisterActionHandler(recordAction, func(context.Context, models.TaskDefinition, models.TaskExecution) (interface{}, error) {
		allocations, err := core.ListAllocations()
		if err != nil {
			return nil, err
		}
		seen <- allocations
		return nil, nil
	})

	id, err := core.CreateTask(ctx, models.TaskDefinition{
		Name: "heavy", Type: models.ImmediateTaskType,
		Action: models.TaskAction{Type: recordAction, Resources: map[models.ResourceType]float64{models.CPUResourceType: 2}},
	})
	require.NoError(t, err)
	exec := waitTaskStatus(t, core, id, models.CompletedTaskStatus)

	allocations := <-seen
	require.Len(t, allocations, 1)
	assert.Equal(t, "task:"+exec.ID, allocations[0].AllocatedTo)
	assert.Equal(t, 2.0, allocations[0].Amount)

	require.Eventually(t, func() bool {
		current, err := core.ListAllocations()
		return err == nil && len(current) == 0
	}, time.Second, 5*time.Millisecond)

	tooMuch, err := core.CreateTask(ctx, models.TaskDefinition{
		Name: "too-heavy", Type: models.ImmediateTaskType,
		Action: models.TaskAction{Type: recordAction, Resources: map[models.ResourceType]float64{models.CPUResourceType: 500}},
	})
	require.NoError(t, err)
	failed := waitTaskStatus(t, core, tooMuch, models.FailedTaskStatus)
	assert.Contains(t, failed.Error, "resource exhausted")
}

func TestTaskScheduler_Recurring(t *testing.T) {
	core := startCore(t)
	ctx := context.Background()
	rec := &recorder{}
	core.RegisterActionHandler(recordAction, rec.handler)

	id, err := core.ScheduleTask(ctx, models.TaskDefinition{
		Name: "tick", Type: models.RecurringTaskType, Schedule: "* * * * * *",
		Action: models.TaskAction{Type: recordAction},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.ran()) >= 2 }, 5*time.Second, 10*time.Millisecond)

	report, err := core.GetTaskStatus(id)
	require.NoError(t, err)
	assert.LessOrEqual(t, report.Pending+report.Running, 1)

	seen := map[time.Time]bool{}
	for _, exec := range report.Executions {
		at := exec.ScheduledTime.UTC()
		assert.False(t, seen[at], "occurrence %s armed twice", at)
		seen[at] = true
		assert.Zero(t, at.Nanosecond(), "cron occurrences fall on whole seconds")
	}

	ok, err := core.CancelTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	count := len(rec.ran())
	time.Sleep(1200 * time.Millisecond)
	assert.LessOrEqual(t, len(rec.ran()), count+1, "cancelled recurring task kept firing")
}

func TestTaskScheduler_RestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cfg := testCoreConfig()

	first := startCoreWith(t, cfg, store)
	future := time.Now().Add(time.Hour).Truncate(time.Second)
	scheduled, err := first.ScheduleTask(ctx, models.TaskDefinition{
		Name: "later", Type: models.ScheduledTaskType, Schedule: future.Format(time.RFC3339),
		Action: models.TaskAction{Type: models.NotificationActionType},
	})
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	// an execution left running by a crash
	interruptedTask := models.TaskDefinition{
		ID: "crashed", Name: "crashed", Type: models.EventTriggeredTaskType, Schedule: "x",
		Action: models.TaskAction{Type: models.NotificationActionType}, Enabled: true, Priority: 5,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveTask(ctx, interruptedTask))
	started := time.Now().Add(-time.Minute)
	require.NoError(t, store.SaveTaskExecution(ctx, models.TaskExecution{
		ID: "crashed-1", TaskID: "crashed", Status: models.RunningTaskStatus,
		ScheduledTime: started, StartTime: &started,
	}))

	second := startCoreWith(t, cfg, store)
	report, err := second.GetTaskStatus(scheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	require.NotNil(t, report.NextRun)
	assert.True(t, future.Equal(*report.NextRun), "next run %s", report.NextRun)

	crashed, err := second.GetTaskExecution(ctx, "crashed-1")
	require.NoError(t, err)
	assert.Equal(t, models.FailedTaskStatus, crashed.Status)
	assert.Equal(t, "interrupted by shutdown", crashed.Error)

	persisted, err := store.ListTaskExecutions(ctx, "crashed")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, models.FailedTaskStatus, persisted[0].Status)
}
