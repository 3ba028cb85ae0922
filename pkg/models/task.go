package models

import "time"

type TaskType string

const (
	ImmediateTaskType      TaskType = "immediate"
	ScheduledTaskType      TaskType = "scheduled"
	RecurringTaskType      TaskType = "recurring"
	EventTriggeredTaskType TaskType = "event_triggered"
	DependencyTaskType     TaskType = "dependency"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case ImmediateTaskType, ScheduledTaskType, RecurringTaskType, EventTriggeredTaskType, DependencyTaskType:
		return true
	}
	return false
}

type ActionType string

const (
	WorkflowActionType     ActionType = "workflow"
	CommandActionType      ActionType = "command"
	MCPCallActionType      ActionType = "mcp_call"
	NotificationActionType ActionType = "notification"
)

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "pending"
	RunningTaskStatus   TaskStatus = "running"
	CompletedTaskStatus TaskStatus = "completed"
	FailedTaskStatus    TaskStatus = "failed"
	CancelledTaskStatus TaskStatus = "cancelled"
	SkippedTaskStatus   TaskStatus = "skipped"
)

// Terminal reports whether the task execution reached a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, CancelledTaskStatus, SkippedTaskStatus:
		return true
	}
	return false
}

// TaskAction describes what a task runs when it fires.
type TaskAction struct {
	Type       ActionType               `json:"type" yaml:"type" validate:"required"`
	WorkflowID string                   `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	Context    map[string]interface{}   `json:"context,omitempty" yaml:"context,omitempty"`
	MCPID      string                   `json:"mcp_id,omitempty" yaml:"mcp_id,omitempty"`
	Method     string                   `json:"method,omitempty" yaml:"method,omitempty"`
	Params     map[string]interface{}   `json:"params,omitempty" yaml:"params,omitempty"`
	Command    string                   `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string                 `json:"args,omitempty" yaml:"args,omitempty"`
	Message    string                   `json:"message,omitempty" yaml:"message,omitempty"`
	Resources  map[ResourceType]float64 `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// TaskDefinition is a unit of schedulable work.
type TaskDefinition struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name" validate:"required,max=200"`
	Type         TaskType   `json:"type" yaml:"type" validate:"required"`
	Action       TaskAction `json:"action" yaml:"action"`
	Schedule     string     `json:"schedule,omitempty" yaml:"schedule,omitempty"` // RFC3339 time, cron expression or event name
	Dependencies []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries   int        `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryDelay   Duration   `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Priority     int        `json:"priority" yaml:"priority" validate:"omitempty,min=1,max=10"`
	Enabled      bool       `json:"enabled" yaml:"enabled"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at,omitempty"`
}

// TaskExecution is one attempt sequence of a task; recurring tasks produce many.
type TaskExecution struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	Status        TaskStatus  `json:"status"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	StartTime     *time.Time  `json:"start_time,omitempty"`
	EndTime       *time.Time  `json:"end_time,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	RetryCount    int         `json:"retry_count"`
}
