package models

import "time"

type StepType string

const (
	CommandStepType   StepType = "command"
	MCPCallStepType   StepType = "mcp_call"
	ConditionStepType StepType = "condition"
	LoopStepType      StepType = "loop"
	ParallelStepType  StepType = "parallel"
	DelayStepType     StepType = "delay"
	ScriptStepType    StepType = "script"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case CommandStepType, MCPCallStepType, ConditionStepType, LoopStepType,
		ParallelStepType, DelayStepType, ScriptStepType:
		return true
	}
	return false
}

type ExecutionStatus string

const (
	PendingExecutionStatus   ExecutionStatus = "pending"
	RunningExecutionStatus   ExecutionStatus = "running"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
	CancelledExecutionStatus ExecutionStatus = "cancelled"
	PausedExecutionStatus    ExecutionStatus = "paused"
)

// Terminal reports whether the execution can no longer change state.
func (s ExecutionStatus) Terminal() bool {
	return s == CompletedExecutionStatus || s == FailedExecutionStatus || s == CancelledExecutionStatus
}

type StepStatus string

const (
	PendingStepStatus   StepStatus = "pending"
	RunningStepStatus   StepStatus = "running"
	CompletedStepStatus StepStatus = "completed"
	FailedStepStatus    StepStatus = "failed"
	// SkippedStepStatus marks a non-critical step that failed; the graph continues past it.
	SkippedStepStatus StepStatus = "skipped"
)

// WorkflowStep is a single node of a workflow dependency graph.
type WorkflowStep struct {
	ID         string                 `json:"id" yaml:"id" validate:"required"`
	Name       string                 `json:"name" yaml:"name"`
	Type       StepType               `json:"type" yaml:"type" validate:"required"`
	Config     map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout    Duration               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"gte=0"`
	Critical   *bool                  `json:"critical,omitempty" yaml:"critical,omitempty"` // nil means critical
}

// IsCritical reports whether a terminal failure of the step fails the whole execution.
func (s WorkflowStep) IsCritical() bool {
	return s.Critical == nil || *s.Critical
}

// WorkflowDefinition is an immutable, validated graph of steps.
type WorkflowDefinition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name" validate:"required,max=200"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []WorkflowStep         `json:"steps" yaml:"steps" validate:"dive"`
	Variables   map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	Timeout     Duration               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CreatedAt   time.Time              `json:"created_at" yaml:"created_at,omitempty"`
}

// Dependencies flattens the step graph into dependency edges.
func (w WorkflowDefinition) Dependencies() []Dependency {
	var deps []Dependency
	for _, step := range w.Steps {
		for _, dep := range step.DependsOn {
			deps = append(deps, Dependency{StepID: step.ID, DependsOn: dep, WorkflowID: w.ID})
		}
	}
	return deps
}

// StepResult records the outcome of one step within an execution.
type StepResult struct {
	StepID     string      `json:"step_id"`
	Status     StepStatus  `json:"status"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// WorkflowExecution is one run of a workflow definition.
type WorkflowExecution struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id"`
	Status       ExecutionStatus        `json:"status"`
	Context      map[string]interface{} `json:"context"`
	StepResults  map[string]*StepResult `json:"step_results"`
	CurrentSteps []string               `json:"current_steps,omitempty"`
	Logs         []ExecutionLog         `json:"logs,omitempty"`
	StartTime    *time.Time             `json:"start_time,omitempty"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Snapshot returns a copy that is safe to hand to callers while the
// execution keeps running.
func (e *WorkflowExecution) Snapshot() WorkflowExecution {
	cp := *e
	cp.Context = copyMap(e.Context)
	if steps, ok := cp.Context["steps"].(map[string]interface{}); ok {
		cp.Context["steps"] = copyMap(steps)
	}
	cp.StepResults = make(map[string]*StepResult, len(e.StepResults))
	for id, res := range e.StepResults {
		r := *res
		cp.StepResults[id] = &r
	}
	cp.CurrentSteps = append([]string(nil), e.CurrentSteps...)
	cp.Logs = append([]ExecutionLog(nil), e.Logs...)
	return cp
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
