package models

// Dependency is one edge of a workflow's step graph: StepID runs only after
// DependsOn has finished.
type Dependency struct {
	StepID     string `json:"step_id"`
	DependsOn  string `json:"depends_on"`
	WorkflowID string `json:"workflow_id"`
}
