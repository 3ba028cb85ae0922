package models

import "time"

// ExecutionLog tracks the history of step transitions inside a workflow execution.
type ExecutionLog struct {
	StepID   string     `json:"step_id"`           // Step being logged
	Status   StepStatus `json:"status"`            // Status at this point
	Message  string     `json:"message,omitempty"` // Details (e.g., error or retry note)
	LoggedAt time.Time  `json:"logged_at"`         // Timestamp of log entry
}
