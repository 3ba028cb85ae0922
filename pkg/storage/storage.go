package storage

import (
	"context"

	"github.com/alexchuang650730/aicore0707-sub001/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when an entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations of the automation core.
// Saves are upserts keyed by the entity ID.
type Store interface {
	// Workflow definitions
	SaveWorkflow(ctx context.Context, w models.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (models.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]models.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Workflow executions
	SaveExecution(ctx context.Context, e models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]models.WorkflowExecution, error)

	// Task definitions
	SaveTask(ctx context.Context, t models.TaskDefinition) error
	GetTask(ctx context.Context, id string) (models.TaskDefinition, error)
	ListTasks(ctx context.Context) ([]models.TaskDefinition, error)
	DeleteTask(ctx context.Context, id string) error

	// Task executions
	SaveTaskExecution(ctx context.Context, e models.TaskExecution) error
	ListTaskExecutions(ctx context.Context, taskID string) ([]models.TaskExecution, error)

	// Resource allocations
	SaveAllocation(ctx context.Context, a models.ResourceAllocation) error
	ListAllocations(ctx context.Context) ([]models.ResourceAllocation, error)
	DeleteAllocation(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
