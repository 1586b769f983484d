package storage

import (
	"context"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a workflow, execution or entity does not exist.
var ErrNotFound = errors.New("not found")

// WorkflowStore reads and maintains workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w models.Workflow) (int64, error)
	GetWorkflow(ctx context.Context, id int64) (models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)
	SetWorkflowActive(ctx context.Context, id int64, active bool) error
}

// Journal is the durable record of executions and their action logs.
// Every method is a single independent write or read.
type Journal interface {
	// Execution operations
	CreateExecution(ctx context.Context, e models.WorkflowExecution) (string, error)
	CompleteExecution(ctx context.Context, id string, status models.ExecutionStatus, result []byte, errorMsg string) error
	GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID int64, limit int) ([]models.WorkflowExecution, error)

	// Action log operations
	CreateActionLog(ctx context.Context, l models.ActionLog) (string, error)
	CompleteActionLog(ctx context.Context, id string, status models.ActionLogStatus, result []byte, errorMsg string) error
	ListActionLogs(ctx context.Context, executionID string) ([]models.ActionLog, error)
}

// EntityStore writes to organization, subscription and lead records.
type EntityStore interface {
	UpdateField(ctx context.Context, kind models.EntityKind, id, field string, value any) error
	// AppendTag adds tag to the entity's tag set in one atomic step and
	// reports whether it was added (false when already present).
	AppendTag(ctx context.Context, kind models.EntityKind, id, tag string) (bool, error)
	GetTags(ctx context.Context, kind models.EntityKind, id string) ([]string, error)
}

// Store bundles every persistence concern of the engine.
type Store interface {
	WorkflowStore
	Journal
	EntityStore
	Close() error
}
