package repository

import (
	"context"
	"errors"

	"velocitymesh/backend/pkg/models"
)

// ErrNotFound is returned when a workflow or execution id is unknown.
var ErrNotFound = errors.New("not found")

// PersistenceStore is the backing store for workflow definitions and
// execution records.
type PersistenceStore interface {
	// CreateWorkflow persists a new workflow definition.
	CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error
	// GetWorkflow retrieves a workflow definition by its id.
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// UpdateWorkflow replaces an existing workflow definition.
	UpdateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error
	// ListWorkflows returns all non-archived workflow definitions.
	ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	// GetExecution retrieves an execution record by its id.
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// UpdateExecution replaces a non-terminal execution record. It reports
	// whether the write was applied: once a record holds a terminal status
	// the update is skipped, so the first terminal write wins.
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) (bool, error)
	// ListExecutions returns executions, optionally filtered by workflow id.
	ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
}
