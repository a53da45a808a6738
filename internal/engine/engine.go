// Package engine drives the workflow execution state machine. Runs are
// delegated to the durable executor when one is configured and interpreted
// locally otherwise; execution-level failures are state on the run record,
// never errors returned to the caller who holds the pending handle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"velocitymesh/backend/internal/durable"
	"velocitymesh/backend/internal/metrics"
	"velocitymesh/backend/internal/repository"
	"velocitymesh/backend/internal/store"
	"velocitymesh/backend/pkg/models"
)

// IntegrationExecutor dispatches a single node to an external integration.
type IntegrationExecutor interface {
	Execute(ctx context.Context, nodeType models.NodeType, config map[string]any, input map[string]any) (map[string]any, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NodeExecutionError records which node aborted a run.
type NodeExecutionError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// Engine creates, drives and cancels workflow executions.
type Engine struct {
	workflows *store.WorkflowStore
	repo      repository.PersistenceStore
	adapter   durable.Adapter
	executor  IntegrationExecutor
	sink      metrics.Sink
	logger    Logger

	maxLoopIterations int

	mu     sync.Mutex
	cancel map[string]chan struct{} // local runs only, closed on cancel
}

// New creates an Engine.
func New(workflows *store.WorkflowStore, repo repository.PersistenceStore, adapter durable.Adapter,
	executor IntegrationExecutor, sink metrics.Sink, logger Logger, maxLoopIterations int) *Engine {
	if maxLoopIterations <= 0 {
		maxLoopIterations = 25
	}
	return &Engine{
		workflows:         workflows,
		repo:              repo,
		adapter:           adapter,
		executor:          executor,
		sink:              sink,
		logger:            logger,
		maxLoopIterations: maxLoopIterations,
		cancel:            make(map[string]chan struct{}),
	}
}

// Execute creates a pending run for the workflow and returns it immediately.
// The caller observes progress by polling. Delegation to the durable
// executor is attempted first; any adapter failure degrades to the local
// interpreter instead of failing the run.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any) (*models.WorkflowExecution, error) {
	def, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	exec := &models.WorkflowExecution{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Status:        models.ExecutionStatusPending,
		StartedAt:     time.Now().UTC(),
		Input:         input,
		ExecutionPath: []string{},
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	if err := e.adapter.Start(ctx, exec, def); err == nil {
		e.sink.ExecutionStarted(true)
		return exec, nil
	} else if !errors.Is(err, durable.ErrUnavailable) {
		e.logger.Warn("durable executor error, falling back to local interpreter",
			"execution_id", exec.ID, "error", err)
	}
	e.sink.DurableFallback()

	exec.Status = models.ExecutionStatusRunning
	if _, err := e.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}

	cancelCh := make(chan struct{})
	e.mu.Lock()
	e.cancel[exec.ID] = cancelCh
	e.mu.Unlock()

	e.sink.ExecutionStarted(false)

	// the run outlives the request; detach from the caller's context
	go e.runLocal(context.Background(), def, exec, cancelCh)

	// the interpreter goroutine keeps mutating exec; the caller gets a
	// detached copy
	return exec.Snapshot(), nil
}

// Cancel requests cancellation of an execution. Cancelling an already
// terminal execution is a no-op. The run is marked cancelled locally
// regardless of remote acknowledgment; a cancel racing a near-simultaneous
// completion loses to the first terminal write.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	cancelCh, local := e.cancel[executionID]
	e.mu.Unlock()

	if local {
		select {
		case <-cancelCh:
		default:
			close(cancelCh)
		}
	} else if e.adapter.Available() {
		if err := e.adapter.Cancel(ctx, executionID); err != nil {
			e.logger.Warn("remote cancellation not acknowledged", "execution_id", executionID, "error", err)
		}
	}

	now := time.Now().UTC()
	exec.Status = models.ExecutionStatusCancelled
	exec.EndedAt = &now
	applied, err := e.repo.UpdateExecution(ctx, exec)
	if err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}
	if applied {
		e.sink.ExecutionFinished(models.ExecutionStatusCancelled, now.Sub(exec.StartedAt))
	}
	return nil
}

// Get returns an execution record.
func (e *Engine) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return e.repo.GetExecution(ctx, executionID)
}

// List returns executions, optionally filtered by workflow id.
func (e *Engine) List(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return e.repo.ListExecutions(ctx, workflowID)
}

func (e *Engine) release(executionID string) {
	e.mu.Lock()
	delete(e.cancel, executionID)
	e.mu.Unlock()
}
