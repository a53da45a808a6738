// Package durable adapts an optional external crash-resilient executor. When
// the executor is absent or unreachable the engine falls back to its local
// interpreter; adapter failures are degraded-mode signals, never execution
// failures.
package durable

import (
	"context"
	"errors"

	"velocitymesh/backend/pkg/models"
)

// ErrUnavailable signals that the durable executor cannot take the run and
// the engine should interpret the workflow locally.
var ErrUnavailable = errors.New("durable executor unavailable")

// ErrHandleNotFound is returned when no handle exists for an execution id,
// including handles expired past their TTL.
var ErrHandleNotFound = errors.New("durable execution handle not found")

// Client is the wire interface of the external durable executor.
type Client interface {
	// Start submits a run and returns an opaque handle.
	Start(ctx context.Context, executionID string, def *models.WorkflowDefinition, input map[string]any) (string, error)
	// Cancel requests cancellation of a previously started run.
	Cancel(ctx context.Context, handle string) error
}

// Adapter is the engine-facing surface over the durable executor.
type Adapter interface {
	// Start delegates the execution. Returns ErrUnavailable when the engine
	// must run the workflow locally instead.
	Start(ctx context.Context, exec *models.WorkflowExecution, def *models.WorkflowDefinition) error
	// Cancel requests remote cancellation by execution id.
	Cancel(ctx context.Context, executionID string) error
	// Available reports whether an external executor is configured.
	Available() bool
}

// NopAdapter is the unavailable variant: it always signals the engine to use
// the local interpreter.
type NopAdapter struct{}

func (NopAdapter) Start(context.Context, *models.WorkflowExecution, *models.WorkflowDefinition) error {
	return ErrUnavailable
}

func (NopAdapter) Cancel(context.Context, string) error { return ErrHandleNotFound }

func (NopAdapter) Available() bool { return false }
