package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"velocitymesh/backend/pkg/models"
)

const handlePrefix = "durable:handle:"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...interface{})
}

// RemoteAdapter is the available variant. Start persists the executor's
// opaque handle keyed by execution id with a bounded TTL; once the TTL
// elapses cancellation lookups fail with ErrHandleNotFound.
type RemoteAdapter struct {
	client    Client
	handles   *redis.Client
	logger    Logger
	timeout   time.Duration
	handleTTL time.Duration
}

// NewRemoteAdapter creates a RemoteAdapter. timeout bounds every call to the
// external executor; handleTTL bounds how long a handle stays resolvable.
func NewRemoteAdapter(client Client, handles *redis.Client, logger Logger, timeout, handleTTL time.Duration) *RemoteAdapter {
	return &RemoteAdapter{client: client, handles: handles, logger: logger, timeout: timeout, handleTTL: handleTTL}
}

// Start delegates the execution to the external executor and records the
// returned handle. Any executor error is reported as ErrUnavailable so the
// engine degrades to local interpretation instead of failing the run.
func (a *RemoteAdapter) Start(ctx context.Context, exec *models.WorkflowExecution, def *models.WorkflowDefinition) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	handle, err := a.client.Start(ctx, exec.ID, def, exec.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// the run is already submitted; failing here would make the engine run
	// it a second time locally, so a lost handle only disables cancel
	if err := a.handles.Set(ctx, handlePrefix+exec.ID, handle, a.handleTTL).Err(); err != nil {
		a.logger.Warn("failed to persist execution handle, cancellation disabled",
			"execution_id", exec.ID, "error", err)
	}
	return nil
}

// Cancel resolves the stored handle and forwards the cancellation request.
func (a *RemoteAdapter) Cancel(ctx context.Context, executionID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	handle, err := a.handles.Get(ctx, handlePrefix+executionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrHandleNotFound
		}
		return fmt.Errorf("failed to resolve execution handle: %w", err)
	}

	return a.client.Cancel(ctx, handle)
}

// Available reports whether an external executor is configured.
func (a *RemoteAdapter) Available() bool { return true }
