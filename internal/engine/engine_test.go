package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"velocitymesh/backend/internal/durable"
	"velocitymesh/backend/internal/metrics"
	"velocitymesh/backend/internal/repository"
	"velocitymesh/backend/internal/store"
	"velocitymesh/backend/pkg/models"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*models.WorkflowDefinition
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*models.WorkflowDefinition)}
}

func (c *memCache) Get(_ context.Context, id string) (*models.WorkflowDefinition, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.entries[id]
	return def, ok, nil
}

func (c *memCache) Set(_ context.Context, def *models.WorkflowDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[def.ID] = def
	return nil
}

func (c *memCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// fakeExecutor counts dispatches and delegates to fn.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(nodeType models.NodeType, config map[string]any, input map[string]any) (map[string]any, error)
}

func (f *fakeExecutor) Execute(_ context.Context, nodeType models.NodeType, config map[string]any, input map[string]any) (map[string]any, error) {
	f.mu.Lock()
	label, _ := config["label"].(string)
	f.calls = append(f.calls, label)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(nodeType, config, input)
	}
	return map[string]any{"dispatched": label}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeAdapter is a controllable durable adapter.
type fakeAdapter struct {
	startErr  error
	available bool
	cancelled []string
}

func (a *fakeAdapter) Start(context.Context, *models.WorkflowExecution, *models.WorkflowDefinition) error {
	return a.startErr
}

func (a *fakeAdapter) Cancel(_ context.Context, executionID string) error {
	a.cancelled = append(a.cancelled, executionID)
	return nil
}

func (a *fakeAdapter) Available() bool { return a.available }

type harness struct {
	engine   *Engine
	repo     *repository.MemoryStore
	store    *store.WorkflowStore
	executor *fakeExecutor
}

func newHarness(t *testing.T, adapter durable.Adapter, executor *fakeExecutor) *harness {
	t.Helper()
	repo := repository.NewMemoryStore()
	ws := store.NewWorkflowStore(repo, newMemCache(), nopLogger{})
	eng := New(ws, repo, adapter, executor, metrics.NopSink{}, nopLogger{}, 5)
	return &harness{engine: eng, repo: repo, store: ws, executor: executor}
}

func (h *harness) createWorkflow(t *testing.T, def *models.WorkflowDefinition) string {
	t.Helper()
	created, err := h.store.Create(context.Background(), def)
	require.NoError(t, err)
	return created.ID
}

func (h *harness) waitTerminal(t *testing.T, executionID string) *models.WorkflowExecution {
	t.Helper()
	var exec *models.WorkflowExecution
	require.Eventually(t, func() bool {
		var err error
		exec, err = h.repo.GetExecution(context.Background(), executionID)
		return err == nil && exec.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return exec
}

func triggerActionDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name: "notify",
		Nodes: []models.WorkflowNode{
			{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{Label: "on event"}},
			{ID: "a1", Type: models.NodeTypeAction, Data: models.NodeData{Label: "send", Config: map[string]any{"label": "a1"}}},
		},
		Edges:     []models.WorkflowEdge{{ID: "e1", Source: "t1", Target: "a1"}},
		CreatedBy: "user-1",
	}
}

func TestExecuteTriggerActionCompletes(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})
	id := h.createWorkflow(t, triggerActionDefinition())

	exec, err := h.engine.Execute(context.Background(), id, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"t1", "a1"}, final.ExecutionPath)
	assert.Equal(t, 2, final.Metrics.NodesExecuted)
	assert.NotNil(t, final.EndedAt)
	assert.Equal(t, "a1", final.Output["dispatched"])
}

func TestExecuteReturnsDetachedRecord(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})
	id := h.createWorkflow(t, triggerActionDefinition())

	exec, err := h.engine.Execute(context.Background(), id, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	require.Equal(t, models.ExecutionStatusCompleted, final.Status)
	require.Equal(t, []string{"t1", "a1"}, final.ExecutionPath)

	// the interpreter goroutine finished the run, but the record handed back
	// at execute time must not be shared with it
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)
	assert.Empty(t, exec.ExecutionPath)
	assert.Nil(t, exec.EndedAt)
	assert.Nil(t, exec.Output)
}

func TestNodeFailurePreservesPartialPath(t *testing.T) {
	executor := &fakeExecutor{fn: func(models.NodeType, map[string]any, map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("integration exploded")
	}}
	h := newHarness(t, durable.NopAdapter{}, executor)
	id := h.createWorkflow(t, triggerActionDefinition())

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Equal(t, []string{"t1", "a1"}, final.ExecutionPath)
	assert.Contains(t, final.Error, "a1")
	assert.Contains(t, final.Error, "integration exploded")
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})
	_, err := h.engine.Execute(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancelUnknownExecution(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})
	err := h.engine.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})
	id := h.createWorkflow(t, triggerActionDefinition())

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)
	final := h.waitTerminal(t, exec.ID)
	require.Equal(t, models.ExecutionStatusCompleted, final.Status)

	// cancelling twice after completion changes nothing
	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))
	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))

	got, err := h.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
}

func TestCancelStopsAtNodeBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	executor := &fakeExecutor{fn: func(_ models.NodeType, config map[string]any, _ map[string]any) (map[string]any, error) {
		if config["label"] == "a1" {
			close(started)
			<-release
		}
		return map[string]any{}, nil
	}}
	h := newHarness(t, durable.NopAdapter{}, executor)

	def := triggerActionDefinition()
	def.Nodes = append(def.Nodes, models.WorkflowNode{
		ID: "a2", Type: models.NodeTypeAction,
		Data: models.NodeData{Config: map[string]any{"label": "a2"}},
	})
	def.Edges = append(def.Edges, models.WorkflowEdge{ID: "e2", Source: "a1", Target: "a2"})
	id := h.createWorkflow(t, def)

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))
	close(release)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, final.Status)

	// a1 was already dispatched and ran to completion; a2 never started
	assert.Eventually(t, func() bool { return h.executor.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.executor.callCount())
}

func TestConditionRoutesMatchingEdge(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})

	def := &models.WorkflowDefinition{
		Name: "triage",
		Nodes: []models.WorkflowNode{
			{ID: "t1", Type: models.NodeTypeTrigger},
			{ID: "c1", Type: models.NodeTypeCondition, Data: models.NodeData{Config: map[string]any{"expression": "amount > 100"}}},
			{ID: "big", Type: models.NodeTypeAction, Data: models.NodeData{Config: map[string]any{"label": "big"}}},
			{ID: "small", Type: models.NodeTypeAction, Data: models.NodeData{Config: map[string]any{"label": "small"}}},
		},
		Edges: []models.WorkflowEdge{
			{ID: "e1", Source: "t1", Target: "c1"},
			{ID: "e2", Source: "c1", Target: "big", Condition: "true"},
			{ID: "e3", Source: "c1", Target: "small", Condition: "false"},
		},
	}
	id := h.createWorkflow(t, def)

	exec, err := h.engine.Execute(context.Background(), id, map[string]any{"amount": 150})
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"t1", "c1", "big"}, final.ExecutionPath)
}

func TestConditionFalseBranch(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})

	def := &models.WorkflowDefinition{
		Name: "triage",
		Nodes: []models.WorkflowNode{
			{ID: "t1", Type: models.NodeTypeTrigger},
			{ID: "c1", Type: models.NodeTypeCondition, Data: models.NodeData{Config: map[string]any{"expression": "amount > 100"}}},
			{ID: "big", Type: models.NodeTypeAction, Data: models.NodeData{Config: map[string]any{"label": "big"}}},
			{ID: "small", Type: models.NodeTypeAction, Data: models.NodeData{Config: map[string]any{"label": "small"}}},
		},
		Edges: []models.WorkflowEdge{
			{ID: "e1", Source: "t1", Target: "c1"},
			{ID: "e2", Source: "c1", Target: "big", Condition: "true"},
			{ID: "e3", Source: "c1", Target: "small", Condition: "false"},
		},
	}
	id := h.createWorkflow(t, def)

	exec, err := h.engine.Execute(context.Background(), id, map[string]any{"amount": 10})
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, []string{"t1", "c1", "small"}, final.ExecutionPath)
}

func TestLoopRepeatsBody(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})

	def := &models.WorkflowDefinition{
		Name: "retry",
		Nodes: []models.WorkflowNode{
			{ID: "t1", Type: models.NodeTypeTrigger},
			{ID: "l1", Type: models.NodeTypeLoop, Data: models.NodeData{Config: map[string]any{
				"nodes": []any{"a1"}, "iterations": 3,
			}}},
			{ID: "a1", Type: models.NodeTypeAction, Data: models.NodeData{Config: map[string]any{"label": "a1"}}},
		},
		Edges: []models.WorkflowEdge{
			{ID: "e1", Source: "t1", Target: "l1"},
			{ID: "e2", Source: "l1", Target: "a1"},
		},
	}
	id := h.createWorkflow(t, def)

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"t1", "l1", "a1", "a1", "a1"}, final.ExecutionPath)
	assert.Equal(t, 3, h.executor.callCount())
}

func TestLoopIterationsCapped(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})

	def := &models.WorkflowDefinition{
		Name: "runaway",
		Nodes: []models.WorkflowNode{
			{ID: "l1", Type: models.NodeTypeLoop, Data: models.NodeData{Config: map[string]any{
				"nodes": []any{"a1"}, "iterations": 1000,
			}}},
			{ID: "a1", Type: models.NodeTypeAction, Data: models.NodeData{Config: map[string]any{"label": "a1"}}},
		},
		Edges: []models.WorkflowEdge{{ID: "e1", Source: "l1", Target: "a1"}},
	}
	id := h.createWorkflow(t, def)

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	// harness cap is 5
	assert.Equal(t, 5, h.executor.callCount())
}

func TestDelegatesToDurableExecutor(t *testing.T) {
	adapter := &fakeAdapter{available: true}
	h := newHarness(t, adapter, &fakeExecutor{})
	id := h.createWorkflow(t, triggerActionDefinition())

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, exec.Status)

	// remote run: the local interpreter never dispatches anything
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.executor.callCount())

	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID))
	assert.Equal(t, []string{exec.ID}, adapter.cancelled)

	got, err := h.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, got.Status)
}

func TestAdapterErrorFallsBackLocally(t *testing.T) {
	adapter := &fakeAdapter{available: true, startErr: errors.New("dial tcp: connection refused")}
	h := newHarness(t, adapter, &fakeExecutor{})
	id := h.createWorkflow(t, triggerActionDefinition())

	exec, err := h.engine.Execute(context.Background(), id, nil)
	require.NoError(t, err)

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 1, h.executor.callCount())
}

func TestListExecutionsByWorkflow(t *testing.T) {
	h := newHarness(t, durable.NopAdapter{}, &fakeExecutor{})
	id := h.createWorkflow(t, triggerActionDefinition())
	other := h.createWorkflow(t, triggerActionDefinition())

	for _, wf := range []string{id, id, other} {
		exec, err := h.engine.Execute(context.Background(), wf, nil)
		require.NoError(t, err)
		h.waitTerminal(t, exec.ID)
	}

	execs, err := h.engine.List(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	all, err := h.engine.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEvalPredicate(t *testing.T) {
	data := map[string]any{"amount": 42.0, "tier": "premium", "approved": true}

	assert.True(t, evalPredicate("amount > 10", data))
	assert.False(t, evalPredicate("amount > 100", data))
	assert.True(t, evalPredicate("amount <= 42", data))
	assert.True(t, evalPredicate(`tier == "premium"`, data))
	assert.True(t, evalPredicate("tier != basic", data))
	assert.True(t, evalPredicate("approved", data))
	assert.False(t, evalPredicate("missing == 1", data))
	assert.True(t, evalPredicate("", data))
}
