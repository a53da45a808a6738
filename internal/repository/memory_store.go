package repository

import (
	"context"
	"sort"
	"sync"

	"velocitymesh/backend/pkg/models"
)

// MemoryStore is an in-memory implementation of the PersistenceStore
// interface, used in tests and single-process development runs. It applies
// the same first-terminal-write-wins rule as the postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]models.WorkflowDefinition
	executions map[string]models.WorkflowExecution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]models.WorkflowDefinition),
		executions: make(map[string]models.WorkflowExecution),
	}
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.ID] = *def
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := def
	return &out, nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[def.ID]; !ok {
		return ErrNotFound
	}
	s.workflows[def.ID] = *def
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []*models.WorkflowDefinition
	for _, def := range s.workflows {
		if def.Status == models.WorkflowStatusArchived {
			continue
		}
		out := def
		defs = append(defs, &out)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].UpdatedAt.After(defs[j].UpdatedAt) })
	return defs, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = *exec
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := exec
	return &out, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, exec *models.WorkflowExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[exec.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status.Terminal() {
		return false, nil
	}
	s.executions[exec.ID] = *exec
	return true, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []*models.WorkflowExecution
	for _, exec := range s.executions {
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out := exec
		execs = append(execs, &out)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt.After(execs[j].StartedAt) })
	return execs, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
