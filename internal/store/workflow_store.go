// Package store implements cached CRUD for workflow definitions and the
// structural validation every write goes through.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"velocitymesh/backend/internal/repository"
	"velocitymesh/backend/pkg/models"
)

// Cache is the definition cache the store reads through.
type Cache interface {
	Get(ctx context.Context, id string) (*models.WorkflowDefinition, bool, error)
	Set(ctx context.Context, def *models.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

// DanglingEdge is an edge whose source or target does not resolve to a node.
type DanglingEdge struct {
	EdgeID  string   `json:"edgeId"`
	Missing []string `json:"missing"`
}

// ValidationError reports every structural problem found in a workflow
// graph, naming each offending edge and node id.
type ValidationError struct {
	DanglingEdges  []DanglingEdge `json:"danglingEdges,omitempty"`
	DuplicateNodes []string       `json:"duplicateNodes,omitempty"`
	Cyclic         bool           `json:"cyclic,omitempty"`
}

func (e *ValidationError) Error() string {
	var parts []string
	for _, d := range e.DanglingEdges {
		parts = append(parts, fmt.Sprintf("edge %q references unknown node(s): %s", d.EdgeID, strings.Join(d.Missing, ", ")))
	}
	if len(e.DuplicateNodes) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate node ids: %s", strings.Join(e.DuplicateNodes, ", ")))
	}
	if e.Cyclic {
		parts = append(parts, "graph contains a cycle")
	}
	return "invalid workflow graph: " + strings.Join(parts, "; ")
}

// WorkflowPatch is a partial update to a workflow definition. Nil fields are
// left unchanged.
type WorkflowPatch struct {
	Name        *string                   `json:"name,omitempty"`
	Description *string                   `json:"description,omitempty"`
	Nodes       *[]models.WorkflowNode    `json:"nodes,omitempty"`
	Edges       *[]models.WorkflowEdge    `json:"edges,omitempty"`
	Triggers    *[]models.WorkflowTrigger `json:"triggers,omitempty"`
	Status      *models.WorkflowStatus    `json:"status,omitempty"`
}

// WorkflowStore is cached CRUD for workflow definitions. Reads go cache
// first; every successful write synchronously refreshes the cache entry so a
// stale entry never outlives a local write.
type WorkflowStore struct {
	store  repository.PersistenceStore
	cache  Cache
	logger Logger
}

// NewWorkflowStore creates a new WorkflowStore.
func NewWorkflowStore(store repository.PersistenceStore, cache Cache, logger Logger) *WorkflowStore {
	return &WorkflowStore{store: store, cache: cache, logger: logger}
}

// Create validates and persists a new definition, assigning an id when the
// caller did not supply one.
func (s *WorkflowStore) Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Status == "" {
		def.Status = models.WorkflowStatusDraft
	}
	def.UpdatedAt = time.Now().UTC()

	if err := Validate(def); err != nil {
		return nil, err
	}

	if err := s.store.CreateWorkflow(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.refreshCache(ctx, def)
	return def, nil
}

// Get reads cache-first, falling through to the backing store on miss or
// expiry and repopulating the entry.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	if def, ok, err := s.cache.Get(ctx, id); err != nil {
		s.logger.Warn("definition cache read failed", "workflow_id", id, "error", err)
	} else if ok {
		return def, nil
	}

	def, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	s.refreshCache(ctx, def)
	return def, nil
}

// Update merges the patch into the stored definition, re-validates the
// result, persists it and synchronously refreshes the cache entry.
func (s *WorkflowStore) Update(ctx context.Context, id string, patch *WorkflowPatch) (*models.WorkflowDefinition, error) {
	def, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Nodes != nil {
		def.Nodes = *patch.Nodes
	}
	if patch.Edges != nil {
		def.Edges = *patch.Edges
	}
	if patch.Triggers != nil {
		def.Triggers = *patch.Triggers
	}
	if patch.Status != nil {
		def.Status = *patch.Status
	}
	def.UpdatedAt = time.Now().UTC()

	if err := Validate(def); err != nil {
		return nil, err
	}

	if err := s.store.UpdateWorkflow(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to persist workflow update: %w", err)
	}

	s.refreshCache(ctx, def)
	return def, nil
}

// List returns all non-archived definitions, bypassing the cache.
func (s *WorkflowStore) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx)
}

// Archive flips the definition to archived. Workflows are archived rather
// than hard-deleted.
func (s *WorkflowStore) Archive(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	status := models.WorkflowStatusArchived
	return s.Update(ctx, id, &WorkflowPatch{Status: &status})
}

// refreshCache replaces the cache entry after a successful write. If the
// refresh fails the entry is evicted so the next read falls through to the
// store instead of serving a stale graph for a full TTL.
func (s *WorkflowStore) refreshCache(ctx context.Context, def *models.WorkflowDefinition) {
	if err := s.cache.Set(ctx, def); err != nil {
		s.logger.Warn("definition cache refresh failed, evicting", "workflow_id", def.ID, "error", err)
		if err := s.cache.Delete(ctx, def.ID); err != nil {
			s.logger.Warn("definition cache eviction failed", "workflow_id", def.ID, "error", err)
		}
	}
}

// Validate checks the structural invariants of a workflow graph: node ids
// must be unique, every edge endpoint must resolve to an existing node, and
// the edge set must be acyclic (loop repetition is expressed through loop
// node config, not back-edges).
func Validate(def *models.WorkflowDefinition) error {
	verr := &ValidationError{}

	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if seen[n.ID] {
			verr.DuplicateNodes = append(verr.DuplicateNodes, n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range def.Edges {
		var missing []string
		if !seen[e.Source] {
			missing = append(missing, e.Source)
		}
		if !seen[e.Target] {
			missing = append(missing, e.Target)
		}
		if len(missing) > 0 {
			verr.DanglingEdges = append(verr.DanglingEdges, DanglingEdge{EdgeID: e.ID, Missing: missing})
		}
	}

	if len(verr.DanglingEdges) == 0 && len(verr.DuplicateNodes) == 0 {
		if _, acyclic := TopologicalOrder(def); !acyclic {
			verr.Cyclic = true
		}
	}

	if len(verr.DanglingEdges) > 0 || len(verr.DuplicateNodes) > 0 || verr.Cyclic {
		return verr
	}
	return nil
}
