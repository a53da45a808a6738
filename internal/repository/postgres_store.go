package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"velocitymesh/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the PersistenceStore
// interface. Graph and execution payloads are stored as JSONB columns.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the workflow and execution tables if they do not
// already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			graph JSONB NOT NULL,
			status TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			payload JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS executions_workflow_id_idx ON executions (workflow_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateWorkflow persists a new workflow definition.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	graph, err := marshalGraph(def)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, name, description, graph, status, created_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID, def.Name, def.Description, graph, def.Status, def.CreatedBy, def.UpdatedAt)
	return err
}

// GetWorkflow retrieves a workflow definition by its id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var graph []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, name, description, graph, status, created_by, updated_at FROM workflows WHERE id = $1`,
		id).Scan(&def.ID, &def.Name, &def.Description, &graph, &def.Status, &def.CreatedBy, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalGraph(graph, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// UpdateWorkflow replaces an existing workflow definition.
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	graph, err := marshalGraph(def)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflows SET name = $1, description = $2, graph = $3, status = $4, updated_at = $5 WHERE id = $6`,
		def.Name, def.Description, graph, def.Status, def.UpdatedAt, def.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflows returns all non-archived workflow definitions.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, description, graph, status, created_by, updated_at FROM workflows
		 WHERE status != $1 ORDER BY updated_at DESC`, models.WorkflowStatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		var def models.WorkflowDefinition
		var graph []byte
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &graph, &def.Status, &def.CreatedBy, &def.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalGraph(graph, &def); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// CreateExecution persists a new execution record.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	payload, err := marshalRun(exec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO executions (id, workflow_id, status, started_at, ended_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.WorkflowID, exec.Status, exec.StartedAt, exec.EndedAt, payload)
	return err
}

// GetExecution retrieves an execution record by its id.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var exec models.WorkflowExecution
	var payload []byte
	var endedAt *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, status, started_at, ended_at, payload FROM executions WHERE id = $1`,
		id).Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.StartedAt, &endedAt, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	exec.EndedAt = endedAt
	if err := unmarshalRun(payload, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// UpdateExecution replaces a non-terminal execution record. The status guard
// in the WHERE clause makes the first terminal write win even when two
// writers race across instances.
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) (bool, error) {
	payload, err := marshalRun(exec)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $1, ended_at = $2, payload = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		exec.Status, exec.EndedAt, payload, exec.ID,
		models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListExecutions returns executions, optionally filtered by workflow id.
func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	query := `SELECT id, workflow_id, status, started_at, ended_at, payload FROM executions ORDER BY started_at DESC`
	args := []any{}
	if workflowID != "" {
		query = `SELECT id, workflow_id, status, started_at, ended_at, payload FROM executions
		 WHERE workflow_id = $1 ORDER BY started_at DESC`
		args = append(args, workflowID)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.WorkflowExecution
	for rows.Next() {
		var exec models.WorkflowExecution
		var payload []byte
		var endedAt *time.Time
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.StartedAt, &endedAt, &payload); err != nil {
			return nil, err
		}
		exec.EndedAt = endedAt
		if err := unmarshalRun(payload, &exec); err != nil {
			return nil, err
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// Ping verifies store connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// workflowGraph is the JSONB shape of the graph column.
type workflowGraph struct {
	Nodes    []models.WorkflowNode    `json:"nodes"`
	Edges    []models.WorkflowEdge    `json:"edges"`
	Triggers []models.WorkflowTrigger `json:"triggers"`
}

func marshalGraph(def *models.WorkflowDefinition) ([]byte, error) {
	data, err := json.Marshal(workflowGraph{Nodes: def.Nodes, Edges: def.Edges, Triggers: def.Triggers})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow graph: %w", err)
	}
	return data, nil
}

func unmarshalGraph(data []byte, def *models.WorkflowDefinition) error {
	var graph workflowGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return fmt.Errorf("failed to unmarshal workflow graph: %w", err)
	}
	def.Nodes = graph.Nodes
	def.Edges = graph.Edges
	def.Triggers = graph.Triggers
	return nil
}

// executionPayload is the JSONB shape of the executions payload column.
type executionPayload struct {
	Input         map[string]any          `json:"input,omitempty"`
	Output        map[string]any          `json:"output,omitempty"`
	ExecutionPath []string                `json:"executionPath"`
	Metrics       models.ExecutionMetrics `json:"metrics"`
	Error         string                  `json:"error,omitempty"`
}

func marshalRun(exec *models.WorkflowExecution) ([]byte, error) {
	data, err := json.Marshal(executionPayload{
		Input:         exec.Input,
		Output:        exec.Output,
		ExecutionPath: exec.ExecutionPath,
		Metrics:       exec.Metrics,
		Error:         exec.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution payload: %w", err)
	}
	return data, nil
}

func unmarshalRun(data []byte, exec *models.WorkflowExecution) error {
	var payload executionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal execution payload: %w", err)
	}
	exec.Input = payload.Input
	exec.Output = payload.Output
	exec.ExecutionPath = payload.ExecutionPath
	exec.Metrics = payload.Metrics
	exec.Error = payload.Error
	return nil
}
