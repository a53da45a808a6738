package models

import (
	"time"
)

// ExecutionStatus is the state machine for a workflow run. Transitions are
// one-way: pending -> running -> {completed | failed | cancelled}. Once a
// terminal status is recorded it never changes.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// ExecutionMetrics accumulates per-run counters.
type ExecutionMetrics struct {
	DurationMs    int64 `json:"durationMs"`
	NodesExecuted int   `json:"nodesExecuted"`
	ComputeTimeMs int64 `json:"computeTimeMs"`
}

// WorkflowExecution represents one timestamped run of a workflow definition.
// Created pending at execute time, mutated only by the execution engine and
// immutable once terminal.
type WorkflowExecution struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflowId"`
	Status        ExecutionStatus  `json:"status"`
	StartedAt     time.Time        `json:"startedAt"`
	EndedAt       *time.Time       `json:"endedAt,omitempty"`
	Input         map[string]any   `json:"input,omitempty"`
	Output        map[string]any   `json:"output,omitempty"`
	ExecutionPath []string         `json:"executionPath"`
	Metrics       ExecutionMetrics `json:"metrics"`
	Error         string           `json:"error,omitempty"`
}

// Snapshot returns a detached copy that stays stable while the engine keeps
// mutating the original on its own goroutine.
func (e *WorkflowExecution) Snapshot() *WorkflowExecution {
	out := *e
	out.ExecutionPath = append([]string(nil), e.ExecutionPath...)
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	if e.Input != nil {
		out.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			out.Input[k] = v
		}
	}
	if e.Output != nil {
		out.Output = make(map[string]any, len(e.Output))
		for k, v := range e.Output {
			out.Output[k] = v
		}
	}
	return &out
}
