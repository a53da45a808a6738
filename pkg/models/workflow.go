// Package models defines the domain models for the workflow service
package models

import (
	"time"
)

// WorkflowStatus represents the lifecycle status of a workflow definition
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// NodeType represents the kind of a workflow node
type NodeType string

const (
	NodeTypeTrigger     NodeType = "trigger"
	NodeTypeAction      NodeType = "action"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeLoop        NodeType = "loop"
	NodeTypeAIAssistant NodeType = "aiAssistant"
)

// NodeStatus is the transient execution status of a node
type NodeStatus string

const (
	NodeStatusIdle      NodeStatus = "idle"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// WorkflowDefinition is the declarative node/edge graph describing one automation.
// Node ids must be unique and every edge endpoint must reference an existing node.
type WorkflowDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Nodes       []WorkflowNode    `json:"nodes"`
	Edges       []WorkflowEdge    `json:"edges"`
	Triggers    []WorkflowTrigger `json:"triggers"`
	Status      WorkflowStatus    `json:"status"`
	CreatedBy   string            `json:"createdBy"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// WorkflowNode is a single node in a workflow graph, owned by its definition.
type WorkflowNode struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData carries the editor label, the free-form node config and the
// transient execution status.
type NodeData struct {
	Label  string         `json:"label"`
	Config map[string]any `json:"config,omitempty"`
	Status NodeStatus     `json:"status,omitempty"`
}

// WorkflowEdge connects two nodes. Condition is only interpreted on edges
// leaving a condition node, where "true"/"false" gate traversal on the
// condition result.
type WorkflowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowTrigger describes an external event that starts a workflow.
type WorkflowTrigger struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Enabled bool           `json:"enabled"`
}

// NodeByID returns the node with the given id, or nil when absent.
func (d *WorkflowDefinition) NodeByID(id string) *WorkflowNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
