package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"velocitymesh/backend/internal/store"
	"velocitymesh/backend/pkg/models"
)

// runLocal walks the graph in topological order (declaration order breaking
// ties), executing each reachable node. Condition nodes gate their out-edges
// on the evaluated predicate; loop nodes repeat the subgraph named in their
// config up to a bounded iteration count. Cancellation is cooperative and
// checked at node boundaries: a dispatched node always runs to completion.
func (e *Engine) runLocal(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution, cancelCh chan struct{}) {
	defer e.release(exec.ID)

	run := &localRun{
		engine:   e,
		def:      def,
		exec:     exec,
		cancelCh: cancelCh,
		data:     mergeMaps(nil, exec.Input),
		executed: make(map[string]bool),
		condOut:  make(map[string]bool),
	}

	err := run.walk(ctx)

	now := time.Now().UTC()
	exec.EndedAt = &now
	exec.Metrics.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
	exec.Metrics.NodesExecuted = len(exec.ExecutionPath)
	exec.Metrics.ComputeTimeMs = run.computeTime.Milliseconds()

	switch {
	case err == nil:
		exec.Status = models.ExecutionStatusCompleted
		exec.Output = run.data
	case err == errCancelled:
		exec.Status = models.ExecutionStatusCancelled
	default:
		exec.Status = models.ExecutionStatusFailed
		exec.Error = err.Error()
	}

	applied, uerr := e.repo.UpdateExecution(ctx, exec)
	if uerr != nil {
		e.logger.Error("failed to record execution result", "execution_id", exec.ID, "error", uerr)
		return
	}
	if !applied {
		// a terminal status was recorded first, typically a racing cancel
		e.logger.Debug("execution already terminal, result discarded", "execution_id", exec.ID)
		return
	}
	e.sink.ExecutionFinished(exec.Status, now.Sub(exec.StartedAt))
	e.logger.Info("execution finished", "execution_id", exec.ID, "status", exec.Status,
		"nodes_executed", exec.Metrics.NodesExecuted)
}

var errCancelled = fmt.Errorf("execution cancelled")

type localRun struct {
	engine   *Engine
	def      *models.WorkflowDefinition
	exec     *models.WorkflowExecution
	cancelCh chan struct{}

	data        map[string]any
	executed    map[string]bool
	condOut     map[string]bool
	computeTime time.Duration
}

func (r *localRun) walk(ctx context.Context) error {
	order, acyclic := store.TopologicalOrder(r.def)
	if !acyclic {
		return fmt.Errorf("workflow graph contains a cycle")
	}

	loopBodies := make(map[string]bool)
	for _, n := range r.def.Nodes {
		if n.Type != models.NodeTypeLoop {
			continue
		}
		for _, id := range stringSlice(n.Data.Config["nodes"]) {
			loopBodies[id] = true
		}
	}

	for _, id := range order {
		if loopBodies[id] {
			// executed by the owning loop node
			continue
		}
		node := r.def.NodeByID(id)
		if !r.reachable(node) {
			continue
		}
		if err := r.checkCancelled(ctx); err != nil {
			return err
		}
		if err := r.executeNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// checkCancelled observes both the in-process cancel flag and a terminal
// status recorded by another instance.
func (r *localRun) checkCancelled(ctx context.Context) error {
	select {
	case <-r.cancelCh:
		return errCancelled
	default:
	}

	current, err := r.engine.repo.GetExecution(ctx, r.exec.ID)
	if err == nil && current.Status.Terminal() {
		return errCancelled
	}
	return nil
}

// reachable reports whether at least one incoming edge was taken by an
// executed node. Entry nodes with no incoming edges are always reachable.
func (r *localRun) reachable(node *models.WorkflowNode) bool {
	hasIncoming := false
	for _, e := range r.def.Edges {
		if e.Target != node.ID {
			continue
		}
		hasIncoming = true
		if r.executed[e.Source] && r.edgeTaken(&e) {
			return true
		}
	}
	return !hasIncoming
}

// edgeTaken evaluates the edge condition against its source node. Only
// "true"/"false" conditions on edges leaving a condition node gate
// traversal; everything else is always taken.
func (r *localRun) edgeTaken(edge *models.WorkflowEdge) bool {
	source := r.def.NodeByID(edge.Source)
	if source == nil || source.Type != models.NodeTypeCondition {
		return true
	}
	switch edge.Condition {
	case "true":
		return r.condOut[edge.Source]
	case "false":
		return !r.condOut[edge.Source]
	default:
		return true
	}
}

func (r *localRun) executeNode(ctx context.Context, node *models.WorkflowNode) error {
	started := time.Now()
	defer func() {
		r.computeTime += time.Since(started)
	}()

	switch node.Type {
	case models.NodeTypeTrigger:
		// pass-through; the trigger already fired upstream
		r.record(node.ID)
		return nil

	case models.NodeTypeAction, models.NodeTypeAIAssistant:
		out, err := r.engine.executor.Execute(ctx, node.Type, node.Data.Config, r.data)
		if err != nil {
			r.record(node.ID)
			return &NodeExecutionError{NodeID: node.ID, Err: err}
		}
		r.data = mergeMaps(r.data, out)
		r.record(node.ID)
		return nil

	case models.NodeTypeCondition:
		result := evalPredicate(stringValue(node.Data.Config["expression"]), r.data)
		r.condOut[node.ID] = result
		r.data = mergeMaps(r.data, map[string]any{"result": result})
		r.record(node.ID)
		return nil

	case models.NodeTypeLoop:
		return r.executeLoop(ctx, node)

	default:
		r.record(node.ID)
		return &NodeExecutionError{NodeID: node.ID, Err: fmt.Errorf("unknown node type %q", node.Type)}
	}
}

// executeLoop repeats the subgraph named in the loop node's config. The
// iteration count comes from config but is always capped.
func (r *localRun) executeLoop(ctx context.Context, node *models.WorkflowNode) error {
	r.record(node.ID)

	body := stringSlice(node.Data.Config["nodes"])
	if len(body) == 0 {
		return nil
	}

	iterations := intValue(node.Data.Config["iterations"], 1)
	if iterations > r.engine.maxLoopIterations {
		r.engine.logger.Warn("loop iterations capped", "node_id", node.ID,
			"requested", iterations, "cap", r.engine.maxLoopIterations)
		iterations = r.engine.maxLoopIterations
	}

	for i := 0; i < iterations; i++ {
		r.data = mergeMaps(r.data, map[string]any{"iteration": i})
		for _, id := range body {
			bodyNode := r.def.NodeByID(id)
			if bodyNode == nil {
				return &NodeExecutionError{NodeID: node.ID, Err: fmt.Errorf("loop body references unknown node %q", id)}
			}
			if err := r.checkCancelled(ctx); err != nil {
				return err
			}
			if err := r.executeNode(ctx, bodyNode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *localRun) record(nodeID string) {
	r.executed[nodeID] = true
	r.exec.ExecutionPath = append(r.exec.ExecutionPath, nodeID)
}

// evalPredicate evaluates a "field op value" expression against the run
// data. Supported operators: ==, !=, >=, <=, >, <. Values compare
// numerically when both sides parse as numbers, as strings otherwise. A
// missing field or malformed expression evaluates to false; an empty
// expression to true.
func evalPredicate(expression string, data map[string]any) bool {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(expression, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(expression[:idx])
		expected := strings.Trim(strings.TrimSpace(expression[idx+len(op):]), `"'`)

		actual, ok := data[field]
		if !ok {
			return false
		}
		return compare(fmt.Sprintf("%v", actual), expected, op)
	}

	// bare field name: truthiness of the value
	if v, ok := data[expression]; ok {
		return fmt.Sprintf("%v", v) != "" && fmt.Sprintf("%v", v) != "false" && fmt.Sprintf("%v", v) != "0"
	}
	return false
}

func compare(actual, expected, op string) bool {
	af, aerr := strconv.ParseFloat(actual, 64)
	ef, eerr := strconv.ParseFloat(expected, 64)
	numeric := aerr == nil && eerr == nil

	switch op {
	case "==":
		if numeric {
			return af == ef
		}
		return actual == expected
	case "!=":
		if numeric {
			return af != ef
		}
		return actual != expected
	case ">":
		return numeric && af > ef
	case "<":
		return numeric && af < ef
	case ">=":
		return numeric && af >= ef
	case "<=":
		return numeric && af <= ef
	}
	return false
}

func mergeMaps(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func intValue(v any, fallback int) int {
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	case string:
		if n, err := strconv.Atoi(vv); err == nil {
			return n
		}
	}
	return fallback
}
