package store

import (
	"sort"

	"velocitymesh/backend/pkg/models"
)

// TopologicalOrder returns the workflow's node ids in dependency order.
// Declaration order breaks ties so graphs without edges keep the order the
// editor saved. The boolean result is false when the edge set contains a
// cycle.
func TopologicalOrder(def *models.WorkflowDefinition) ([]string, bool) {
	index := make(map[string]int, len(def.Nodes))
	indegree := make(map[string]int, len(def.Nodes))
	successors := make(map[string][]string, len(def.Nodes))
	for i, n := range def.Nodes {
		index[n.ID] = i
		indegree[n.ID] = 0
	}

	for _, e := range def.Edges {
		if _, ok := index[e.Source]; !ok {
			continue
		}
		if _, ok := index[e.Target]; !ok {
			continue
		}
		successors[e.Source] = append(successors[e.Source], e.Target)
		indegree[e.Target]++
	}

	ready := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(def.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	return order, len(order) == len(def.Nodes)
}
