package workflow

import (
	"fmt"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// ValidationResult carries hard errors and soft warnings from a
// definition check. Warnings (such as unreachable nodes) do not block
// a write.
type ValidationResult struct {
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks a definition's structural invariants: unique node
// ids, non-empty types, edge endpoints that exist, and acyclicity.
// Disconnected nodes produce a warning, not an error.
func Validate(def *Definition) (*ValidationResult, error) {
	if def == nil {
		return nil, apperr.Validation("definition is required")
	}
	if len(def.Nodes) == 0 {
		return nil, apperr.Validation("definition must contain at least one node")
	}

	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, apperr.Validation("every node must have an id")
		}
		if n.Type == "" {
			return nil, apperr.Validation("node %q has no type", n.ID)
		}
		if seen[n.ID] {
			return nil, apperr.Validation("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range def.Edges {
		if !seen[e.Source] {
			return nil, apperr.Validation("edge %q references unknown source node %q", e.ID, e.Source)
		}
		if !seen[e.Target] {
			return nil, apperr.Validation("edge %q references unknown target node %q", e.ID, e.Target)
		}
	}

	order, err := TopoSort(def)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{}
	reachable := reachableFromEntry(def)
	for _, id := range order {
		if !reachable[id] {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("node %q is not reachable from the entry node", id))
		}
	}
	return result, nil
}

// TopoSort returns a topological order of the node ids, preserving the
// definition's node order among ties (Kahn's algorithm with a stable
// ready list). A cycle yields a validation error naming a member node.
func TopoSort(def *Definition) ([]string, error) {
	indegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		indegree[e.Target]++
	}

	var ready []string
	for _, n := range def.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(def.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range def.Edges {
			if e.Source != id {
				continue
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				ready = append(ready, e.Target)
			}
		}
	}

	if len(order) != len(def.Nodes) {
		for id, deg := range indegree {
			if deg > 0 {
				return nil, apperr.Validation("definition contains a cycle through node %q", id)
			}
		}
		return nil, apperr.Validation("definition contains a cycle")
	}
	return order, nil
}

// The entry node is the first node in definition order with no inbound
// edges; every other node should be reachable from it.
func reachableFromEntry(def *Definition) map[string]bool {
	hasInbound := make(map[string]bool)
	for _, e := range def.Edges {
		hasInbound[e.Target] = true
	}

	reachable := make(map[string]bool, len(def.Nodes))
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, e := range def.Edges {
			if e.Source == id {
				visit(e.Target)
			}
		}
	}
	for _, n := range def.Nodes {
		if !hasInbound[n.ID] {
			visit(n.ID)
			break
		}
	}
	return reachable
}
