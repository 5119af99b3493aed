package graph

import (
	"fmt"
	"strings"
)

// NodeLookup reports whether a node type can be executed. *registry.Registry
// satisfies it.
type NodeLookup interface {
	Has(nodeType string) bool
}

// Validate checks a workflow definition before anything runs. It returns a
// *ValidationError for:
//   - a nil or node-less definition
//   - a node without id or type, or a duplicated id
//   - a node type unknown to types (skipped when types is nil)
//   - an edge whose source or target is missing
//   - any cycle, self-loops included
//
// Checks run in definition order so the reported problem is deterministic.
// Validate has no side effects.
func Validate(def *WorkflowDefinition, types NodeLookup) error {
	if def == nil || len(def.Nodes) == 0 {
		return &ValidationError{Kind: KindEmpty, Msg: "workflow has no nodes"}
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			return &ValidationError{Kind: KindInvalidNode, Msg: fmt.Sprintf("node at index %d has no id", i)}
		}
		if n.Type == "" {
			return &ValidationError{Kind: KindInvalidNode, NodeID: n.ID, Msg: fmt.Sprintf("node %q has no type", n.ID)}
		}
		if ids[n.ID] {
			return &ValidationError{Kind: KindDuplicateID, NodeID: n.ID, Msg: fmt.Sprintf("duplicate node id: %q", n.ID)}
		}
		ids[n.ID] = true
		if types != nil && !types.Has(n.Type) {
			return &ValidationError{
				Kind:   KindUnknownType,
				NodeID: n.ID,
				Msg:    fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type),
			}
		}
	}

	adjacency := make(map[string][]string)
	for _, e := range def.Connections {
		if e.Source == "" || !ids[e.Source] {
			return &ValidationError{Kind: KindDanglingEdge, Msg: fmt.Sprintf("edge %q -> %q references unknown source", e.Source, e.Target)}
		}
		if e.Target == "" || !ids[e.Target] {
			return &ValidationError{Kind: KindDanglingEdge, Msg: fmt.Sprintf("edge %q -> %q references unknown target", e.Source, e.Target)}
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	return detectCycle(def.Nodes, adjacency)
}

// detectCycle runs a DFS from every unvisited node with a recursion stack.
// Colours: 0 = unvisited, 1 = on the current path, 2 = done.
func detectCycle(nodes []NodeSpec, adjacency map[string][]string) error {
	color := make(map[string]int, len(nodes))
	var path []string

	var dfs func(id string) error
	dfs = func(id string) error {
		color[id] = 1
		path = append(path, id)

		for _, next := range adjacency[id] {
			switch color[next] {
			case 1:
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), next)
				return &ValidationError{
					Kind:   KindCycle,
					NodeID: next,
					Msg:    "cycle detected: " + strings.Join(cycle, " -> "),
				}
			case 0:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = 2
		return nil
	}

	for _, n := range nodes {
		if color[n.ID] == 0 {
			if err := dfs(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
