package graph

// Edge is a data dependency: Target consumes the output of Source and may
// only run after Source has settled.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// topology is the adjacency view of a validated definition.
type topology struct {
	order      []string            // node ids in definition order
	specs      map[string]NodeSpec // id -> spec
	deps       map[string][]string // target -> sources, first-seen order, no duplicates
	dependents map[string][]string // source -> targets
}

func buildTopology(def *WorkflowDefinition) *topology {
	t := &topology{
		order:      make([]string, 0, len(def.Nodes)),
		specs:      make(map[string]NodeSpec, len(def.Nodes)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}
	for _, n := range def.Nodes {
		t.order = append(t.order, n.ID)
		t.specs[n.ID] = n
	}

	seen := make(map[Edge]bool, len(def.Connections))
	for _, e := range def.Connections {
		if seen[e] {
			continue
		}
		seen[e] = true
		t.deps[e.Target] = append(t.deps[e.Target], e.Source)
		t.dependents[e.Source] = append(t.dependents[e.Source], e.Target)
	}
	return t
}

// terminals returns nodes without outgoing edges, in definition order.
func (t *topology) terminals() []string {
	var out []string
	for _, id := range t.order {
		if len(t.dependents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}
