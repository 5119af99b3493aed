package graph

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// WorkflowDefinition is a directed acyclic graph of typed nodes connected by
// data-dependency edges.
//
// A definition is treated as immutable once an execution starts; the engine
// works on its own deep copy so callers may reuse or mutate theirs.
//
// JSON form:
//
//	{
//	  "id": "fetch-and-shape",
//	  "name": "Fetch and shape",
//	  "nodes": [
//	    {"id": "fetch", "type": "http.request", "parameters": {"url": "https://example.com"}},
//	    {"id": "shape", "type": "transform", "parameters": {"expression": "input.body"}}
//	  ],
//	  "connections": [{"source": "fetch", "target": "shape"}],
//	  "config": {"maxRetries": 2, "continueOnError": false}
//	}
type WorkflowDefinition struct {
	ID          string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string         `json:"name" yaml:"name"`
	Nodes       []NodeSpec     `json:"nodes" yaml:"nodes"`
	Connections []Edge         `json:"connections" yaml:"connections"`
	Config      WorkflowConfig `json:"config" yaml:"config"`
}

// NodeSpec is one node of a workflow definition.
type NodeSpec struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// RetryConfig overrides the workflow retry settings field by field.
	RetryConfig *RetryOverride `json:"retryConfig,omitempty" yaml:"retryConfig,omitempty"`

	// ContinueOnError overrides WorkflowConfig.ContinueOnError when set.
	ContinueOnError *bool `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`

	// TimeoutMs bounds each attempt of this node. Zero uses the engine default.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// WorkflowConfig holds workflow-wide execution settings.
type WorkflowConfig struct {
	RetryOverride `yaml:",inline"`

	// ContinueOnError makes failed nodes produce {"error": msg} instead of
	// aborting the run, unless the node overrides it.
	ContinueOnError bool `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`

	// TimeoutMs is the wall-clock budget of a whole run. Zero uses the
	// engine's run budget.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// ParseWorkflow decodes a JSON workflow definition. It does not validate the
// graph; see Validate.
func ParseWorkflow(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	return &def, nil
}

// clone returns a deep copy so a running execution never observes caller
// mutations.
func (d *WorkflowDefinition) clone() *WorkflowDefinition {
	if cp, err := deepCopy(d); err == nil {
		return cp
	}

	// Parameters holding values JSON cannot represent fall back to a
	// structural copy that still isolates slices and maps one level deep.
	cp := *d
	cp.Nodes = make([]NodeSpec, len(d.Nodes))
	for i, n := range d.Nodes {
		params := make(map[string]any, len(n.Parameters))
		for k, v := range n.Parameters {
			params[k] = v
		}
		n.Parameters = params
		cp.Nodes[i] = n
	}
	cp.Connections = append([]Edge(nil), d.Connections...)
	return &cp
}

// Node returns the spec of the node with the given id.
func (d *WorkflowDefinition) Node(id string) (NodeSpec, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

func (n NodeSpec) continueOnError(cfg WorkflowConfig) bool {
	if n.ContinueOnError != nil {
		return *n.ContinueOnError
	}
	return cfg.ContinueOnError
}
