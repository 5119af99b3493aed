package loader

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/dshills/nodegraph-go/graph"
)

type hclRoot struct {
	ID          string     `hcl:"id,optional"`
	Name        string     `hcl:"name"`
	Config      *hclConfig `hcl:"config,block"`
	Nodes       []hclNode  `hcl:"node,block"`
	Connections []hclEdge  `hcl:"connection,block"`
}

type hclRetry struct {
	MaxRetries        *int     `hcl:"max_retries,optional"`
	RetryDelayMs      *int     `hcl:"retry_delay_ms,optional"`
	BackoffMultiplier *float64 `hcl:"backoff_multiplier,optional"`
}

type hclConfig struct {
	MaxRetries        *int     `hcl:"max_retries,optional"`
	RetryDelayMs      *int     `hcl:"retry_delay_ms,optional"`
	BackoffMultiplier *float64 `hcl:"backoff_multiplier,optional"`
	ContinueOnError   bool     `hcl:"continue_on_error,optional"`
	TimeoutMs         int      `hcl:"timeout_ms,optional"`
}

type hclNode struct {
	ID              string    `hcl:"id,label"`
	Type            string    `hcl:"type"`
	Name            string    `hcl:"name,optional"`
	DependsOn       []string  `hcl:"depends_on,optional"`
	Parameters      cty.Value `hcl:"parameters,optional"`
	ContinueOnError *bool     `hcl:"continue_on_error,optional"`
	TimeoutMs       int       `hcl:"timeout_ms,optional"`
	Retry           *hclRetry `hcl:"retry,block"`
}

type hclEdge struct {
	Source string `hcl:"source"`
	Target string `hcl:"target"`
}

func parseHCL(data []byte, filename string) (*graph.WorkflowDefinition, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse workflow: %w", diags)
	}

	var root hclRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode workflow: %w", diags)
	}

	def := &graph.WorkflowDefinition{ID: root.ID, Name: root.Name}
	if c := root.Config; c != nil {
		def.Config = graph.WorkflowConfig{
			RetryOverride: graph.RetryOverride{
				MaxRetries:        c.MaxRetries,
				RetryDelayMs:      c.RetryDelayMs,
				BackoffMultiplier: c.BackoffMultiplier,
			},
			ContinueOnError: c.ContinueOnError,
			TimeoutMs:       c.TimeoutMs,
		}
	}

	for _, n := range root.Nodes {
		params, err := ctyToParams(n.Parameters)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		spec := graph.NodeSpec{
			ID:              n.ID,
			Type:            n.Type,
			Name:            n.Name,
			Parameters:      params,
			ContinueOnError: n.ContinueOnError,
			TimeoutMs:       n.TimeoutMs,
		}
		if r := n.Retry; r != nil {
			spec.RetryConfig = &graph.RetryOverride{
				MaxRetries:        r.MaxRetries,
				RetryDelayMs:      r.RetryDelayMs,
				BackoffMultiplier: r.BackoffMultiplier,
			}
		}
		def.Nodes = append(def.Nodes, spec)
		for _, dep := range n.DependsOn {
			def.Connections = append(def.Connections, graph.Edge{Source: dep, Target: n.ID})
		}
	}
	for _, e := range root.Connections {
		def.Connections = append(def.Connections, graph.Edge{Source: e.Source, Target: e.Target})
	}
	return def, nil
}

// ctyToParams converts an HCL object value to plain JSON-shaped Go values.
func ctyToParams(v cty.Value) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("parameters must be known values")
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("parameters must be an object, got %s", v.Type().FriendlyName())
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to convert parameters: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to convert parameters: %w", err)
	}
	return params, nil
}
