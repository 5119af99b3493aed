// Package registry maps node type names to the implementations that execute them.
package registry

import "context"

// Node is the contract every node type implements, whether built in or
// supplied by a plugin.
//
// Execute receives the merged output of the node's dependencies, the node's
// parameters (defaults applied) and a view of the running execution. The
// returned value becomes the node's output and is fed to its dependents.
type Node interface {
	// Descriptor returns static metadata for the node type.
	Descriptor() Descriptor

	// Execute runs one attempt of the node. Implementations must honour ctx
	// cancellation for anything that blocks.
	Execute(ctx context.Context, inputs any, params map[string]any, exec Execution) (any, error)
}

// Execution is the read/write view of a running workflow execution that is
// handed to node implementations.
type Execution interface {
	ExecutionID() string
	WorkflowID() string

	// Variable returns a run-scoped variable seeded from the execution input.
	Variable(name string) (any, bool)

	// SetVariable stores a run-scoped variable visible to later nodes.
	SetVariable(name string, value any)

	// NodeResult returns the recorded output of an already completed node.
	NodeResult(nodeID string) (any, bool)

	// Stopped reports whether cancellation was requested for the run.
	Stopped() bool
}

// Descriptor describes a node type for listing, searching and validation.
type Descriptor struct {
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category"`
	Version     string            `json:"version,omitempty"`
	Inputs      []PortSchema      `json:"inputs,omitempty"`
	Outputs     []PortSchema      `json:"outputs,omitempty"`
	Parameters  []ParameterSchema `json:"parameters,omitempty"`

	// Permissions lists the capabilities granted to the plugin that
	// supplied the type. Empty for built-in nodes.
	Permissions []string `json:"permissions,omitempty"`
}

// PortSchema names one logical input or output of a node.
type PortSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ParameterSchema declares one configurable parameter of a node type.
//
// Sensitive parameters are masked before parameters are logged or emitted.
type ParameterSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Sensitive   bool   `json:"sensitive,omitempty"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into a Node.
//
// Example:
//
//	reg.Register("upper", registry.Func{
//	    Desc: registry.Descriptor{Name: "Upper", Category: "text"},
//	    Fn: func(ctx context.Context, in any, p map[string]any, ex registry.Execution) (any, error) {
//	        return strings.ToUpper(fmt.Sprint(in)), nil
//	    },
//	})
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, inputs any, params map[string]any, exec Execution) (any, error)
}

// Descriptor implements Node.
func (f Func) Descriptor() Descriptor { return f.Desc }

// Execute implements Node.
func (f Func) Execute(ctx context.Context, inputs any, params map[string]any, exec Execution) (any, error) {
	return f.Fn(ctx, inputs, params, exec)
}
