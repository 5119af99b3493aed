package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/nodegraph-go/graph/registry"
)

// programCache compiles each expression once. Expressions are compiled
// without a typed environment because node inputs have no static shape.
type programCache struct {
	asBool bool
	mu     sync.RWMutex
	progs  map[string]*vm.Program
}

func newProgramCache(asBool bool) *programCache {
	return &programCache{asBool: asBool, progs: make(map[string]*vm.Program)}
}

func (c *programCache) get(code string) (*vm.Program, error) {
	c.mu.RLock()
	p, ok := c.progs[code]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	var opts []expr.Option
	if c.asBool {
		opts = append(opts, expr.AsBool())
	}
	p, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", code, err)
	}

	c.mu.Lock()
	c.progs[code] = p
	c.mu.Unlock()
	return p, nil
}

// exprEnv is the environment visible to expressions:
//
//	input              the node input
//	params             the node parameters
//	executionId        the running execution id
//	variable(name)     an execution variable, nil when unset
//	nodeResult(id)     the output of a completed node, nil otherwise
func exprEnv(inputs any, params map[string]any, exec registry.Execution) map[string]any {
	env := map[string]any{
		"input":  inputs,
		"params": params,
		"variable": func(name string) any {
			return nil
		},
		"nodeResult": func(id string) any {
			return nil
		},
		"executionId": "",
	}
	if exec != nil {
		env["executionId"] = exec.ExecutionID()
		env["variable"] = func(name string) any {
			v, _ := exec.Variable(name)
			return v
		}
		env["nodeResult"] = func(id string) any {
			v, _ := exec.NodeResult(id)
			return v
		}
	}
	return env
}

// Transform evaluates the "expression" parameter with expr and returns its
// value.
//
//	{"type": "transform", "parameters": {"expression": "input.body.items[0].name"}}
type Transform struct {
	cache *programCache
}

// NewTransform returns a transform node with an empty program cache.
func NewTransform() *Transform { return &Transform{cache: newProgramCache(false)} }

// Descriptor implements registry.Node.
func (t *Transform) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeTransform,
		Name:        "Transform",
		Description: "Evaluate an expression over the node input",
		Category:    "data",
		Version:     "1.0.0",
		Inputs:      []registry.PortSchema{{Name: "input", Type: "any"}},
		Outputs:     []registry.PortSchema{{Name: "output", Type: "any"}},
		Parameters: []registry.ParameterSchema{
			{Name: "expression", Type: "string", Required: true, Description: "expr-lang expression"},
		},
	}
}

// Execute implements registry.Node.
func (t *Transform) Execute(_ context.Context, inputs any, params map[string]any, exec registry.Execution) (any, error) {
	code, err := requiredString(params, "expression")
	if err != nil {
		return nil, err
	}
	prog, err := t.cache.get(code)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(prog, exprEnv(inputs, params, exec))
	if err != nil {
		return nil, fmt.Errorf("expression failed: %w", err)
	}
	return out, nil
}

// Condition evaluates a boolean expression.
//
// Output is {"result": bool, "input": <input>} so dependents can branch on
// result and still see the data. With failIfFalse a false result fails
// the node instead.
type Condition struct {
	cache *programCache
}

// NewCondition returns a condition node with an empty program cache.
func NewCondition() *Condition { return &Condition{cache: newProgramCache(true)} }

// Descriptor implements registry.Node.
func (c *Condition) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeCondition,
		Name:        "Condition",
		Description: "Evaluate a boolean expression over the node input",
		Category:    "logic",
		Version:     "1.0.0",
		Inputs:      []registry.PortSchema{{Name: "input", Type: "any"}},
		Outputs: []registry.PortSchema{
			{Name: "result", Type: "boolean"},
			{Name: "input", Type: "any"},
		},
		Parameters: []registry.ParameterSchema{
			{Name: "expression", Type: "string", Required: true},
			{Name: "failIfFalse", Type: "boolean", Default: false},
		},
	}
}

// Execute implements registry.Node.
func (c *Condition) Execute(_ context.Context, inputs any, params map[string]any, exec registry.Execution) (any, error) {
	code, err := requiredString(params, "expression")
	if err != nil {
		return nil, err
	}
	failIfFalse, err := boolParam(params, "failIfFalse", false)
	if err != nil {
		return nil, err
	}
	prog, err := c.cache.get(code)
	if err != nil {
		return nil, err
	}
	v, err := expr.Run(prog, exprEnv(inputs, params, exec))
	if err != nil {
		return nil, fmt.Errorf("condition failed: %w", err)
	}
	result, _ := v.(bool)
	if !result && failIfFalse {
		return nil, fmt.Errorf("condition %q is false", code)
	}
	return map[string]any{"result": result, "input": inputs}, nil
}
