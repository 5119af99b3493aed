package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dshills/nodegraph-go/graph/registry"
)

// Delay waits "ms" milliseconds and returns its input unchanged. The wait
// ends early with ctx's error when the attempt is cancelled.
type Delay struct{}

// Descriptor implements registry.Node.
func (Delay) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeDelay,
		Name:        "Delay",
		Description: "Wait for a fixed time, then pass the input through",
		Category:    "flow",
		Version:     "1.0.0",
		Parameters: []registry.ParameterSchema{
			{Name: "ms", Type: "number", Required: true},
		},
	}
}

// Execute implements registry.Node.
func (Delay) Execute(ctx context.Context, inputs any, params map[string]any, _ registry.Execution) (any, error) {
	ms, ok, err := floatParam(params, "ms")
	if err != nil {
		return nil, err
	}
	if !ok || ms < 0 {
		return nil, fmt.Errorf("parameter %q must be a non-negative number", "ms")
	}

	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return inputs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Log writes its input to the logger and passes it through.
type Log struct {
	Logger *slog.Logger
}

// Descriptor implements registry.Node.
func (l *Log) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeLog,
		Name:        "Log",
		Description: "Log the input and pass it through",
		Category:    "utility",
		Version:     "1.0.0",
		Parameters: []registry.ParameterSchema{
			{Name: "message", Type: "string", Default: "workflow log"},
			{Name: "level", Type: "string", Default: "info", Description: "debug, info, warn or error"},
		},
	}
}

// Execute implements registry.Node.
func (l *Log) Execute(ctx context.Context, inputs any, params map[string]any, exec registry.Execution) (any, error) {
	msg, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	levelName, err := stringParam(params, "level")
	if err != nil {
		return nil, err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(levelName))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", levelName)
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"input", inputs}
	if exec != nil {
		attrs = append(attrs, "execution_id", exec.ExecutionID(), "workflow_id", exec.WorkflowID())
	}
	logger.Log(ctx, level, msg, attrs...)
	return inputs, nil
}

// Set writes the "values" object into execution variables and returns it.
// Later nodes read them through Execution.Variable.
type Set struct{}

// Descriptor implements registry.Node.
func (Set) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeSet,
		Name:        "Set Variables",
		Description: "Store values as execution variables",
		Category:    "data",
		Version:     "1.0.0",
		Parameters: []registry.ParameterSchema{
			{Name: "values", Type: "object", Required: true},
			{Name: "fromInput", Type: "string", Description: "Also store the whole input under this name"},
		},
	}
}

// Execute implements registry.Node.
func (Set) Execute(_ context.Context, inputs any, params map[string]any, exec registry.Execution) (any, error) {
	values, err := mapParam(params, "values")
	if err != nil {
		return nil, err
	}
	fromInput, err := stringParam(params, "fromInput")
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("set requires an execution")
	}

	out := make(map[string]any, len(values)+1)
	for k, v := range values {
		exec.SetVariable(k, v)
		out[k] = v
	}
	if fromInput != "" {
		exec.SetVariable(fromInput, inputs)
		out[fromInput] = inputs
	}
	return out, nil
}
