package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/nodegraph-go/graph/registry"
)

var errDeadline = context.DeadlineExceeded

// getNodeTimeout determines the attempt timeout for a node based on precedence:
// 1. NodeSpec.TimeoutMs (per-node override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout, unlimited execution)
func getNodeTimeout(spec NodeSpec, defaultTimeout time.Duration) time.Duration {
	if spec.TimeoutMs > 0 {
		return time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs one attempt of node under the node's timeout.
//
// A panic inside the implementation is converted to an error so that one
// misbehaving plugin cannot take down the process. A failed attempt whose
// context hit its deadline reports a NodeTimeoutError instead; a successful
// one keeps its output.
func executeNodeWithTimeout(
	ctx context.Context,
	node registry.Node,
	spec NodeSpec,
	inputs any,
	params map[string]any,
	exec registry.Execution,
	defaultTimeout time.Duration,
) (out any, err error) {
	timeout := getNodeTimeout(spec, defaultTimeout)

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("node %s panicked: %v", spec.ID, r)
		}
	}()

	out, err = node.Execute(attemptCtx, inputs, params, exec)

	if err != nil && timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &NodeTimeoutError{NodeID: spec.ID, Timeout: timeout}
	}
	return out, err
}
