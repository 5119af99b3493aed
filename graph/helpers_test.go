package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/nodegraph-go/graph/registry"
)

// testNodes is a registry preloaded with small node types used across the
// engine tests. Call counts are tracked per node id.
type testNodes struct {
	reg   *registry.Registry
	mu    sync.Mutex
	calls map[string]int
}

func newTestNodes(t *testing.T) *testNodes {
	t.Helper()
	tn := &testNodes{reg: registry.New(nil), calls: make(map[string]int)}

	// const returns params["value"].
	tn.must(t, "const", func(_ context.Context, _ any, p map[string]any, _ registry.Execution) (any, error) {
		return p["value"], nil
	})
	// echo returns its input unchanged.
	tn.must(t, "echo", func(_ context.Context, in any, _ map[string]any, _ registry.Execution) (any, error) {
		return in, nil
	})
	// fail always fails with params["message"].
	tn.must(t, "fail", func(_ context.Context, _ any, p map[string]any, _ registry.Execution) (any, error) {
		return nil, fmt.Errorf("%v", p["message"])
	})
	// sleep waits params["ms"] milliseconds, honouring ctx, then returns "slept".
	tn.must(t, "sleep", func(ctx context.Context, _ any, p map[string]any, _ registry.Execution) (any, error) {
		ms, _ := p["ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "slept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	// var returns the execution variable named params["name"].
	tn.must(t, "var", func(_ context.Context, _ any, p map[string]any, ex registry.Execution) (any, error) {
		v, _ := ex.Variable(fmt.Sprint(p["name"]))
		return v, nil
	})
	return tn
}

func (tn *testNodes) must(t *testing.T, nodeType string, fn func(context.Context, any, map[string]any, registry.Execution) (any, error)) {
	t.Helper()
	counted := func(ctx context.Context, in any, p map[string]any, ex registry.Execution) (any, error) {
		if id, ok := p["_id"].(string); ok {
			tn.mu.Lock()
			tn.calls[id]++
			tn.mu.Unlock()
		}
		return fn(ctx, in, p, ex)
	}
	if err := tn.reg.Register(nodeType, registry.Func{Desc: registry.Descriptor{Name: nodeType, Category: "test"}, Fn: counted}); err != nil {
		t.Fatalf("register %s: %v", nodeType, err)
	}
}

func (tn *testNodes) callCount(id string) int {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.calls[id]
}

// node builds a NodeSpec whose calls are counted under its id.
func node(id, nodeType string, params map[string]any) NodeSpec {
	p := map[string]any{"_id": id}
	for k, v := range params {
		p[k] = v
	}
	return NodeSpec{ID: id, Type: nodeType, Parameters: p}
}

func edges(pairs ...string) []Edge {
	out := make([]Edge, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Edge{Source: pairs[i], Target: pairs[i+1]})
	}
	return out
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

// noRetry disables retries at the workflow level.
func noRetry() WorkflowConfig {
	return WorkflowConfig{RetryOverride: RetryOverride{MaxRetries: intPtr(0)}}
}

func newTestEngine(t *testing.T, tn *testNodes, opts ...Option) *Engine {
	t.Helper()
	e, err := New(tn.reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func findRecord(t *testing.T, snap ExecutionSnapshot, nodeID string) NodeExecutionRecord {
	t.Helper()
	for _, r := range snap.NodeExecutions {
		if r.NodeID == nodeID {
			return r
		}
	}
	t.Fatalf("no record for node %s", nodeID)
	return NodeExecutionRecord{}
}

func hasRecord(snap ExecutionSnapshot, nodeID string) bool {
	for _, r := range snap.NodeExecutions {
		if r.NodeID == nodeID {
			return true
		}
	}
	return false
}

// gate is a node type that blocks until released, reporting when entered.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	hits    atomic.Int32
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) node(output any) registry.Node {
	return registry.Func{Fn: func(ctx context.Context, _ any, _ map[string]any, _ registry.Execution) (any, error) {
		g.hits.Add(1)
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
			return output, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gate node never started")
	}
}

var errTest = errors.New("test failure")
