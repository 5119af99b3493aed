package graph

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/registry"
)

// run resolves the nodes of one execution.
//
// Resolution is pull-based: the engine asks for every terminal node, and
// each node first resolves its dependencies concurrently. A future per node
// id, created under mu before any dependency is touched, guarantees that a
// node reachable along several paths executes at most once; later callers
// wait for the first computation and share its outcome.
type run struct {
	engine *Engine
	ec     *ExecutionContext
	def    *WorkflowDefinition
	topo   *topology
	logger *slog.Logger

	// ctx is the run context (caller context plus run budget). Node calls
	// and retry backoff use it, so a failure elsewhere in the graph never
	// preempts an in-flight call.
	ctx context.Context

	mu      sync.Mutex
	futures map[string]*future

	failed   atomic.Bool
	abortErr error // first fatal failure, guarded by failOnce
	failOnce sync.Once
}

type future struct {
	done   chan struct{}
	output any
	err    error
}

func newRun(ctx context.Context, e *Engine, ec *ExecutionContext, def *WorkflowDefinition) *run {
	return &run{
		engine:  e,
		ec:      ec,
		def:     def,
		topo:    buildTopology(def),
		logger:  e.logger.With("execution_id", ec.ExecutionID(), "workflow_id", ec.WorkflowID()),
		ctx:     ctx,
		futures: make(map[string]*future, len(def.Nodes)),
	}
}

// resolveTerminals resolves every terminal node concurrently and returns
// their outputs in definition order.
func (r *run) resolveTerminals() (map[string]any, []string, error) {
	terms := r.topo.terminals()
	outputs := make([]any, len(terms))

	var g errgroup.Group
	for i, id := range terms {
		g.Go(func() error {
			out, err := r.resolve(id)
			outputs[i] = out
			return err
		})
	}
	err := g.Wait()

	byID := make(map[string]any, len(terms))
	for i, id := range terms {
		byID[id] = outputs[i]
	}
	return byID, terms, err
}

// resolve returns the output of nodeID, computing it at most once.
func (r *run) resolve(nodeID string) (any, error) {
	r.mu.Lock()
	if f, ok := r.futures[nodeID]; ok {
		r.mu.Unlock()
		<-f.done
		return f.output, f.err
	}
	f := &future{done: make(chan struct{})}
	r.futures[nodeID] = f
	r.mu.Unlock()

	f.output, f.err = r.compute(nodeID)
	close(f.done)
	return f.output, f.err
}

func (r *run) compute(nodeID string) (any, error) {
	spec := r.topo.specs[nodeID]
	deps := r.topo.deps[nodeID]

	outputs := make([]any, len(deps))
	if len(deps) > 0 {
		var g errgroup.Group
		for i, dep := range deps {
			g.Go(func() error {
				out, err := r.resolve(dep)
				outputs[i] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, ErrExecutionStopped) && !r.failed.Load() {
				r.recordStopped(spec)
			}
			return nil, err
		}
	}

	// Cooperative checkpoint: nothing new starts once the run has failed,
	// been stopped or run out of time.
	if r.failed.Load() {
		return nil, ErrExecutionAborted
	}
	if r.ec.Stopped() {
		r.recordStopped(spec)
		return nil, ErrExecutionStopped
	}
	if err := r.ctx.Err(); err != nil {
		abort := &ExecutionAbortedError{ExecutionID: r.ec.ExecutionID(), NodeID: nodeID, Cause: err}
		r.ec.addError(nodeID, err.Error())
		r.fail(abort)
		return nil, abort
	}

	return r.execute(spec, mergeInputs(deps, outputs))
}

// mergeInputs builds a node's input: {} without dependencies, the raw
// output for exactly one, otherwise a map keyed by dependency id.
func mergeInputs(deps []string, outputs []any) any {
	switch len(deps) {
	case 0:
		return map[string]any{}
	case 1:
		return outputs[0]
	}
	merged := make(map[string]any, len(deps))
	for i, dep := range deps {
		merged[dep] = outputs[i]
	}
	return merged
}

// execute runs one node through the retry executor and records the outcome.
func (r *run) execute(spec NodeSpec, input any) (any, error) {
	e := r.engine
	startedAt := time.Now()

	// The implementation is captured here and used for every attempt, so a
	// concurrent plugin reload affects only nodes scheduled later.
	entry, ok := e.registry.Lookup(spec.Type)
	if !ok {
		return r.nodeFailed(spec, startedAt, nil, registry.ErrUnknownNodeType)
	}

	params, err := registry.ApplyDefaults(entry.Descriptor, spec.Parameters)
	if err != nil {
		return r.nodeFailed(spec, startedAt, nil, err)
	}

	retryCfg, err := ResolveRetryConfig(e.defaultRetry, &r.def.Config.RetryOverride, spec.RetryConfig)
	if err != nil {
		return r.nodeFailed(spec, startedAt, nil, err)
	}

	r.emit(emit.NodeStart, spec, 0, map[string]interface{}{
		"params": registry.Redact(entry.Descriptor, params),
	})
	e.metrics.NodeStarted()

	attempt := func(ctx context.Context, _ int) (any, error) {
		return executeNodeWithTimeout(ctx, entry.Node, spec, input, params, r.ec, e.opts.DefaultNodeTimeout)
	}
	observe := func(a AttemptRecord) {
		if a.Status == AttemptFailed && a.Number < retryCfg.MaxRetries {
			e.metrics.IncrementRetries(spec.Type)
			r.emit(emit.NodeRetry, spec, a.Number, map[string]interface{}{
				"error":    a.Error,
				"delay_ms": computeBackoff(a.Number, retryCfg).Milliseconds(),
			})
		}
	}

	out, attempts, err := RunWithRetry(r.ctx, retryCfg, attempt, observe)
	if err != nil {
		return r.nodeFailed(spec, startedAt, attempts, err)
	}

	rec := NodeExecutionRecord{
		NodeID:      spec.ID,
		NodeType:    spec.Type,
		NodeName:    spec.Name,
		Status:      NodeCompleted,
		Attempts:    attempts,
		Output:      out,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}
	r.record(rec, true)
	e.metrics.NodeFinished(spec.Type, NodeCompleted, rec.Duration())
	r.emit(emit.NodeComplete, spec, len(attempts)-1, map[string]interface{}{
		"latency_ms": rec.Duration().Milliseconds(),
	})
	return out, nil
}

// nodeFailed records a node whose attempts are exhausted (or that could not
// be attempted) and either contains or propagates the failure.
func (r *run) nodeFailed(spec NodeSpec, startedAt time.Time, attempts []AttemptRecord, cause error) (any, error) {
	e := r.engine
	nodeErr := &NodeExecutionError{NodeID: spec.ID, NodeType: spec.Type, Attempts: len(attempts), Cause: cause}

	rec := NodeExecutionRecord{
		NodeID:      spec.ID,
		NodeType:    spec.Type,
		NodeName:    spec.Name,
		Status:      NodeFailed,
		Attempts:    attempts,
		Error:       nodeErr.Error(),
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}
	if len(attempts) > 0 {
		e.metrics.NodeFinished(spec.Type, NodeFailed, rec.Duration())
	}
	r.ec.addError(spec.ID, cause.Error())
	lastAttempt := max(len(attempts)-1, 0)

	if spec.continueOnError(r.def.Config) {
		output := map[string]any{"error": cause.Error()}
		rec.Output = output
		r.record(rec, true)
		r.emit(emit.NodeFailed, spec, lastAttempt, map[string]interface{}{
			"error":             cause.Error(),
			"continue_on_error": true,
		})
		return output, nil
	}

	r.record(rec, false)
	r.emit(emit.NodeFailed, spec, lastAttempt, map[string]interface{}{"error": cause.Error()})

	abort := &ExecutionAbortedError{ExecutionID: r.ec.ExecutionID(), NodeID: spec.ID, Cause: nodeErr}
	r.fail(abort)
	return nil, abort
}

func (r *run) recordStopped(spec NodeSpec) {
	now := time.Now()
	r.record(NodeExecutionRecord{
		NodeID:      spec.ID,
		NodeType:    spec.Type,
		NodeName:    spec.Name,
		Status:      NodeStopped,
		StartedAt:   now,
		CompletedAt: now,
	}, false)
	r.emit(emit.NodeSkipped, spec, 0, map[string]interface{}{"reason": "stopped"})
}

func (r *run) record(rec NodeExecutionRecord, hasOutput bool) {
	if err := r.ec.recordNode(rec, hasOutput); err != nil {
		r.logger.Error("node record rejected", "node_id", rec.NodeID, "error", err)
	}
}

// fail marks the run failed; only the first fatal error is kept.
func (r *run) fail(err error) {
	r.failOnce.Do(func() {
		r.abortErr = err
		r.failed.Store(true)
	})
}

func (r *run) emit(msg string, spec NodeSpec, attempt int, meta map[string]interface{}) {
	r.engine.emitter.Emit(emit.Event{
		Msg:         msg,
		ExecutionID: r.ec.ExecutionID(),
		WorkflowID:  r.ec.WorkflowID(),
		NodeID:      spec.ID,
		NodeType:    spec.Type,
		Attempt:     attempt,
		Time:        time.Now(),
		Meta:        meta,
	})
}
