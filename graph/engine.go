package graph

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/registry"
	"github.com/dshills/nodegraph-go/graph/store"
)

// Engine validates and executes workflow definitions against a node registry.
//
// The Engine:
//   - Admits at most MaxConcurrentExecutions runs at once (fail fast, no queue)
//   - Validates every definition before any node runs
//   - Resolves nodes pull-style from the terminal nodes with memoization
//   - Retries failing nodes with exponential backoff
//   - Contains or propagates node failures per continueOnError
//   - Archives finished runs in a bounded history store
//   - Emits lifecycle events and Prometheus metrics
//
// An Engine is safe for concurrent use.
//
// Example:
//
//	reg := registry.New(logger)
//	nodes.RegisterBuiltins(reg)
//
//	engine, err := graph.New(reg, graph.WithMaxConcurrentExecutions(100))
//	if err != nil {
//	    return err
//	}
//	res, err := engine.ExecuteWorkflow(ctx, "wf-1", def, map[string]any{"user": "ada"}, graph.ExecuteOptions{})
type Engine struct {
	registry     *registry.Registry
	opts         Options
	defaultRetry RetryConfig
	store        store.Store[ExecutionSnapshot]
	emitter      emit.Emitter
	metrics      *PrometheusMetrics
	logger       *slog.Logger

	mu       sync.Mutex
	active   map[string]*ExecutionContext
	admitted int
	closed   bool
	wg       sync.WaitGroup

	completed, failed, stopped uint64
}

// ExecuteOptions are per-call settings of ExecuteWorkflow.
type ExecuteOptions struct {
	// ExecutionID overrides the generated id. It must not collide with an
	// active execution.
	ExecutionID string
}

// ExecutionResult is what ExecuteWorkflow returns for every admitted and
// validated run, whatever its outcome.
type ExecutionResult struct {
	ExecutionID string
	Status      ExecutionStatus

	// Result is the output of the single terminal node, or a map keyed by
	// terminal node id when the workflow has several.
	Result any

	Duration time.Duration
	Snapshot ExecutionSnapshot
}

// EngineStats summarizes engine load and outcomes since creation.
type EngineStats struct {
	ActiveExecutions        int    `json:"activeExecutions"`
	MaxConcurrentExecutions int    `json:"maxConcurrentExecutions"`
	RegisteredNodeTypes     int    `json:"registeredNodeTypes"`
	Completed               uint64 `json:"completed"`
	Failed                  uint64 `json:"failed"`
	Stopped                 uint64 `json:"stopped"`
}

// New creates an Engine executing node types from reg.
func New(reg *registry.Registry, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, &EngineError{Message: "registry cannot be nil", Code: "INVALID_OPTION"}
	}

	cfg := engineConfig{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	o := cfg.opts

	if o.MaxConcurrentExecutions <= 0 {
		o.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Store == nil {
		o.Store = store.NewMemStore[ExecutionSnapshot](o.HistorySize)
	}
	retry := DefaultRetryConfig()
	if o.DefaultRetry != nil {
		retry = *o.DefaultRetry
	}

	return &Engine{
		registry:     reg,
		opts:         o,
		defaultRetry: retry,
		store:        o.Store,
		emitter:      o.Emitter,
		metrics:      o.Metrics,
		logger:       o.Logger.With("component", "engine"),
		active:       make(map[string]*ExecutionContext),
	}, nil
}

// Registry returns the registry the engine resolves node types from.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// ExecuteWorkflow validates def and runs it to completion.
//
// Errors before the run starts:
//   - *ConcurrencyLimitError when the admission limit is reached
//   - *ValidationError when def is invalid (no node runs)
//
// Once the run started a non-nil *ExecutionResult is always returned, with
// a nil error for StatusCompleted, an *ExecutionAbortedError wrapping the
// *NodeExecutionError for StatusFailed, and ErrExecutionStopped for
// StatusStopped.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, def *WorkflowDefinition, input map[string]any, opts ExecuteOptions) (*ExecutionResult, error) {
	if err := e.admit(); err != nil {
		return nil, err
	}
	defer e.release()

	if err := Validate(def, e.registry); err != nil {
		return nil, err
	}
	def = def.clone()
	if workflowID == "" {
		workflowID = def.ID
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	ec := newExecutionContext(executionID, workflowID, def.Name, input)
	if err := e.track(ec); err != nil {
		return nil, err
	}

	runCtx, cancel := e.runContext(ctx, def)
	defer cancel()

	logger := e.logger.With("execution_id", executionID, "workflow_id", workflowID)
	logger.Info("execution started", "nodes", len(def.Nodes), "connections", len(def.Connections))
	e.emitExecution(emit.ExecutionStart, ec, map[string]interface{}{"nodes": len(def.Nodes)})

	r := newRun(runCtx, e, ec, def)
	outputs, terms, runErr := r.resolveTerminals()

	var (
		status ExecutionStatus
		result any
		err    error
	)
	switch {
	case r.failed.Load():
		status, err = StatusFailed, r.abortErr
	case errors.Is(runErr, ErrExecutionStopped):
		status, err = StatusStopped, ErrExecutionStopped
	case runErr != nil:
		status, err = StatusFailed, runErr
	default:
		status, result = StatusCompleted, mergeResults(terms, outputs)
	}

	ec.finish(status, result)
	snap := ec.Snapshot()
	e.archive(ctx, snap, logger)
	e.untrack(ec, status)

	elapsed := time.Duration(snap.DurationMs) * time.Millisecond
	switch status {
	case StatusCompleted:
		logger.Info("execution completed", "duration_ms", snap.DurationMs)
		e.emitExecution(emit.ExecutionComplete, ec, map[string]interface{}{"latency_ms": snap.DurationMs})
	case StatusStopped:
		logger.Warn("execution stopped", "duration_ms", snap.DurationMs)
		e.emitExecution(emit.ExecutionStopped, ec, map[string]interface{}{"latency_ms": snap.DurationMs})
	default:
		logger.Error("execution failed", "error", err, "duration_ms", snap.DurationMs)
		e.emitExecution(emit.ExecutionFailed, ec, map[string]interface{}{"error": err.Error(), "latency_ms": snap.DurationMs})
	}

	return &ExecutionResult{
		ExecutionID: executionID,
		Status:      status,
		Result:      result,
		Duration:    elapsed,
		Snapshot:    snap,
	}, err
}

// mergeResults returns the single terminal output, or a map keyed by
// terminal id when there are several.
func mergeResults(terms []string, outputs map[string]any) any {
	if len(terms) == 1 {
		return outputs[terms[0]]
	}
	return outputs
}

func (e *Engine) runContext(ctx context.Context, def *WorkflowDefinition) (context.Context, context.CancelFunc) {
	budget := e.opts.RunWallClockBudget
	if def.Config.TimeoutMs > 0 {
		budget = time.Duration(def.Config.TimeoutMs) * time.Millisecond
	}
	if budget > 0 {
		return context.WithTimeout(ctx, budget)
	}
	return context.WithCancel(ctx)
}

// admit reserves an execution slot or fails fast.
func (e *Engine) admit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return &EngineError{Message: "engine is shut down", Code: "ENGINE_CLOSED"}
	}
	if e.admitted >= e.opts.MaxConcurrentExecutions {
		e.metrics.IncrementAdmissionRejections()
		e.logger.Warn("execution rejected", "active", e.admitted, "limit", e.opts.MaxConcurrentExecutions)
		return &ConcurrencyLimitError{Limit: e.opts.MaxConcurrentExecutions}
	}
	e.admitted++
	e.wg.Add(1)
	e.metrics.SetActiveExecutions(e.admitted)
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.admitted--
	e.metrics.SetActiveExecutions(e.admitted)
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Engine) track(ec *ExecutionContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[ec.ExecutionID()]; exists {
		return &EngineError{Message: "execution id already active: " + ec.ExecutionID(), Code: "DUPLICATE_EXECUTION"}
	}
	e.active[ec.ExecutionID()] = ec
	if e.closed {
		ec.Stop()
	}
	return nil
}

func (e *Engine) untrack(ec *ExecutionContext, status ExecutionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, ec.ExecutionID())
	switch status {
	case StatusCompleted:
		e.completed++
	case StatusFailed:
		e.failed++
	case StatusStopped:
		e.stopped++
	}
	e.metrics.RecordExecution(status)
}

// archive saves the final snapshot before the run leaves the active table,
// so status queries never miss a finished execution.
func (e *Engine) archive(ctx context.Context, snap ExecutionSnapshot, logger *slog.Logger) {
	rec := store.Record[ExecutionSnapshot]{
		ID:         snap.ExecutionID,
		WorkflowID: snap.WorkflowID,
		Status:     string(snap.Status),
		StartedAt:  snap.StartTime,
		Data:       snap,
	}
	if snap.EndTime != nil {
		rec.EndedAt = *snap.EndTime
	}
	if err := e.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("failed to archive execution", "error", err)
	}
}

// GetExecutionStatus returns a snapshot of an active or archived execution.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (ExecutionSnapshot, error) {
	e.mu.Lock()
	ec, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		return ec.Snapshot(), nil
	}

	rec, err := e.store.Load(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return ExecutionSnapshot{}, ErrExecutionNotFound
	}
	if err != nil {
		return ExecutionSnapshot{}, err
	}
	return rec.Data, nil
}

// CancelExecution requests a best-effort stop of an active execution. Nodes
// already running finish; nodes not yet started are skipped.
func (e *Engine) CancelExecution(executionID string) error {
	e.mu.Lock()
	ec, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}
	ec.Stop()
	e.logger.Info("execution cancellation requested", "execution_id", executionID)
	return nil
}

// ActiveExecutions returns snapshots of all running executions.
func (e *Engine) ActiveExecutions() []ExecutionSnapshot {
	e.mu.Lock()
	ecs := make([]*ExecutionContext, 0, len(e.active))
	for _, ec := range e.active {
		ecs = append(ecs, ec)
	}
	e.mu.Unlock()

	out := make([]ExecutionSnapshot, 0, len(ecs))
	for _, ec := range ecs {
		out = append(out, ec.Snapshot())
	}
	return out
}

// History returns up to limit archived executions, newest first. limit <= 0
// means DefaultHistoryLimit.
func (e *Engine) History(ctx context.Context, limit int) ([]ExecutionSnapshot, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	recs, err := e.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionSnapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Data)
	}
	return out, nil
}

// Stats returns current load and outcome counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		ActiveExecutions:        e.admitted,
		MaxConcurrentExecutions: e.opts.MaxConcurrentExecutions,
		RegisteredNodeTypes:     e.registry.Len(),
		Completed:               e.completed,
		Failed:                  e.failed,
		Stopped:                 e.stopped,
	}
}

// Shutdown refuses new executions, stops the active ones and waits for
// them to finish or for ctx to be done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, ec := range e.active {
		ec.Stop()
	}
	n := len(e.active)
	e.mu.Unlock()

	e.logger.Info("engine shutting down", "active", n)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) emitExecution(msg string, ec *ExecutionContext, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		Msg:         msg,
		ExecutionID: ec.ExecutionID(),
		WorkflowID:  ec.WorkflowID(),
		Time:        time.Now(),
		Meta:        meta,
	})
}
