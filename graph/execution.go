package graph

import (
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// ExecutionStatus is the lifecycle status of an execution.
//
// A run starts as StatusRunning and moves exactly once to one of the
// terminal statuses.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusStopped   ExecutionStatus = "stopped"
)

// Terminal reports whether s is a final status.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// ExecutionContext is the mutable state of one workflow run.
//
// It is safe for concurrent use: node resolutions on separate goroutines
// record into it, and status queries read it while the run progresses.
// Node results are written only by the scheduler; node implementations see
// the registry.Execution view (variables, results, stop flag).
type ExecutionContext struct {
	mu sync.RWMutex

	executionID  string
	workflowID   string
	workflowName string

	status    ExecutionStatus
	startTime time.Time
	endTime   time.Time
	result    any

	variables      map[string]any
	nodeResults    map[string]any
	nodeExecutions []NodeExecutionRecord
	recorded       map[string]bool
	errors         []ErrorRecord

	stopped atomic.Bool
}

func newExecutionContext(executionID, workflowID, workflowName string, input map[string]any) *ExecutionContext {
	return &ExecutionContext{
		executionID:  executionID,
		workflowID:   workflowID,
		workflowName: workflowName,
		status:       StatusRunning,
		startTime:    time.Now(),
		variables:    copyInput(input),
		nodeResults:  make(map[string]any),
		recorded:     make(map[string]bool),
	}
}

// ExecutionID returns the unique id of the run.
func (c *ExecutionContext) ExecutionID() string { return c.executionID }

// WorkflowID returns the caller-supplied workflow id.
func (c *ExecutionContext) WorkflowID() string { return c.workflowID }

// Status returns the current lifecycle status.
func (c *ExecutionContext) Status() ExecutionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Variable returns a run-scoped variable.
func (c *ExecutionContext) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable stores a run-scoped variable.
func (c *ExecutionContext) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variables returns a copy of all variables.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.variables)
}

// NodeResult returns the output recorded for nodeID.
func (c *ExecutionContext) NodeResult(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.nodeResults[nodeID]
	return v, ok
}

// NodeExecutions returns the node trace in completion order.
func (c *ExecutionContext) NodeExecutions() []NodeExecutionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]NodeExecutionRecord(nil), c.nodeExecutions...)
}

// Errors returns the errors collected so far.
func (c *ExecutionContext) Errors() []ErrorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ErrorRecord(nil), c.errors...)
}

// Stop requests cooperative cancellation. Nodes already running finish;
// nodes not yet started are skipped with status stopped.
func (c *ExecutionContext) Stop() { c.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (c *ExecutionContext) Stopped() bool { return c.stopped.Load() }

// recordNode appends rec to the trace. When hasOutput is set the output is
// also stored as the node's result. A node id can be recorded only once.
func (c *ExecutionContext) recordNode(rec NodeExecutionRecord, hasOutput bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recorded[rec.NodeID] {
		return ErrDuplicateNodeRecord
	}
	c.recorded[rec.NodeID] = true
	c.nodeExecutions = append(c.nodeExecutions, rec)
	if hasOutput {
		c.nodeResults[rec.NodeID] = rec.Output
	}
	return nil
}

func (c *ExecutionContext) addError(nodeID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, ErrorRecord{NodeID: nodeID, Message: message, Time: time.Now()})
}

// finish moves the run to a terminal status. Only the first call wins.
func (c *ExecutionContext) finish(status ExecutionStatus, result any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return false
	}
	c.status = status
	c.result = result
	c.endTime = time.Now()
	return true
}

// ExecutionSnapshot is a read-only, JSON-serializable copy of an
// ExecutionContext.
type ExecutionSnapshot struct {
	ExecutionID    string                `json:"executionId"`
	WorkflowID     string                `json:"workflowId"`
	WorkflowName   string                `json:"workflowName,omitempty"`
	Status         ExecutionStatus       `json:"status"`
	StartTime      time.Time             `json:"startTime"`
	EndTime        *time.Time            `json:"endTime,omitempty"`
	DurationMs     int64                 `json:"durationMs"`
	Variables      map[string]any        `json:"variables"`
	NodeResults    map[string]any        `json:"nodeResults"`
	NodeExecutions []NodeExecutionRecord `json:"nodeExecutions"`
	Errors         []ErrorRecord         `json:"errors"`
	Stopped        bool                  `json:"stopped"`
	Result         any                   `json:"result,omitempty"`
}

// Snapshot copies the current state. Maps and slices are copied; the values
// inside them are shared with the run.
func (c *ExecutionContext) Snapshot() ExecutionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := ExecutionSnapshot{
		ExecutionID:    c.executionID,
		WorkflowID:     c.workflowID,
		WorkflowName:   c.workflowName,
		Status:         c.status,
		StartTime:      c.startTime,
		Variables:      copyMap(c.variables),
		NodeResults:    copyMap(c.nodeResults),
		NodeExecutions: append([]NodeExecutionRecord{}, c.nodeExecutions...),
		Errors:         append([]ErrorRecord{}, c.errors...),
		Stopped:        c.stopped.Load(),
		Result:         c.result,
	}
	if c.endTime.IsZero() {
		snap.DurationMs = time.Since(c.startTime).Milliseconds()
	} else {
		end := c.endTime
		snap.EndTime = &end
		snap.DurationMs = end.Sub(c.startTime).Milliseconds()
	}
	return snap
}

// JSON encodes the snapshot.
func (s ExecutionSnapshot) JSON() ([]byte, error) {
	return json.Marshal(s)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
