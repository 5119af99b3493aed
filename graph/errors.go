// Package graph provides the core workflow execution engine for nodegraph-go.
package graph

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("workflow validation failed")

// ErrConcurrencyLimit is wrapped by ConcurrencyLimitError.
var ErrConcurrencyLimit = errors.New("maximum concurrent executions reached")

// ErrExecutionAborted is wrapped by ExecutionAbortedError, and is also the
// internal signal used to unwind sibling resolutions after a fatal failure.
var ErrExecutionAborted = errors.New("execution aborted")

// ErrExecutionStopped is returned by ExecuteWorkflow when the run was
// cancelled through CancelExecution or Shutdown.
var ErrExecutionStopped = errors.New("execution stopped")

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrDuplicateNodeRecord indicates a second result for the same node id was
// recorded in one execution.
var ErrDuplicateNodeRecord = errors.New("node already recorded for this execution")

// Validation error kinds.
const (
	KindEmpty        = "empty"
	KindInvalidNode  = "invalid_node"
	KindDuplicateID  = "duplicate_id"
	KindUnknownType  = "unknown_type"
	KindDanglingEdge = "dangling_edge"
	KindCycle        = "cycle"
)

// ValidationError reports a structural problem in a workflow definition.
// Wraps ErrValidation for errors.Is() compatibility.
type ValidationError struct {
	Kind   string // one of the Kind* constants
	NodeID string // offending node, when there is one
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConcurrencyLimitError is returned when admitting an execution would exceed
// the configured limit. No execution state is created.
type ConcurrencyLimitError struct {
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("%s (%d)", ErrConcurrencyLimit.Error(), e.Limit)
}

func (e *ConcurrencyLimitError) Unwrap() error { return ErrConcurrencyLimit }

// NodeExecutionError is a node failure after its retries were exhausted.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Attempts int
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	return "node " + e.NodeID + " (" + e.NodeType + ") failed after " +
		strconv.Itoa(e.Attempts) + " attempt(s): " + errString(e.Cause)
}

func (e *NodeExecutionError) Unwrap() error { return e.Cause }

// ExecutionAbortedError is returned when a node without continueOnError
// fails and the rest of the run is abandoned.
type ExecutionAbortedError struct {
	ExecutionID string
	NodeID      string
	Cause       error
}

func (e *ExecutionAbortedError) Error() string {
	return fmt.Sprintf("execution %s aborted at node %s: %s", e.ExecutionID, e.NodeID, errString(e.Cause))
}

// Unwrap exposes both the abort sentinel and the underlying node failure.
func (e *ExecutionAbortedError) Unwrap() []error {
	return []error{ErrExecutionAborted, e.Cause}
}

// NodeTimeoutError is an attempt that exceeded its node timeout.
type NodeTimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *NodeTimeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded timeout of %v", e.NodeID, e.Timeout)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *NodeTimeoutError) Unwrap() error { return errDeadline }

// EngineError represents a misuse or misconfiguration of the Engine.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
