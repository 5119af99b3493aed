package graph

import "time"

// NodeStatus is the terminal status of one node in one execution.
type NodeStatus string

const (
	// NodeCompleted means an attempt succeeded.
	NodeCompleted NodeStatus = "completed"

	// NodeFailed means every attempt failed. With continueOnError the node
	// still produced the output {"error": message}.
	NodeFailed NodeStatus = "failed"

	// NodeStopped means the execution was cancelled before the node ran.
	NodeStopped NodeStatus = "stopped"
)

// NodeExecutionRecord is the per-node trace entry of an execution.
//
// Each node id appears at most once per execution. StartedAt is when the
// node was scheduled after its dependencies settled; CompletedAt is when
// its status became final.
type NodeExecutionRecord struct {
	NodeID      string          `json:"nodeId"`
	NodeType    string          `json:"nodeType"`
	NodeName    string          `json:"nodeName,omitempty"`
	Status      NodeStatus      `json:"status"`
	Attempts    []AttemptRecord `json:"attempts,omitempty"`
	Output      any             `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Duration is the wall time between scheduling and completion.
func (r NodeExecutionRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// ErrorRecord is one error collected during an execution.
type ErrorRecord struct {
	NodeID  string    `json:"nodeId,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}
