package emit

import "time"

// Event names emitted by the engine and the plugin loader.
const (
	ExecutionStart    = "execution.start"
	ExecutionComplete = "execution.complete"
	ExecutionFailed   = "execution.failed"
	ExecutionStopped  = "execution.stopped"

	NodeStart    = "node.start"
	NodeComplete = "node.complete"
	NodeFailed   = "node.failed"
	NodeRetry    = "node.retry"
	NodeSkipped  = "node.skipped"

	PluginLoaded      = "plugin.loaded"
	PluginReloaded    = "plugin.reloaded"
	PluginFailed      = "plugin.failed"
	PluginUninstalled = "plugin.uninstalled"
)

// Event is an observability record of one lifecycle step of a workflow
// execution or of the plugin loader.
//
// Execution events carry ExecutionID and WorkflowID; node events also carry
// NodeID, NodeType and the attempt number. Plugin events leave the execution
// fields empty and put the plugin id in Meta["plugin_id"].
type Event struct {
	// Msg is the event name, one of the constants above.
	Msg string

	// ExecutionID identifies the workflow execution that emitted this event.
	ExecutionID string

	// WorkflowID is the caller-supplied workflow identifier.
	WorkflowID string

	// NodeID identifies the node for node-level events.
	NodeID string

	// NodeType is the registry type of the node.
	NodeType string

	// Attempt is the zero-based attempt index for node events.
	Attempt int

	// Time is when the event happened. Zero values are filled by emitters
	// that need a timestamp.
	Time time.Time

	// Meta holds event specific data such as "error", "latency_ms",
	// "status" or redacted "params". Values should be JSON friendly.
	Meta map[string]interface{}
}
