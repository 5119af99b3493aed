package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogEmitter writes events as structured log records.
//
// Failed node and execution events are logged at ERROR, retries and
// stopped executions at WARN, and everything else at INFO (or DEBUG for
// node.start when quiet is set).
type LogEmitter struct {
	logger *slog.Logger
	quiet  bool
}

// NewLogEmitter creates an emitter writing text or JSON records to writer.
// A nil writer means os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	var h slog.Handler
	if jsonMode {
		h = slog.NewJSONHandler(writer, nil)
	} else {
		h = slog.NewTextHandler(writer, nil)
	}
	return &LogEmitter{logger: slog.New(h)}
}

// NewSlogEmitter creates an emitter on top of an existing logger. With quiet
// set, per-node start events drop to DEBUG.
func NewSlogEmitter(logger *slog.Logger, quiet bool) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger.With("component", "events"), quiet: quiet}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, 6+len(event.Meta))
	if event.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", event.ExecutionID))
	}
	if event.WorkflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", event.WorkflowID))
	}
	if event.NodeID != "" {
		attrs = append(attrs,
			slog.String("node_id", event.NodeID),
			slog.String("node_type", event.NodeType),
			slog.Int("attempt", event.Attempt))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), l.level(event), event.Msg, attrs...)
}

func (l *LogEmitter) level(event Event) slog.Level {
	switch event.Msg {
	case ExecutionFailed, NodeFailed, PluginFailed:
		return slog.LevelError
	case NodeRetry, ExecutionStopped:
		return slog.LevelWarn
	case NodeStart, NodeSkipped:
		if l.quiet {
			return slog.LevelDebug
		}
	}
	return slog.LevelInfo
}
