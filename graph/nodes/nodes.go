// Package nodes provides the built-in node types.
//
// Every workflow engine ships with these types registered under the
// "builtin" source:
//
//	http.request  perform an HTTP call
//	transform     evaluate an expression over the input
//	condition     evaluate a boolean expression
//	delay         wait, then pass the input through
//	log           log the input and pass it through
//	set           write execution variables
//	ai.chat       ask a chat model
package nodes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dshills/nodegraph-go/graph/model"
	"github.com/dshills/nodegraph-go/graph/registry"
)

// Type names of the built-in nodes.
const (
	TypeHTTPRequest = "http.request"
	TypeTransform   = "transform"
	TypeCondition   = "condition"
	TypeDelay       = "delay"
	TypeLog         = "log"
	TypeSet         = "set"
	TypeAIChat      = "ai.chat"
)

// Config holds the collaborators of the built-in nodes. Zero values are
// valid.
type Config struct {
	// HTTPClient is used by http.request. Default: a client with a 30s timeout.
	HTTPClient *http.Client

	// Logger is used by the log node. Default: slog.Default().
	Logger *slog.Logger

	// Models resolves the provider of ai.chat. Default: only "mock".
	Models *model.Providers

	// Costs records token usage of ai.chat when non-nil.
	Costs *model.CostTracker
}

// RegisterBuiltins registers every built-in node type on reg.
func RegisterBuiltins(reg *registry.Registry, cfg Config) error {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Models == nil {
		cfg.Models = model.NewProviders()
		cfg.Models.Register("mock", func(name string) (model.ChatModel, error) {
			return model.EchoModel{Name: name}, nil
		})
	}

	builtins := []registry.Node{
		&HTTPRequest{Client: cfg.HTTPClient},
		NewTransform(),
		NewCondition(),
		Delay{},
		&Log{Logger: cfg.Logger.With("component", "node.log")},
		Set{},
		&AIChat{Models: cfg.Models, Costs: cfg.Costs},
	}
	for _, n := range builtins {
		desc := n.Descriptor()
		if err := reg.RegisterFrom(registry.SourceBuiltin, desc.Type, n); err != nil {
			return fmt.Errorf("failed to register %s: %w", desc.Type, err)
		}
	}
	return nil
}
