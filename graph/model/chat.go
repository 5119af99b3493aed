// Package model provides LLM chat adapters used by the ai.chat node.
package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChatModel is a chat-completion provider.
//
// Implementations convert the provider-neutral Message list to the
// provider's wire format, respect ctx cancellation and report token usage
// when the provider returns it. Retrying is left to the engine's retry
// policy.
//
// Example:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	}, nil)
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Standard message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a function the model may call. Schema is a JSON
// Schema object describing the arguments.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatOut is a completion: text, tool calls or both.
type ChatOut struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Model     string     `json:"model,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ErrUnknownProvider is returned by Providers.New for unregistered names.
var ErrUnknownProvider = errors.New("unknown model provider")

// Factory builds a ChatModel for a model name. An empty name selects the
// provider's default model.
type Factory func(modelName string) (ChatModel, error)

// Providers maps provider names ("anthropic", "openai", "google", "mock")
// to factories. It is safe for concurrent use.
type Providers struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewProviders returns an empty provider set.
func NewProviders() *Providers {
	return &Providers{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (p *Providers) Register(name string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[strings.ToLower(name)] = f
}

// New builds a model from the named provider.
func (p *Providers) New(name, modelName string) (ChatModel, error) {
	p.mu.RLock()
	f, ok := p.factories[strings.ToLower(name)]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f(modelName)
}

// Names returns the registered provider names, sorted.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.factories))
	for n := range p.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SplitSystem separates system messages, joined by blank lines, from the
// rest of the conversation. Providers with a dedicated system field use it.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
