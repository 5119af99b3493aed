package nodes

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/dshills/nodegraph-go/graph/model"
	"github.com/dshills/nodegraph-go/graph/registry"
)

// AIChat sends a prompt to a chat model.
//
// Parameters: provider ("mock"), model (provider default), prompt, system
// and includeInput. When prompt is empty a string input is used as the
// prompt. With includeInput the JSON form of the input is appended to the
// prompt as context.
//
// Output:
//
//	{"text": "...", "model": "...", "usage": {...}, "toolCalls": [...], "costUsd": 0.0012}
type AIChat struct {
	Models *model.Providers
	Costs  *model.CostTracker
}

// Descriptor implements registry.Node.
func (a *AIChat) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Type:        TypeAIChat,
		Name:        "AI Chat",
		Description: "Ask a chat model and return its answer",
		Category:    "ai",
		Version:     "1.0.0",
		Inputs:      []registry.PortSchema{{Name: "context", Type: "any"}},
		Outputs: []registry.PortSchema{
			{Name: "text", Type: "string"},
			{Name: "usage", Type: "object"},
		},
		Parameters: []registry.ParameterSchema{
			{Name: "provider", Type: "string", Default: "mock"},
			{Name: "model", Type: "string"},
			{Name: "prompt", Type: "string"},
			{Name: "system", Type: "string"},
			{Name: "includeInput", Type: "boolean", Default: false},
		},
	}
}

// Execute implements registry.Node.
func (a *AIChat) Execute(ctx context.Context, inputs any, params map[string]any, exec registry.Execution) (any, error) {
	provider, err := stringParam(params, "provider")
	if err != nil {
		return nil, err
	}
	modelName, err := stringParam(params, "model")
	if err != nil {
		return nil, err
	}
	system, err := stringParam(params, "system")
	if err != nil {
		return nil, err
	}
	prompt, err := buildPrompt(inputs, params)
	if err != nil {
		return nil, err
	}

	if a.Models == nil {
		return nil, fmt.Errorf("no model providers configured")
	}
	m, err := a.Models.New(provider, modelName)
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	if system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	out, err := m.Chat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}

	usedModel := out.Model
	if usedModel == "" {
		usedModel = modelName
	}
	result := map[string]any{
		"text":  out.Text,
		"model": usedModel,
		"usage": map[string]any{
			"inputTokens":  out.Usage.InputTokens,
			"outputTokens": out.Usage.OutputTokens,
		},
	}
	if len(out.ToolCalls) > 0 {
		calls := make([]any, 0, len(out.ToolCalls))
		for _, c := range out.ToolCalls {
			calls = append(calls, map[string]any{"name": c.Name, "input": c.Input})
		}
		result["toolCalls"] = calls
	}
	if a.Costs != nil {
		var executionID string
		if exec != nil {
			executionID = exec.ExecutionID()
		}
		call := a.Costs.Record(usedModel, out.Usage, executionID, "")
		result["costUsd"] = call.CostUSD
	}
	return result, nil
}

func buildPrompt(inputs any, params map[string]any) (string, error) {
	prompt, err := stringParam(params, "prompt")
	if err != nil {
		return "", err
	}
	includeInput, err := boolParam(params, "includeInput", false)
	if err != nil {
		return "", err
	}
	if prompt == "" {
		s, ok := inputs.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("parameter %q is required unless the input is a string", "prompt")
		}
		return s, nil
	}
	if !includeInput {
		return prompt, nil
	}

	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode input: %w", err)
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nContext:\n")
	b.Write(data)
	return b.String(), nil
}
