// Package anthropic adapts the Anthropic Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	json "github.com/goccy/go-json"

	"github.com/dshills/nodegraph-go/graph/model"
)

// Defaults used when NewChatModel gets zero values.
const (
	DefaultModel     = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens = 4096
)

// ChatModel implements model.ChatModel for Claude.
//
// System messages are sent in the dedicated system field, every other
// message as a user or assistant turn.
type ChatModel struct {
	modelName string
	maxTokens int64
	messages  messagesAPI
}

// messagesAPI is the subset of the SDK client the adapter uses.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewChatModel returns a Claude model authenticated with apiKey.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		modelName: modelName,
		maxTokens: DefaultMaxTokens,
		messages:  &client.Messages,
	}
}

// WithMaxTokens returns a copy of m limited to n output tokens.
func (m *ChatModel) WithMaxTokens(n int) *ChatModel {
	cp := *m
	if n > 0 {
		cp.maxTokens = int64(n)
	}
	return &cp
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, turns := model.SplitSystem(messages)
	if len(turns) == 0 {
		return model.ChatOut{}, errors.New("anthropic: at least one user message is required")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(turns),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := m.messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return model.ChatOut{}, fmt.Errorf("anthropic API error (status %d): %w", apiErr.StatusCode, err)
		}
		return model.ChatOut{}, fmt.Errorf("anthropic API error: %w", err)
	}
	return convertResponse(msg)
}

func convertMessages(turns []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Schema["properties"]}
		switch req := t.Schema["required"].(type) {
		case []string:
			schema.Required = req
		case []interface{}:
			for _, v := range req {
				if s, ok := v.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tool := &anthropic.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

func convertResponse(msg *anthropic.Message) (model.ChatOut, error) {
	out := model.ChatOut{
		Model: string(msg.Model),
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return out, fmt.Errorf("anthropic: invalid tool input for %s: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: block.Name, Input: input})
		}
	}
	return out, nil
}
