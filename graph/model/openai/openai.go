// Package openai adapts the OpenAI Chat Completions API to model.ChatModel.
package openai

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/nodegraph-go/graph/model"
)

// DefaultModel is used when NewChatModel is given no model name.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI chat models.
type ChatModel struct {
	modelName   string
	completions completionsAPI
}

// completionsAPI is the subset of the SDK client the adapter uses.
type completionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// NewChatModel returns an OpenAI model authenticated with apiKey. Extra
// options (base URL, organization) are passed to the SDK client.
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &ChatModel{modelName: modelName, completions: &client.Chat.Completions}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}
	if len(messages) == 0 {
		return model.ChatOut{}, errors.New("openai: at least one message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := m.completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return model.ChatOut{}, fmt.Errorf("openai API error (status %d): %w", apiErr.StatusCode, err)
		}
		return model.ChatOut{}, fmt.Errorf("openai API error: %w", err)
	}
	return convertResponse(completion)
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{Name: t.Name}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		if t.Schema != nil {
			fn.Parameters = shared.FunctionParameters(t.Schema)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func convertResponse(c *openai.ChatCompletion) (model.ChatOut, error) {
	out := model.ChatOut{
		Model: c.Model,
		Usage: model.Usage{
			InputTokens:  int(c.Usage.PromptTokens),
			OutputTokens: int(c.Usage.CompletionTokens),
		},
	}
	if len(c.Choices) == 0 {
		return out, errors.New("openai: response has no choices")
	}

	msg := c.Choices[0].Message
	out.Text = msg.Content
	for _, call := range msg.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return out, fmt.Errorf("openai: invalid arguments for %s: %w", call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Function.Name, Input: input})
	}
	return out, nil
}
