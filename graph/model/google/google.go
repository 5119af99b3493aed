// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/nodegraph-go/graph/model"
)

// DefaultModel is used when NewChatModel is given no model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// System messages become the model's system instruction; earlier turns are
// sent as chat history and the last turn as the new message.
type ChatModel struct {
	modelName string
	client    googleClient
}

type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

type request struct {
	model   string
	system  string
	history []*genai.Content
	last    []genai.Part
	tools   []*genai.Tool
}

// NewChatModel returns a Gemini model authenticated with apiKey.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, turns := model.SplitSystem(messages)
	if len(turns) == 0 {
		return model.ChatOut{}, errors.New("google: at least one user message is required")
	}
	req := request{
		model:   m.modelName,
		system:  system,
		history: convertHistory(turns[:len(turns)-1]),
		last:    []genai.Part{genai.Text(turns[len(turns)-1].Content)},
	}
	if len(tools) > 0 {
		req.tools = convertTools(tools)
	}

	resp, err := m.client.generateContent(ctx, req)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.ChatOut{}, &SafetyFilterError{reason: blocked.Error(), category: blockedCategory(blocked)}
		}
		return model.ChatOut{}, fmt.Errorf("google API error: %w", err)
	}

	out, err := convertResponse(resp)
	out.Model = m.modelName
	return out, err
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(req.model)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	gm.Tools = req.tools

	session := gm.StartChat()
	session.History = req.history
	return session.SendMessage(ctx, req.last...)
}

func convertHistory(messages []model.Message) []*genai.Content {
	history := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return history
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			prop, ok := val.(map[string]interface{})
			if !ok {
				continue
			}
			s := &genai.Schema{}
			if typ, ok := prop["type"].(string); ok {
				s.Type = convertType(typ)
			}
			if desc, ok := prop["description"].(string); ok {
				s.Description = desc
			}
			result.Properties[key] = s
		}
	}

	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(typ string) genai.Type {
	switch typ {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	var out model.ChatOut
	if resp == nil {
		return out, nil
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyFilterError{reason: "SAFETY", category: ratedCategory(candidate.SafetyRatings)}
	}
	if candidate.Content == nil {
		return out, nil
	}

	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out, nil
}

func blockedCategory(err *genai.BlockedError) string {
	if err.Candidate != nil {
		return ratedCategory(err.Candidate.SafetyRatings)
	}
	return "prompt"
}

func ratedCategory(ratings []*genai.SafetyRating) string {
	for _, r := range ratings {
		if r != nil && r.Blocked {
			return r.Category.String()
		}
	}
	return "unspecified"
}

// SafetyFilterError is returned when Gemini blocks the prompt or the
// completion.
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string { return e.reason }
