package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/nodegraph-go/graph/model"
)

type fakeClient struct {
	resp  *genai.GenerateContentResponse
	err   error
	calls int
	last  request
}

func (f *fakeClient) generateContent(_ context.Context, req request) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.last = req
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 3},
	}
}

func TestNewChatModel_DefaultModel(t *testing.T) {
	if m := NewChatModel("key", ""); m.modelName != DefaultModel {
		t.Errorf("model = %q, want %q", m.modelName, DefaultModel)
	}
}

func TestChat_SendsHistoryAndSystem(t *testing.T) {
	fake := &fakeClient{resp: textResponse("Paris")}
	m := &ChatModel{modelName: "gemini-test", client: fake}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "answer tersely"},
		{Role: model.RoleUser, Content: "capital of Italy?"},
		{Role: model.RoleAssistant, Content: "Rome"},
		{Role: model.RoleUser, Content: "and France?"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Paris" || out.Model != "gemini-test" {
		t.Errorf("out = %+v", out)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", out.Usage)
	}

	if fake.last.system != "answer tersely" {
		t.Errorf("system = %q", fake.last.system)
	}
	if len(fake.last.history) != 2 || fake.last.history[1].Role != "model" {
		t.Fatalf("history = %+v", fake.last.history)
	}
	if got := fake.last.last[0].(genai.Text); got != "and France?" {
		t.Errorf("last turn = %q", got)
	}
}

func TestChat_ToolCalls(t *testing.T) {
	fake := &fakeClient{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "Oslo"}},
			}},
		}},
	}}
	m := &ChatModel{modelName: "g", client: fake}

	tools := []model.ToolSpec{{
		Name: "get_weather",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"city"},
		},
	}}
	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "weather?"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Input["city"] != "Oslo" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}

	decl := fake.last.tools[0].FunctionDeclarations[0]
	if decl.Parameters.Properties["city"].Type != genai.TypeString {
		t.Errorf("schema not converted: %+v", decl.Parameters)
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "city" {
		t.Errorf("required = %v", decl.Parameters.Required)
	}
}

func TestChat_SafetyBlock(t *testing.T) {
	fake := &fakeClient{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonSafety,
			SafetyRatings: []*genai.SafetyRating{
				{Category: genai.HarmCategoryDangerousContent, Blocked: true},
			},
		}},
	}}
	m := &ChatModel{modelName: "g", client: fake}

	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)
	var safetyErr *SafetyFilterError
	if !errors.As(err, &safetyErr) {
		t.Fatalf("expected SafetyFilterError, got %v", err)
	}
	if safetyErr.Reason() != "SAFETY" || safetyErr.Category() == "" {
		t.Errorf("safety error = %+v", safetyErr)
	}
}

func TestChat_Errors(t *testing.T) {
	m := &ChatModel{modelName: "g", client: &fakeClient{err: errors.New("503 unavailable")}}
	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); err == nil {
		t.Error("expected client error")
	}

	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleSystem, Content: "only system"}}, nil); err == nil {
		t.Error("expected error without a user turn")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeClient{}
	m = &ChatModel{modelName: "g", client: fake}
	if _, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if fake.calls != 0 {
		t.Error("cancelled context must not reach the API")
	}
}

func TestDefaultClient_RequiresKey(t *testing.T) {
	m := NewChatModel("", "")
	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); err == nil {
		t.Error("expected missing key error")
	}
}
