package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/nodegraph-go/graph/model"
)

type fakeMessages struct {
	resp   *anthropic.Message
	err    error
	params anthropic.MessageNewParams
	calls  int
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.calls++
	f.params = body
	return f.resp, f.err
}

func newTestModel(f *fakeMessages) *ChatModel {
	return &ChatModel{modelName: "claude-test", maxTokens: 256, messages: f}
}

func TestNewChatModel_Defaults(t *testing.T) {
	m := NewChatModel("key", "")
	if m.modelName != DefaultModel || m.maxTokens != DefaultMaxTokens {
		t.Errorf("model = %q max = %d", m.modelName, m.maxTokens)
	}
	if got := m.WithMaxTokens(10).maxTokens; got != 10 {
		t.Errorf("WithMaxTokens = %d", got)
	}
	if m.maxTokens != DefaultMaxTokens {
		t.Error("WithMaxTokens modified the receiver")
	}
}

func TestChat_Text(t *testing.T) {
	fake := &fakeMessages{resp: &anthropic.Message{
		Model:   "claude-test",
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "Paris"}},
		Usage:   anthropic.Usage{InputTokens: 20, OutputTokens: 2},
	}}
	m := newTestModel(fake)

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "capital of France?"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Paris" || out.Usage.InputTokens != 20 || out.Usage.OutputTokens != 2 {
		t.Errorf("out = %+v", out)
	}
	if len(fake.params.System) != 1 || fake.params.System[0].Text != "be brief" {
		t.Errorf("system = %+v", fake.params.System)
	}
	if len(fake.params.Messages) != 1 || fake.params.MaxTokens != 256 {
		t.Errorf("params = %+v", fake.params)
	}
}

func TestChat_ToolUse(t *testing.T) {
	fake := &fakeMessages{resp: &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "tool_use", Name: "lookup", Input: []byte(`{"q":"go"}`)},
		},
	}}
	m := newTestModel(fake)

	tools := []model.ToolSpec{{
		Name:        "lookup",
		Description: "search",
		Schema: map[string]interface{}{
			"properties": map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"q"},
		},
	}}
	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "find go"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Input["q"] != "go" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if len(fake.params.Tools) != 1 || fake.params.Tools[0].OfTool.Name != "lookup" {
		t.Fatalf("tools = %+v", fake.params.Tools)
	}
	if req := fake.params.Tools[0].OfTool.InputSchema.Required; len(req) != 1 || req[0] != "q" {
		t.Errorf("required = %v", req)
	}
}

func TestChat_Errors(t *testing.T) {
	fake := &fakeMessages{err: errors.New("overloaded")}
	m := newTestModel(fake)
	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); err == nil {
		t.Error("expected API error")
	}

	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleSystem, Content: "x"}}, nil); err == nil {
		t.Error("expected error without a user turn")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := fake.calls
	if _, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if fake.calls != calls {
		t.Error("cancelled context must not reach the API")
	}
}
