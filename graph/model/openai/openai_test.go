package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/nodegraph-go/graph/model"
)

type fakeCompletions struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
	calls  int
}

func (f *fakeCompletions) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.calls++
	f.params = body
	return f.resp, f.err
}

func TestNewChatModel_DefaultModel(t *testing.T) {
	if m := NewChatModel("key", ""); m.modelName != DefaultModel {
		t.Errorf("model = %q", m.modelName)
	}
}

func TestChat_Text(t *testing.T) {
	fake := &fakeCompletions{resp: &openai.ChatCompletion{
		Model: "gpt-test",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: "Paris"},
		}},
		Usage: openai.CompletionUsage{PromptTokens: 9, CompletionTokens: 1},
	}}
	m := &ChatModel{modelName: "gpt-test", completions: fake}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "capital of France?"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Paris" || out.Model != "gpt-test" {
		t.Errorf("out = %+v", out)
	}
	if out.Usage.InputTokens != 9 || out.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if len(fake.params.Messages) != 2 || string(fake.params.Model) != "gpt-test" {
		t.Errorf("params = %+v", fake.params)
	}
	if fake.params.Messages[0].OfSystem == nil || fake.params.Messages[1].OfUser == nil {
		t.Error("roles not mapped to the right message kinds")
	}
}

func TestChat_ToolCalls(t *testing.T) {
	fake := &fakeCompletions{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					Function: openai.ChatCompletionMessageToolCallFunction{Name: "calc", Arguments: `{"expr":"2+2"}`},
				}},
			},
		}},
	}}
	m := &ChatModel{modelName: "gpt-test", completions: fake}

	tools := []model.ToolSpec{{Name: "calc", Description: "math", Schema: map[string]interface{}{"type": "object"}}}
	out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "2+2"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].Input["expr"] != "2+2" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if len(fake.params.Tools) != 1 || fake.params.Tools[0].Function.Name != "calc" {
		t.Errorf("tools = %+v", fake.params.Tools)
	}
}

func TestChat_Errors(t *testing.T) {
	m := &ChatModel{modelName: "gpt-test", completions: &fakeCompletions{err: errors.New("connection reset")}}
	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); err == nil {
		t.Error("expected API error")
	}

	m = &ChatModel{modelName: "gpt-test", completions: &fakeCompletions{resp: &openai.ChatCompletion{}}}
	if _, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); err == nil {
		t.Error("expected error for an empty choice list")
	}
	if _, err := m.Chat(context.Background(), nil, nil); err == nil {
		t.Error("expected error without messages")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "x"}}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
