package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests and dry runs.
//
// Each call returns the next entry of Responses; the last one repeats once
// the list is exhausted. Err, when set, is returned instead.
//
//	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "hi"}}}
type MockChatModel struct {
	Responses []ChatOut
	Err       error

	mu    sync.Mutex
	calls []MockChatCall
	next  int
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Tools:    append([]ToolSpec(nil), tools...),
	})
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockChatModel) Calls() []MockChatCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockChatCall(nil), m.calls...)
}

// CallCount returns the number of Chat invocations.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the call history and rewinds the responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.next = 0
}

// EchoModel answers with the content of the last user message. It backs
// the "mock" provider so workflows using ai.chat run without credentials.
type EchoModel struct {
	Name string
}

// Chat implements ChatModel.
func (e EchoModel) Chat(ctx context.Context, messages []Message, _ []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	var last string
	in := 0
	for _, m := range messages {
		in += len(m.Content) / 4
		if m.Role == RoleUser {
			last = m.Content
		}
	}
	name := e.Name
	if name == "" {
		name = "echo"
	}
	return ChatOut{Text: last, Model: name, Usage: Usage{InputTokens: in, OutputTokens: len(last) / 4}}, nil
}
