// Package llmtest provides fakes for the llm package and for langchaingo models.
//
// Usage:
//
//	// Scripted provider: invalid JSON first, then a valid answer
//	provider := &llmtest.MockProvider{
//	    Contents: []string{"not json", `{"intent": "book_tech_event"}`},
//	}
//
//	// Scripted langchaingo model with a tool call followed by a final answer
//	model := &llmtest.MockModel{Responses: []*llms.ContentResponse{toolCall, final}}
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/planbuddy/internal/llm"
)

// MockProvider is a thread-safe scripted llm.Provider.
type MockProvider struct {
	mu       sync.Mutex
	Contents []string // Contents returned in sequence; the last one repeats
	Errs     []error  // Errs[i] is returned instead of Contents[i] when non-nil
	requests []*llm.Request
}

func (m *MockProvider) Generate(_ context.Context, request *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.requests)
	m.requests = append(m.requests, request)

	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return nil, m.Errs[idx]
	}
	if len(m.Contents) == 0 {
		return nil, errors.New("llmtest: no scripted content")
	}
	if idx >= len(m.Contents) {
		idx = len(m.Contents) - 1
	}
	return &llm.Response{Content: m.Contents[idx], Model: "test-model"}, nil
}

// Requests returns every request received so far.
func (m *MockProvider) Requests() []*llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.Request(nil), m.requests...)
}

// CallCount returns the number of Generate calls.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// MockModel is a thread-safe scripted llms.Model.
type MockModel struct {
	mu        sync.Mutex
	Responses []*llms.ContentResponse
	Err       error
	calls     [][]llms.MessageContent
}

func (m *MockModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, messages)
	if m.Err != nil {
		return nil, m.Err
	}
	if idx >= len(m.Responses) {
		return nil, errors.New("llmtest: no scripted response")
	}
	return m.Responses[idx], nil
}

func (m *MockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// Calls returns the message lists passed to GenerateContent.
func (m *MockModel) Calls() [][]llms.MessageContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llms.MessageContent(nil), m.calls...)
}

// Text builds a plain text response.
func Text(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

// ToolCall builds a response asking for a single tool call.
func ToolCall(id, name, arguments string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:   id,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		}},
	}}}
}
