package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// MockProvider is a configurable Provider for tests. Unset funcs return empty results.
type MockProvider struct {
	GenerateStructuredFunc func(ctx context.Context, prompt string, tool Tool) (*Result, error)
	CompleteFunc           func(ctx context.Context, prompt string, temperature float32) (string, error)

	mu                      sync.Mutex
	GenerateStructuredCalls int
	CompleteCalls           int
	Prompts                 []string
}

func (m *MockProvider) GenerateStructured(ctx context.Context, prompt string, tool Tool) (*Result, error) {
	m.mu.Lock()
	m.GenerateStructuredCalls++
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	if m.GenerateStructuredFunc != nil {
		return m.GenerateStructuredFunc(ctx, prompt, tool)
	}
	return &Result{}, nil
}

func (m *MockProvider) Complete(ctx context.Context, prompt string, temperature float32) (string, error) {
	m.mu.Lock()
	m.CompleteCalls++
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt, temperature)
	}
	return "", nil
}

func (m *MockProvider) Name() string { return "mock" }

// ToolResult builds a Result carrying args as the tool call arguments.
func ToolResult(args map[string]any) *Result {
	raw, _ := json.Marshal(args)
	return &Result{Arguments: raw}
}
