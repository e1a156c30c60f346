package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sqlpilot/internal/config"
	"sqlpilot/internal/metrics"
)

var sqlTool = Tool{
	Name:        "generate_sql_query",
	Description: "Generates a SQL query from natural language",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"sql_query":{"type":"string"}},"required":["sql_query"]}`),
}

func newServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(provider, url string) config.LLMConfig {
	return config.LLMConfig{Provider: provider, Model: "test-model", APIKey: "k", BaseURL: url, Timeout: 5 * time.Second}
}

func TestOpenAI_GenerateStructuredReadsToolCall(t *testing.T) {
	var seen map[string]any
	srv := newServer(t, http.StatusOK, `{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant", "content": "",
			"tool_calls": [{"id": "call_1", "type": "function",
				"function": {"name": "generate_sql_query", "arguments": "{\"sql_query\":\"SELECT 1\"}"}}]
		}}]
	}`, &seen)
	m := metrics.NewUnregistered()
	p := NewOpenAI(testConfig("openai", srv.URL), zap.NewNop(), m)

	res, err := p.GenerateStructured(context.Background(), "prompt", sqlTool)
	require.NoError(t, err)
	sql, ok := res.StringArgument("sql_query")
	assert.True(t, ok)
	assert.Equal(t, "SELECT 1", sql)

	assert.Equal(t, "test-model", seen["model"])
	choice, _ := seen["tool_choice"].(map[string]any)
	assert.Equal(t, "function", choice["type"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMCalls.WithLabelValues("openai", "ok")))
}

func TestOpenAI_GenerateStructuredFallsBackToContent(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{
		"id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "test-model",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "  SELECT 2  "}}]
	}`, nil)
	p := NewOpenAI(testConfig("openai", srv.URL), zap.NewNop(), metrics.NewUnregistered())

	res, err := p.GenerateStructured(context.Background(), "prompt", sqlTool)
	require.NoError(t, err)
	assert.Nil(t, res.Arguments)
	assert.Equal(t, "SELECT 2", res.Text)
	_, ok := res.StringArgument("sql_query")
	assert.False(t, ok)
}

func TestOpenAI_CompleteError(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError,
		`{"error": {"message": "upstream exploded", "type": "server_error"}}`, nil)
	m := metrics.NewUnregistered()
	p := NewOpenAI(testConfig("openai", srv.URL), zap.NewNop(), m)

	_, err := p.Complete(context.Background(), "explain", 0.5)
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMCalls.WithLabelValues("openai", "error")))
}

func TestOpenAI_Complete(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{
		"id": "chatcmpl-3", "object": "chat.completion", "created": 1, "model": "test-model",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "It counts orders."}}]
	}`, nil)
	p := NewOpenAI(testConfig("openai", srv.URL), zap.NewNop(), metrics.NewUnregistered())

	text, err := p.Complete(context.Background(), "explain", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "It counts orders.", text)
}

func TestAnthropic_GenerateStructuredReadsToolUse(t *testing.T) {
	var seen map[string]any
	srv := newServer(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "test-model",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Here you go"},
			{"type": "tool_use", "id": "toolu_1", "name": "generate_sql_query", "input": {"sql_query": "SELECT 3"}}
		],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`, &seen)
	p := NewAnthropic(testConfig("anthropic", srv.URL), zap.NewNop(), metrics.NewUnregistered())

	res, err := p.GenerateStructured(context.Background(), "prompt", sqlTool)
	require.NoError(t, err)
	sql, ok := res.StringArgument("sql_query")
	assert.True(t, ok)
	assert.Equal(t, "SELECT 3", sql)

	choice, _ := seen["tool_choice"].(map[string]any)
	assert.Equal(t, "tool", choice["type"])
	assert.Equal(t, "generate_sql_query", choice["name"])
}

func TestAnthropic_CompleteReadsText(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "test-model",
		"stop_reason": "end_turn",
		"content": [{"type": "text", "text": " A bar chart fits. "}],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`, nil)
	p := NewAnthropic(testConfig("anthropic", srv.URL), zap.NewNop(), metrics.NewUnregistered())

	text, err := p.Complete(context.Background(), "chart", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "A bar chart fits.", text)
}

func TestAnthropic_Error(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError,
		`{"type": "error", "error": {"type": "api_error", "message": "overloaded"}}`, nil)
	m := metrics.NewUnregistered()
	p := NewAnthropic(testConfig("anthropic", srv.URL), zap.NewNop(), m)

	_, err := p.GenerateStructured(context.Background(), "prompt", sqlTool)
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMCalls.WithLabelValues("anthropic", "error")))
}

func TestNew(t *testing.T) {
	m := metrics.NewUnregistered()

	p, err := New(testConfig("openai", ""), zap.NewNop(), m)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	p, err = New(testConfig("anthropic", ""), zap.NewNop(), m)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	_, err = New(testConfig("cohere", ""), zap.NewNop(), m)
	assert.Error(t, err)

	cfg := testConfig("openai", "")
	cfg.Model = ""
	_, err = New(cfg, zap.NewNop(), m)
	assert.True(t, err != nil && strings.Contains(err.Error(), "model"))
}
