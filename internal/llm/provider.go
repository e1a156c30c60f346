// Package llm talks to the hosted language models that write SQL, explain it and pick charts.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sqlpilot/internal/config"
	"sqlpilot/internal/metrics"
)

// Provider is the model surface used by the query generator and the result shaper.
type Provider interface {
	// GenerateStructured asks the model to call tool. When the model answers in prose instead,
	// Result.Arguments is nil and Result.Text holds the answer.
	GenerateStructured(ctx context.Context, prompt string, tool Tool) (*Result, error)

	// Complete returns the plain-text answer to prompt.
	Complete(ctx context.Context, prompt string, temperature float32) (string, error)

	Name() string
}

// Tool is a function the model is forced to call. Parameters is a JSON schema.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type Result struct {
	Arguments json.RawMessage
	Text      string
}

// StringArgument decodes a single string field from the tool arguments.
func (r *Result) StringArgument(field string) (string, bool) {
	if len(r.Arguments) == 0 {
		return "", false
	}
	var args map[string]any
	if err := json.Unmarshal(r.Arguments, &args); err != nil {
		return "", false
	}
	v, ok := args[field].(string)
	return v, ok
}

const maxTokens = 2000

// New builds the provider selected by cfg.Provider.
func New(cfg config.LLMConfig, logger *zap.Logger, m *metrics.Metrics) (Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, logger, m), nil
	case "anthropic":
		return NewAnthropic(cfg, logger, m), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// observe records the outcome of one call and logs failures.
func observe(logger *zap.Logger, m *metrics.Metrics, provider string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	} else {
		logger.Debug("LLM request completed", zap.Duration("elapsed", time.Since(start)))
	}
	m.LLMCalls.WithLabelValues(provider, outcome).Inc()
}
