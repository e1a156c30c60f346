package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"sqlpilot/internal/config"
	"sqlpilot/internal/metrics"
)

// OpenAI is a Provider for OpenAI-compatible chat completion endpoints.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewOpenAI(cfg config.LLMConfig, logger *zap.Logger, m *metrics.Metrics) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("llm").With(zap.String("provider", "openai"), zap.String("model", cfg.Model)),
		metrics: m,
	}
}

func (c *OpenAI) Name() string { return "openai" }

func (c *OpenAI) GenerateStructured(ctx context.Context, prompt string, tool Tool) (res *Result, err error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer func() { observe(c.logger, c.metrics, c.Name(), start, err) }()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: tool.Name},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	for _, call := range msg.ToolCalls {
		if call.Function.Name == tool.Name {
			return &Result{Arguments: json.RawMessage(call.Function.Arguments)}, nil
		}
	}
	return &Result{Text: strings.TrimSpace(msg.Content)}, nil
}

func (c *OpenAI) Complete(ctx context.Context, prompt string, temperature float32) (text string, err error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer func() { observe(c.logger, c.metrics, c.Name(), start, err) }()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
