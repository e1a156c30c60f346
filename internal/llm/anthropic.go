package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"sqlpilot/internal/config"
	"sqlpilot/internal/metrics"
)

// Anthropic is a Provider for the Anthropic messages API. The prompt is sent as the user turn.
type Anthropic struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAnthropic(cfg config.LLMConfig, logger *zap.Logger, m *metrics.Metrics) *Anthropic {
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	return &Anthropic{
		client:  anthropic.NewClient(cfg.APIKey, opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("llm").With(zap.String("provider", "anthropic"), zap.String("model", cfg.Model)),
		metrics: m,
	}
}

func (c *Anthropic) Name() string { return "anthropic" }

func (c *Anthropic) GenerateStructured(ctx context.Context, prompt string, tool Tool) (res *Result, err error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer func() { observe(c.logger, c.metrics, c.Name(), start, err) }()

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  userMessage(prompt),
		Tools: []anthropic.ToolDefinition{{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		}},
		ToolChoice: &anthropic.ToolChoice{Type: "tool", Name: tool.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.MessageContentToolUse != nil && block.MessageContentToolUse.Name == tool.Name {
			return &Result{Arguments: block.MessageContentToolUse.Input}, nil
		}
	}
	return &Result{Text: firstText(resp)}, nil
}

func (c *Anthropic) Complete(ctx context.Context, prompt string, temperature float32) (text string, err error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	defer func() { observe(c.logger, c.metrics, c.Name(), start, err) }()

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		Messages:    userMessage(prompt),
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return firstText(resp), nil
}

func userMessage(prompt string) []anthropic.Message {
	return []anthropic.Message{
		{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
			{Type: "text", Text: &prompt},
		}},
	}
}

func firstText(resp anthropic.MessagesResponse) string {
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			return strings.TrimSpace(*block.Text)
		}
	}
	return ""
}
