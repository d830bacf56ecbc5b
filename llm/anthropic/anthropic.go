// Package anthropic adapts Anthropic's Claude API to the llm.Client
// interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flightline-ai/squawk/llm"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "claude-sonnet-4-20250514"

// Client wraps the official anthropic-sdk-go client. Safe for concurrent
// use after creation.
type Client struct {
	client *anthropic.Client
	model  string
}

// New creates an Anthropic client. An empty model selects DefaultModel.
func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &c, model: model}, nil
}

func (c *Client) Name() string { return "anthropic" }

// Complete implements llm.Client. The system prompt maps to Anthropic's
// separate system parameter.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classify(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return llm.Response{
		Text:       text.String(),
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "api_key"):
		return &llm.CallError{Code: "invalid_api_key", Message: "API key is invalid or expired", Retryable: false}
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return &llm.CallError{Code: "rate_limited", Message: "API rate limit exceeded", Retryable: true}
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "529"):
		return &llm.CallError{Code: "overloaded", Message: "service temporarily overloaded", Retryable: true}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return &llm.CallError{Code: "quota_exceeded", Message: "API quota exceeded", Retryable: false}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &llm.CallError{Code: "timeout", Message: "request timed out", Retryable: true}
	default:
		return &llm.CallError{Code: "api_error", Message: fmt.Sprintf("anthropic API error: %v", err), Retryable: false}
	}
}
