// Package google adapts Google's Gemini API to the llm.Client interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/flightline-ai/squawk/llm"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-1.5-flash"

// Client wraps the official generative-ai-go client. Close releases the
// underlying connection.
type Client struct {
	client *genai.Client
	model  string
}

// New creates a Gemini client. An empty model selects DefaultModel.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Client) Name() string { return "google" }

// Complete implements llm.Client. The system prompt maps to Gemini's
// SystemInstruction.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}

	model := c.client.GenerativeModel(c.model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxTokens > 0 {
		max := int32(req.MaxTokens)
		model.MaxOutputTokens = &max
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return llm.Response{}, classify(err)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Response{TokensUsed: tokens}, nil
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return llm.Response{Text: text.String(), TokensUsed: tokens}, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "unauthorized"):
		return &llm.CallError{Code: "invalid_api_key", Message: "API key is invalid or missing", Retryable: false}
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "resource_exhausted"):
		return &llm.CallError{Code: "rate_limited", Message: "API rate limit exceeded", Retryable: true}
	case strings.Contains(msg, "quota exceeded") || strings.Contains(msg, "billing"):
		return &llm.CallError{Code: "quota_exceeded", Message: "API quota exceeded", Retryable: false}
	default:
		return &llm.CallError{Code: "api_error", Message: fmt.Sprintf("google API error: %v", err), Retryable: true}
	}
}
