// Package openai adapts OpenAI's chat completion API to the llm.Client
// interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/flightline-ai/squawk/llm"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gpt-4o"

// Client wraps the official openai-go SDK. Safe for concurrent use.
type Client struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI client. An empty model selects DefaultModel.
func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &c, model: model}, nil
}

func (c *Client) Name() string { return "openai" }

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(req.Prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, classify(err)
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, &llm.CallError{Code: "empty_response", Message: "no choices in completion", Retryable: true}
	}
	return llm.Response{
		Text:       completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests"):
		return &llm.CallError{Code: "rate_limited", Message: "API rate limit exceeded", Retryable: true}
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return &llm.CallError{Code: "invalid_api_key", Message: "API key is invalid or expired", Retryable: false}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return &llm.CallError{Code: "quota_exceeded", Message: "API quota exceeded", Retryable: false}
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "server error") || strings.Contains(msg, "unavailable"):
		return &llm.CallError{Code: "server_error", Message: fmt.Sprintf("openai server error: %v", err), Retryable: true}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "network"):
		return &llm.CallError{Code: "network_error", Message: fmt.Sprintf("network error: %v", err), Retryable: true}
	default:
		return &llm.CallError{Code: "api_error", Message: fmt.Sprintf("openai API error: %v", err), Retryable: false}
	}
}
