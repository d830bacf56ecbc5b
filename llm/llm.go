// Package llm abstracts the chat-completion providers the decomposition
// planner runs on. Provider adapters live in the anthropic, openai, and
// google subpackages; tests use the scripted MockClient.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is a single-turn completion provider.
//
// Implementations must respect context cancellation and translate provider
// failures into *CallError so callers can distinguish transient from
// permanent errors.
type Client interface {
	// Complete sends one prompt and returns the model's text response.
	Complete(ctx context.Context, req Request) (Response, error)

	// Name identifies the provider, e.g. "anthropic".
	Name() string
}

// Request is a single completion request.
type Request struct {
	// System sets instructions and context. Optional.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Response is the model output for one request.
type Response struct {
	// Text is the raw model output, which for planning requests is expected
	// to be JSON possibly wrapped in a markdown fence.
	Text string

	// TokensUsed is total input plus output tokens, when the provider
	// reports usage.
	TokensUsed int
}

// CallError is a provider failure with retryability classification.
type CallError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is a transient provider failure worth
// retrying. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Retry backoff bounds for transient errors: 5 s, doubling per attempt,
// capped at 60 s.
const (
	defaultRetryBackoff = 5 * time.Second
	maxRetryBackoff     = 60 * time.Second
)

// RetryingClient wraps a Client with bounded retries on transient errors.
// Backoff doubles per attempt up to maxRetryBackoff.
type RetryingClient struct {
	inner    Client
	attempts int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
}

// WithRetry wraps a client so transient failures are retried. attempts is
// the total number of tries; values below 1 become 3. backoff of zero
// defaults to five seconds.
func WithRetry(inner Client, attempts int, backoff time.Duration) *RetryingClient {
	if attempts < 1 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return &RetryingClient{inner: inner, attempts: attempts, backoff: backoff, sleep: sleepCtx}
}

func (r *RetryingClient) Name() string { return r.inner.Name() }

func (r *RetryingClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	delay := r.backoff
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, delay); err != nil {
				return Response{}, err
			}
			delay *= 2
			if delay > maxRetryBackoff {
				delay = maxRetryBackoff
			}
		}
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("completion failed after %d attempts: %w", r.attempts, lastErr)
}

// TimeoutClient bounds every completion call with a wall-clock ceiling.
type TimeoutClient struct {
	inner   Client
	timeout time.Duration
}

// WithTimeout wraps a client so each Complete call is cancelled after
// timeout. Non-positive values default to one minute.
func WithTimeout(inner Client, timeout time.Duration) *TimeoutClient {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &TimeoutClient{inner: inner, timeout: timeout}
}

func (t *TimeoutClient) Name() string { return t.inner.Name() }

func (t *TimeoutClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := t.inner.Complete(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Response{}, fmt.Errorf("completion timed out after %s: %w", t.timeout, context.DeadlineExceeded)
	}
	return resp, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
