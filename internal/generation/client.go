// Package generation talks to the external content-generation collaborator:
// an Ollama-compatible chat endpoint used for both prose generation and the
// quality gate's assessment prompts.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Message is one chat message in the collaborator's API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes one completion request.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Result is the collaborator's reply plus usage accounting.
type Result struct {
	Text       string
	TokensUsed int
}

// Client is the narrow interface the scheduler and quality gate depend on.
// Tests substitute fakes.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts Options) (Result, error)
}

// RateLimitError reports a 429 from the collaborator. The retry policy
// recognizes it via IsRetryable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("generation: rate limited (retry after %s)", e.RetryAfter)
}

// StatusError reports a non-2xx response other than 429.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation: unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is worth retrying: rate limits, server-side
// failures, and network-level errors (including timeouts). Client errors
// (4xx) and cancellations are permanent.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HTTPClient talks to an Ollama-compatible /api/chat endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a client for baseURL. timeout bounds each request;
// apiKey may be empty for local collaborators.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// chatResponse mirrors the non-streaming /api/chat reply.
type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Complete sends one chat completion request and returns the reply text.
func (c *HTTPClient) Complete(ctx context.Context, messages []Message, opts Options) (Result, error) {
	reqBody := chatRequest{
		Model:    opts.Model,
		Messages: messages,
		Stream:   false,
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		reqBody.Options = map[string]any{}
		if opts.Temperature > 0 {
			reqBody.Options["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			reqBody.Options["num_predict"] = opts.MaxTokens
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("generation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("generation: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 5 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if d, err := time.ParseDuration(v + "s"); err == nil {
				retryAfter = d
			}
		}
		return Result{}, &RateLimitError{RetryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("generation: decode response: %w", err)
	}
	return Result{
		Text:       parsed.Message.Content,
		TokensUsed: parsed.PromptEvalCount + parsed.EvalCount,
	}, nil
}
