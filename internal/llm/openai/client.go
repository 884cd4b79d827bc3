// Package openai implements llm.Provider over the OpenAI-compatible chat
// completions protocol. Works with any endpoint speaking that API
// (OpenAI, litellm, Ollama, vLLM, Qwen, …).
package openai

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/llm"
)

// BearerSource supplies a fresh bearer token before each request, for
// providers that authenticate via OAuth instead of a static API key.
// The credential store implements this.
type BearerSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client implements llm.Provider using the OpenAI-compatible protocol.
type Client struct {
	config  *Config
	bearer  BearerSource // nil = static APIKey auth
	counter tokenCounter
}

// NewClient creates a new OpenAI-compatible client. bearer may be nil.
func NewClient(config *Config, bearer BearerSource) (*Client, error) {
	if config == nil {
		return nil, fault.New(fault.AuthError, "config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fault.Wrap(fault.AuthError, err, "invalid config")
	}
	return &Client{config: config, bearer: bearer}, nil
}

// GetConfig returns the client's configuration.
func (c *Client) GetConfig() *Config { return c.config }

// inner builds the SDK client for one request, resolving the bearer token
// when a BearerSource is configured. Construction is cheap; building per
// request keeps refreshed tokens current.
func (c *Client) inner(ctx context.Context) (*openailib.Client, error) {
	key := c.config.APIKey
	if c.bearer != nil {
		tok, err := c.bearer.AccessToken(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.AuthError, err, "obtain bearer token")
		}
		key = tok
	}
	if key == "" {
		return nil, fault.New(fault.AuthError, "no API key or bearer token configured")
	}
	cfg := openailib.DefaultConfig(key)
	if c.config.BaseURL != "" {
		cfg.BaseURL = c.config.BaseURL
	}
	if c.config.HTTPTimeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: c.config.HTTPTimeout}
	}
	return openailib.NewClientWithConfig(cfg), nil
}

// buildRequest converts a GenerateRequest to the SDK request shape.
func (c *Client) buildRequest(req llm.GenerateRequest, stream bool) openailib.ChatCompletionRequest {
	msgs := make([]openailib.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		om := openailib.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openailib.ToolCall{
				ID:   call.ID,
				Type: openailib.ToolTypeFunction,
				Function: openailib.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		msgs[i] = om
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	out := openailib.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if out.Temperature == 0 {
		out.Temperature = c.config.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	} else if c.config.MaxTokens > 0 {
		out.MaxTokens = c.config.MaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openailib.StreamOptions{IncludeUsage: true}
	}
	return out
}

// Generate sends a request and returns the complete response.
// Transient errors (network, 429, 5xx) are retried with exponential backoff
// and jitter; everything else surfaces immediately.
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	inner, err := c.inner(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.ExecutionFailed, "no messages to send")
	}
	oreq := c.buildRequest(req, false)

	var resp openailib.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		resp, lastErr = inner.CreateChatCompletion(ctx, oreq)
		if lastErr == nil {
			break
		}
		kind, retryable := classify(lastErr)
		if !retryable || attempt == c.config.MaxRetries-1 {
			return nil, fault.Wrap(kind, lastErr, "chat completion")
		}
		wait := c.backoff(attempt)
		log.Printf("[LLM] Retry %d/%d after %v: %v", attempt+1, c.config.MaxRetries, wait, lastErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, ctx.Err(), "chat completion")
		}
	}

	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.ServerError, "no choices returned")
	}
	choice := resp.Choices[0].Message

	out := &llm.GenerateResponse{Content: choice.Content}
	for _, call := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: []byte(call.Function.Arguments),
		})
	}
	out.Tokens = c.tokens(oreq.Model, resp.Usage, req.Messages, choice.Content)
	return out, nil
}

// GenerateStream sends a request and streams events. The terminal
// token_counts event carries final accounting and accumulated tool calls.
func (c *Client) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	inner, err := c.inner(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.ExecutionFailed, "no messages to send")
	}
	oreq := c.buildRequest(req, true)

	stream, err := inner.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		kind, _ := classify(err)
		return nil, fault.Wrap(kind, err, "create stream")
	}

	events := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		var content []byte
		var usage *openailib.Usage
		acc := newToolCallAccumulator()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				kind, _ := classify(err)
				events <- llm.StreamEvent{Kind: llm.StreamError, Err: fault.Wrap(kind, err, "stream recv")}
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				content = append(content, delta.Content...)
				select {
				case events <- llm.StreamEvent{Kind: llm.StreamChunk, Content: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			acc.add(delta.ToolCalls)
		}

		final := llm.StreamEvent{Kind: llm.StreamTokenCounts, ToolCalls: acc.calls()}
		var u openailib.Usage
		if usage != nil {
			u = *usage
		}
		final.Tokens = c.tokens(oreq.Model, u, req.Messages, string(content))
		events <- final
	}()
	return events, nil
}

// tokens prefers provider usage fields and falls back to local counting.
func (c *Client) tokens(model string, usage openailib.Usage, prompt []llm.Message, completion string) llm.TokenCounts {
	if usage.TotalTokens > 0 || usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
		total := usage.TotalTokens
		if total == 0 {
			total = usage.PromptTokens + usage.CompletionTokens
		}
		return llm.TokenCounts{Input: usage.PromptTokens, Output: usage.CompletionTokens, Total: total}
	}
	in := c.counter.countMessages(model, prompt)
	out := c.counter.count(model, completion)
	return llm.TokenCounts{Input: in, Output: out, Total: in + out}
}

// backoff computes the exponential delay with jitter for a retry attempt.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.BackoffBase << uint(attempt)
	if d > c.config.BackoffCap {
		d = c.config.BackoffCap
	}
	// Half fixed, half jitter, so concurrent retries spread out.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// classify maps an SDK error to a taxonomy kind and retryability.
func classify(err error) (fault.Kind, bool) {
	var apiErr *openailib.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openailib.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Cancelled, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.NetworkError, true
	}
	// Anything else at this layer is a transport failure.
	return fault.NetworkError, true
}

func classifyStatus(status int) (fault.Kind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return fault.RateLimit, true
	case status >= 500:
		return fault.ServerError, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.AuthError, false
	default:
		return fault.ExecutionFailed, false
	}
}

// toolCallAccumulator merges streamed tool-call deltas by index. Providers
// split a single call's arguments across many chunks; only the first chunk
// carries the id and name.
type toolCallAccumulator struct {
	order []int
	byIdx map[int]*llm.ToolCall
	args  map[int][]byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIdx: make(map[int]*llm.ToolCall), args: make(map[int][]byte)}
}

func (a *toolCallAccumulator) add(deltas []openailib.ToolCall) {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		call, ok := a.byIdx[idx]
		if !ok {
			call = &llm.ToolCall{}
			a.byIdx[idx] = call
			a.order = append(a.order, idx)
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Function.Name != "" {
			call.Name = d.Function.Name
		}
		if d.Function.Arguments != "" {
			a.args[idx] = append(a.args[idx], d.Function.Arguments...)
		}
	}
}

func (a *toolCallAccumulator) calls() []llm.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := *a.byIdx[idx]
		call.Arguments = a.args[idx]
		out = append(out, call)
	}
	return out
}
