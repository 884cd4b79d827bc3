package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/llm"
)

func testConfig(baseURL string) *Config {
	return &Config{
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "gpt-4o",
		Temperature: 0.7,
		HTTPTimeout: 5 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}
}

func userMessages(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

const successBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
}`

func TestGenerate_Success(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, successBody)
	}))
	defer ts.Close()

	c, err := NewClient(testConfig(ts.URL+"/v1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.Tokens.Input != 9 || resp.Tokens.Output != 3 || resp.Tokens.Total != 12 {
		t.Errorf("usage not mapped: %+v", resp.Tokens)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("unexpected auth header: %q", gotAuth)
	}
}

func TestGenerate_ToolCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"index": 0, "message": {
				"role": "assistant",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "website_check", "arguments": "{\"url\":\"https://x\"}"}}]
			}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10}
		}`)
	}))
	defer ts.Close()

	c, _ := NewClient(testConfig(ts.URL+"/v1"), nil)
	resp, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("check")})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "website_check" || string(tc.Arguments) != `{"url":"https://x"}` {
		t.Errorf("tool call not mapped: %+v", tc)
	}
}

func TestGenerate_RetriesServerError(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"upstream hiccup"}}`, http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, successBody)
	}))
	defer ts.Close()

	c, _ := NewClient(testConfig(ts.URL+"/v1"), nil)
	resp, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello there" {
		t.Errorf("unexpected content after retry: %q", resp.Content)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestGenerate_AuthErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer ts.Close()

	c, _ := NewClient(testConfig(ts.URL+"/v1"), nil)
	_, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")})
	if fault.KindOf(err) != fault.AuthError {
		t.Errorf("expected AUTH_ERROR, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("auth errors must not retry, got %d attempts", attempts.Load())
	}
}

func TestGenerate_RateLimitExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer ts.Close()

	c, _ := NewClient(testConfig(ts.URL+"/v1"), nil)
	_, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")})
	if fault.KindOf(err) != fault.RateLimit {
		t.Errorf("expected RATE_LIMIT, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected all 3 attempts, got %d", attempts.Load())
	}
}

func TestGenerate_NoMessages(t *testing.T) {
	c, _ := NewClient(testConfig("http://127.0.0.1:1/v1"), nil)
	if _, err := c.Generate(context.Background(), llm.GenerateRequest{}); err == nil {
		t.Error("expected error for an empty message list")
	}
}

type staticBearer struct {
	token string
	err   error
}

func (b staticBearer) AccessToken(context.Context) (string, error) { return b.token, b.err }

func TestGenerate_BearerSource(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, successBody)
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL + "/v1")
	cfg.APIKey = ""
	c, _ := NewClient(cfg, staticBearer{token: "oauth-tok"})
	if _, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")}); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer oauth-tok" {
		t.Errorf("bearer token not used: %q", gotAuth)
	}
}

func TestGenerate_BearerFailure(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/v1")
	cfg.APIKey = ""
	c, _ := NewClient(cfg, staticBearer{err: errors.New("refresh failed")})
	_, err := c.Generate(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")})
	if fault.KindOf(err) != fault.AuthError {
		t.Errorf("expected AUTH_ERROR, got %v", err)
	}
}

func TestGenerateStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Error("expected a streaming request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c, _ := NewClient(testConfig(ts.URL+"/v1"), nil)
	events, err := c.GenerateStream(context.Background(), llm.GenerateRequest{Messages: userMessages("hi")})
	if err != nil {
		t.Fatal(err)
	}

	var content string
	var tokens *llm.TokenCounts
	for ev := range events {
		switch ev.Kind {
		case llm.StreamChunk:
			content += ev.Content
		case llm.StreamTokenCounts:
			tk := ev.Tokens
			tokens = &tk
		case llm.StreamError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}
	if content != "Hello" {
		t.Errorf("chunks not delivered: %q", content)
	}
	if tokens == nil || tokens.Total != 7 {
		t.Errorf("usage not delivered: %+v", tokens)
	}
}

func TestGenerateStream_ToolCallDeltas(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"probe","arguments":"{\"a\""}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":4,"total_tokens":8}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c, _ := NewClient(testConfig(ts.URL+"/v1"), nil)
	events, err := c.GenerateStream(context.Background(), llm.GenerateRequest{Messages: userMessages("probe it")})
	if err != nil {
		t.Fatal(err)
	}

	var calls []llm.ToolCall
	for ev := range events {
		if ev.Kind == llm.StreamTokenCounts {
			calls = ev.ToolCalls
		}
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 accumulated call, got %d", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "probe" || string(calls[0].Arguments) != `{"a":1}` {
		t.Errorf("deltas not merged: %+v", calls[0])
	}
}

func TestToolCallAccumulator(t *testing.T) {
	idx0, idx1 := 0, 1
	acc := newToolCallAccumulator()
	acc.add([]openailib.ToolCall{
		{Index: &idx0, ID: "call_a", Function: openailib.FunctionCall{Name: "alpha", Arguments: `{"x"`}},
	})
	acc.add([]openailib.ToolCall{
		{Index: &idx1, ID: "call_b", Function: openailib.FunctionCall{Name: "beta", Arguments: `{}`}},
		{Index: &idx0, Function: openailib.FunctionCall{Arguments: `:true}`}},
	})

	calls := acc.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "alpha" || string(calls[0].Arguments) != `{"x":true}` {
		t.Errorf("first call wrong: %+v", calls[0])
	}
	if calls[1].Name != "beta" || string(calls[1].Arguments) != `{}` {
		t.Errorf("second call wrong: %+v", calls[1])
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      fault.Kind
		retryable bool
	}{
		{429, fault.RateLimit, true},
		{500, fault.ServerError, true},
		{503, fault.ServerError, true},
		{401, fault.AuthError, false},
		{403, fault.AuthError, false},
		{400, fault.ExecutionFailed, false},
	}
	for _, tc := range cases {
		kind, retryable := classifyStatus(tc.status)
		if kind != tc.kind || retryable != tc.retryable {
			t.Errorf("status %d: got %s/%v, want %s/%v", tc.status, kind, retryable, tc.kind, tc.retryable)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 1 {
		t.Errorf("empty text: got %d", got)
	}
	// 8 ASCII chars ≈ 8/4 + 1 tokens.
	if got := estimateTokens("abcdefgh"); got != 3 {
		t.Errorf("ascii: got %d", got)
	}
	// 4 CJK chars ≈ 4/2 + 1 tokens.
	if got := estimateTokens("你好世界"); got != 3 {
		t.Errorf("cjk: got %d", got)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(nil, nil); err == nil {
		t.Error("nil config must be rejected")
	}
	if _, err := NewClient(&Config{Model: ""}, nil); err == nil {
		t.Error("empty model must be rejected")
	}
	if _, err := NewClient(&Config{Model: "m", Temperature: 3}, nil); err == nil {
		t.Error("out-of-range temperature must be rejected")
	}
}
