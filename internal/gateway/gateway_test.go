package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/gcsruntime/gcs/internal/llm"
	"github.com/gcsruntime/gcs/internal/tool"
)

// fakeProvider replays canned responses and records requests.
type fakeProvider struct {
	responses []*llm.GenerateResponse
	err       error
	requests  []llm.GenerateRequest
}

func (f *fakeProvider) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeProvider) GenerateStream(_ context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	ch := make(chan llm.StreamEvent, 8)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			ch <- llm.StreamEvent{Kind: llm.StreamChunk, Content: word}
		}
		ch <- llm.StreamEvent{Kind: llm.StreamTokenCounts, Tokens: resp.Tokens, ToolCalls: resp.ToolCalls}
	}()
	return ch, nil
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	err := r.Register(tool.Definition{
		Name:        "website_check",
		Description: "probe a site",
		Parameters: tool.BuildSchema(
			tool.SchemaParam{Name: "url", Type: "string", Description: "url", Required: true},
		),
		Kind: tool.KindLocal,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSystemPrompt_Composition(t *testing.T) {
	g := New(&fakeProvider{}, testRegistry(t))
	g.SetDomainContext("You manage industrial sensors.")

	prompt := g.SystemPrompt()
	domainIdx := strings.Index(prompt, "You manage industrial sensors.")
	registryIdx := strings.Index(prompt, "[TOOL_REGISTRY]")
	formatIdx := strings.Index(prompt, `"tool_call"`)
	if domainIdx < 0 || registryIdx < 0 || formatIdx < 0 {
		t.Fatalf("prompt missing a section: %q", prompt)
	}
	if !(domainIdx < registryIdx && registryIdx < formatIdx) {
		t.Error("prompt sections out of order: domain, registry, format")
	}
	if !strings.Contains(prompt, "website_check") {
		t.Error("registered tool missing from prompt")
	}
}

func TestTurn_AccumulatesTokens(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{
		{Content: "first", Tokens: llm.TokenCounts{Input: 10, Output: 5, Total: 15}},
		{Content: "second", Tokens: llm.TokenCounts{Input: 20, Output: 7, Total: 27}},
	}}
	g := New(p, testRegistry(t))
	turn := g.NewTurn()

	if _, err := turn.Generate(context.Background(), nil, true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := turn.Generate(context.Background(), nil, true, nil); err != nil {
		t.Fatal(err)
	}
	if turn.Totals.Input != 30 || turn.Totals.Output != 12 || turn.Totals.Total != 42 {
		t.Errorf("unexpected totals: %+v", turn.Totals)
	}
}

func TestTurn_ToolsRideAlongOnlyWhenRequested(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{{Content: "x"}}}
	g := New(p, testRegistry(t))
	turn := g.NewTurn()

	if _, err := turn.Generate(context.Background(), nil, true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := turn.Generate(context.Background(), nil, false, nil); err != nil {
		t.Fatal(err)
	}

	if len(p.requests[0].Tools) != 1 {
		t.Errorf("first request must carry the registry tools, got %d", len(p.requests[0].Tools))
	}
	if len(p.requests[1].Tools) != 0 {
		t.Errorf("no-tools request must not carry tools, got %d", len(p.requests[1].Tools))
	}
	if p.requests[0].Messages[0].Role != llm.RoleSystem {
		t.Error("request must lead with the system prompt")
	}
}

func TestTurn_NativeToolCallsPassThrough(t *testing.T) {
	native := []llm.ToolCall{{ID: "call_1", Name: "website_check", Arguments: json.RawMessage(`{"url":"https://x"}`)}}
	p := &fakeProvider{responses: []*llm.GenerateResponse{{ToolCalls: native}}}
	g := New(p, testRegistry(t))

	reply, err := g.NewTurn().Generate(context.Background(), nil, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0].ID != "call_1" {
		t.Errorf("native calls must pass through untouched: %+v", reply.ToolCalls)
	}
}

func TestTurn_TextualFallbackExtraction(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{{
		Content: `{"tool_call": {"agent_name": "website_check", "parameters": {"url": "https://x"}}}`,
	}}}
	g := New(p, testRegistry(t))

	reply, err := g.NewTurn().Generate(context.Background(), nil, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.ToolCalls) != 1 || reply.ToolCalls[0].Name != "website_check" {
		t.Errorf("expected textual fallback extraction: %+v", reply.ToolCalls)
	}
}

func TestTurn_NoExtractionWithoutTools(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{{
		Content: `{"tool_call": {"agent_name": "website_check", "parameters": {}}}`,
	}}}
	g := New(p, testRegistry(t))

	reply, err := g.NewTurn().Generate(context.Background(), nil, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.ToolCalls) != 0 {
		t.Error("the final no-tools prompt must not extract tool calls")
	}
}

func TestTurn_StreamingPath(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{{
		Content: "hello streaming world",
		Tokens:  llm.TokenCounts{Input: 3, Output: 3, Total: 6},
	}}}
	g := New(p, testRegistry(t))
	turn := g.NewTurn()

	var chunks []string
	reply, err := turn.Generate(context.Background(), nil, false, func(delta string) {
		chunks = append(chunks, delta)
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "hello streaming world" {
		t.Errorf("assembled content mismatch: %q", reply.Content)
	}
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %v", chunks)
	}
	if strings.Join(chunks, "") != reply.Content {
		t.Error("chunks must concatenate to the full content")
	}
	if turn.Totals.Total != 6 {
		t.Errorf("stream tokens not accumulated: %+v", turn.Totals)
	}
}

func TestSummarize_FlattensHistory(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{{Content: "  they discussed sensors  "}}}
	g := New(p, testRegistry(t))

	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "check sensor 4"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "website_check"}}},
		{Role: llm.RoleTool, Content: `{"status":"ok"}`, ToolCallID: "c1"},
	}
	summary, err := g.Summarize(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if summary != "they discussed sensors" {
		t.Errorf("summary must be trimmed, got %q", summary)
	}

	req := p.requests[0]
	if len(req.Tools) != 0 {
		t.Error("summary request must not carry tools")
	}
	flat := req.Messages[1].Content
	if !strings.Contains(flat, "check sensor 4") || !strings.Contains(flat, "[called tools: website_check]") {
		t.Errorf("history not flattened as expected: %q", flat)
	}
	for _, m := range req.Messages {
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			t.Error("summary request must not carry tool frames")
		}
	}
}

func TestSummarize_EmptySummaryFails(t *testing.T) {
	p := &fakeProvider{responses: []*llm.GenerateResponse{{Content: "   "}}}
	g := New(p, testRegistry(t))
	if _, err := g.Summarize(context.Background(), nil); err == nil {
		t.Error("expected error for empty summary")
	}
}

func TestTurn_ProviderErrorPropagates(t *testing.T) {
	p := &fakeProvider{err: errors.New("provider down")}
	g := New(p, testRegistry(t))
	if _, err := g.NewTurn().Generate(context.Background(), nil, true, nil); err == nil {
		t.Error("expected provider error to propagate")
	}
}
