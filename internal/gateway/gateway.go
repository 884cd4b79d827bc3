// Package gateway assembles provider requests for a conversation: system
// prompt from domain context plus the live tool registry, registry snapshot
// converted to the provider's tool schema, and running token totals per
// user turn. It also extracts tool-call intents from provider replies,
// accepting both native structured calls and a textual JSON fallback.
package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gcsruntime/gcs/internal/llm"
	"github.com/gcsruntime/gcs/internal/tool"
)

const toolCallFormatInstructions = `When you need to invoke a tool, either use native function calling or reply with exactly one JSON object of the form:
{"tool_call": {"agent_name": "<tool name>", "method_name": "<method>", "parameters": {...}}}
Do not wrap the JSON in prose. When no tool is needed, answer the user directly in plain language.`

const summaryInstruction = "Summarize the following conversation concisely, preserving facts, decisions and open tasks. Reply with the summary only."

// Gateway builds LLM requests for one runtime. It is safe for concurrent
// use by multiple conversations.
type Gateway struct {
	provider llm.Provider
	registry *tool.Registry

	mu            sync.RWMutex
	domainContext string
}

// New creates a gateway over the given provider and registry.
func New(provider llm.Provider, registry *tool.Registry) *Gateway {
	return &Gateway{provider: provider, registry: registry}
}

// SetDomainContext installs the configuration's domain context, prepended
// to every system prompt. Empty clears it.
func (g *Gateway) SetDomainContext(text string) {
	g.mu.Lock()
	g.domainContext = text
	g.mu.Unlock()
}

// SystemPrompt composes the system message from the domain context, the
// current registry catalogue and the tool-call format contract. It is
// rebuilt per request so registry changes are visible immediately.
func (g *Gateway) SystemPrompt() string {
	g.mu.RLock()
	domain := g.domainContext
	g.mu.RUnlock()

	var sb strings.Builder
	if domain != "" {
		sb.WriteString(domain)
		sb.WriteString("\n\n")
	}
	sb.WriteString(g.registry.DescribeAll())
	sb.WriteString("\n\n")
	sb.WriteString(toolCallFormatInstructions)
	return sb.String()
}

// providerTools converts the registry snapshot to provider tool definitions.
func (g *Gateway) providerTools() []llm.ToolDefinition {
	defs := g.registry.Snapshot()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// Reply is one provider response after extraction: either tool calls or a
// textual answer, plus the call's token counts.
type Reply struct {
	Content   string
	ToolCalls []llm.ToolCall
	Tokens    llm.TokenCounts
}

// Turn accumulates token counts across the LLM calls of one user turn.
// Not safe for concurrent use; a turn belongs to one loop iteration.
type Turn struct {
	g      *Gateway
	Totals llm.TokenCounts
}

// NewTurn starts a fresh accumulation window.
func (g *Gateway) NewTurn() *Turn {
	return &Turn{g: g}
}

// Generate sends the history with a freshly composed system prompt. When
// withTools is true the registry catalogue rides along as provider tools;
// the final no-tools prompt of a turn passes false. A non-nil onChunk
// switches to the streaming path and receives content deltas in order.
func (t *Turn) Generate(ctx context.Context, history []llm.Message, withTools bool, onChunk func(string)) (*Reply, error) {
	req := llm.GenerateRequest{
		Messages: append([]llm.Message{{Role: llm.RoleSystem, Content: t.g.SystemPrompt()}}, history...),
	}
	if withTools {
		req.Tools = t.g.providerTools()
	}

	var resp *llm.GenerateResponse
	var err error
	if onChunk != nil {
		resp, err = t.g.collectStream(ctx, req, onChunk)
	} else {
		resp, err = t.g.provider.Generate(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	t.Totals.Add(resp.Tokens)

	reply := &Reply{
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		Tokens:    resp.Tokens,
	}
	if len(reply.ToolCalls) == 0 && withTools {
		if tc, ok := extractTextualToolCall(resp.Content); ok {
			log.Printf("[Gateway] Extracted textual tool call: %s", tc.Name)
			reply.ToolCalls = []llm.ToolCall{tc}
		}
	}
	return reply, nil
}

// collectStream drains the provider's stream into a single response,
// forwarding content deltas to onChunk as they arrive.
func (g *Gateway) collectStream(ctx context.Context, req llm.GenerateRequest, onChunk func(string)) (*llm.GenerateResponse, error) {
	events, err := g.provider.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	resp := &llm.GenerateResponse{}
	for ev := range events {
		switch ev.Kind {
		case llm.StreamChunk:
			sb.WriteString(ev.Content)
			onChunk(ev.Content)
		case llm.StreamError:
			return nil, ev.Err
		case llm.StreamTokenCounts:
			resp.Tokens = ev.Tokens
			resp.ToolCalls = ev.ToolCalls
		}
	}
	resp.Content = sb.String()
	return resp, nil
}

// Summarize implements conversation summarisation for the store's
// compression pass. Tool frames are flattened to text so the summary call
// never carries tool_call ids the provider would reject.
func (g *Gateway) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		if m.Content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			fmt.Fprintf(&sb, "%s: [called tools: %s]\n", m.Role, strings.Join(names, ", "))
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := g.provider.Generate(ctx, llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryInstruction},
			{Role: llm.RoleUser, Content: sb.String()},
		},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("gateway: empty summary from provider")
	}
	return summary, nil
}

// newCallID labels extracted textual tool calls so downstream tool
// messages can reference them like native ones.
func newCallID() string {
	return "call_" + uuid.NewString()
}
