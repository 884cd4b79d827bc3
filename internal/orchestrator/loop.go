// Package orchestrator runs the bounded LLM↔tool dialogue for one user
// input: tool-call extraction, sequential execution with duplicate
// detection, the final no-tools prompt when the call budget is spent, and
// the causal stream of turn events.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/gcsruntime/gcs/internal/conversation"
	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/gateway"
	"github.com/gcsruntime/gcs/internal/llm"
	"github.com/gcsruntime/gcs/internal/tool"
)

// EventType discriminates turn stream events. Within a turn events are
// emitted in causal order: tool_call* → tool_response* →
// assistant_response → token_counts → final_response.
type EventType string

const (
	EventChunk             EventType = "chunk"
	EventToolCall          EventType = "tool_call"
	EventToolResponse      EventType = "tool_response"
	EventAssistantResponse EventType = "assistant_response"
	EventTokenCounts       EventType = "token_counts"
	EventFinalResponse     EventType = "final_response"
	EventError             EventType = "error"
)

// Event is one element of a turn's stream.
type Event struct {
	Type            EventType        `json:"type"`
	Content         string           `json:"content,omitempty"`
	ToolName        string           `json:"tool_name,omitempty"`
	Params          map[string]any   `json:"params,omitempty"`
	Result          *tool.Result     `json:"result,omitempty"`
	Tokens          *llm.TokenCounts `json:"tokens,omitempty"`
	Messages        []llm.Message    `json:"messages,omitempty"`
	SuggestedAgents []string         `json:"suggested_agents,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
}

// Executor is the slice of the execution manager the loop needs.
type Executor interface {
	StartTurn()
	Execute(ctx context.Context, toolName string, params map[string]any) tool.Result
}

const finalPrompt = `You have used your tool budget for this request. Do not call any more tools. Based on the results above, give the user a plain-language answer. If other agents or tools might help further, end with a line starting with "Suggested Agents:" listing their names.`

// shortcutMessages maps recognised failure kinds to deterministic
// user-facing answers, used when every tool call of a turn failed with a
// recognised kind and a further LLM call would add nothing.
var shortcutMessages = map[string]string{
	"DNS_ERROR": "The domain does not exist or cannot be resolved. Please verify the spelling of the domain name.",
}

// Loop drives the turns of a single conversation. Not safe for concurrent
// turns; the kernel serialises per conversation.
type Loop struct {
	store        *conversation.Store
	gw           *gateway.Gateway
	exec         Executor
	maxToolCalls int
}

// NewLoop creates a turn loop. maxToolCalls <= 0 falls back to 2.
func NewLoop(store *conversation.Store, gw *gateway.Gateway, exec Executor, maxToolCalls int) *Loop {
	if maxToolCalls <= 0 {
		maxToolCalls = 2
	}
	return &Loop{store: store, gw: gw, exec: exec, maxToolCalls: maxToolCalls}
}

// Run executes one user turn, calling emit for every stream event in
// order. The returned error mirrors the terminal error event; a normal
// turn returns nil after final_response.
func (l *Loop) Run(ctx context.Context, input string, emit func(Event)) error {
	if err := ctx.Err(); err != nil {
		return l.fail(emit, fault.Wrap(fault.Cancelled, err, "turn"))
	}

	l.store.Append(llm.Message{Role: llm.RoleUser, Content: input})
	if _, err := l.store.CompressIfNeeded(ctx, l.gw); err != nil {
		log.Printf("[Orchestrator] Compression warning: %v", err)
	}

	l.exec.StartTurn()
	turn := l.gw.NewTurn()
	executed := make(map[string]bool)
	var results []tool.Result
	callsUsed := 0
	duplicate := false

	var final string
	for final == "" {
		if err := ctx.Err(); err != nil {
			return l.fail(emit, fault.Wrap(fault.Cancelled, err, "turn"))
		}
		reply, err := turn.Generate(ctx, l.store.Snapshot(), true, nil)
		if err != nil {
			return l.fail(emit, err)
		}

		if len(reply.ToolCalls) == 0 {
			final = reply.Content
			l.store.Append(llm.Message{Role: llm.RoleAssistant, Content: final})
			break
		}

		l.store.Append(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})

		for _, call := range reply.ToolCalls {
			if callsUsed >= l.maxToolCalls {
				break
			}
			key := callKey(call)
			if executed[key] {
				log.Printf("[Orchestrator] Duplicate tool call %s, terminating loop", call.Name)
				duplicate = true
				break
			}
			executed[key] = true

			params := decodeParams(call.Arguments)
			emit(Event{Type: EventToolCall, ToolName: call.Name, Params: params})

			var result tool.Result
			if params == nil {
				result = tool.Result{
					ToolName:  call.Name,
					Success:   false,
					Error:     "tool call arguments are not a JSON object",
					ErrorKind: string(fault.LLMParseError),
				}
			} else {
				result = l.exec.Execute(ctx, call.Name, params)
			}
			callsUsed++
			results = append(results, result)
			emit(Event{Type: EventToolResponse, ToolName: call.Name, Result: &result})

			if fault.Kind(result.ErrorKind) == fault.Cancelled {
				return l.fail(emit, fault.New(fault.Cancelled, "turn cancelled during %s", call.Name))
			}

			l.store.Append(llm.Message{
				Role:       llm.RoleTool,
				Content:    toolContent(result),
				ToolCallID: call.ID,
			})
		}

		if duplicate || callsUsed >= l.maxToolCalls {
			text, err := l.finalize(ctx, turn, results, emit)
			if err != nil {
				return l.fail(emit, err)
			}
			final = text
			l.store.Append(llm.Message{Role: llm.RoleAssistant, Content: final})
		}
	}

	emit(Event{Type: EventAssistantResponse, Content: final})
	totals := turn.Totals
	emit(Event{Type: EventTokenCounts, Tokens: &totals})
	emit(Event{
		Type:            EventFinalResponse,
		Messages:        l.store.Snapshot(),
		SuggestedAgents: suggestedAgents(final),
	})
	return nil
}

// finalize produces the turn's closing answer once the budget is spent or
// a duplicate call terminated the loop: the deterministic shortcut when
// every result failed with a recognised kind, otherwise one more LLM call
// with tools withheld.
func (l *Loop) finalize(ctx context.Context, turn *gateway.Turn, results []tool.Result, emit func(Event)) (string, error) {
	if text, ok := shortcut(results); ok {
		log.Printf("[Orchestrator] All tool calls failed with recognised errors, skipping final LLM call")
		return text, nil
	}

	if err := ctx.Err(); err != nil {
		return "", fault.Wrap(fault.Cancelled, err, "turn")
	}
	history := append(l.store.Snapshot(), llm.Message{Role: llm.RoleUser, Content: finalPrompt})
	reply, err := turn.Generate(ctx, history, false, func(delta string) {
		emit(Event{Type: EventChunk, Content: delta})
	})
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// shortcut reports the deterministic answer when all results are failures
// with recognised kinds.
func shortcut(results []tool.Result) (string, bool) {
	if len(results) == 0 {
		return "", false
	}
	for _, r := range results {
		if r.Success {
			return "", false
		}
		if _, ok := shortcutMessages[r.ErrorKind]; !ok {
			return "", false
		}
	}
	// Walk the results so the answer order is deterministic.
	var parts []string
	emitted := make(map[string]bool)
	for _, r := range results {
		msg := shortcutMessages[r.ErrorKind]
		if !emitted[msg] {
			emitted[msg] = true
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, " "), true
}

// callKey builds the duplicate-detection key from the tool name and the
// canonical re-marshalled arguments (Go maps marshal with sorted keys).
func callKey(call llm.ToolCall) string {
	params := decodeParams(call.Arguments)
	if params == nil {
		return call.Name + "\x00" + string(call.Arguments)
	}
	canon, err := json.Marshal(params)
	if err != nil {
		return call.Name + "\x00" + string(call.Arguments)
	}
	return call.Name + "\x00" + string(canon)
}

// decodeParams parses tool-call arguments; nil means not a JSON object.
func decodeParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	return params
}

// toolContent shapes a result into the tool message fed back to the LLM.
func toolContent(r tool.Result) string {
	if r.Success {
		return r.LLMContent
	}
	if r.Error != "" {
		return fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Error)
	}
	return "Error: tool execution failed"
}

// suggestedAgents extracts the advisory "Suggested Agents:" list from the
// final answer, if present.
func suggestedAgents(final string) []string {
	idx := strings.LastIndex(final, "Suggested Agents:")
	if idx < 0 {
		return nil
	}
	line := final[idx+len("Suggested Agents:"):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	var agents []string
	for _, part := range strings.Split(line, ",") {
		name := strings.Trim(strings.TrimSpace(part), "`*.")
		if name != "" {
			agents = append(agents, name)
		}
	}
	return agents
}

func (l *Loop) fail(emit func(Event), err error) error {
	emit(Event{
		Type:      EventError,
		Content:   err.Error(),
		ErrorKind: string(fault.KindOf(err)),
	})
	return err
}
