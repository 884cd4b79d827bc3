package gateway

import (
	"encoding/json"
	"strings"

	"github.com/gcsruntime/gcs/internal/llm"
)

// textualCall is the JSON fallback shape some models emit instead of
// native function calling.
type textualCall struct {
	ToolCall struct {
		AgentName  string         `json:"agent_name"`
		MethodName string         `json:"method_name"`
		Parameters map[string]any `json:"parameters"`
	} `json:"tool_call"`
}

// extractTextualToolCall scans assistant text for a single
// {"tool_call": {...}} object. Parsing is tolerant: markdown fences are
// stripped first, then every balanced top-level JSON object in the text is
// tried until one decodes to the expected shape. The agent_name field is
// the registry tool name; method_name is kept only as a fallback when
// agent_name is absent.
func extractTextualToolCall(content string) (llm.ToolCall, bool) {
	text := stripFences(content)

	for _, candidate := range balancedObjects(text) {
		var tc textualCall
		if err := json.Unmarshal([]byte(candidate), &tc); err != nil {
			continue
		}
		name := tc.ToolCall.AgentName
		if name == "" {
			name = tc.ToolCall.MethodName
		}
		if name == "" {
			continue
		}
		params := tc.ToolCall.Parameters
		if params == nil {
			params = map[string]any{}
		}
		args, err := json.Marshal(params)
		if err != nil {
			continue
		}
		return llm.ToolCall{
			ID:        newCallID(),
			Name:      name,
			Arguments: args,
		}, true
	}
	return llm.ToolCall{}, false
}

// stripFences removes ```json ... ``` (or bare ```) wrappers, returning the
// inner content. Without a closing fence the text is returned unchanged.
func stripFences(s string) string {
	for _, marker := range []string{"```json", "```"} {
		if idx := strings.Index(s, marker); idx >= 0 {
			rest := s[idx+len(marker):]
			if end := strings.Index(rest, "```"); end >= 0 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}
	return strings.TrimSpace(s)
}

// balancedObjects returns every top-level {...} span in s, in order. The
// scanner tracks JSON string state so braces inside quoted values do not
// confuse the depth count.
func balancedObjects(s string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}
