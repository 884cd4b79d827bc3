// Package tool describes the catalogue of invocable capabilities: local
// functions, internal services, and remote MCP tools. The registry only
// describes tools; execution lives in internal/exec.
package tool

import (
	"context"
	"encoding/json"
)

// Kind discriminates how a tool is dispatched.
type Kind string

const (
	KindLocal    Kind = "local"    // in-process function
	KindService  Kind = "service"  // always-on internal service method
	KindExternal Kind = "external" // delegated to an MCP server
)

// ApprovalPolicy is the per-tool rule for execution gating.
type ApprovalPolicy string

const (
	ApprovalDefault ApprovalPolicy = "default" // explicit approval required
	ApprovalAuto    ApprovalPolicy = "auto"    // auto-approve read-only tools
	ApprovalPlan    ApprovalPolicy = "plan"    // approve side-effect-free tools
	ApprovalYolo    ApprovalPolicy = "yolo"    // always auto-approve
)

// Result is the uniform tool execution outcome. Exactly one of Success=true
// (with LLMContent) or Success=false (with Error) holds once an execution
// completes.
type Result struct {
	ToolName       string `json:"tool_name"`
	Success        bool   `json:"success"`
	LLMContent     string `json:"llm_content"`     // fed back to the LLM
	DisplayContent string `json:"display_content"` // shown to the user
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"` // taxonomy code or tool-specific type (e.g. DNS_ERROR)
}

// Handler executes a local or service tool. args is the schema-validated
// parameter map. Handlers report failures through the Result, not the error;
// a non-nil error means the handler itself blew up.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Definition is a registry entry. For external tools, Origin names the
// owning MCP server and Handler is nil.
type Definition struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON-Schema object
	Kind        Kind            `json:"kind"`
	Origin      string          `json:"origin,omitempty"`
	Approval    ApprovalPolicy  `json:"approval_policy,omitempty"`
	ReadOnly    bool            `json:"read_only,omitempty"` // idempotent hint for approval mode "auto"

	Handler Handler `json:"-"`
}

// EventType labels registry change notifications.
type EventType string

const (
	EventAdded   EventType = "tool_added"
	EventUpdated EventType = "tool_updated"
	EventRemoved EventType = "tool_removed"
)

// Event is one registry change notification.
type Event struct {
	Type EventType
	Tool Definition
}

// SchemaParam describes a single parameter for the BuildSchema helper.
type SchemaParam struct {
	Name        string
	Type        string // "string", "integer", "boolean", "number"
	Description string
	Required    bool
	Enum        []string
}

// BuildSchema generates a standard JSON Schema object from a list of
// SchemaParams, so built-in tools avoid hand-writing JSON strings.
func BuildSchema(params ...SchemaParam) json.RawMessage {
	properties := make(map[string]any)
	var required []string

	for _, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	data, _ := json.Marshal(schema)
	return data
}
