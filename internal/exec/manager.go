package exec

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/tool"
)

// Execution states. States progress monotonically.
const (
	StateValidating       = "validating"
	StateAwaitingApproval = "awaiting_approval"
	StateScheduled        = "scheduled"
	StateExecuting        = "executing"
	StateCompleted        = "completed"
)

// Execution is the per-invocation record, retained for the turn.
type Execution struct {
	ID           string
	ToolName     string
	Parameters   map[string]any
	State        string
	ApprovalMode string
	Approved     bool
	SubmittedAt  time.Time
	ExecutedAt   time.Time
	CompletedAt  time.Time
	Result       *tool.Result
}

// MCPCaller is the slice of the MCP manager the executor needs.
type MCPCaller interface {
	CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (string, error)
}

// Manager routes every tool invocation through one pipeline: lookup,
// validation, approval, dispatch, deadline, record. It never retries;
// retry policy belongs to the caller.
type Manager struct {
	registry    *tool.Registry
	mcp         MCPCaller
	approvals   *ApprovalQueue
	execTimeout time.Duration

	mu         sync.Mutex
	mode       string // global approval mode: default/auto/plan/yolo
	executions []*Execution
}

// NewManager creates an execution manager. mcp may be nil when no external
// servers are configured; external calls then fail with NO_ROUTE.
func NewManager(registry *tool.Registry, mcp MCPCaller, approvals *ApprovalQueue, mode string, execTimeout time.Duration) *Manager {
	if execTimeout <= 0 {
		execTimeout = 30 * time.Second
	}
	if mode == "" {
		mode = "default"
	}
	return &Manager{
		registry:    registry,
		mcp:         mcp,
		approvals:   approvals,
		mode:        mode,
		execTimeout: execTimeout,
	}
}

// Mode returns the global approval mode.
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches the global approval mode at runtime.
func (m *Manager) SetMode(mode string) error {
	switch mode {
	case "default", "auto", "plan", "yolo":
	default:
		return fault.New(fault.ValidationError, "unknown approval mode %q", mode)
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	log.Printf("[Exec] Approval mode set to %s", mode)
	return nil
}

// StartTurn drops the previous turn's execution records.
func (m *Manager) StartTurn() {
	m.mu.Lock()
	m.executions = nil
	m.mu.Unlock()
}

// Executions returns the records accumulated since StartTurn.
func (m *Manager) Executions() []*Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Execution, len(m.executions))
	copy(out, m.executions)
	return out
}

// Execute runs one tool call through the full pipeline and always returns a
// shaped Result; infrastructure failures are folded into it, never raised.
func (m *Manager) Execute(ctx context.Context, toolName string, params map[string]any) tool.Result {
	exec := &Execution{
		ID:          uuid.NewString(),
		ToolName:    toolName,
		Parameters:  params,
		State:       StateValidating,
		SubmittedAt: time.Now(),
	}
	m.mu.Lock()
	m.executions = append(m.executions, exec)
	m.mu.Unlock()

	result := m.run(ctx, exec, toolName, params)
	exec.State = StateCompleted
	exec.CompletedAt = time.Now()
	exec.Result = &result
	log.Printf("[Exec] %s success=%v: %s", toolName, result.Success, truncateRunes(firstNonEmpty(result.LLMContent, result.Error), 120))
	return result
}

func (m *Manager) run(ctx context.Context, exec *Execution, toolName string, params map[string]any) tool.Result {
	// 1. Lookup.
	def, ok := m.registry.Get(toolName)
	if !ok {
		return failResult(toolName, fault.ToolNotFound, fmt.Sprintf("tool %q is not registered", toolName))
	}

	// 2. Validate against the tool's JSON Schema.
	if err := m.registry.ValidateParams(toolName, params); err != nil {
		return failFromError(toolName, err)
	}

	// 3. Approval gate.
	mode := m.Mode()
	exec.ApprovalMode = mode
	if requiresApproval(mode, def) {
		exec.State = StateAwaitingApproval
		if m.approvals == nil {
			return failResult(toolName, fault.ApprovalDenied, "no approval channel available")
		}
		if err := m.approvals.Await(ctx, &ApprovalRequest{
			ExecutionID: exec.ID,
			ToolName:    toolName,
			Params:      params,
		}); err != nil {
			return failFromError(toolName, err)
		}
	}
	exec.Approved = true
	exec.State = StateScheduled

	// 4–5. Route and execute under the per-invocation deadline.
	exec.State = StateExecuting
	exec.ExecutedAt = time.Now()
	return m.dispatch(ctx, def, params)
}

// dispatch routes by kind and enforces the execution deadline. The handler
// runs in its own goroutine so a deadline fires even if the handler ignores
// its context; the goroutine is abandoned in that case.
func (m *Manager) dispatch(ctx context.Context, def tool.Definition, params map[string]any) tool.Result {
	execCtx, cancel := context.WithTimeout(ctx, m.execTimeout)
	defer cancel()

	type outcome struct {
		result tool.Result
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fault.New(fault.ExecutionFailed, "tool %q panicked: %v", def.Name, r)}
			}
		}()
		switch def.Kind {
		case tool.KindLocal, tool.KindService:
			if def.Handler == nil {
				ch <- outcome{err: fault.New(fault.NoRoute, "tool %q has no handler", def.Name)}
				return
			}
			res, err := def.Handler(execCtx, params)
			ch <- outcome{result: res, err: err}
		case tool.KindExternal:
			if m.mcp == nil {
				ch <- outcome{err: fault.New(fault.NoRoute, "no MCP manager configured")}
				return
			}
			text, err := m.mcp.CallTool(execCtx, def.Origin, def.Name, params)
			if err != nil {
				ch <- outcome{err: err}
				return
			}
			ch <- outcome{result: tool.Result{
				ToolName:       def.Name,
				Success:        true,
				LLMContent:     text,
				DisplayContent: text,
			}}
		default:
			ch <- outcome{err: fault.New(fault.NoRoute, "tool %q has unknown kind %q", def.Name, def.Kind)}
		}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return failFromError(def.Name, out.err)
		}
		res := out.result
		res.ToolName = def.Name
		if !res.Success && res.Error == "" && res.LLMContent == "" {
			res.Error = "tool reported failure without detail"
		}
		return res
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return failResult(def.Name, fault.Cancelled, "execution cancelled")
		}
		return failResult(def.Name, fault.ExecutionTimeout, fmt.Sprintf("tool %q exceeded %v deadline", def.Name, m.execTimeout))
	}
}

// requiresApproval applies the global mode and per-tool policy.
func requiresApproval(mode string, def tool.Definition) bool {
	if mode == "yolo" || def.Approval == tool.ApprovalYolo {
		return false
	}
	switch mode {
	case "auto":
		return !(def.ReadOnly || def.Approval == tool.ApprovalAuto)
	case "plan":
		return !(def.ReadOnly || def.Approval == tool.ApprovalPlan || def.Approval == tool.ApprovalAuto)
	default: // "default"
		switch def.Approval {
		case tool.ApprovalAuto:
			return !def.ReadOnly
		default:
			return true
		}
	}
}

func failResult(toolName string, kind fault.Kind, msg string) tool.Result {
	return tool.Result{
		ToolName:       toolName,
		Success:        false,
		Error:          msg,
		ErrorKind:      string(kind),
		DisplayContent: msg,
	}
}

func failFromError(toolName string, err error) tool.Result {
	return failResult(toolName, fault.KindOf(err), err.Error())
}

// truncateRunes caps log lines at maxRunes code points, appending "..."
// when something was cut. Rune-based so multibyte content is never split.
func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
