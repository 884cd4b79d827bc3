// Package kernel owns and wires the runtime: one tool registry, one MCP
// connection manager, one execution manager and one LLM gateway, plus a
// conversation store and turn loop per conversation. It exposes the
// lifecycle (start, load-configuration, shutdown) and broadcasts
// configuration-change notifications to subscribed frontends.
package kernel

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/gcsruntime/gcs/internal/auth"
	"github.com/gcsruntime/gcs/internal/config"
	"github.com/gcsruntime/gcs/internal/conversation"
	"github.com/gcsruntime/gcs/internal/creds"
	"github.com/gcsruntime/gcs/internal/exec"
	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/gateway"
	"github.com/gcsruntime/gcs/internal/llm"
	"github.com/gcsruntime/gcs/internal/llm/openai"
	"github.com/gcsruntime/gcs/internal/mcp"
	"github.com/gcsruntime/gcs/internal/orchestrator"
	"github.com/gcsruntime/gcs/internal/tool"
	"github.com/gcsruntime/gcs/internal/tool/builtin"
)

// Notification is a kernel broadcast to subscribed frontends.
type Notification struct {
	Type       string `json:"type"` // "configuration_changed"
	ConfigName string `json:"config_name,omitempty"`
}

// session is one conversation's state. The mutex serialises turns.
type session struct {
	mu    sync.Mutex
	store *conversation.Store
}

// Kernel wires the runtime components and owns their lifecycle.
type Kernel struct {
	settings  *config.Settings
	registry  *tool.Registry
	credStore *creds.Store
	flow      *auth.DeviceFlow
	provider  llm.Provider
	gw        *gateway.Gateway
	approvals *exec.ApprovalQueue
	execMgr   *exec.Manager
	mcpMgr    *mcp.Manager

	mu           sync.Mutex
	configName   string
	localTools   []string // names registered by the active manifest
	maxToolCalls int
	sessions     map[string]*session
	subs         map[int]chan Notification
	nextSub      int
}

// New constructs a kernel from settings. No goroutines run until Start.
func New(settings *config.Settings) (*Kernel, error) {
	registry := tool.NewRegistry()

	credStore := creds.NewStore(settings.RuntimeDataDir, settings.CredLockTimeout, nil)
	flow := auth.New(settings.OAuthClientID, settings.OAuthAuthServer, credStore, os.Stdout, true)
	credStore.SetRefresh(flow.Refresh)

	// A static API key wins; without one the provider draws bearer tokens
	// from the credential store (device-flow providers).
	var bearer openai.BearerSource
	if settings.LLMAPIKey == "" {
		bearer = credStore
	}
	provider, err := openai.NewClient(openai.FromSettings(settings), bearer)
	if err != nil {
		return nil, fmt.Errorf("kernel: build provider: %w", err)
	}

	records := mcp.NewRecordStore(settings.RuntimeDataDir)
	mcpMgr := mcp.NewManager(registry, records, settings.MCPCallTimeout, settings.HealthCheckInterval)

	approvals := exec.NewApprovalQueue(settings.ApprovalTimeout)
	execMgr := exec.NewManager(registry, mcpMgr, approvals, settings.ApprovalMode, 0)

	k := &Kernel{
		settings:     settings,
		registry:     registry,
		credStore:    credStore,
		flow:         flow,
		provider:     provider,
		gw:           gateway.New(provider, registry),
		approvals:    approvals,
		execMgr:      execMgr,
		mcpMgr:       mcpMgr,
		maxToolCalls: settings.MaxToolCalls,
		sessions:     make(map[string]*session),
		subs:         make(map[int]chan Notification),
	}
	k.registerAlwaysOn()
	return k, nil
}

// registerAlwaysOn (re)registers the services present in every
// configuration.
func (k *Kernel) registerAlwaysOn() {
	if err := k.registry.Register(builtin.SystemParameters(k)); err != nil {
		log.Printf("[Kernel] Register system_parameters: %v", err)
	}
	if def, ok := builtin.Local()["current_time"]; ok {
		if err := k.registry.Register(def); err != nil {
			log.Printf("[Kernel] Register current_time: %v", err)
		}
	}
}

// Start launches the background machinery: the approval worker, persisted
// MCP reconnects and the health loop.
func (k *Kernel) Start(ctx context.Context) {
	k.approvals.Start()
	k.mcpMgr.ReconnectPersisted(ctx)
	k.mcpMgr.StartHealthLoop()
	log.Printf("[Kernel] Started (model=%s, approval=%s)", k.settings.LLMModel, k.execMgr.Mode())
}

// Shutdown drains the runtime: MCP servers disconnect (removing their
// tools), the health loop and approval worker stop, and the credential
// cache is flushed.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.mcpMgr.Shutdown(ctx)
	k.approvals.Stop()
	k.credStore.FlushCache()

	k.mu.Lock()
	for id, ch := range k.subs {
		close(ch)
		delete(k.subs, id)
	}
	k.mu.Unlock()
	log.Printf("[Kernel] Shutdown complete")
}

// ── accessors ──

func (k *Kernel) Settings() *config.Settings { return k.settings }
func (k *Kernel) Registry() *tool.Registry   { return k.registry }
func (k *Kernel) MCP() *mcp.Manager          { return k.mcpMgr }
func (k *Kernel) Credentials() *creds.Store  { return k.credStore }
func (k *Kernel) Auth() *auth.DeviceFlow     { return k.flow }

// ToolNames returns the sorted names of every registered tool.
func (k *Kernel) ToolNames() []string {
	defs := k.registry.Snapshot()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// ConnectExternal registers an external MCP agent.
func (k *Kernel) ConnectExternal(ctx context.Context, params mcp.ConnectParams) (string, error) {
	return k.mcpMgr.Connect(ctx, params)
}

// DisconnectExternal detaches an external MCP agent and its tools.
func (k *Kernel) DisconnectExternal(ctx context.Context, serverID string) error {
	return k.mcpMgr.Disconnect(ctx, serverID)
}

// ExternalAgents returns the persisted MCP server records.
func (k *Kernel) ExternalAgents() ([]*mcp.ServerRecord, error) {
	return k.mcpMgr.Records()
}

// Authenticated reports whether the provider can be called: a static API
// key or valid device-flow credentials.
func (k *Kernel) Authenticated(ctx context.Context) bool {
	return k.settings.LLMAPIKey != "" || k.credStore.HasValid(ctx)
}

// SetApprovalDecider installs the frontend's approval callback.
func (k *Kernel) SetApprovalDecider(d exec.Decider) {
	k.approvals.SetDecider(d)
}

// ── conversations ──

func (k *Kernel) conversation(id string) *session {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.sessions[id]; ok {
		return s
	}
	s := &session{store: conversation.NewStore(k.settings.MaxContextChars, k.settings.MaxHistoryLength)}
	k.sessions[id] = s
	return s
}

// RunTurn executes one user turn on the named conversation, emitting
// stream events in order. Turns on the same conversation serialise; turns
// on different conversations are independent.
func (k *Kernel) RunTurn(ctx context.Context, conversationID, input string, emit func(orchestrator.Event)) error {
	sess := k.conversation(conversationID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	k.mu.Lock()
	budget := k.maxToolCalls
	k.mu.Unlock()

	loop := orchestrator.NewLoop(sess.store, k.gw, k.execMgr, budget)
	return loop.Run(ctx, input, emit)
}

// History returns the conversation's current message log.
func (k *Kernel) History(conversationID string) []llm.Message {
	return k.conversation(conversationID).store.Snapshot()
}

// ResetConversation clears one conversation's history.
func (k *Kernel) ResetConversation(conversationID string) {
	k.conversation(conversationID).store.Reset()
}

// ── configurations ──

// LoadConfiguration swaps the active configuration: the previous
// manifest's local tools are unregistered, the named manifest's tools and
// the always-on services registered, all conversations cleared, and
// configuration_changed broadcast. Validation happens before any swap so a
// bad manifest leaves the registry untouched.
func (k *Kernel) LoadConfiguration(name string) error {
	m, err := loadManifest(k.settings.ConfigDir, name)
	if err != nil {
		return err
	}

	locals := builtin.Local()
	defs := make([]tool.Definition, 0, len(m.Tools))
	for _, mt := range m.Tools {
		def, ok := locals[mt.Name]
		if !ok {
			return fault.New(fault.ValidationError, "configuration %q: unknown tool %q", name, mt.Name)
		}
		if mt.Approval != "" {
			def.Approval = tool.ApprovalPolicy(mt.Approval)
		}
		defs = append(defs, def)
	}

	k.mu.Lock()
	for _, old := range k.localTools {
		k.registry.Unregister(old)
	}
	k.localTools = k.localTools[:0]
	for _, def := range defs {
		if err := k.registry.Register(def); err != nil {
			k.mu.Unlock()
			return err
		}
		k.localTools = append(k.localTools, def.Name)
	}
	k.configName = name
	k.sessions = make(map[string]*session)
	k.mu.Unlock()

	k.registerAlwaysOn()
	k.gw.SetDomainContext(m.DomainContext)

	log.Printf("[Kernel] Loaded configuration %q (%d tool(s))", name, len(defs))
	k.broadcast(Notification{Type: "configuration_changed", ConfigName: name})
	return nil
}

// ListConfigurations returns the names available under CONFIG_DIR.
func (k *Kernel) ListConfigurations() ([]string, error) {
	return listConfigurations(k.settings.ConfigDir)
}

// CurrentConfiguration returns the active configuration name, or "".
func (k *Kernel) CurrentConfiguration() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.configName
}

// ── notifications ──

// Subscribe returns a notification channel and its unsubscribe func.
func (k *Kernel) Subscribe() (<-chan Notification, func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextSub
	k.nextSub++
	ch := make(chan Notification, 8)
	k.subs[id] = ch
	return ch, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if c, ok := k.subs[id]; ok {
			delete(k.subs, id)
			close(c)
		}
	}
}

func (k *Kernel) broadcast(n Notification) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, ch := range k.subs {
		select {
		case ch <- n:
		default:
			log.Printf("[Kernel] Dropping notification for slow subscriber %d", id)
		}
	}
}

// ── system parameters ──

// SystemParameters implements builtin.ParamStore.
func (k *Kernel) SystemParameters() map[string]any {
	k.mu.Lock()
	defer k.mu.Unlock()
	return map[string]any{
		"approval_mode":  k.execMgr.Mode(),
		"max_tool_calls": k.maxToolCalls,
		"config_name":    k.configName,
		"llm_model":      k.settings.LLMModel,
	}
}

// SetSystemParameters applies the runtime-adjustable subset. Unknown keys
// are rejected so typos do not silently no-op.
func (k *Kernel) SetSystemParameters(params map[string]any) error {
	for key, value := range params {
		switch key {
		case "approval_mode":
			mode, ok := value.(string)
			if !ok {
				return fault.New(fault.ValidationError, "approval_mode must be a string")
			}
			if err := k.execMgr.SetMode(mode); err != nil {
				return err
			}
		case "max_tool_calls":
			n, ok := asInt(value)
			if !ok || n < 1 {
				return fault.New(fault.ValidationError, "max_tool_calls must be a positive integer")
			}
			k.mu.Lock()
			k.maxToolCalls = n
			k.mu.Unlock()
		default:
			return fault.New(fault.ValidationError, "unknown system parameter %q", key)
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
