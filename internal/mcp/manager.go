package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gcsruntime/gcs/internal/fault"
	"github.com/gcsruntime/gcs/internal/tool"
)

const (
	defaultCallTimeout = 30 * time.Second
	// maxUnhealthy is the consecutive probe-failure count that removes a
	// server from the registry.
	maxUnhealthy = 5
)

// serverConn is the connection surface the manager drives. *Conn is the
// production implementation; tests substitute fakes through the dial hook.
type serverConn interface {
	OnNotify(fn NotifyFunc)
	Open(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Probe(ctx context.Context) error
	Close() error
}

// Manager owns the lifecycle of all MCP server connections. It is the
// single source of truth for which servers are connected and which external
// Definitions are registered in the tool registry.
//
// Concurrency model: state changes are guarded by mu. Network I/O is always
// performed outside the lock so that a slow or hung server cannot block
// other Manager operations.
type Manager struct {
	registry       *tool.Registry
	records        *RecordStore
	callTimeout    time.Duration
	healthInterval time.Duration
	dial           func(ConnectParams) serverConn

	mu    sync.Mutex
	conns map[string]*managed // keyed by server_id

	healthStop chan struct{}
	healthDone chan struct{}
}

// managed pairs a live connection with its tool-refresh worker. The worker
// serialises tools/list_changed handling so notifications from one server
// apply in receive order.
type managed struct {
	id        string
	params    ConnectParams
	conn      serverConn
	refreshCh chan struct{}
	stopCh    chan struct{}
}

// NewManager creates a Manager bound to the shared tool registry and the
// persistent record store.
func NewManager(registry *tool.Registry, records *RecordStore, callTimeout, healthInterval time.Duration) *Manager {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Manager{
		registry:       registry,
		records:        records,
		callTimeout:    callTimeout,
		healthInterval: healthInterval,
		dial:           func(params ConnectParams) serverConn { return NewConn(params) },
		conns:          make(map[string]*managed),
	}
}

// Connect establishes a connection, discovers the server's tools, registers
// them as external Definitions, and persists the server record — all before
// returning success. Returns the deterministic server id.
func (m *Manager) Connect(ctx context.Context, params ConnectParams) (string, error) {
	id := ServerID(params.Endpoint())

	m.mu.Lock()
	if _, exists := m.conns[id]; exists {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	conn := m.dial(params)
	mg := &managed{
		id:        id,
		params:    params,
		conn:      conn,
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	conn.OnNotify(func(method string) {
		if method == "notifications/tools/list_changed" {
			// Collapse bursts; the worker re-lists once per signal.
			select {
			case mg.refreshCh <- struct{}{}:
			default:
			}
		}
	})

	opCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	if err := conn.Open(opCtx); err != nil {
		return "", fault.Wrap(fault.NetworkError, err, "connect %q", params.Name)
	}
	tools, err := conn.ListTools(opCtx)
	if err != nil {
		_ = conn.Close()
		return "", fault.Wrap(fault.NetworkError, err, "list tools %q", params.Name)
	}

	// Register discovered tools before Connect returns.
	names := make([]string, 0, len(tools))
	for _, ti := range tools {
		def := externalDefinition(id, ti)
		if err := m.registry.Register(def); err != nil {
			log.Printf("[MCP] Skipping tool %q from %s: %v", ti.Name, params.Name, err)
			continue
		}
		names = append(names, ti.Name)
	}
	sort.Strings(names)

	if err := m.persistRecord(id, params, names); err != nil {
		// Roll back: a server we cannot record is a server we do not keep.
		m.registry.RemoveByOrigin(id)
		_ = conn.Close()
		return "", err
	}

	m.mu.Lock()
	m.conns[id] = mg
	m.mu.Unlock()

	go m.refreshLoop(mg)

	log.Printf("[MCP] Connected: %s (%s), %d tool(s), id=%s", params.Name, params.Transport, len(names), id)
	return id, nil
}

// Disconnect closes a connection. All external tools owned by the server
// are removed from the registry before Disconnect returns; the record is
// marked disconnected but retained.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	mg, ok := m.conns[serverID]
	delete(m.conns, serverID)
	m.mu.Unlock()
	if !ok {
		return fault.New(fault.NoRoute, "server %q not connected", serverID)
	}

	close(mg.stopCh)
	m.registry.RemoveByOrigin(serverID)
	if err := mg.conn.Close(); err != nil {
		log.Printf("[MCP] Close error for %s: %v", serverID, err)
	}
	if err := m.records.Mutate(serverID, func(rec *ServerRecord) {
		rec.Status = StatusDisconnected
	}); err != nil {
		log.Printf("[MCP] Record update for %s: %v", serverID, err)
	}
	log.Printf("[MCP] Disconnected: %s", serverID)
	return nil
}

// ListTools lists the server's tools with the per-call deadline.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]ToolInfo, error) {
	mg, err := m.lookup(serverID)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return mg.conn.ListTools(opCtx)
}

// CallTool invokes a tool on the server with the per-call deadline.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (string, error) {
	mg, err := m.lookup(serverID)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	text, err := mg.conn.CallTool(opCtx, toolName, args)
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			return "", fault.Wrap(fault.ExecutionTimeout, err, "call %q on %s", toolName, serverID)
		}
		return "", err
	}
	return text, nil
}

// ListConnected returns the ids of live connections, sorted.
func (m *Manager) ListConnected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Capabilities returns the tool names last discovered for a server, from
// the persistent record (valid even while disconnected).
func (m *Manager) Capabilities(serverID string) ([]string, error) {
	rec, err := m.records.Get(serverID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fault.New(fault.NoRoute, "unknown server %q", serverID)
	}
	return rec.Capabilities, nil
}

// Records returns all persisted server records.
func (m *Manager) Records() ([]*ServerRecord, error) {
	return m.records.All()
}

// ReconnectPersisted re-establishes, in the background, every record whose
// last status was active. Successful reconnects re-register their tools.
func (m *Manager) ReconnectPersisted(ctx context.Context) {
	records, err := m.records.All()
	if err != nil {
		log.Printf("[MCP] Load persisted registry: %v", err)
		return
	}
	for _, rec := range records {
		if rec.Status != StatusActive {
			continue
		}
		params, err := paramsFromRecord(rec)
		if err != nil {
			log.Printf("[MCP] Record %s has no usable params: %v", rec.ServerID, err)
			continue
		}
		go func(p ConnectParams) {
			if _, err := m.Connect(ctx, p); err != nil {
				log.Printf("[MCP] Reconnect %q failed: %v", p.Name, err)
			}
		}(params)
	}
}

// StartHealthLoop begins probing active servers at the configured interval.
// maxUnhealthy consecutive failures remove the server; a success resets the
// counter. No-op when the interval is zero or the loop already runs.
func (m *Manager) StartHealthLoop() {
	m.mu.Lock()
	if m.healthInterval <= 0 || m.healthStop != nil {
		m.mu.Unlock()
		return
	}
	m.healthStop = make(chan struct{})
	m.healthDone = make(chan struct{})
	stop, done := m.healthStop, m.healthDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.probeAll()
			}
		}
	}()
}

// StopHealthLoop cancels the health-check loop and waits for it to exit.
func (m *Manager) StopHealthLoop() {
	m.mu.Lock()
	stop, done := m.healthStop, m.healthDone
	m.healthStop, m.healthDone = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Shutdown disconnects every server (draining their tools) and stops the
// health loop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.StopHealthLoop()
	for _, id := range m.ListConnected() {
		if err := m.Disconnect(ctx, id); err != nil {
			log.Printf("[MCP] Shutdown disconnect %s: %v", id, err)
		}
	}
}

// ── internals ──

func (m *Manager) lookup(serverID string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.conns[serverID]
	if !ok {
		return nil, fault.New(fault.NoRoute, "server %q not connected", serverID)
	}
	return mg, nil
}

func (m *Manager) persistRecord(id string, params ConnectParams, capabilities []string) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcp: marshal connection params: %w", err)
	}
	return m.records.Put(&ServerRecord{
		ServerID:         id,
		URL:              params.Endpoint(),
		Name:             params.Name,
		Description:      params.Description,
		Transport:        params.Transport,
		Status:           StatusActive,
		Capabilities:     capabilities,
		LastConnected:    time.Now().UTC(),
		UnhealthyCount:   0,
		ConnectionParams: map[string]string{"params": string(raw)},
	})
}

func paramsFromRecord(rec *ServerRecord) (ConnectParams, error) {
	raw, ok := rec.ConnectionParams["params"]
	if !ok {
		return ConnectParams{}, fmt.Errorf("no params blob")
	}
	var params ConnectParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return ConnectParams{}, err
	}
	return params, nil
}

// refreshLoop applies tools/list_changed notifications for one server, one
// at a time and in receive order.
func (m *Manager) refreshLoop(mg *managed) {
	for {
		select {
		case <-mg.stopCh:
			return
		case <-mg.refreshCh:
			m.refreshTools(mg)
		}
	}
}

// refreshTools re-lists the server's tools and diffs them into the registry:
// new tools are added, changed ones updated, vanished ones removed.
func (m *Manager) refreshTools(mg *managed) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()

	tools, err := mg.conn.ListTools(ctx)
	if err != nil {
		log.Printf("[MCP] Tool refresh for %s: %v", mg.id, err)
		return
	}

	current := make(map[string]bool)
	names := make([]string, 0, len(tools))
	for _, ti := range tools {
		current[ti.Name] = true
		names = append(names, ti.Name)
		if err := m.registry.Register(externalDefinition(mg.id, ti)); err != nil {
			log.Printf("[MCP] Refresh register %q: %v", ti.Name, err)
		}
	}
	for _, def := range m.registry.Snapshot() {
		if def.Kind == tool.KindExternal && def.Origin == mg.id && !current[def.Name] {
			m.registry.Unregister(def.Name)
		}
	}

	sort.Strings(names)
	if err := m.records.Mutate(mg.id, func(rec *ServerRecord) {
		rec.Capabilities = names
	}); err != nil {
		log.Printf("[MCP] Record capabilities for %s: %v", mg.id, err)
	}
	log.Printf("[MCP] Tool list refreshed for %s: %d tool(s)", mg.id, len(names))
}

// probeAll health-checks every live connection.
func (m *Manager) probeAll() {
	m.mu.Lock()
	snapshot := make([]*managed, 0, len(m.conns))
	for _, mg := range m.conns {
		snapshot = append(snapshot, mg)
	}
	m.mu.Unlock()

	for _, mg := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
		err := mg.conn.Probe(ctx)
		cancel()

		if err == nil {
			if mutErr := m.records.Mutate(mg.id, func(rec *ServerRecord) {
				rec.UnhealthyCount = 0
				if rec.Status == StatusError {
					rec.Status = StatusActive
				}
			}); mutErr != nil {
				log.Printf("[MCP] Health record %s: %v", mg.id, mutErr)
			}
			continue
		}

		failures := 0
		if mutErr := m.records.Mutate(mg.id, func(rec *ServerRecord) {
			rec.UnhealthyCount++
			rec.Status = StatusError
			failures = rec.UnhealthyCount
		}); mutErr != nil {
			log.Printf("[MCP] Health record %s: %v", mg.id, mutErr)
		}
		log.Printf("[MCP] Health probe failed for %s (%d consecutive): %v", mg.id, failures, err)

		if failures >= maxUnhealthy {
			log.Printf("[MCP] Removing %s after %d consecutive failures", mg.id, failures)
			if err := m.Disconnect(context.Background(), mg.id); err != nil {
				log.Printf("[MCP] Health removal disconnect %s: %v", mg.id, err)
			}
			if err := m.records.Delete(mg.id); err != nil {
				log.Printf("[MCP] Health removal record %s: %v", mg.id, err)
			}
		}
	}
}

// externalDefinition converts discovered tool metadata into a registry
// Definition owned by the server.
func externalDefinition(serverID string, ti ToolInfo) tool.Definition {
	return tool.Definition{
		Name:        ti.Name,
		Description: ti.Description,
		Parameters:  ti.InputSchema,
		Kind:        tool.KindExternal,
		Origin:      serverID,
		Approval:    tool.ApprovalDefault,
	}
}
