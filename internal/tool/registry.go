package tool

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gcsruntime/gcs/internal/fault"
)

// Registry maps tool names to Definitions with thread-safe access.
// It is read-mostly: lookups take a shared lock, registration an exclusive
// one. Change notifications are delivered to subscribers in the order the
// changes were applied.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	subs    map[int]chan Event
	nextSub int
}

type entry struct {
	def    Definition
	schema *jsonschema.Schema // compiled at registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*entry),
		subs:  make(map[int]chan Event),
	}
}

// Register inserts or replaces a Definition. Re-registration is idempotent:
// the previous entry is replaced and a tool_updated (rather than tool_added)
// event is emitted. The parameter schema must compile as a JSON-Schema
// object; external tools must carry an Origin.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("registry: tool name cannot be empty")
	}
	if def.Kind == KindExternal && def.Origin == "" {
		return fmt.Errorf("registry: external tool %q has no origin", def.Name)
	}
	if def.Approval == "" {
		def.Approval = ApprovalDefault
	}
	schema, err := compileParams(def.Name, def.Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	_, existed := r.tools[def.Name]
	r.tools[def.Name] = &entry{def: def, schema: schema}
	evt := Event{Type: EventAdded, Tool: def}
	if existed {
		evt.Type = EventUpdated
		log.Printf("[Registry] Replacing existing tool %q", def.Name)
	}
	r.notifyLocked(evt)
	r.mu.Unlock()
	return nil
}

// Update replaces an existing Definition and emits tool_updated.
// Unknown names fail.
func (r *Registry) Update(def Definition) error {
	r.mu.RLock()
	_, ok := r.tools[def.Name]
	r.mu.RUnlock()
	if !ok {
		return fault.New(fault.ToolNotFound, "tool %q not registered", def.Name)
	}
	return r.Register(def)
}

// Unregister removes a tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	e, ok := r.tools[name]
	if ok {
		delete(r.tools, name)
		r.notifyLocked(Event{Type: EventRemoved, Tool: e.def})
	}
	r.mu.Unlock()
	if ok {
		log.Printf("[Registry] Unregistered tool: %s", name)
	}
}

// RemoveByOrigin removes every external tool owned by the given server and
// returns the removed names. Used on MCP disconnect.
func (r *Registry) RemoveByOrigin(origin string) []string {
	r.mu.Lock()
	var removed []string
	for name, e := range r.tools {
		if e.def.Kind == KindExternal && e.def.Origin == origin {
			delete(r.tools, name)
			r.notifyLocked(Event{Type: EventRemoved, Tool: e.def})
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(removed)
	if len(removed) > 0 {
		log.Printf("[Registry] Removed %d tool(s) from origin %s", len(removed), origin)
	}
	return removed
}

// Get retrieves a Definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Snapshot returns all Definitions sorted by name.
func (r *Registry) Snapshot() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams checks args against the tool's compiled schema.
// Failures carry VALIDATION_ERROR with the failing schema path.
func (r *Registry) ValidateParams(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fault.New(fault.ToolNotFound, "tool %q not registered", name)
	}
	if e.schema == nil {
		return nil
	}
	// The validator wants plain JSON values; args already is one, but a nil
	// map must validate like an empty object.
	var v any = args
	if args == nil {
		v = map[string]any{}
	}
	if err := e.schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return fault.New(fault.ValidationError, "tool %q: %s at %s", name, leaf.Message, leaf.InstanceLocation)
		}
		return fault.Wrap(fault.ValidationError, err, "tool %q", name)
	}
	return nil
}

// Subscribe returns a channel of registry events and an unsubscribe
// function. Events are delivered in apply order; a slow subscriber whose
// buffer fills drops events with a logged warning rather than blocking
// registrations.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 64)
	r.subs[id] = ch
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		if ch, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, unsubscribe
}

// notifyLocked fans out an event to all subscribers. Caller holds mu; the
// send is non-blocking so registry writes never wait on consumers.
func (r *Registry) notifyLocked(evt Event) {
	for id, ch := range r.subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[Registry] Subscriber %d buffer full, dropping %s for %s", id, evt.Type, evt.Tool.Name)
		}
	}
}

// compileParams validates that raw is a JSON-Schema object of type "object"
// and compiles it for parameter validation. An empty schema means the tool
// takes no parameters and compiles to the permissive empty object schema.
func compileParams(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("registry: tool %q: parameters not a JSON object: %w", name, err)
	}
	if probe.Type != "" && probe.Type != "object" {
		return nil, fmt.Errorf("registry: tool %q: parameter schema must have type \"object\", got %q", name, probe.Type)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("registry: tool %q: compile schema: %w", name, err)
	}
	return schema, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// DescribeAll renders the registry as the [TOOL_REGISTRY] prompt block used
// by the contextual gateway.
func (r *Registry) DescribeAll() string {
	tools := r.Snapshot()
	var sb strings.Builder
	sb.WriteString("[TOOL_REGISTRY]\n")
	if len(tools) == 0 {
		sb.WriteString("(no tools available)\n")
		return sb.String()
	}
	for _, t := range tools {
		sb.WriteString(fmt.Sprintf("\n### %s\n%s\n", t.Name, t.Description))
		if len(t.Parameters) > 0 {
			sb.WriteString(fmt.Sprintf("Parameters schema: %s\n", string(t.Parameters)))
		}
	}
	return sb.String()
}
