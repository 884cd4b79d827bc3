package tool

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gcsruntime/gcs/internal/fault"
)

func demoTool(name string) Definition {
	return Definition{
		Name:        name,
		Description: "demo tool " + name,
		Parameters: BuildSchema(
			SchemaParam{Name: "target", Type: "string", Description: "target", Required: true},
		),
		Kind: KindLocal,
	}
}

func TestRegister_AndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(demoTool("alpha")); err != nil {
		t.Fatal(err)
	}
	def, ok := r.Get("alpha")
	if !ok || def.Description != "demo tool alpha" {
		t.Errorf("unexpected lookup result: %+v ok=%v", def, ok)
	}
	if !r.Has("alpha") || r.Has("beta") {
		t.Error("Has disagrees with registration state")
	}
}

func TestRegister_EmptyNameFails(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{}); err == nil {
		t.Error("expected error for empty tool name")
	}
}

func TestRegister_ExternalNeedsOrigin(t *testing.T) {
	r := NewRegistry()
	def := demoTool("remote")
	def.Kind = KindExternal
	if err := r.Register(def); err == nil {
		t.Error("expected error for external tool without origin")
	}
	def.Origin = "srv-1"
	if err := r.Register(def); err != nil {
		t.Errorf("expected success with origin set: %v", err)
	}
}

func TestRegister_DefaultsApproval(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(demoTool("alpha")); err != nil {
		t.Fatal(err)
	}
	def, _ := r.Get("alpha")
	if def.Approval != ApprovalDefault {
		t.Errorf("expected default approval policy, got %q", def.Approval)
	}
}

func TestRegister_BadSchemaRejected(t *testing.T) {
	r := NewRegistry()
	def := demoTool("bad")
	def.Parameters = json.RawMessage(`{"type":"array"}`)
	if err := r.Register(def); err == nil {
		t.Error("expected rejection of non-object parameter schema")
	}
	def.Parameters = json.RawMessage(`not json`)
	if err := r.Register(def); err == nil {
		t.Error("expected rejection of malformed schema")
	}
}

func TestReregister_IsIdempotentUpdate(t *testing.T) {
	r := NewRegistry()
	events, unsub := r.Subscribe()
	defer unsub()

	if err := r.Register(demoTool("alpha")); err != nil {
		t.Fatal(err)
	}
	changed := demoTool("alpha")
	changed.Description = "v2"
	if err := r.Register(changed); err != nil {
		t.Fatal(err)
	}

	def, _ := r.Get("alpha")
	if def.Description != "v2" {
		t.Errorf("re-registration must replace, got %q", def.Description)
	}
	if ev := <-events; ev.Type != EventAdded {
		t.Errorf("first event must be tool_added, got %s", ev.Type)
	}
	if ev := <-events; ev.Type != EventUpdated {
		t.Errorf("second event must be tool_updated, got %s", ev.Type)
	}
}

func TestUpdate_UnknownFails(t *testing.T) {
	r := NewRegistry()
	err := r.Update(demoTool("ghost"))
	if fault.KindOf(err) != fault.ToolNotFound {
		t.Errorf("expected TOOL_NOT_FOUND, got %v", err)
	}
}

func TestUnregister_EmitsRemoved(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(demoTool("alpha")); err != nil {
		t.Fatal(err)
	}
	events, unsub := r.Subscribe()
	defer unsub()

	r.Unregister("alpha")
	if r.Has("alpha") {
		t.Error("tool still present after unregister")
	}
	if ev := <-events; ev.Type != EventRemoved || ev.Tool.Name != "alpha" {
		t.Errorf("expected tool_removed for alpha, got %+v", ev)
	}

	// Unknown name is a no-op, no event.
	r.Unregister("ghost")
	select {
	case ev := <-events:
		t.Errorf("unexpected event for unknown unregister: %+v", ev)
	default:
	}
}

func TestRemoveByOrigin(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"w1", "w2"} {
		def := demoTool(name)
		def.Kind = KindExternal
		def.Origin = "srv-a"
		if err := r.Register(def); err != nil {
			t.Fatal(err)
		}
	}
	other := demoTool("local")
	if err := r.Register(other); err != nil {
		t.Fatal(err)
	}

	removed := r.RemoveByOrigin("srv-a")
	if len(removed) != 2 || removed[0] != "w1" || removed[1] != "w2" {
		t.Errorf("unexpected removed list: %v", removed)
	}
	if !r.Has("local") {
		t.Error("local tool must survive an origin removal")
	}
}

func TestSnapshot_Sorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(demoTool(name)); err != nil {
			t.Fatal(err)
		}
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].Name != "alpha" || snap[1].Name != "mid" || snap[2].Name != "zeta" {
		t.Errorf("snapshot not sorted: %+v", snap)
	}
}

func TestValidateParams(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(demoTool("alpha")); err != nil {
		t.Fatal(err)
	}

	if err := r.ValidateParams("alpha", map[string]any{"target": "x"}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	err := r.ValidateParams("alpha", map[string]any{})
	if fault.KindOf(err) != fault.ValidationError {
		t.Errorf("missing required param must be VALIDATION_ERROR, got %v", err)
	}
	err = r.ValidateParams("alpha", map[string]any{"target": 42})
	if fault.KindOf(err) != fault.ValidationError {
		t.Errorf("wrong type must be VALIDATION_ERROR, got %v", err)
	}
	err = r.ValidateParams("ghost", nil)
	if fault.KindOf(err) != fault.ToolNotFound {
		t.Errorf("unknown tool must be TOOL_NOT_FOUND, got %v", err)
	}
}

func TestValidateParams_NilArgsAsEmptyObject(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "noargs", Description: "takes nothing", Kind: KindLocal}
	if err := r.Register(def); err != nil {
		t.Fatal(err)
	}
	if err := r.ValidateParams("noargs", nil); err != nil {
		t.Errorf("nil args must validate like an empty object: %v", err)
	}
}

func TestDescribeAll_PromptBlock(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(demoTool("alpha")); err != nil {
		t.Fatal(err)
	}
	out := r.DescribeAll()
	if !strings.HasPrefix(out, "[TOOL_REGISTRY]") {
		t.Errorf("missing registry header: %q", out)
	}
	if !strings.Contains(out, "### alpha") || !strings.Contains(out, "demo tool alpha") {
		t.Errorf("tool missing from prompt block: %q", out)
	}

	empty := NewRegistry()
	if !strings.Contains(empty.DescribeAll(), "(no tools available)") {
		t.Error("empty registry must say so")
	}
}
