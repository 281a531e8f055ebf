package mcp

import (
	"context"
	"testing"
)

func noopHandler(context.Context, map[string]any) (string, error) { return "", nil }

func TestRegistryRejectsDuplicatesAndEmpty(t *testing.T) {
	r := NewMemoryRegistry()

	if err := r.Register(Tool{Name: "self.lamp.on", Handler: noopHandler}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Tool{Name: "self.lamp.on", Handler: noopHandler}); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(Tool{Name: "", Handler: noopHandler}); err == nil {
		t.Error("empty name should fail")
	}
	if err := r.Register(Tool{Name: "self.lamp.off"}); err == nil {
		t.Error("missing handler should fail")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewMemoryRegistry()
	for _, name := range []string{"self.c", "self.a", "self.b"} {
		if err := r.Register(Tool{Name: name, Handler: noopHandler}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	list := r.List()
	want := []string{"self.a", "self.b", "self.c"}
	for i, tool := range list {
		if tool.Name != want[i] {
			t.Errorf("position %d: got %q want %q", i, tool.Name, want[i])
		}
	}
}

func TestDescriptorDefaultsSchema(t *testing.T) {
	d := Tool{Name: "self.x", Handler: noopHandler}.Descriptor()
	if d.InputSchema == nil || d.InputSchema["type"] != "object" {
		t.Errorf("expected default object schema, got %v", d.InputSchema)
	}
}
