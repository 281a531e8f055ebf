package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes one capability invocation. The RPC layer calls it
// synchronously; any concurrency inside is the handler's concern.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one invocable device capability. Names are hierarchical, e.g.
// "self.audio_speaker.set_volume". Descriptors are immutable after Register.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Registry is the name-keyed tool table. Populated once at process start.
type Registry interface {
	Register(t Tool) error
	Get(name string) (Tool, bool)
	// List returns descriptors sorted by name so pagination stays stable.
	List() []Tool
}

type memoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewMemoryRegistry() Registry {
	return &memoryRegistry{tools: make(map[string]Tool)}
}

// Register implements Registry.
func (m *memoryRegistry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	m.tools[t.Name] = t
	return nil
}

// Get implements Registry.
func (m *memoryRegistry) Get(name string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, exists := m.tools[name]
	return tool, exists
}

// List implements Registry.
func (m *memoryRegistry) List() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tool, 0, len(m.tools))
	for _, tool := range m.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor converts a tool into its wire form.
func (t Tool) Descriptor() ToolDescriptor {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: schema}
}
