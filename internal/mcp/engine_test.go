package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/voxwire/voxwire/pkg/Logger"
)

// loopback wires two engines directly: what one sends, the other handles.
func loopback(t *testing.T, registry Registry) (caller, device *Engine) {
	t.Helper()
	caller = NewEngine(NewMemoryRegistry(), Implementation{Name: "backend", Version: "0.0.1"}, Logger.Nop())
	device = NewEngine(registry, Implementation{Name: "voxwire", Version: "0.0.1"}, Logger.Nop())
	caller.Bind(func(payload json.RawMessage) error {
		device.HandleEnvelope(payload)
		return nil
	})
	device.Bind(func(payload json.RawMessage) error {
		caller.HandleEnvelope(payload)
		return nil
	})
	return caller, device
}

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its argument",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%v", args["text"]), nil
		},
	}
}

func TestInitializeHandshake(t *testing.T) {
	caller, _ := loopback(t, NewMemoryRegistry())

	info, err := caller.Initialize(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if info.ProtocolVersion != ProtocolVersion {
		t.Errorf("expected protocol version %s, got %s", ProtocolVersion, info.ProtocolVersion)
	}
	if info.ServerInfo.Name != "voxwire" {
		t.Errorf("unexpected server name %q", info.ServerInfo.Name)
	}
}

func TestCallBeforeInitializeRejected(t *testing.T) {
	registry := NewMemoryRegistry()
	registry.Register(echoTool("self.echo"))
	caller, _ := loopback(t, registry)

	_, err := caller.CallTool(context.Background(), "self.echo", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request before initialize, got %v", err)
	}
}

func TestListToolsPagination(t *testing.T) {
	registry := NewMemoryRegistry()
	for i := 0; i < 5; i++ {
		registry.Register(echoTool(fmt.Sprintf("self.tool_%d", i)))
	}
	caller, device := loopback(t, registry)
	device.PageSize = 2

	if _, err := caller.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// First page must announce a continuation cursor
	page, err := caller.ListTools(context.Background(), "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Tools) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 tools and a next cursor, got %d %q", len(page.Tools), page.NextCursor)
	}

	// Walking every page terminates and yields all tools in order
	all, err := caller.ListAllTools(context.Background())
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 tools, got %d", len(all))
	}
	for i, tool := range all {
		want := fmt.Sprintf("self.tool_%d", i)
		if tool.Name != want {
			t.Errorf("tool %d: got %q want %q", i, tool.Name, want)
		}
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	registry := NewMemoryRegistry()
	registry.Register(echoTool("self.echo"))
	caller, _ := loopback(t, registry)

	if _, err := caller.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	result, err := caller.CallTool(context.Background(), "self.echo", map[string]any{"text": "ola"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ola" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestCallUnknownTool(t *testing.T) {
	caller, _ := loopback(t, NewMemoryRegistry())
	if _, err := caller.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := caller.CallTool(context.Background(), "self.unknown_tool", map[string]any{})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", CodeMethodNotFound, rpcErr.Code)
	}
}

func TestFailingToolMapsToInternalError(t *testing.T) {
	registry := NewMemoryRegistry()
	registry.Register(Tool{
		Name: "self.broken",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("hardware absent")
		},
	})
	caller, _ := loopback(t, registry)
	if _, err := caller.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := caller.CallTool(context.Background(), "self.broken", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInternalError {
		t.Errorf("expected internal error, got %v", err)
	}
}

func TestResponseIDEchoesRequestID(t *testing.T) {
	device := NewEngine(NewMemoryRegistry(), Implementation{Name: "voxwire"}, Logger.Nop())

	var replies []*RPCMessage
	device.Bind(func(payload json.RawMessage) error {
		var msg RPCMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("reply unmarshal: %v", err)
		}
		replies = append(replies, &msg)
		return nil
	})

	device.HandleEnvelope([]byte(`{"jsonrpc":"2.0","id":"req-77","method":"initialize","params":{}}`))
	device.HandleEnvelope([]byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"nope"}}`))

	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	if string(replies[0].ID) != `"req-77"` {
		t.Errorf("string id not echoed: %s", replies[0].ID)
	}
	if string(replies[1].ID) != `42` {
		t.Errorf("numeric id not echoed: %s", replies[1].ID)
	}
	if replies[1].Error == nil || replies[1].Error.Code != CodeMethodNotFound {
		t.Errorf("expected tool-not-found error, got %+v", replies[1].Error)
	}
}

func TestNotificationsNeverReplied(t *testing.T) {
	device := NewEngine(NewMemoryRegistry(), Implementation{Name: "voxwire"}, Logger.Nop())

	sent := 0
	device.Bind(func(json.RawMessage) error {
		sent++
		return nil
	})

	var gotMethod string
	device.OnNotification(func(method string, _ json.RawMessage) {
		gotMethod = method
	})

	device.HandleEnvelope([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	if gotMethod != "notifications/tools/list_changed" {
		t.Errorf("observer not invoked, got %q", gotMethod)
	}
	if sent != 0 {
		t.Errorf("notification must not trigger a reply, %d sent", sent)
	}
}

func TestResetFailsOutstandingCalls(t *testing.T) {
	engine := NewEngine(NewMemoryRegistry(), Implementation{Name: "voxwire"}, Logger.Nop())
	engine.Bind(func(json.RawMessage) error { return nil }) // peer never answers

	done := make(chan error, 1)
	go func() {
		_, err := engine.ListTools(context.Background(), "")
		done <- err
	}()

	// Wait until the request is outstanding, then tear down
	for {
		engine.mu.Lock()
		n := len(engine.pending)
		engine.mu.Unlock()
		if n == 1 {
			break
		}
	}
	engine.Reset()

	if err := <-done; !errors.Is(err, ErrSessionGone) {
		t.Errorf("expected ErrSessionGone, got %v", err)
	}
}
