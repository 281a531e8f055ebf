package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/voxwire/voxwire/pkg/Logger"
)

// Sender pushes one serialized JSON-RPC payload to the peer. The transport
// wraps it into the control-channel mcp envelope.
type Sender func(payload json.RawMessage) error

// NotificationHandler observes inbound notifications. Never triggers a reply.
type NotificationHandler func(method string, params json.RawMessage)

const defaultPageSize = 8

// Engine is the capability RPC layer for one session: the outstanding-request
// table on the initiating side and the tool registry dispatch on the serving
// side. Both live here as explicit state, no package globals.
type Engine struct {
	logger   *Logger.Logger
	registry Registry
	self     Implementation
	PageSize int

	mu          sync.Mutex
	send        Sender
	nextID      int64
	pending     map[int64]chan *RPCMessage
	notifyFns   []NotificationHandler
	remoteReady bool // peer has sent initialize
}

func NewEngine(registry Registry, self Implementation, logger *Logger.Logger) *Engine {
	return &Engine{
		logger:   logger,
		registry: registry,
		self:     self,
		PageSize: defaultPageSize,
		nextID:   1,
		pending:  make(map[int64]chan *RPCMessage),
	}
}

// Bind wires the engine to a session's control channel. Must be called before
// any outbound call; rebinding on reconnect is allowed.
func (e *Engine) Bind(send Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send = send
}

// OnNotification registers an observer for inbound notifications.
func (e *Engine) OnNotification(fn NotificationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyFns = append(e.notifyFns, fn)
}

// Reset fails every outstanding call and clears the table. Called when the
// session closes; pending callers see ErrSessionGone.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		close(ch)
		delete(e.pending, id)
	}
	e.remoteReady = false
}

// ErrSessionGone is returned to callers whose outstanding request was dropped
// by a session teardown.
var ErrSessionGone = fmt.Errorf("session closed with request outstanding")

// HandleEnvelope consumes one inbound mcp payload: a request is dispatched to
// the registry, a notification to the observers, a response to its pending
// caller. Malformed payloads are absorbed here, the session stays open.
func (e *Engine) HandleEnvelope(payload json.RawMessage) {
	var msg RPCMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warnf("dropping unparseable rpc payload: %v", err)
		e.reply(newError(nil, CodeParseError, "parse error"))
		return
	}

	switch {
	case msg.IsRequest():
		e.reply(e.serveRequest(&msg))
	case msg.IsNotification():
		e.mu.Lock()
		fns := append([]NotificationHandler(nil), e.notifyFns...)
		e.mu.Unlock()
		for _, fn := range fns {
			fn(msg.Method, msg.Params)
		}
	default:
		e.routeResponse(&msg)
	}
}

func (e *Engine) reply(msg *RPCMessage) {
	if msg == nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		e.logger.Errorf("marshal rpc reply: %v", err)
		return
	}
	e.mu.Lock()
	send := e.send
	e.mu.Unlock()
	if send == nil {
		e.logger.Warn("rpc reply with no bound sender")
		return
	}
	if err := send(raw); err != nil {
		e.logger.Warnf("send rpc reply: %v", err)
	}
}

func (e *Engine) routeResponse(msg *RPCMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		e.logger.Warnf("rpc response with unknown id %s", string(msg.ID))
		return
	}
	e.mu.Lock()
	ch, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Warnf("rpc response for id %d with no outstanding request", id)
		return
	}
	ch <- msg
}

// serveRequest dispatches one inbound request. The returned message echoes the
// request id exactly.
func (e *Engine) serveRequest(msg *RPCMessage) *RPCMessage {
	switch msg.Method {
	case "initialize":
		e.mu.Lock()
		e.remoteReady = true
		e.mu.Unlock()
		result, err := newResult(msg.ID, ServerInfo{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      e.self,
		})
		if err != nil {
			return newError(msg.ID, CodeInternalError, "internal error")
		}
		return result

	case "ping":
		result, _ := newResult(msg.ID, map[string]any{})
		return result

	case "tools/list":
		if !e.ready() {
			return newError(msg.ID, CodeInvalidRequest, "initialize required")
		}
		var params listToolsParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return newError(msg.ID, CodeInvalidParams, "invalid params")
			}
		}
		page, rpcErr := e.listPage(params.Cursor)
		if rpcErr != nil {
			return newError(msg.ID, rpcErr.Code, rpcErr.Message)
		}
		result, err := newResult(msg.ID, page)
		if err != nil {
			return newError(msg.ID, CodeInternalError, "internal error")
		}
		return result

	case "tools/call":
		if !e.ready() {
			return newError(msg.ID, CodeInvalidRequest, "initialize required")
		}
		var params callToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
			return newError(msg.ID, CodeInvalidParams, "invalid params")
		}
		tool, ok := e.registry.Get(params.Name)
		if !ok {
			return newError(msg.ID, CodeMethodNotFound, fmt.Sprintf("tool not found: %s", params.Name))
		}
		text, err := tool.Handler(context.Background(), params.Arguments)
		if err != nil {
			e.logger.Warnf("tool %s failed: %v", params.Name, err)
			return newError(msg.ID, CodeInternalError, err.Error())
		}
		result, err := newResult(msg.ID, CallResult{Content: []ContentItem{{Type: "text", Text: text}}})
		if err != nil {
			return newError(msg.ID, CodeInternalError, "internal error")
		}
		return result
	}

	return newError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
}

func (e *Engine) ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteReady
}

// listPage slices the sorted registry. The cursor is the stringified offset of
// the next page; opaque to the peer.
func (e *Engine) listPage(cursor string) (*ToolPage, *RPCError) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid cursor"}
		}
		offset = n
	}

	tools := e.registry.List()
	if offset > len(tools) {
		offset = len(tools)
	}
	end := offset + e.PageSize
	if end > len(tools) {
		end = len(tools)
	}

	page := &ToolPage{Tools: make([]ToolDescriptor, 0, end-offset)}
	for _, t := range tools[offset:end] {
		page.Tools = append(page.Tools, t.Descriptor())
	}
	if end < len(tools) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// call issues one outbound request and blocks for its response or ctx expiry.
func (e *Engine) call(ctx context.Context, method string, params any) (*RPCMessage, error) {
	e.mu.Lock()
	if e.send == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("rpc engine not bound to a session")
	}
	id := e.nextID
	e.nextID++
	req, err := newRequest(id, method, params)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	ch := make(chan *RPCMessage, 1)
	e.pending[id] = ch
	send := e.send
	e.mu.Unlock()

	raw, err := json.Marshal(req)
	if err == nil {
		err = send(raw)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionGone
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Initialize must be the session's first outbound RPC call.
func (e *Engine) Initialize(ctx context.Context, capabilities map[string]any) (*ServerInfo, error) {
	resp, err := e.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    capabilities,
		ClientInfo:      e.self,
	})
	if err != nil {
		return nil, err
	}
	var info ServerInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		return nil, fmt.Errorf("initialize result: %w", err)
	}
	return &info, nil
}

// ListTools fetches one page. An empty cursor requests the first page.
func (e *Engine) ListTools(ctx context.Context, cursor string) (*ToolPage, error) {
	resp, err := e.call(ctx, "tools/list", listToolsParams{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	var page ToolPage
	if err := json.Unmarshal(resp.Result, &page); err != nil {
		return nil, fmt.Errorf("tools/list result: %w", err)
	}
	return &page, nil
}

// ListAllTools walks the pagination until the next cursor comes back empty.
func (e *Engine) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	var all []ToolDescriptor
	cursor := ""
	for {
		page, err := e.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a remote capability by name.
func (e *Engine) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	resp, err := e.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/call result: %w", err)
	}
	return &result, nil
}
