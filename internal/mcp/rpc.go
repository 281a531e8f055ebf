package mcp

import (
	"encoding/json"
	"fmt"
)

const JSONRPCVersion = "2.0"

// ProtocolVersion negotiated during initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes. Callers match on code, never on message text.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is a JSON-RPC error object. It never closes the session; it travels
// back to the calling peer as a normal error response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCMessage is the JSON-RPC 2.0 envelope: request (method+id), response
// (result|error + id) or notification (method, no id).
type RPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a reply.
func (m *RPCMessage) IsRequest() bool { return m.Method != "" && len(m.ID) > 0 }

// IsNotification reports a method call that must never be replied to.
func (m *RPCMessage) IsNotification() bool { return m.Method != "" && len(m.ID) == 0 }

// ServerInfo is the serving side's initialize result.
type ServerInfo struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolPage is one page of a paginated tools/list exchange. An empty NextCursor
// terminates the pagination loop.
type ToolPage struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ToolDescriptor is the wire form of one registered capability.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// CallResult is the wire form of a tools/call result.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func newRequest(id int64, method string, params any) (*RPCMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &RPCMessage{JSONRPC: JSONRPCVersion, ID: idRaw, Method: method, Params: raw}, nil
}

func newResult(id json.RawMessage, result any) (*RPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &RPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

func newError(id json.RawMessage, code int, message string) *RPCMessage {
	return &RPCMessage{JSONRPC: JSONRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}
