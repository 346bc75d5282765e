// Package mcp provides the JSON-RPC 2.0 envelope used by the Model Context
// Protocol and the helpers counteragent needs to classify, correlate and
// synthesize MCP messages without interpreting their business semantics.
package mcp

import "encoding/json"

// --- JSON-RPC base types (MCP uses JSON-RPC 2.0) ---

// Message is the top-level envelope for any JSON-RPC 2.0 message.
// The ID is kept as the raw JSON token so that 1 and "1" stay distinct.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`     // present for requests & responses
	Method  string          `json:"method,omitempty"` // present for requests & notifications
	Params  json.RawMessage `json:"params,omitempty"` // present for requests & notifications
	Result  json.RawMessage `json:"result,omitempty"` // present for success responses
	Error   *RPCError       `json:"error,omitempty"`  // present for error responses
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HasID reports whether the message carries a usable id. A literal null id
// (sent by servers answering unparseable requests) counts as absent.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// --- Message type classification ---

// MessageKind classifies a parsed JSON-RPC message by the presence of its
// id and method fields.
type MessageKind int

const (
	KindUnknown      MessageKind = iota
	KindRequest                  // id + method
	KindNotification             // method, no id
	KindResponse                 // id, no method
)

// String returns a human-readable label for the message kind.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// --- Well-known MCP methods ---

const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
)

// LatestProtocolVersion is the protocol revision announced by synthetic
// initialize requests.
const LatestProtocolVersion = "2025-06-18"

// --- Initialize types ---

// Implementation identifies a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the params of an initialize request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// --- JSON-RPC error codes ---

const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
)
