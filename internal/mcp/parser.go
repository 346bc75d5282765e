package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ParseMessage parses a raw JSON byte slice into a Message and classifies it.
func ParseMessage(data []byte) (*Message, MessageKind, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, KindUnknown, fmt.Errorf("invalid JSON-RPC message: empty payload")
	}
	if trimmed[0] != '{' {
		return nil, KindUnknown, fmt.Errorf("invalid JSON-RPC message: expected an object")
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, KindUnknown, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}

	kind := ClassifyMessage(&msg)
	if kind == KindUnknown {
		return &msg, kind, fmt.Errorf("invalid JSON-RPC message: neither id nor method present")
	}
	return &msg, kind, nil
}

// ClassifyMessage determines the MessageKind of an already-parsed Message.
func ClassifyMessage(msg *Message) MessageKind {
	hasID := msg.HasID()

	switch {
	case hasID && msg.Method != "":
		return KindRequest
	case !hasID && msg.Method != "":
		return KindNotification
	case hasID:
		return KindResponse
	case msg.Result != nil || msg.Error != nil:
		// id:null error replies to unparseable requests
		return KindResponse
	default:
		return KindUnknown
	}
}

// IDKey returns a canonical key for a raw id token, suitable for map lookups.
// Whitespace differences are removed; type differences (1 vs "1") are kept.
// An absent or null id yields "".
func IDKey(id json.RawMessage) string {
	if len(id) == 0 || string(id) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

// DisplayID renders an id for humans: strings without quotes, numbers as-is.
func DisplayID(id json.RawMessage) string {
	key := IDKey(id)
	if key == "" {
		return ""
	}
	if s, err := strconv.Unquote(key); err == nil {
		return s
	}
	return key
}

// NewRequest builds a JSON-RPC request. id may be a string or a number.
func NewRequest(id any, method string, params any) ([]byte, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request id: %w", err)
	}
	msg := Message{JSONRPC: "2.0", ID: rawID, Method: method}
	if params != nil {
		if msg.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
	}
	return json.Marshal(msg)
}

// NewNotification builds a JSON-RPC notification.
func NewNotification(method string, params any) ([]byte, error) {
	msg := Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		var err error
		if msg.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
	}
	return json.Marshal(msg)
}

// NewErrorResponse creates a generic JSON-RPC error response.
// The ID is copied from the original request so the client can correlate it.
func NewErrorResponse(requestID json.RawMessage, code int, message string) ([]byte, error) {
	resp := Message{
		JSONRPC: "2.0",
		ID:      requestID,
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
	return json.Marshal(resp)
}
