package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gzhole/counteragent/internal/mcp"
)

// Direction is the flow of a message through the proxy.
type Direction string

const (
	ClientToServer Direction = "client_to_server"
	ServerToClient Direction = "server_to_client"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == ClientToServer || d == ServerToClient
}

// Arrow renders the direction as → or ←.
func (d Direction) Arrow() string {
	if d == ServerToClient {
		return "←"
	}
	return "→"
}

// ProxyMessage is one JSON-RPC payload observed by the proxy.
type ProxyMessage struct {
	Sequence  int64
	Direction Direction
	// Raw is the payload in effect, after any operator edit.
	Raw []byte
	// OriginalRaw is the payload as first observed; set only when Modified.
	OriginalRaw []byte
	// JSONRPCID is the raw id token; nil for notifications.
	JSONRPCID json.RawMessage
	Method    string
	// CorrelatedID is the sequence of the request a response answers.
	CorrelatedID *int64
	Modified     bool
	Dropped      bool
	// Error holds the parse error for payloads that are not valid JSON-RPC.
	Error     string
	Timestamp time.Time
}

// NewMessage captures raw as a message with the given sequence and
// direction, deriving id and method from the payload.
func NewMessage(seq int64, dir Direction, raw []byte, at time.Time) ProxyMessage {
	m := ProxyMessage{
		Sequence:  seq,
		Direction: dir,
		Raw:       bytes.Clone(raw),
		Timestamp: at,
	}
	m.derive()
	return m
}

func (m *ProxyMessage) derive() {
	m.JSONRPCID, m.Method, m.Error = nil, "", ""
	msg, _, err := mcp.ParseMessage(m.Raw)
	if err != nil {
		m.Error = err.Error()
		return
	}
	if msg.HasID() {
		m.JSONRPCID = json.RawMessage(mcp.IDKey(msg.ID))
	}
	m.Method = msg.Method
}

// Edit returns a copy of m carrying raw as its payload. The first edit keeps
// the observed payload in OriginalRaw; later edits keep that first original.
func (m ProxyMessage) Edit(raw []byte) ProxyMessage {
	if !m.Modified {
		m.OriginalRaw = m.Raw
	}
	m.Raw = bytes.Clone(raw)
	m.Modified = true
	m.derive()
	return m
}

// Malformed reports whether the payload failed to parse.
func (m ProxyMessage) Malformed() bool { return m.Error != "" }

// IsNotification reports a method without an id.
func (m ProxyMessage) IsNotification() bool {
	return m.Method != "" && len(m.JSONRPCID) == 0
}

// IsRequest reports a method with an id.
func (m ProxyMessage) IsRequest() bool {
	return m.Method != "" && len(m.JSONRPCID) > 0
}

// IsResponse reports a well-formed payload without a method.
func (m ProxyMessage) IsResponse() bool {
	return m.Method == "" && !m.Malformed()
}

// IDKey is the canonical pending-table key of the message id.
func (m ProxyMessage) IDKey() string { return mcp.IDKey(m.JSONRPCID) }

// DisplayMethod is the method, or "(response)" for responses.
func (m ProxyMessage) DisplayMethod() string {
	switch {
	case m.Method != "":
		return m.Method
	case m.Malformed():
		return "(malformed)"
	default:
		return "(response)"
	}
}

// Clone returns a deep copy.
func (m ProxyMessage) Clone() ProxyMessage {
	m.Raw = bytes.Clone(m.Raw)
	m.OriginalRaw = bytes.Clone(m.OriginalRaw)
	m.JSONRPCID = bytes.Clone(m.JSONRPCID)
	if m.CorrelatedID != nil {
		c := *m.CorrelatedID
		m.CorrelatedID = &c
	}
	return m
}

// messageJSON is the persisted form of a ProxyMessage. Payloads that are
// valid JSON are embedded; anything else is kept as a string so that
// malformed traffic survives a save/load cycle byte for byte.
type messageJSON struct {
	Sequence        int64           `json:"sequence"`
	Direction       Direction       `json:"direction"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	RawText         string          `json:"raw_text,omitempty"`
	OriginalRaw     json.RawMessage `json:"original_raw,omitempty"`
	OriginalRawText string          `json:"original_raw_text,omitempty"`
	JSONRPCID       json.RawMessage `json:"jsonrpc_id,omitempty"`
	Method          string          `json:"method,omitempty"`
	CorrelatedID    *int64          `json:"correlated_id,omitempty"`
	Modified        bool            `json:"modified"`
	Dropped         bool            `json:"dropped,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (m ProxyMessage) MarshalJSON() ([]byte, error) {
	w := messageJSON{
		Sequence:     m.Sequence,
		Direction:    m.Direction,
		JSONRPCID:    m.JSONRPCID,
		Method:       m.Method,
		CorrelatedID: m.CorrelatedID,
		Modified:     m.Modified,
		Dropped:      m.Dropped,
		Error:        m.Error,
		Timestamp:    m.Timestamp,
	}
	w.Raw, w.RawText = splitPayload(m.Raw)
	if m.Modified {
		w.OriginalRaw, w.OriginalRawText = splitPayload(m.OriginalRaw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ProxyMessage) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Direction.Valid() {
		return fmt.Errorf("message %d: invalid direction %q", w.Sequence, w.Direction)
	}
	*m = ProxyMessage{
		Sequence:     w.Sequence,
		Direction:    w.Direction,
		Raw:          joinPayload(w.Raw, w.RawText),
		JSONRPCID:    w.JSONRPCID,
		Method:       w.Method,
		CorrelatedID: w.CorrelatedID,
		Modified:     w.Modified,
		Dropped:      w.Dropped,
		Error:        w.Error,
		Timestamp:    w.Timestamp,
	}
	if len(m.JSONRPCID) > 0 {
		m.JSONRPCID = json.RawMessage(mcp.IDKey(m.JSONRPCID))
	}
	if m.Modified {
		m.OriginalRaw = joinPayload(w.OriginalRaw, w.OriginalRawText)
	}
	return nil
}

func splitPayload(p []byte) (json.RawMessage, string) {
	if len(p) == 0 {
		return nil, ""
	}
	if json.Valid(p) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, p); err == nil {
			return buf.Bytes(), ""
		}
	}
	return nil, string(p)
}

// joinPayload restores a payload, compacting embedded JSON so that it can be
// written back onto a newline-framed transport.
func joinPayload(raw json.RawMessage, text string) []byte {
	if len(raw) == 0 {
		if text == "" {
			return nil
		}
		return []byte(text)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return bytes.Clone(raw)
	}
	return buf.Bytes()
}
