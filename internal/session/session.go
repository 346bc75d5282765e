// Package session holds the capture unit of the proxy: an ordered log of
// ProxyMessages plus connection metadata. A Builder is the append-only form
// owned by a live capture; a Session is the immutable snapshot produced by
// the builder or loaded from disk for replay, inspect and export.
package session

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Transport is the transport kind of the live leg.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ParseTransport normalizes a transport name. "streamable_http" is accepted
// as a spelling of streamable-http.
func ParseTransport(s string) (Transport, error) {
	t := Transport(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch t {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		return t, nil
	}
	return "", fmt.Errorf("invalid transport %q: must be one of stdio, sse, streamable-http", s)
}

// Error log kinds.
const (
	ErrorMalformedPayload     = "malformed_payload"
	ErrorUncorrelatedResponse = "uncorrelated_response"
	ErrorDuplicateRequestID   = "duplicate_request_id"
	ErrorInterceptor          = "interceptor"
	ErrorForwardFailed        = "forward_failed"
	ErrorTransport            = "transport"
)

// ErrorEntry is one record in the session error log.
type ErrorEntry struct {
	Time      time.Time `json:"time"`
	Sequence  int64     `json:"sequence,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}

// Info is the connection metadata of a session.
type Info struct {
	ID            string
	Transport     Transport
	ServerCommand string
	ServerURL     string
	StartedAt     time.Time
	Metadata      map[string]any
}

// Session is an immutable capture. Accessors return copies.
type Session struct {
	info     Info
	messages []ProxyMessage
	errors   []ErrorEntry
}

func newSession(info Info, messages []ProxyMessage, errs []ErrorEntry) *Session {
	info.Metadata = maps.Clone(info.Metadata)
	msgs := make([]ProxyMessage, len(messages))
	for i, m := range messages {
		msgs[i] = m.Clone()
	}
	slices.SortStableFunc(msgs, func(a, b ProxyMessage) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return &Session{info: info, messages: msgs, errors: slices.Clone(errs)}
}

func (s *Session) ID() string { return s.info.ID }
func (s *Session) Transport() Transport { return s.info.Transport }
func (s *Session) ServerCommand() string { return s.info.ServerCommand }
func (s *Session) ServerURL() string { return s.info.ServerURL }
func (s *Session) StartedAt() time.Time { return s.info.StartedAt }
func (s *Session) Len() int { return len(s.messages) }
func (s *Session) Errors() []ErrorEntry { return slices.Clone(s.errors) }
func (s *Session) Metadata() map[string]any { return maps.Clone(s.info.Metadata) }

// Info returns a copy of the connection metadata.
func (s *Session) Info() Info {
	info := s.info
	info.Metadata = maps.Clone(info.Metadata)
	return info
}

// Messages returns every message ordered by sequence.
func (s *Session) Messages() []ProxyMessage {
	out := make([]ProxyMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// ClientMessages returns the client-to-server messages ordered by sequence.
func (s *Session) ClientMessages() []ProxyMessage {
	var out []ProxyMessage
	for _, m := range s.messages {
		if m.Direction == ClientToServer {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Message looks up a message by sequence.
func (s *Session) Message(seq int64) (ProxyMessage, bool) {
	i, found := slices.BinarySearchFunc(s.messages, seq, func(m ProxyMessage, seq int64) int {
		return cmp.Compare(m.Sequence, seq)
	})
	if !found {
		return ProxyMessage{}, false
	}
	return s.messages[i].Clone(), true
}

// Target describes the server side of the session for humans.
func (s *Session) Target() string {
	if s.info.ServerCommand != "" {
		return s.info.ServerCommand
	}
	return s.info.ServerURL
}
