package session

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Builder is the append-only capture state of a live session. It is safe
// for concurrent use by the two forwarding loops of one engine.
type Builder struct {
	info Info
	seq  atomic.Int64

	mu       sync.RWMutex
	messages []ProxyMessage
	errors   []ErrorEntry
}

// NewBuilder starts a capture. An empty ID gets a fresh uuid and a zero
// StartedAt becomes now.
func NewBuilder(info Info) *Builder {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	info.Metadata = maps.Clone(info.Metadata)
	return &Builder{info: info}
}

// ID returns the session id.
func (b *Builder) ID() string { return b.info.ID }

// NextSequence reserves the next sequence number. Numbers start at 1 and
// are never handed out twice.
func (b *Builder) NextSequence() int64 {
	return b.seq.Add(1)
}

// Append records a decided message.
func (b *Builder) Append(m ProxyMessage) {
	m = m.Clone()
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
}

// RecordError appends to the session error log.
func (b *Builder) RecordError(e ErrorEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.Lock()
	b.errors = append(b.errors, e)
	b.mu.Unlock()
}

// SetMetadata annotates the session.
func (b *Builder) SetMetadata(key string, value any) {
	b.mu.Lock()
	if b.info.Metadata == nil {
		b.info.Metadata = make(map[string]any)
	}
	b.info.Metadata[key] = value
	b.mu.Unlock()
}

// Len returns the number of appended messages.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// Snapshot returns an immutable copy ordered by sequence.
func (b *Builder) Snapshot() *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return newSession(b.info, b.messages, b.errors)
}
