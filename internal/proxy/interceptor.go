package proxy

import (
	"bytes"
	"context"
	"sync"

	"github.com/gzhole/counteragent/internal/session"
)

// Action is an operator decision on a held message.
type Action int

const (
	Forward Action = iota
	Edit
	Drop
)

func (a Action) String() string {
	switch a {
	case Edit:
		return "edit"
	case Drop:
		return "drop"
	default:
		return "forward"
	}
}

// Decision is the verdict on one held message. Raw is the replacement
// payload and only matters for Edit.
type Decision struct {
	Action Action
	Raw    []byte
}

// Pending is a message held for a decision. Its Raw is the payload as read
// from the wire.
type Pending struct {
	session.ProxyMessage
}

// Interceptor decides the fate of held messages. Decide is called from the
// forwarding loop of the message's direction, so blocking in it suspends
// that direction only. It must return when ctx is done.
type Interceptor interface {
	Decide(ctx context.Context, p Pending) (Decision, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, p Pending) (Decision, error)

func (f InterceptorFunc) Decide(ctx context.Context, p Pending) (Decision, error) {
	return f(ctx, p)
}

// Queue is a pull-based Interceptor: each held message is published on
// Pending and resolved by whoever receives it.
type Queue struct {
	held chan *Held
}

// NewQueue returns a queue that buffers up to size unclaimed messages.
func NewQueue(size int) *Queue {
	return &Queue{held: make(chan *Held, size)}
}

// Pending yields held messages in the order they were held.
func (q *Queue) Pending() <-chan *Held { return q.held }

func (q *Queue) Decide(ctx context.Context, p Pending) (Decision, error) {
	h := &Held{Pending: p, decision: make(chan Decision, 1)}
	select {
	case q.held <- h:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	select {
	case d := <-h.decision:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Held is one message awaiting a decision. Only the first resolution
// counts; the others report false.
type Held struct {
	Pending
	decision chan Decision
	once     sync.Once
}

func (h *Held) Forward() bool { return h.resolve(Decision{Action: Forward}) }

func (h *Held) Edit(raw []byte) bool {
	return h.resolve(Decision{Action: Edit, Raw: bytes.Clone(raw)})
}

func (h *Held) Drop() bool { return h.resolve(Decision{Action: Drop}) }

func (h *Held) resolve(d Decision) bool {
	ok := false
	h.once.Do(func() {
		h.decision <- d
		ok = true
	})
	return ok
}
