// Package proxy sits between an MCP client and an MCP server, forwarding
// traffic in both directions while recording every message into a session.
// Responses are correlated to the requests they answer, and in intercept
// mode each message is held for an operator decision before it moves on.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gzhole/counteragent/internal/metrics"
	"github.com/gzhole/counteragent/internal/session"
	"github.com/gzhole/counteragent/internal/transport"
)

// Config wires an Engine.
type Config struct {
	// Client faces the MCP client; Server faces the MCP server.
	Client transport.Adapter
	Server transport.Adapter

	// Info seeds the session metadata. ID and StartedAt are filled in when
	// empty.
	Info session.Info

	// Intercept holds every message for Interceptor. A nil Interceptor
	// forwards everything.
	Intercept   bool
	Interceptor Interceptor

	// AutoSave, when set, is where the session is written on teardown.
	AutoSave string

	// OnMessage observes each message after it is recorded.
	OnMessage func(session.ProxyMessage)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine runs one proxy session.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	builder *session.Builder

	mu      sync.Mutex
	pending map[pendingKey]int64

	stopping atomic.Bool
}

// exitReporter is implemented by server adapters that own a child process.
type exitReporter interface {
	ExitErr() error
}

// pendingKey scopes an id to the direction its request travelled in, so a
// server-initiated request never collides with a client request id.
type pendingKey struct {
	dir session.Direction
	id  string
}

// New validates cfg and prepares the session builder.
func New(cfg Config) (*Engine, error) {
	if cfg.Client == nil || cfg.Server == nil {
		return nil, errors.New("proxy requires both a client and a server adapter")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := session.NewBuilder(cfg.Info)
	return &Engine{
		cfg:     cfg,
		logger:  logger.With("session_id", b.ID()),
		builder: b,
		pending: make(map[pendingKey]int64),
	}, nil
}

// SessionID is the id of the session being captured.
func (e *Engine) SessionID() string { return e.builder.ID() }

// Snapshot returns the messages captured so far.
func (e *Engine) Snapshot() *session.Session { return e.builder.Snapshot() }

// Run opens both adapters and forwards until either side goes away or ctx
// is done. The captured session is returned even when the run ends with a
// transport error.
func (e *Engine) Run(ctx context.Context) (*session.Session, error) {
	if err := e.cfg.Server.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open server transport %s: %w", e.cfg.Server.Describe(), err)
	}
	if err := e.cfg.Client.Open(ctx); err != nil {
		_ = e.cfg.Server.Close()
		return nil, fmt.Errorf("failed to open client transport %s: %w", e.cfg.Client.Describe(), err)
	}
	if x, ok := e.cfg.Server.(interface{ SessionID() string }); ok && x.SessionID() != "" {
		e.builder.SetMetadata("server_session_id", x.SessionID())
	}
	e.logger.Info("proxy started",
		"client", e.cfg.Client.Describe(),
		"server", e.cfg.Server.Describe(),
		"intercept", e.cfg.Intercept)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type loopResult struct {
		dir session.Direction
		err error
	}
	results := make(chan loopResult, 2)
	go func() {
		results <- loopResult{session.ClientToServer, e.forward(ctx, e.cfg.Client, e.cfg.Server, session.ClientToServer)}
	}()
	go func() {
		results <- loopResult{session.ServerToClient, e.forward(ctx, e.cfg.Server, e.cfg.Client, session.ServerToClient)}
	}()

	var runErr error
	collect := func(r loopResult) {
		if r.err != nil && runErr == nil {
			runErr = r.err
		}
	}

	remaining := 2
	stoppedBy := "cancel"
	select {
	case r := <-results:
		remaining--
		collect(r)
		stoppedBy = "client"
		if r.dir == session.ServerToClient {
			stoppedBy = "server"
		}
		e.logger.Debug("forwarding loop ended", "direction", r.dir, "err", r.err)
	case <-ctx.Done():
		e.logger.Info("proxy cancelled")
	}
	e.builder.SetMetadata("stopped_by", stoppedBy)

	e.stopping.Store(true)
	cancel()
	if err := e.cfg.Client.Close(); err != nil {
		e.logger.Warn("failed to close client transport", "err", err)
	}
	if err := e.cfg.Server.Close(); err != nil {
		e.logger.Warn("failed to close server transport", "err", err)
	}
	for ; remaining > 0; remaining-- {
		collect(<-results)
	}

	if runErr != nil {
		e.recordError(session.ErrorEntry{Kind: session.ErrorTransport, Detail: runErr.Error()})
	}
	if stoppedBy == "server" {
		if x, ok := e.cfg.Server.(exitReporter); ok && x.ExitErr() != nil {
			e.logger.Warn("server process exited", "err", x.ExitErr())
			e.recordError(session.ErrorEntry{
				Kind:   session.ErrorTransport,
				Detail: fmt.Sprintf("server %s exited: %v", e.cfg.Server.Describe(), x.ExitErr()),
			})
		}
	}

	snap := e.builder.Snapshot()
	e.logger.Info("proxy stopped", "messages", snap.Len(), "errors", len(snap.Errors()))

	if e.cfg.AutoSave != "" {
		if err := session.Save(e.cfg.AutoSave, snap); err != nil {
			e.logger.Error("failed to save session", "path", e.cfg.AutoSave, "err", err)
			return snap, errors.Join(runErr, err)
		}
		e.logger.Info("session saved", "path", e.cfg.AutoSave)
	}
	return snap, runErr
}

// forward pumps src into dst. It returns nil when src reaches EOF or the
// engine is shutting down, and the transport error otherwise.
func (e *Engine) forward(ctx context.Context, src, dst transport.Adapter, dir session.Direction) error {
	for raw := range src.Receive() {
		seq := e.builder.NextSequence()
		msg := session.NewMessage(seq, dir, raw, time.Now().UTC())

		if e.cfg.Intercept {
			d, err := e.decide(ctx, msg)
			if err != nil {
				// Cancelled while held: the message was never forwarded.
				msg.Dropped = true
				e.record(msg)
				return nil
			}
			e.cfg.Metrics.ObserveDecision(d.Action.String())
			switch d.Action {
			case Drop:
				msg.Dropped = true
				e.logger.Info("message dropped", "seq", seq, "direction", dir, "method", msg.DisplayMethod())
				e.record(msg)
				continue
			case Edit:
				if len(d.Raw) == 0 {
					e.logger.Warn("edit with empty payload, forwarding original", "seq", seq)
					break
				}
				msg = msg.Edit(d.Raw)
				e.logger.Info("message edited", "seq", seq, "direction", dir, "method", msg.DisplayMethod())
			}
		}

		if msg.Malformed() {
			e.logger.Warn("malformed payload", "seq", seq, "direction", dir, "err", msg.Error)
			e.recordError(session.ErrorEntry{
				Sequence:  seq,
				Direction: dir,
				Kind:      session.ErrorMalformedPayload,
				Detail:    msg.Error,
			})
		}
		e.correlate(&msg)

		// Recorded after the send so a rejected payload is marked dropped.
		err := dst.Send(ctx, msg.Raw)
		if errors.Is(err, transport.ErrRejected) {
			msg.Dropped = true
			e.forget(msg)
			e.logger.Warn("transport rejected payload", "seq", seq, "direction", dir, "transport", dst.Describe(), "err", err)
			e.recordError(session.ErrorEntry{
				Sequence:  seq,
				Direction: dir,
				Kind:      session.ErrorForwardFailed,
				Detail:    err.Error(),
			})
			err = nil
		}
		e.record(msg)

		if err != nil {
			if e.stopping.Load() || ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to forward #%d to %s: %w", seq, dst.Describe(), err)
		}
	}

	if e.stopping.Load() {
		return nil
	}
	if err := src.Err(); err != nil {
		return fmt.Errorf("%s: %w", src.Describe(), err)
	}
	e.logger.Info("peer closed the connection", "transport", src.Describe())
	return nil
}

func (e *Engine) decide(ctx context.Context, msg session.ProxyMessage) (Decision, error) {
	if e.cfg.Interceptor == nil {
		return Decision{Action: Forward}, nil
	}
	d, err := e.cfg.Interceptor.Decide(ctx, Pending{msg.Clone()})
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		e.logger.Warn("interceptor failed, forwarding unchanged", "seq", msg.Sequence, "err", err)
		e.recordError(session.ErrorEntry{
			Sequence:  msg.Sequence,
			Direction: msg.Direction,
			Kind:      session.ErrorInterceptor,
			Detail:    err.Error(),
		})
		return Decision{Action: Forward}, nil
	}
	return d, nil
}

// correlate registers requests and links responses to them, using the
// payload that is actually forwarded.
func (e *Engine) correlate(msg *session.ProxyMessage) {
	switch {
	case msg.IsRequest():
		key := pendingKey{msg.Direction, msg.IDKey()}
		e.mu.Lock()
		prev, dup := e.pending[key]
		e.pending[key] = msg.Sequence
		n := len(e.pending)
		e.mu.Unlock()
		e.cfg.Metrics.SetPending(n)

		if dup {
			detail := fmt.Sprintf("request id %s reused while #%d is outstanding", msg.IDKey(), prev)
			e.logger.Warn("duplicate request id", "seq", msg.Sequence, "id", msg.IDKey(), "previous", prev)
			e.recordError(session.ErrorEntry{
				Sequence:  msg.Sequence,
				Direction: msg.Direction,
				Kind:      session.ErrorDuplicateRequestID,
				Detail:    detail,
			})
		}

	case msg.IsResponse():
		key := pendingKey{opposite(msg.Direction), msg.IDKey()}
		e.mu.Lock()
		reqSeq, ok := e.pending[key]
		if ok {
			delete(e.pending, key)
		}
		n := len(e.pending)
		e.mu.Unlock()

		if ok {
			e.cfg.Metrics.SetPending(n)
			msg.CorrelatedID = &reqSeq
			return
		}
		e.logger.Warn("uncorrelated response", "seq", msg.Sequence, "direction", msg.Direction, "id", msg.IDKey())
		e.recordError(session.ErrorEntry{
			Sequence:  msg.Sequence,
			Direction: msg.Direction,
			Kind:      session.ErrorUncorrelatedResponse,
			Detail:    fmt.Sprintf("no outstanding request with id %q", msg.IDKey()),
		})
	}
}

// forget removes the pending entry of a request that never reached its
// destination.
func (e *Engine) forget(msg session.ProxyMessage) {
	if !msg.IsRequest() {
		return
	}
	key := pendingKey{msg.Direction, msg.IDKey()}
	e.mu.Lock()
	if e.pending[key] == msg.Sequence {
		delete(e.pending, key)
	}
	n := len(e.pending)
	e.mu.Unlock()
	e.cfg.Metrics.SetPending(n)
}

func (e *Engine) record(msg session.ProxyMessage) {
	e.builder.Append(msg)
	e.cfg.Metrics.ObserveMessage(string(msg.Direction), kindLabel(msg))
	e.logger.Debug("message recorded",
		"seq", msg.Sequence,
		"direction", msg.Direction,
		"method", msg.DisplayMethod(),
		"id", msg.IDKey(),
		"dropped", msg.Dropped,
		"modified", msg.Modified)
	if e.cfg.OnMessage != nil {
		e.cfg.OnMessage(msg.Clone())
	}
}

func (e *Engine) recordError(entry session.ErrorEntry) {
	e.builder.RecordError(entry)
	e.cfg.Metrics.ObserveProtocolError(entry.Kind)
}

func opposite(d session.Direction) session.Direction {
	if d == session.ClientToServer {
		return session.ServerToClient
	}
	return session.ClientToServer
}

func kindLabel(m session.ProxyMessage) string {
	switch {
	case m.Malformed():
		return "malformed"
	case m.IsRequest():
		return "request"
	case m.IsNotification():
		return "notification"
	default:
		return "response"
	}
}
