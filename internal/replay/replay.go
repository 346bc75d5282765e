// Package replay re-sends the client side of a captured session to a live
// server and records what came back. Ids are sent exactly as captured; the
// optional synthetic handshake uses ids that cannot collide with them.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gzhole/counteragent/internal/mcp"
	"github.com/gzhole/counteragent/internal/metrics"
	"github.com/gzhole/counteragent/internal/session"
	"github.com/gzhole/counteragent/internal/transport"
)

// DefaultTimeout bounds the wait for each response.
const DefaultTimeout = 10 * time.Second

// ClientName is the clientInfo name announced by the synthetic handshake.
const ClientName = "counteragent"

var (
	// ErrHandshake matches every *HandshakeError.
	ErrHandshake = errors.New("handshake failed")
	// ErrOpen wraps failures to reach the target server.
	ErrOpen = errors.New("failed to open transport")
)

// HandshakeError aborts a replay before any captured message is sent.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "handshake failed: " + e.Err.Error() }

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// Options tunes a replay.
type Options struct {
	// Timeout bounds each response wait; zero means DefaultTimeout.
	Timeout time.Duration
	// AutoHandshake sends initialize and notifications/initialized first.
	AutoHandshake bool
	// Rate caps messages per second; zero is unlimited.
	Rate float64
	// ClientVersion is announced in the handshake clientInfo.
	ClientVersion string
	// Target labels the results document.
	Target transport.Target
	// OnResult observes each result as soon as it is known.
	OnResult func(MessageResult)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine replays sessions over one adapter.
type Engine struct {
	adapter transport.Adapter
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	waiters map[string]chan []byte
	closed  chan struct{}
}

// New prepares an engine. The adapter is opened by Run and closed when Run
// returns.
func New(adapter transport.Adapter, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		adapter: adapter,
		opts:    opts,
		logger:  logger.With("target", adapter.Describe()),
		waiters: make(map[string]chan []byte),
		closed:  make(chan struct{}),
	}
	if opts.Rate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return e
}

// Run replays every client-to-server message of s in sequence order. A
// handshake failure returns a *HandshakeError and no results. Cancelling
// ctx returns the results gathered so far together with ctx's error.
func (e *Engine) Run(ctx context.Context, s *session.Session) (*Result, error) {
	if err := e.adapter.Open(ctx); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrOpen, e.adapter.Describe(), err)
	}
	defer func() {
		if err := e.adapter.Close(); err != nil {
			e.logger.Warn("failed to close transport", "err", err)
		}
	}()
	go e.processResponses()

	res := &Result{
		TargetCommand: strings.Join(e.opts.Target.Command, " "),
		TargetURL:     e.opts.Target.URL,
		StartedAt:     time.Now().UTC(),
	}
	if e.opts.AutoHandshake {
		if err := e.handshake(ctx); err != nil {
			return nil, &HandshakeError{Err: err}
		}
	}

	for _, msg := range s.ClientMessages() {
		if err := e.pace(ctx); err != nil {
			res.finish()
			return res, err
		}
		r := e.replayOne(ctx, msg)
		if ctx.Err() != nil {
			res.finish()
			return res, ctx.Err()
		}
		res.add(r)
		e.observe(r)
	}
	res.finish()
	e.logger.Info("replay finished", "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

func (e *Engine) pace(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func (e *Engine) replayOne(ctx context.Context, msg session.ProxyMessage) MessageResult {
	r := MessageResult{
		Sequence:        msg.Sequence,
		Method:          msg.Method,
		ID:              msg.JSONRPCID,
		OriginalRequest: msg.Raw,
		SentMessage:     msg.Raw,
	}
	start := time.Now()

	if e.isClosed() {
		r.Error = transport.ErrClosed.Error()
		return r
	}

	var reply chan []byte
	if msg.IsRequest() {
		reply = e.expect(msg.IDKey())
		defer e.forget(msg.IDKey(), reply)
	}

	if err := e.adapter.Send(ctx, msg.Raw); err != nil {
		if errors.Is(err, transport.ErrClosed) || e.isClosed() {
			r.Error = transport.ErrClosed.Error()
		} else {
			r.Error = err.Error()
		}
		r.Duration = time.Since(start)
		return r
	}
	if reply == nil {
		r.Duration = time.Since(start)
		return r
	}

	resp, err := e.await(ctx, reply)
	r.Duration = time.Since(start)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Response = resp
	return r
}

// await waits for the response routed to reply.
func (e *Engine) await(ctx context.Context, reply chan []byte) ([]byte, error) {
	timer := time.NewTimer(e.opts.Timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout after %s", e.opts.Timeout)
	case <-e.closed:
		// A response may have raced the close.
		select {
		case resp := <-reply:
			return resp, nil
		default:
		}
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) handshake(ctx context.Context) error {
	id := "counteragent-handshake-" + uuid.NewString()
	req, err := mcp.NewRequest(id, mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      mcp.Implementation{Name: ClientName, Version: e.opts.ClientVersion},
	})
	if err != nil {
		return err
	}

	key := mcp.IDKey(mustMarshal(id))
	reply := e.expect(key)
	defer e.forget(key, reply)

	if err := e.adapter.Send(ctx, req); err != nil {
		return fmt.Errorf("failed to send initialize: %w", err)
	}
	resp, err := e.await(ctx, reply)
	if err != nil {
		return fmt.Errorf("no initialize response: %w", err)
	}
	msg, _, err := mcp.ParseMessage(resp)
	if err != nil {
		return fmt.Errorf("invalid initialize response: %w", err)
	}
	if msg.Error != nil {
		return fmt.Errorf("server rejected initialize: %d %s", msg.Error.Code, msg.Error.Message)
	}

	note, err := mcp.NewNotification(mcp.MethodInitialized, nil)
	if err != nil {
		return err
	}
	if err := e.adapter.Send(ctx, note); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	e.logger.Debug("handshake complete", "id", id)
	return nil
}

// processResponses routes inbound responses to their waiters until the
// adapter stops delivering.
func (e *Engine) processResponses() {
	defer close(e.closed)
	for payload := range e.adapter.Receive() {
		msg, kind, err := mcp.ParseMessage(payload)
		if err != nil || kind != mcp.KindResponse {
			e.logger.Debug("ignoring inbound message", "kind", kind.String(), "err", err)
			continue
		}
		key := mcp.IDKey(msg.ID)
		e.mu.Lock()
		reply, ok := e.waiters[key]
		if ok {
			delete(e.waiters, key)
		}
		e.mu.Unlock()
		if !ok {
			e.logger.Debug("ignoring response to unknown id", "id", key)
			continue
		}
		reply <- payload
	}
	if err := e.adapter.Err(); err != nil {
		e.logger.Warn("transport failed during replay", "err", err)
	}
}

func (e *Engine) expect(key string) chan []byte {
	reply := make(chan []byte, 1)
	e.mu.Lock()
	e.waiters[key] = reply
	e.mu.Unlock()
	return reply
}

func (e *Engine) forget(key string, reply chan []byte) {
	e.mu.Lock()
	if e.waiters[key] == reply {
		delete(e.waiters, key)
	}
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Engine) observe(r MessageResult) {
	outcome := "success"
	if r.Error != "" {
		outcome = "error"
		if r.TimedOut() {
			outcome = "timeout"
		}
	}
	e.opts.Metrics.ObserveReplay(outcome, r.Duration)
	e.logger.Debug("message replayed",
		"seq", r.Sequence,
		"method", r.Method,
		"id", string(r.ID),
		"outcome", outcome,
		"duration", r.Duration)
	if e.opts.OnResult != nil {
		e.opts.OnResult(r)
	}
}

func mustMarshal(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
