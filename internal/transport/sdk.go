package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SDKAdapter drives any go-sdk client transport: SSE, streamable HTTP, a
// command transport or an in-memory pipe. Payloads cross the SDK boundary as
// decoded jsonrpc messages, so bytes that are not JSON-RPC fail only the
// Send that carried them.
type SDKAdapter struct {
	transport mcp.Transport
	label     string
	p         *pipe

	mu     sync.Mutex
	conn   mcp.Connection
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewSDKAdapter wraps t; label is what Describe returns.
func NewSDKAdapter(t mcp.Transport, label string, opts ...Option) *SDKAdapter {
	o := buildOptions(opts)
	return &SDKAdapter{
		transport: t,
		label:     label,
		p:         newPipe(o.logger.With("transport", label)),
	}
}

func (a *SDKAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	if a.p.closed() {
		return ErrClosed
	}

	conn, err := a.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", a.label, err)
	}
	// The read pump outlives the Open call, so it gets its own context.
	readCtx, cancel := context.WithCancel(context.Background())
	a.conn = conn
	a.cancel = cancel

	a.p.start(func(payload []byte) error {
		msg, err := jsonrpc.DecodeMessage(payload)
		if err != nil {
			return fmt.Errorf("%w: not a JSON-RPC message: %v", ErrRejected, err)
		}
		return conn.Write(readCtx, msg)
	})
	go a.processReads(readCtx, conn)
	return nil
}

func (a *SDKAdapter) processReads(ctx context.Context, conn mcp.Connection) {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if a.p.closed() || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				a.p.finish(nil)
			} else {
				a.p.finish(fmt.Errorf("read from %s: %w", a.label, err))
			}
			return
		}
		data, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			a.p.logger.Warn("dropping undecodable message from sdk transport", "err", err)
			continue
		}
		if !a.p.deliver(data) {
			a.p.finish(nil)
			return
		}
	}
}

func (a *SDKAdapter) Send(ctx context.Context, payload []byte) error {
	return a.p.send(ctx, payload)
}

func (a *SDKAdapter) Receive() iter.Seq[[]byte] { return a.p.receive() }

func (a *SDKAdapter) Close() error {
	if !a.p.shutdown(func() { _ = a.teardown() }) {
		return nil
	}
	return a.teardown()
}

// teardown cancels the pumps' context and closes the connection, which
// also unblocks a conn.Write stuck on an unresponsive server.
func (a *SDKAdapter) teardown() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		cancel, conn := a.cancel, a.conn
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn == nil {
			return
		}
		if err := conn.Close(); err != nil {
			a.closeErr = fmt.Errorf("failed to close %s: %w", a.label, err)
		}
	})
	return a.closeErr
}

func (a *SDKAdapter) Err() error { return a.p.Err() }

func (a *SDKAdapter) Describe() string { return a.label }

// SessionID is the transport session id, empty when the transport has none.
func (a *SDKAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ""
	}
	return a.conn.SessionID()
}
