// Package transport moves raw JSON-RPC payloads between the proxy and one
// MCP peer. Every adapter owns two pumps: a read pump that drains the native
// read primitive into an inbound queue, and a write pump that drains an
// outbound queue of payloads into the native write primitive. Callers see
// only opaque byte slices; classification happens in the proxy engine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/gzhole/counteragent/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Adapter is a bidirectional payload pipe to one peer.
type Adapter interface {
	// Open establishes the transport: spawns the child, dials the server or
	// starts listening for the client.
	Open(ctx context.Context) error
	// Send writes one payload, framed for the transport.
	Send(ctx context.Context, payload []byte) error
	// Receive yields inbound payloads until the peer goes away or the adapter
	// is closed. It may be consumed once.
	Receive() iter.Seq[[]byte]
	// Close flushes in-flight writes and releases the transport.
	Close() error
	// Err reports the transport error that ended Receive, nil on clean EOF.
	Err() error
	// Describe is a human label such as "stdio:npx server".
	Describe() string
}

var (
	// ErrClosed is returned by Send once the adapter has been closed.
	ErrClosed = errors.New("connection closed")
	// ErrNotOpen is returned by Send before Open succeeded.
	ErrNotOpen = errors.New("transport not open")
	// ErrRejected wraps Send errors for a payload this transport cannot
	// carry. The adapter stays usable for the next payload.
	ErrRejected = errors.New("payload rejected by transport")
)

// MaxLineSize bounds a single newline-framed payload.
const MaxLineSize = 10 * 1024 * 1024

// DefaultGracePeriod is how long Close waits for a spawned server to exit
// after its stdin is closed.
const DefaultGracePeriod = 2 * time.Second

// Target identifies the server side of a proxy or replay.
type Target struct {
	Transport session.Transport
	// Command is the argv of a stdio server.
	Command []string
	// URL is the endpoint of an sse or streamable-http server.
	URL string
}

// Validate checks that the target carries what its transport needs.
func (t Target) Validate() error {
	switch t.Transport {
	case session.TransportStdio:
		if len(t.Command) == 0 {
			return errors.New("stdio target requires a command")
		}
	case session.TransportSSE, session.TransportStreamableHTTP:
		if t.URL == "" {
			return fmt.Errorf("%s target requires a url", t.Transport)
		}
	default:
		return fmt.Errorf("unsupported transport %q", t.Transport)
	}
	return nil
}

type options struct {
	logger      *slog.Logger
	httpClient  *http.Client
	gracePeriod time.Duration
}

// Option configures an adapter.
type Option func(*options)

// WithLogger sets the logger for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the client used by network server adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithGracePeriod sets how long a spawned server gets to exit on Close.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.gracePeriod = d }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:      slog.Default(),
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewServerAdapter returns the adapter that talks to target: a spawned
// process for stdio, or a go-sdk client transport for network servers.
func NewServerAdapter(target Target, opts ...Option) (Adapter, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	switch target.Transport {
	case session.TransportSSE:
		t := &mcp.SSEClientTransport{Endpoint: target.URL, HTTPClient: o.httpClient}
		return NewSDKAdapter(t, "sse:"+target.URL, opts...), nil
	case session.TransportStreamableHTTP:
		t := &mcp.StreamableClientTransport{Endpoint: target.URL, HTTPClient: o.httpClient}
		return NewSDKAdapter(t, "streamable-http:"+target.URL, opts...), nil
	default:
		return NewProcessAdapter(target.Command, opts...), nil
	}
}

// NewClientAdapter returns the adapter that faces the MCP client: the
// proxy's own stdin/stdout, or an HTTP listener on listenAddr.
func NewClientAdapter(kind session.Transport, listenAddr string, opts ...Option) (Adapter, error) {
	switch kind {
	case session.TransportStdio:
		return NewStdioClientAdapter(opts...), nil
	case session.TransportSSE:
		return NewSSEListener(listenAddr, opts...), nil
	case session.TransportStreamableHTTP:
		return NewStreamableListener(listenAddr, opts...), nil
	}
	return nil, fmt.Errorf("unsupported transport %q", kind)
}
