package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"sync"
	"time"
)

// httpListener is the HTTP server shared by the client-facing network
// adapters. Handlers push inbound payloads into the pipe; the write func of
// the concrete adapter routes outbound payloads to open responses.
type httpListener struct {
	addr  string
	label string
	p     *pipe

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func newHTTPListener(addr, label string, o options) *httpListener {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &httpListener{
		addr:  addr,
		label: label,
		p:     newPipe(o.logger.With("transport", label)),
	}
}

func (l *httpListener) serve(handler http.Handler, write func([]byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return nil
	}
	if l.p.closed() {
		return ErrClosed
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}
	l.listener = ln
	l.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	l.p.start(write)

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.p.finish(fmt.Errorf("serve %s: %w", l.label, err))
		}
	}()
	l.p.logger.Info("listening for client", "url", "http://"+ln.Addr().String())
	return nil
}

// ListenAddr returns the bound address. Only valid after Open.
func (l *httpListener) ListenAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return ""
}

func (l *httpListener) Receive() iter.Seq[[]byte] { return l.p.receive() }

func (l *httpListener) Err() error { return l.p.Err() }

func (l *httpListener) Close() error {
	if !l.p.shutdown(l.abort) {
		return nil
	}
	l.mu.Lock()
	srv := l.server
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		_ = srv.Close()
		return fmt.Errorf("failed to shut down %s: %w", l.label, err)
	}
	return nil
}

// abort closes every client connection, failing a write stuck on a client
// that stopped reading.
func (l *httpListener) abort() {
	l.mu.Lock()
	srv := l.server
	l.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}

// readBody reads one payload from a POST, bounded by MaxLineSize.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxLineSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	if len(body) == 0 {
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}
