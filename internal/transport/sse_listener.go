package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEListener faces a client that speaks the HTTP+SSE transport. The client
// opens GET /sse, learns its POST endpoint from the first "endpoint" event,
// and receives every outbound payload as a "message" event.
type SSEListener struct {
	*httpListener

	sess      *sse.Session
	sessionID string
	attached  chan struct{}
}

// NewSSEListener prepares a listener on addr. Nothing binds until Open.
func NewSSEListener(addr string, opts ...Option) *SSEListener {
	o := buildOptions(opts)
	return &SSEListener{
		httpListener: newHTTPListener(addr, "sse:listen", o),
		attached:     make(chan struct{}),
	}
}

func (l *SSEListener) Open(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", l.handleSSE)
	mux.HandleFunc("POST /message", l.handleMessage)
	return l.serve(mux, l.writeEvent)
}

func (l *SSEListener) Send(ctx context.Context, payload []byte) error {
	return l.p.send(ctx, payload)
}

func (l *SSEListener) Describe() string {
	if addr := l.ListenAddr(); addr != "" {
		return "sse:http://" + addr + "/sse"
	}
	return "sse:" + l.addr
}

func (l *SSEListener) handleSSE(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	busy := l.sess != nil
	l.mu.Unlock()
	if busy {
		http.Error(w, "a client session is already open", http.StatusConflict)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		l.p.logger.Error("failed to upgrade session", "err", err)
		http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	msg := sse.Message{Type: sse.Type("endpoint")}
	msg.AppendData("/message?sessionId=" + id)
	if err := sess.Send(&msg); err != nil {
		l.p.logger.Error("failed to write endpoint event", "err", err)
		return
	}
	if err := sess.Flush(); err != nil {
		l.p.logger.Error("failed to flush endpoint event", "err", err)
		return
	}

	l.mu.Lock()
	if l.sess != nil {
		l.mu.Unlock()
		return
	}
	l.sess = sess
	l.sessionID = id
	close(l.attached)
	l.mu.Unlock()
	l.p.logger.Info("client connected", "session_id", id)

	// The client hanging up ends the inbound direction.
	select {
	case <-r.Context().Done():
		l.p.logger.Info("client disconnected", "session_id", id)
		l.p.finish(nil)
	case <-l.p.done:
	}
}

func (l *SSEListener) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	known := id == l.sessionID
	l.mu.Unlock()
	if !known {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !l.p.deliver(body) {
		http.Error(w, "proxy is shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// writeEvent waits for the client stream and sends payload on it.
func (l *SSEListener) writeEvent(payload []byte) error {
	select {
	case <-l.attached:
	case <-l.p.done:
		return ErrClosed
	}

	l.mu.Lock()
	sess := l.sess
	l.mu.Unlock()

	if err := sendEvent(sess, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrClosed
		}
		return err
	}
	return nil
}
