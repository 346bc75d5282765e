package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gzhole/counteragent/internal/mcp"
	"github.com/tmaxmax/go-sse"
)

const (
	sessionHeader = "Mcp-Session-Id"
	// maxBacklog bounds outbound payloads held while no GET stream is open.
	maxBacklog = 1024
)

// StreamableListener faces a client that speaks the streamable HTTP
// transport on a single /mcp endpoint. A POSTed request is answered with the
// outbound response carrying the same id; every other outbound payload goes
// to the client's GET stream, or waits for one to open.
type StreamableListener struct {
	*httpListener

	sessionID  string
	waiters    map[string]chan []byte
	streamOpen bool
	stream     *sse.Session
	backlog    [][]byte
}

// NewStreamableListener prepares a listener on addr. Nothing binds until Open.
func NewStreamableListener(addr string, opts ...Option) *StreamableListener {
	o := buildOptions(opts)
	return &StreamableListener{
		httpListener: newHTTPListener(addr, "streamable-http:listen", o),
		waiters:      make(map[string]chan []byte),
	}
}

func (l *StreamableListener) Open(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", l.handleMCP)
	return l.serve(mux, l.route)
}

func (l *StreamableListener) Send(ctx context.Context, payload []byte) error {
	return l.p.send(ctx, payload)
}

func (l *StreamableListener) Describe() string {
	if addr := l.ListenAddr(); addr != "" {
		return "streamable-http:http://" + addr + "/mcp"
	}
	return "streamable-http:" + l.addr
}

func (l *StreamableListener) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		l.handlePost(w, r)
	case http.MethodGet:
		l.handleGet(w, r)
	case http.MethodDelete:
		l.handleDelete(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// checkSession issues the session id on first contact and rejects requests
// that carry someone else's.
func (l *StreamableListener) checkSession(w http.ResponseWriter, r *http.Request) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	got := r.Header.Get(sessionHeader)
	if l.sessionID == "" {
		l.sessionID = uuid.NewString()
		l.p.logger.Info("client connected", "session_id", l.sessionID)
	} else if got != "" && got != l.sessionID {
		http.Error(w, "session not found", http.StatusNotFound)
		return false
	}
	w.Header().Set(sessionHeader, l.sessionID)
	return true
}

func (l *StreamableListener) handlePost(w http.ResponseWriter, r *http.Request) {
	if !l.checkSession(w, r) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	msg, kind, err := mcp.ParseMessage(body)
	if err != nil || kind != mcp.KindRequest {
		if !l.p.deliver(body) {
			http.Error(w, "proxy is shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	key := mcp.IDKey(msg.ID)
	reply := make(chan []byte, 1)
	l.mu.Lock()
	l.waiters[key] = reply
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.waiters[key] == reply {
			delete(l.waiters, key)
		}
		l.mu.Unlock()
	}()

	if !l.p.deliver(body) {
		rejectRequest(w, msg.ID, "proxy is shutting down")
		return
	}

	select {
	case resp := <-reply:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(resp)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
	case <-r.Context().Done():
	case <-l.p.done:
		rejectRequest(w, msg.ID, "proxy is shutting down")
	}
}

// rejectRequest answers a POSTed request that will never get a reply from
// the server, so the client does not wait out its own timeout.
func rejectRequest(w http.ResponseWriter, id json.RawMessage, reason string) {
	resp, err := mcp.NewErrorResponse(id, mcp.RPCInternalError, reason)
	if err != nil {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(resp)
}

func (l *StreamableListener) handleGet(w http.ResponseWriter, r *http.Request) {
	if !l.checkSession(w, r) {
		return
	}
	l.mu.Lock()
	busy := l.streamOpen
	l.streamOpen = !busy
	l.mu.Unlock()
	if busy {
		http.Error(w, "a stream is already open for this session", http.StatusConflict)
		return
	}
	defer func() {
		l.mu.Lock()
		l.streamOpen = false
		l.stream = nil
		l.mu.Unlock()
	}()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
		return
	}

	// Flush the backlog outside the lock. Payloads routed meanwhile land in
	// the backlog too, so the stream is attached only once it is empty.
	for {
		l.mu.Lock()
		backlog := l.backlog
		l.backlog = nil
		if len(backlog) == 0 {
			l.stream = sess
		}
		l.mu.Unlock()
		if len(backlog) == 0 {
			break
		}
		for _, payload := range backlog {
			if err := sendEvent(sess, payload); err != nil {
				l.p.logger.Warn("failed to flush backlog to stream", "err", err)
				return
			}
		}
	}

	select {
	case <-r.Context().Done():
	case <-l.p.done:
	}
}

func (l *StreamableListener) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !l.checkSession(w, r) {
		return
	}
	l.p.logger.Info("client ended session", "session_id", w.Header().Get(sessionHeader))
	w.WriteHeader(http.StatusNoContent)
	l.p.finish(nil)
}

// route delivers one outbound payload to the POST waiting for it, the open
// GET stream, or the backlog.
func (l *StreamableListener) route(payload []byte) error {
	var key string
	if msg, kind, err := mcp.ParseMessage(payload); err == nil && kind == mcp.KindResponse {
		key = mcp.IDKey(msg.ID)
	}

	l.mu.Lock()
	if key != "" {
		if reply, ok := l.waiters[key]; ok {
			delete(l.waiters, key)
			l.mu.Unlock()
			reply <- payload
			return nil
		}
	}
	stream := l.stream
	if stream == nil {
		if len(l.backlog) >= maxBacklog {
			l.p.logger.Warn("stream backlog full, dropping oldest payload")
			l.backlog = l.backlog[1:]
		}
		l.backlog = append(l.backlog, payload)
	}
	l.mu.Unlock()

	// Written outside the lock so a slow client never stalls POST handling.
	if stream == nil {
		return nil
	}
	if err := sendEvent(stream, payload); err != nil {
		// The GET stream went away; keep the payload for the next one.
		l.p.logger.Warn("client stream write failed, backlogging payload", "err", err)
		l.mu.Lock()
		if l.stream == stream {
			l.stream = nil
		}
		l.backlog = append(l.backlog, payload)
		l.mu.Unlock()
	}
	return nil
}

func sendEvent(sess *sse.Session, payload []byte) error {
	msg := sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(payload))
	if err := sess.Send(&msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return sess.Flush()
}
