package proxy

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzhole/counteragent/internal/session"
	"github.com/gzhole/counteragent/internal/transport"
)

const waitFor = 5 * time.Second

// peer plays one MCP endpoint against a StreamAdapter held by the engine.
type peer struct {
	out   chan string
	w     *io.PipeWriter
	lines chan string
}

func newPeer(t *testing.T, label string) (*transport.StreamAdapter, *peer) {
	t.Helper()
	toEngineR, toEngineW := io.Pipe()
	fromEngineR, fromEngineW := io.Pipe()

	p := &peer{out: make(chan string, 32), w: toEngineW, lines: make(chan string, 32)}
	go func() {
		for line := range p.out {
			if _, err := io.WriteString(toEngineW, line+"\n"); err != nil {
				return
			}
		}
		_ = toEngineW.Close()
	}()
	go func() {
		sc := bufio.NewScanner(fromEngineR)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		close(p.lines)
	}()
	t.Cleanup(func() {
		_ = toEngineW.Close()
		_ = fromEngineR.Close()
	})
	return transport.NewStreamAdapter(label, toEngineR, fromEngineW), p
}

func (p *peer) send(line string) { p.out <- line }

// hangUp closes the peer's side once everything queued has been written.
func (p *peer) hangUp() { close(p.out) }

func (p *peer) recv(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-p.lines:
		require.True(t, ok, "connection closed")
		return line
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for forwarded message")
		return ""
	}
}

type runResult struct {
	sess *session.Session
	err  error
}

type harness struct {
	engine *Engine
	client *peer
	server *peer
	done   chan runResult
	cancel context.CancelFunc
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	clientAdapter, client := newPeer(t, "client")
	serverAdapter, server := newPeer(t, "server")
	cfg.Client = clientAdapter
	cfg.Server = serverAdapter
	if cfg.Info.Transport == "" {
		cfg.Info.Transport = session.TransportStdio
	}

	e, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{engine: e, client: client, server: server, done: make(chan runResult, 1), cancel: cancel}
	go func() {
		s, err := e.Run(ctx)
		h.done <- runResult{s, err}
	}()
	t.Cleanup(cancel)
	return h
}

// finish hangs up the client and waits for Run to return.
func (h *harness) finish(t *testing.T) *session.Session {
	t.Helper()
	h.client.hangUp()
	select {
	case r := <-h.done:
		require.NoError(t, r.err)
		require.NotNil(t, r.sess)
		return r.sess
	case <-time.After(waitFor):
		t.Fatal("Run did not return after the client hung up")
		return nil
	}
}

func errorKinds(s *session.Session) []string {
	var kinds []string
	for _, e := range s.Errors() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestEngine_ForwardsAndCorrelates(t *testing.T) {
	h := start(t, Config{})

	h.client.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, h.server.recv(t))

	h.server.send(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, h.client.recv(t))

	h.client.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.server.recv(t)

	s := h.finish(t)
	msgs := s.Messages()
	require.Len(t, msgs, 3)

	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, session.ClientToServer, msgs[0].Direction)
	assert.Equal(t, "tools/list", msgs[0].Method)

	assert.Equal(t, session.ServerToClient, msgs[1].Direction)
	require.NotNil(t, msgs[1].CorrelatedID)
	assert.Equal(t, int64(1), *msgs[1].CorrelatedID)

	assert.True(t, msgs[2].IsNotification())
	assert.Nil(t, msgs[2].CorrelatedID)
	assert.Empty(t, s.Errors())
	assert.Equal(t, "client", s.Metadata()["stopped_by"])
}

func TestEngine_StringAndNumberIDsAreDistinct(t *testing.T) {
	h := start(t, Config{})

	h.client.send(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)
	h.server.recv(t)
	h.server.send(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	h.client.recv(t)
	h.server.send(`{"jsonrpc":"2.0","id":"1","result":{}}`)
	h.client.recv(t)

	s := h.finish(t)
	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Nil(t, msgs[1].CorrelatedID, "numeric id must not answer a string id")
	require.NotNil(t, msgs[2].CorrelatedID)
	assert.Equal(t, int64(1), *msgs[2].CorrelatedID)
	assert.Equal(t, []string{session.ErrorUncorrelatedResponse}, errorKinds(s))
}

func TestEngine_UncorrelatedResponseIsForwardedAndLogged(t *testing.T) {
	h := start(t, Config{})

	h.server.send(`{"jsonrpc":"2.0","id":99,"result":{}}`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":99,"result":{}}`, h.client.recv(t))

	s := h.finish(t)
	require.Equal(t, 1, s.Len())
	m, _ := s.Message(1)
	assert.Nil(t, m.CorrelatedID)
	assert.Equal(t, []string{session.ErrorUncorrelatedResponse}, errorKinds(s))
}

func TestEngine_MalformedPayloadKeepsProxyAlive(t *testing.T) {
	h := start(t, Config{})

	h.client.send(`{"jsonrpc":"2.0","id":1,"method":`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":`, h.server.recv(t))

	h.client.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, h.server.recv(t))

	s := h.finish(t)
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Malformed())
	assert.Equal(t, "ping", msgs[1].Method)
	assert.Equal(t, []string{session.ErrorMalformedPayload}, errorKinds(s))
}

func TestEngine_PayloadRejectedBySDKServerKeepsProxyAlive(t *testing.T) {
	clientAdapter, client := newPeer(t, "client")
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	serverConn, err := serverTransport.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverConn.Close() })

	e, err := New(Config{
		Client: clientAdapter,
		Server: transport.NewSDKAdapter(clientTransport, "memory"),
		Info:   session.Info{Transport: session.TransportStreamableHTTP},
	})
	require.NoError(t, err)
	done := make(chan runResult, 1)
	go func() {
		s, err := e.Run(context.Background())
		done <- runResult{s, err}
	}()

	client.send(`{"jsonrpc":"2.0","id":1,"method":`)
	client.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	got, err := serverConn.Read(ctx)
	require.NoError(t, err, "ping after the rejected payload must still reach the server")
	req, ok := got.(*jsonrpc.Request)
	require.True(t, ok)
	assert.Equal(t, "ping", req.Method)

	client.hangUp()
	var r runResult
	select {
	case r = <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after the client hung up")
	}
	require.NoError(t, r.err)

	msgs := r.sess.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Malformed())
	assert.True(t, msgs[0].Dropped, "rejected payload never reached the server")
	assert.False(t, msgs[1].Dropped)
	assert.Equal(t, []string{session.ErrorMalformedPayload, session.ErrorForwardFailed}, errorKinds(r.sess))
}

func TestEngine_DuplicateOutstandingIDReplacesEntry(t *testing.T) {
	h := start(t, Config{})

	h.client.send(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	h.server.recv(t)
	h.client.send(`{"jsonrpc":"2.0","id":4,"method":"prompts/list"}`)
	h.server.recv(t)
	h.server.send(`{"jsonrpc":"2.0","id":4,"result":{}}`)
	h.client.recv(t)

	s := h.finish(t)
	resp, ok := s.Message(3)
	require.True(t, ok)
	require.NotNil(t, resp.CorrelatedID)
	assert.Equal(t, int64(2), *resp.CorrelatedID)
	assert.Equal(t, []string{session.ErrorDuplicateRequestID}, errorKinds(s))
}

func TestEngine_ServerInitiatedRequestCorrelates(t *testing.T) {
	h := start(t, Config{})

	h.server.send(`{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage","params":{}}`)
	h.client.recv(t)
	h.client.send(`{"jsonrpc":"2.0","id":1,"result":{"role":"assistant"}}`)
	h.server.recv(t)

	s := h.finish(t)
	resp, _ := s.Message(2)
	require.NotNil(t, resp.CorrelatedID)
	assert.Equal(t, int64(1), *resp.CorrelatedID)
	assert.Empty(t, s.Errors())
}

func TestEngine_InterceptEditAndDrop(t *testing.T) {
	q := NewQueue(8)
	h := start(t, Config{Intercept: true, Interceptor: q})

	edited := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/etc/shadow"}}}`
	go func() {
		for held := range q.Pending() {
			switch held.Method {
			case "tools/call":
				held.Edit([]byte(edited))
			case "notifications/cancelled", "resources/read":
				held.Drop()
			default:
				held.Forward()
			}
		}
	}()

	original := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/tmp/a"}}}`
	h.client.send(original)
	assert.Equal(t, edited, h.server.recv(t))

	h.server.send(`{"jsonrpc":"2.0","id":5,"result":{"content":[]}}`)
	h.client.recv(t)

	h.client.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{}}`)
	h.client.send(`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{}}`)
	h.client.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, h.server.recv(t), "dropped messages must never reach the server")

	h.server.send(`{"jsonrpc":"2.0","id":3,"result":{}}`)
	h.client.recv(t)

	s := h.finish(t)
	msgs := s.Messages()
	require.Len(t, msgs, 6)

	call := msgs[0]
	assert.True(t, call.Modified)
	assert.Equal(t, original, string(call.OriginalRaw))
	assert.Equal(t, edited, string(call.Raw))
	assert.Equal(t, "5", call.IDKey())

	require.NotNil(t, msgs[1].CorrelatedID)
	assert.Equal(t, int64(1), *msgs[1].CorrelatedID, "edited request is registered under its edited id")

	assert.True(t, msgs[2].Dropped)
	assert.True(t, msgs[3].Dropped)
	assert.False(t, msgs[4].Dropped)

	assert.Nil(t, msgs[5].CorrelatedID, "a dropped request never acquires a response")
	assert.Equal(t, []string{session.ErrorUncorrelatedResponse}, errorKinds(s))
}

func TestEngine_HeldDirectionDoesNotBlockTheOther(t *testing.T) {
	release := make(chan struct{})
	held := make(chan struct{}, 1)
	var once sync.Once
	interceptor := InterceptorFunc(func(ctx context.Context, p Pending) (Decision, error) {
		if p.Direction == session.ClientToServer {
			held <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			}
		}
		return Decision{Action: Forward}, nil
	})
	h := start(t, Config{Intercept: true, Interceptor: interceptor})
	defer once.Do(func() { close(release) })

	h.client.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	select {
	case <-held:
	case <-time.After(waitFor):
		t.Fatal("client request was never held")
	}
	h.server.send(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, h.client.recv(t))

	once.Do(func() { close(release) })
	assert.Contains(t, h.server.recv(t), `"tools/call"`)

	s := h.finish(t)
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Sequence, "sequence is assigned at read time, not decision time")
	assert.Equal(t, session.ClientToServer, msgs[0].Direction)
}

func TestEngine_InterceptorErrorForwardsUnchanged(t *testing.T) {
	interceptor := InterceptorFunc(func(context.Context, Pending) (Decision, error) {
		return Decision{}, assert.AnError
	})
	h := start(t, Config{Intercept: true, Interceptor: interceptor})

	h.client.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, h.server.recv(t))

	s := h.finish(t)
	assert.Equal(t, []string{session.ErrorInterceptor}, errorKinds(s))
}

func TestEngine_NilInterceptorForwards(t *testing.T) {
	h := start(t, Config{Intercept: true})
	h.client.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.server.recv(t)
	s := h.finish(t)
	assert.Equal(t, 1, s.Len())
}

func TestEngine_AutoSaveAndOnMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "capture.json")
	var mu sync.Mutex
	var seen []int64
	h := start(t, Config{
		Info:     session.Info{Transport: session.TransportStdio, ServerCommand: "python server.py"},
		AutoSave: path,
		OnMessage: func(m session.ProxyMessage) {
			mu.Lock()
			seen = append(seen, m.Sequence)
			mu.Unlock()
		},
	})

	h.client.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.server.recv(t)
	h.server.send(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	h.client.recv(t)
	s := h.finish(t)

	loaded, err := session.Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.ID(), loaded.ID())
	assert.Equal(t, h.engine.SessionID(), loaded.ID())
	assert.Equal(t, "python server.py", loaded.ServerCommand())
	assert.Equal(t, 2, loaded.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int64{1, 2}, seen)
}

func TestEngine_CancelStopsRun(t *testing.T) {
	h := start(t, Config{})
	h.client.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.server.recv(t)

	h.cancel()
	select {
	case r := <-h.done:
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.sess.Len())
		assert.Equal(t, "cancel", r.sess.Metadata()["stopped_by"])
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_OpenFailure(t *testing.T) {
	clientAdapter, _ := newPeer(t, "client")
	e, err := New(Config{
		Client: clientAdapter,
		Server: transport.NewProcessAdapter([]string{"counteragent-no-such-server"}),
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to open server transport"))
}

func TestEngine_ServerExitStatusRecorded(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	clientAdapter, _ := newPeer(t, "client")
	e, err := New(Config{
		Client: clientAdapter,
		Server: transport.NewProcessAdapter([]string{"sh", "-c", "exit 3"}),
		Info:   session.Info{Transport: session.TransportStdio},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := e.Run(ctx)
	require.NoError(t, err)

	errs := s.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, session.ErrorTransport, errs[0].Kind)
	assert.Contains(t, errs[0].Detail, "exit status 3")
	assert.Equal(t, "server", s.Metadata()["stopped_by"])
}

func TestNew_RequiresAdapters(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
