package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer is the far end of a StreamAdapter built on two io.Pipes.
type peer struct {
	toAdapter   *io.PipeWriter
	fromAdapter *bufio.Reader
}

func newPipedAdapter(t *testing.T) (*StreamAdapter, *peer) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	a := NewStreamAdapter("test", inR, outW)
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		_ = inW.Close()
		_ = outR.Close()
	})
	return a, &peer{toAdapter: inW, fromAdapter: bufio.NewReader(outR)}
}

func collect(t *testing.T, a Adapter, n int) []string {
	t.Helper()
	got := make(chan []string, 1)
	go func() {
		var out []string
		for p := range a.Receive() {
			out = append(out, string(p))
			if len(out) == n {
				break
			}
		}
		got <- out
	}()
	select {
	case out := <-got:
		return out
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d payloads", n)
		return nil
	}
}

func TestStreamAdapter_ReceiveDeliversLinesVerbatim(t *testing.T) {
	a, p := newPipedAdapter(t)

	go func() {
		_, _ = io.WriteString(p.toAdapter, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
		_, _ = io.WriteString(p.toAdapter, "\n")
		_, _ = io.WriteString(p.toAdapter, "this is not json\r\n")
		_, _ = io.WriteString(p.toAdapter, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	}()

	got := collect(t, a, 3)
	assert.Equal(t, []string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		"this is not json",
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	}, got)
}

func TestStreamAdapter_SendFramesAndCompacts(t *testing.T) {
	a, p := newPipedAdapter(t)
	ctx := context.Background()

	go func() {
		assert.NoError(t, a.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))
		assert.NoError(t, a.Send(ctx, []byte("{\n  \"jsonrpc\": \"2.0\",\n  \"method\": \"ping\"\n}")))
	}()

	line, err := p.fromAdapter.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n", line)

	line, err = p.fromAdapter.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping"}`+"\n", line)
}

func TestStreamAdapter_RejectsUnframeablePayload(t *testing.T) {
	a, p := newPipedAdapter(t)
	// Drain the peer side so the unbuffered pipe write can complete.
	go func() { _, _ = io.Copy(io.Discard, p.fromAdapter) }()
	err := a.Send(context.Background(), []byte("two\nlines"))
	assert.ErrorIs(t, err, ErrRejected)

	require.NoError(t, a.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping"}`)), "adapter stays usable")
}

func TestStreamAdapter_CloseInterruptsBlockedWrite(t *testing.T) {
	inR, _ := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() { _ = outR.Close() })
	a := NewStreamAdapter("stuck", inR, outW)
	require.NoError(t, a.Open(context.Background()))

	// Nobody reads outR, so the write pump blocks inside Write.
	sent := make(chan error, 1)
	go func() { sent <- a.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping"}`)) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung behind a blocked write")
	}
	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Send never returned")
	}
}

func TestStreamAdapter_ConcurrentSendsDoNotInterleave(t *testing.T) {
	a, p := newPipedAdapter(t)
	const n = 50

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"pad":"%s"}}`, i, strings.Repeat("x", 4096))
			assert.NoError(t, a.Send(context.Background(), []byte(payload)))
		}(i)
	}

	seen := make(map[string]bool)
	for range n {
		line, err := p.fromAdapter.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, `{"jsonrpc":"2.0","id":`), "interleaved write: %.60q", line)
		require.True(t, strings.HasSuffix(line, "\"}}\n"))
		seen[line] = true
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestStreamAdapter_Lifecycle(t *testing.T) {
	inR, inW := io.Pipe()
	_, outW := io.Pipe()
	a := NewStreamAdapter("test", inR, outW)

	assert.ErrorIs(t, a.Send(context.Background(), []byte(`{}`)), ErrNotOpen)
	require.NoError(t, a.Open(context.Background()))

	done := make(chan struct{})
	go func() {
		for range a.Receive() {
		}
		close(done)
	}()
	require.NoError(t, inW.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not end on EOF")
	}
	assert.NoError(t, a.Err())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(context.Background(), []byte(`{}`)), ErrClosed)
	assert.ErrorIs(t, a.Open(context.Background()), ErrClosed)
}

func TestStreamAdapter_ReceiveEndsOnClose(t *testing.T) {
	a, _ := newPipedAdapter(t)

	done := make(chan struct{})
	go func() {
		for range a.Receive() {
		}
		close(done)
	}()
	require.NoError(t, a.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not end on Close")
	}
}

func TestProcessAdapter_SpawnErrorAtOpen(t *testing.T) {
	a := NewProcessAdapter([]string{"counteragent-definitely-not-a-command"})
	assert.Equal(t, "stdio:counteragent-definitely-not-a-command", a.Describe())

	err := a.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.ErrorIs(t, a.Send(context.Background(), []byte(`{}`)), ErrNotOpen)
	assert.NoError(t, a.Close())
}

func TestProcessAdapter_EchoesThroughChild(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	a := NewProcessAdapter([]string{"cat"}, WithGracePeriod(time.Second))
	require.NoError(t, a.Open(context.Background()))

	payload := `{"jsonrpc":"2.0","id":"a","method":"ping"}`
	require.NoError(t, a.Send(context.Background(), []byte(payload)))
	assert.Equal(t, []string{payload}, collect(t, a, 1))

	require.NoError(t, a.Close())
	assert.NoError(t, a.ExitErr())
}

func TestProcessAdapter_KillsChildThatIgnoresStdinEOF(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	a := NewProcessAdapter([]string{"sleep", "60"}, WithGracePeriod(200*time.Millisecond))
	require.NoError(t, a.Open(context.Background()))

	start := time.Now()
	require.NoError(t, a.Close())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "child gets its grace period")
	assert.Less(t, elapsed, 5*time.Second)

	var exitErr *exec.ExitError
	assert.ErrorAs(t, a.ExitErr(), &exitErr, "child was killed")
}

func TestProcessAdapter_KillsChildThatStopsReading(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	a := NewProcessAdapter([]string{"sleep", "60"}, WithGracePeriod(200*time.Millisecond))
	require.NoError(t, a.Open(context.Background()))

	// Far larger than a pipe buffer: the write pump stays stuck in Write.
	big := `{"jsonrpc":"2.0","method":"x","params":{"pad":"` + strings.Repeat("x", 1<<20) + `"}}`
	go func() { _ = a.Send(context.Background(), []byte(big)) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung with a child that does not read stdin")
	}
	assert.Error(t, a.ExitErr(), "child was killed")
}

func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"stdio ok", Target{Transport: "stdio", Command: []string{"server"}}, false},
		{"stdio without command", Target{Transport: "stdio"}, true},
		{"sse ok", Target{Transport: "sse", URL: "http://localhost/sse"}, false},
		{"streamable without url", Target{Transport: "streamable-http"}, true},
		{"unknown transport", Target{Transport: "carrier-pigeon", URL: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFactories(t *testing.T) {
	a, err := NewServerAdapter(Target{Transport: "stdio", Command: []string{"python", "server.py"}})
	require.NoError(t, err)
	assert.Equal(t, "stdio:python server.py", a.Describe())

	a, err = NewServerAdapter(Target{Transport: "sse", URL: "http://localhost:3000/sse"})
	require.NoError(t, err)
	assert.IsType(t, &SDKAdapter{}, a)
	assert.Equal(t, "sse:http://localhost:3000/sse", a.Describe())

	_, err = NewServerAdapter(Target{Transport: "sse"})
	assert.Error(t, err)

	c, err := NewClientAdapter("streamable-http", "127.0.0.1:0")
	require.NoError(t, err)
	assert.IsType(t, &StreamableListener{}, c)

	_, err = NewClientAdapter("websocket", "")
	assert.Error(t, err)
}
