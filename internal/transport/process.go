package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ProcessAdapter spawns a stdio MCP server and speaks newline-delimited
// JSON-RPC over its stdin and stdout. The child's stderr goes to the logger.
type ProcessAdapter struct {
	argv   []string
	opts   []Option
	logger *slog.Logger
	grace  time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stream  *StreamAdapter
	exited  chan struct{}
	waitErr error
}

// NewProcessAdapter prepares argv for spawning. Nothing runs until Open.
func NewProcessAdapter(argv []string, opts ...Option) *ProcessAdapter {
	o := buildOptions(opts)
	return &ProcessAdapter{
		argv:   append([]string(nil), argv...),
		opts:   opts,
		logger: o.logger,
		grace:  o.gracePeriod,
	}
}

func (a *ProcessAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil {
		return nil
	}
	if len(a.argv) == 0 {
		return errors.New("no server command given")
	}

	cmd := exec.Command(a.argv[0], a.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = &stderrLogger{logger: a.logger.With("server", a.argv[0])}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %q: %w", a.argv[0], err)
	}
	a.logger.Debug("server spawned", "pid", cmd.Process.Pid, "command", a.Describe())

	a.cmd = cmd
	a.exited = make(chan struct{})
	a.stream = NewStreamAdapter(a.Describe(), stdout, stdin, a.opts...)
	if err := a.stream.Open(ctx); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	go func() {
		// Wait closes stdout, so it must not run before the read pump saw EOF.
		<-a.stream.p.readDone
		err := cmd.Wait()
		a.mu.Lock()
		a.waitErr = err
		a.mu.Unlock()
		close(a.exited)
	}()
	return nil
}

func (a *ProcessAdapter) Send(ctx context.Context, payload []byte) error {
	s := a.current()
	if s == nil {
		return ErrNotOpen
	}
	return s.Send(ctx, payload)
}

func (a *ProcessAdapter) Receive() iter.Seq[[]byte] {
	s := a.current()
	if s == nil {
		return func(func([]byte) bool) {}
	}
	return s.Receive()
}

// Close closes the child's stdin and gives it the grace period to exit,
// then kills it. The grace period runs alongside the stream shutdown, so a
// child that stopped reading stdin is still killed on time.
func (a *ProcessAdapter) Close() error {
	s := a.current()
	if s == nil {
		return nil
	}
	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	timer := time.NewTimer(a.grace)
	defer timer.Stop()
	select {
	case <-a.exited:
	case <-timer.C:
		a.logger.Warn("server did not exit after stdin closed, killing", "pid", a.cmd.Process.Pid)
		if kerr := a.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			a.logger.Debug("kill failed", "err", kerr)
		}
		<-a.exited
	}
	return <-closed
}

func (a *ProcessAdapter) Err() error {
	s := a.current()
	if s == nil {
		return nil
	}
	return s.Err()
}

// ExitErr reports how the child exited: nil while it is still running or
// after a clean exit, an *exec.ExitError otherwise.
func (a *ProcessAdapter) ExitErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waitErr
}

func (a *ProcessAdapter) Describe() string {
	return "stdio:" + strings.Join(a.argv, " ")
}

func (a *ProcessAdapter) current() *StreamAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// stderrLogger turns the child's stderr into one log record per line.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			w.logger.Info("server stderr", "line", line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
