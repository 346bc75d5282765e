package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
	"syscall"
)

// StreamAdapter frames payloads as newline-delimited lines over a reader and
// a writer. Lines that are not JSON are delivered verbatim.
type StreamAdapter struct {
	label  string
	reader io.Reader
	writer io.WriteCloser
	p      *pipe

	closeOnce sync.Once
	closeErr  error
}

// NewStreamAdapter wraps r and w. Close closes w but never r.
func NewStreamAdapter(label string, r io.Reader, w io.WriteCloser, opts ...Option) *StreamAdapter {
	o := buildOptions(opts)
	return &StreamAdapter{
		label:  label,
		reader: r,
		writer: w,
		p:      newPipe(o.logger.With("transport", label)),
	}
}

// NewStdioClientAdapter faces a client that launched the proxy as its stdio
// server: inbound traffic is our stdin and outbound is our stdout.
func NewStdioClientAdapter(opts ...Option) *StreamAdapter {
	return NewStreamAdapter("stdio:client", os.Stdin, nopWriteCloser{os.Stdout}, opts...)
}

func (a *StreamAdapter) Open(_ context.Context) error {
	if a.p.closed() {
		return ErrClosed
	}
	if a.p.start(a.writeLine) {
		go a.processReads()
	}
	return nil
}

func (a *StreamAdapter) Send(ctx context.Context, payload []byte) error {
	if _, err := frameLine(payload); err != nil {
		return err
	}
	return a.p.send(ctx, payload)
}

func (a *StreamAdapter) Receive() iter.Seq[[]byte] { return a.p.receive() }

// Close stops the pumps and closes the writer. A write blocked on a peer
// that stopped reading is cut off by closing the writer underneath it.
func (a *StreamAdapter) Close() error {
	if !a.p.shutdown(func() { _ = a.closeWriter() }) {
		return nil
	}
	if err := a.closeWriter(); err != nil && !peerGone(err) {
		return fmt.Errorf("failed to close %s: %w", a.label, err)
	}
	return nil
}

func (a *StreamAdapter) closeWriter() error {
	a.closeOnce.Do(func() { a.closeErr = a.writer.Close() })
	return a.closeErr
}

func (a *StreamAdapter) Err() error { return a.p.Err() }

func (a *StreamAdapter) Describe() string { return a.label }

func (a *StreamAdapter) writeLine(payload []byte) error {
	line, err := frameLine(payload)
	if err != nil {
		return err
	}
	if _, err := a.writer.Write(line); err != nil {
		if peerGone(err) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("failed to write to %s: %w", a.label, err)
	}
	return nil
}

// peerGone reports write errors that mean the reading side has exited.
func peerGone(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}

func (a *StreamAdapter) processReads() {
	scanner := bufio.NewScanner(a.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !a.p.deliver(bytes.Clone(line)) {
			a.p.finish(nil)
			return
		}
	}
	a.p.finish(scanner.Err())
}

// frameLine appends the newline delimiter. JSON spread over several lines is
// compacted first; anything else containing a line break cannot be framed.
func frameLine(payload []byte) ([]byte, error) {
	if bytes.ContainsAny(payload, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return nil, fmt.Errorf("%w: payload spans several lines and is not valid JSON", ErrRejected)
		}
		payload = buf.Bytes()
	}
	line := make([]byte, len(payload)+1)
	copy(line, payload)
	line[len(payload)] = '\n'
	return line, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
