// Package approval is the terminal front end of intercept mode: each held
// message is shown to the operator, who forwards, edits or drops it.
package approval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/gzhole/counteragent/internal/mcp"
	"github.com/gzhole/counteragent/internal/proxy"
	"github.com/gzhole/counteragent/internal/session"
)

// ErrNotInteractive is returned by Open when no terminal is attached.
var ErrNotInteractive = errors.New("intercept mode needs an interactive terminal")

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFB000"))
	clientStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
	serverStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AF87FF"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// IsInteractive reports whether f is a terminal.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Prompt asks the operator about each held message. Questions from both
// directions are serialized; while one is open the other direction waits.
type Prompt struct {
	out   io.Writer
	lines chan string
	turn  chan struct{}

	closer      io.Closer
	passthrough atomic.Bool
}

// Open attaches to the controlling terminal. The proxy's own stdin and
// stdout may be the MCP channel, so the prompt never uses them.
func Open() (*Prompt, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInteractive, err)
	}
	if !IsInteractive(tty) {
		_ = tty.Close()
		return nil, ErrNotInteractive
	}
	p := New(tty, tty)
	p.closer = tty
	return p, nil
}

// New reads answers from in and writes questions to out.
func New(in io.Reader, out io.Writer) *Prompt {
	p := &Prompt{
		out:   out,
		lines: make(chan string),
		turn:  make(chan struct{}, 1),
	}
	p.turn <- struct{}{}
	go func() {
		defer close(p.lines)
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" || err == nil {
				p.lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Close releases the terminal opened by Open.
func (p *Prompt) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func (p *Prompt) Decide(ctx context.Context, held proxy.Pending) (proxy.Decision, error) {
	if p.passthrough.Load() {
		return proxy.Decision{Action: proxy.Forward}, nil
	}
	select {
	case <-p.turn:
	case <-ctx.Done():
		return proxy.Decision{}, ctx.Err()
	}
	defer func() { p.turn <- struct{}{} }()

	if p.passthrough.Load() {
		return proxy.Decision{Action: proxy.Forward}, nil
	}
	p.show(held)

	for {
		fmt.Fprint(p.out, "Your choice [f/e/d/a]: ")
		answer, err := p.readLine(ctx)
		if err != nil {
			return proxy.Decision{}, err
		}

		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "", "f", "forward":
			return proxy.Decision{Action: proxy.Forward}, nil
		case "d", "drop":
			return proxy.Decision{Action: proxy.Drop}, nil
		case "a", "all":
			p.passthrough.Store(true)
			fmt.Fprintln(p.out, dimStyle.Render("Interception off, forwarding everything from now on."))
			return proxy.Decision{Action: proxy.Forward}, nil
		case "e", "edit":
			raw, err := p.readEdit(ctx)
			if err != nil {
				return proxy.Decision{}, err
			}
			if raw == nil {
				fmt.Fprintln(p.out, "Edit cancelled.")
				continue
			}
			return proxy.Decision{Action: proxy.Edit, Raw: raw}, nil
		default:
			fmt.Fprintln(p.out, "Invalid input. Enter 'f' to forward, 'e' to edit, 'd' to drop or 'a' to forward all.")
		}
	}
}

func (p *Prompt) show(held proxy.Pending) {
	style := clientStyle
	if held.Direction == session.ServerToClient {
		style = serverStyle
	}
	id := ""
	if d := mcp.DisplayID(held.JSONRPCID); d != "" {
		id = " id=" + d
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, headerStyle.Render(fmt.Sprintf("HELD #%03d", held.Sequence)),
		style.Render(held.Direction.Arrow()+" "+held.DisplayMethod()+id))
	fmt.Fprintln(p.out, indent(held.Raw))
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "  [f] Forward   [e] Edit   [d] Drop   [a] Forward all")
}

func (p *Prompt) readEdit(ctx context.Context) ([]byte, error) {
	fmt.Fprintln(p.out, "Replacement payload on one line (empty line cancels):")
	line, err := p.readLine(ctx)
	if err != nil {
		return nil, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !json.Valid([]byte(line)) {
		fmt.Fprintln(p.out, dimStyle.Render("Warning: payload is not valid JSON, sending it as typed."))
	}
	return []byte(line), nil
}

func (p *Prompt) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", io.ErrUnexpectedEOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func indent(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "    ", "  "); err != nil {
		return "    " + string(raw)
	}
	return "    " + buf.String()
}
