package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/counteragent/internal/mcp"
	"github.com/gzhole/counteragent/internal/metrics"
	"github.com/gzhole/counteragent/internal/replay"
	"github.com/gzhole/counteragent/internal/session"
	"github.com/gzhole/counteragent/internal/transport"
)

var (
	replaySessionFile     string
	replayTargetCommand   string
	replayTargetURL       string
	replayTargetTransport string
	replayOutput          string
	replayTimeout         time.Duration
	replayNoHandshake     bool
	replayRate            float64
)

var proxyReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-send the client side of a recorded session to a server",
	Long: `Replays every client-to-server message of a session, in sequence order,
against a fresh server and reports what came back.

A stdio target is spawned from --target-command. An HTTP target is reached
at --target-url using --target-transport (default streamable-http).

Unless --no-handshake is given, an initialize / notifications/initialized
exchange is performed first so that servers requiring it accept the replay.`,
	Example: `  counteragent proxy replay --session-file s.json --target-command "python server.py"
  counteragent proxy replay --session-file s.json --target-url http://localhost:3000/mcp -o results.json`,
	RunE: proxyReplayCommand,
}

func init() {
	f := proxyReplayCmd.Flags()
	f.StringVar(&replaySessionFile, "session-file", "", "Session file to replay")
	f.StringVar(&replayTargetCommand, "target-command", "", "Spawn this stdio server")
	f.StringVar(&replayTargetURL, "target-url", "", "Replay against this HTTP server")
	f.StringVar(&replayTargetTransport, "target-transport", string(session.TransportStreamableHTTP), "Transport for --target-url: sse or streamable-http")
	f.StringVarP(&replayOutput, "output", "o", "", "Write the results document to this file")
	f.DurationVar(&replayTimeout, "timeout", replay.DefaultTimeout, "Response timeout per message")
	f.BoolVar(&replayNoHandshake, "no-handshake", false, "Do not send a synthetic initialize first")
	f.Float64Var(&replayRate, "rate", 0, "Maximum messages per second (0 = unlimited)")
	_ = proxyReplayCmd.MarkFlagRequired("session-file")
	proxyReplayCmd.MarkFlagsMutuallyExclusive("target-command", "target-url")

	proxyCmd.AddCommand(proxyReplayCmd)
}

func replayTarget() (transport.Target, error) {
	switch {
	case replayTargetCommand != "":
		return resolveTarget(string(session.TransportStdio), replayTargetCommand, "")
	case replayTargetURL != "":
		t, err := resolveTarget(replayTargetTransport, "", replayTargetURL)
		if err == nil && t.Transport == session.TransportStdio {
			err = errors.New("--target-transport must be sse or streamable-http")
		}
		return t, err
	default:
		return transport.Target{}, errors.New("either --target-command or --target-url is required")
	}
}

func proxyReplayCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	target, err := replayTarget()
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return exitCode(1)
	}
	sess, err := loadSession(cmd, replaySessionFile)
	if err != nil {
		return err
	}
	outgoing := sess.ClientMessages()
	if len(outgoing) == 0 {
		fmt.Fprintln(out, "No client-to-server messages to replay.")
		return nil
	}

	opts := replay.Options{
		Timeout:       cfg.Replay.Timeout,
		AutoHandshake: cfg.Replay.AutoHandshake,
		Rate:          cfg.Replay.Rate,
		ClientVersion: Version,
		Target:        target,
		Logger:        appLog,
		Metrics:       metrics.New(),
		OnResult: func(r replay.MessageResult) {
			fmt.Fprintln(out, formatResult(r))
		},
	}
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		opts.Timeout = replayTimeout
	}
	if flags.Changed("no-handshake") {
		opts.AutoHandshake = !replayNoHandshake
	}
	if flags.Changed("rate") {
		opts.Rate = replayRate
	}
	if opts.Rate < 0 {
		fmt.Fprintln(errOut, "Error: --rate must not be negative")
		return exitCode(1)
	}

	adapter, err := transport.NewServerAdapter(target, transport.WithLogger(appLog))
	if err != nil {
		return err
	}

	label := replayTargetCommand
	if label == "" {
		label = replayTargetURL
	}
	fmt.Fprintf(out, "Replaying %d messages against %q...\n\n", len(outgoing), label)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := replay.New(adapter, opts).Run(ctx, sess)
	switch {
	case errors.Is(runErr, replay.ErrOpen):
		fmt.Fprintf(errOut, "Error: Failed to start server: %v\n", runErr)
		return exitCode(1)
	case errors.Is(runErr, context.Canceled) && result == nil:
		fmt.Fprintln(errOut, warnStyle.Render("Replay interrupted."))
		return exitCode(130)
	case errors.Is(runErr, replay.ErrHandshake):
		fmt.Fprintf(errOut, "Error: Handshake failed: %v\n", errors.Unwrap(runErr))
		fmt.Fprintln(errOut, "Use --no-handshake if the session already contains an initialize request.")
		return exitCode(1)
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return runErr
	}

	printSummary(out, result)
	if replayOutput != "" {
		if err := replay.WriteResults(replayOutput, result); err != nil {
			return err
		}
		fmt.Fprintf(out, "Results saved to %s\n", replayOutput)
	}
	if runErr != nil {
		fmt.Fprintln(errOut, warnStyle.Render("Replay interrupted."))
		return exitCode(130)
	}
	return nil
}

// formatResult renders one replay line:
//
//	#003 → tools/call (id=2) ✓ 12ms
func formatResult(r replay.MessageResult) string {
	var b strings.Builder
	method := r.Method
	if method == "" {
		method = "(no method)"
	}
	fmt.Fprintf(&b, "  #%03d → %s", r.Sequence, method)
	if r.IsNotification() {
		b.WriteString(" (notification)")
	} else {
		fmt.Fprintf(&b, " (id=%s)", mcp.DisplayID(r.ID))
	}
	if !r.OK() {
		b.WriteString(" " + failStyle.Render("✗ "+r.Error))
		return b.String()
	}
	b.WriteString(" " + okStyle.Render("✓"))
	if !r.IsNotification() {
		fmt.Fprintf(&b, " %dms", r.Duration.Milliseconds())
	}
	return b.String()
}

func printSummary(w io.Writer, r *replay.Result) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "\nResults: %d/%d succeeded", r.Succeeded, r.Total())
	if r.Failed > 0 {
		fmt.Fprintf(w, ", %s", failStyle.Render(fmt.Sprintf("%d failed", r.Failed)))
	}
	fmt.Fprintln(w)
}
