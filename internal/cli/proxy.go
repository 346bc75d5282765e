package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gzhole/counteragent/internal/approval"
	"github.com/gzhole/counteragent/internal/mcp"
	"github.com/gzhole/counteragent/internal/metrics"
	"github.com/gzhole/counteragent/internal/proxy"
	"github.com/gzhole/counteragent/internal/redact"
	"github.com/gzhole/counteragent/internal/rules"
	"github.com/gzhole/counteragent/internal/session"
	"github.com/gzhole/counteragent/internal/transport"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Intercept and replay MCP traffic",
}

var (
	startTransport     string
	startTargetCommand string
	startTargetURL     string
	startIntercept     bool
	startListenPort    int
	startSessionFile   string
	startMetricsAddr   string
	startRules         string
)

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the proxy between an MCP client and server",
	Long: `Starts the proxy. With --transport stdio the proxy speaks MCP on its own
stdin/stdout and spawns --target-command; use it as the server command in an
MCP client config:

  "command": "counteragent proxy start --transport stdio --target-command 'npx -y @modelcontextprotocol/server-everything'"

With sse or streamable-http the proxy listens on 127.0.0.1:--listen-port
and forwards to --target-url.

Every message is recorded. The session is saved on exit to --session-file,
or to ~/.counteragent/sessions/<id>.json. With --intercept each message is
held until you forward, edit or drop it on the terminal. --rules decides
messages automatically from a rule file; only messages whose rule action
is "hold" reach the terminal.`,
	RunE: proxyStartCommand,
}

func init() {
	f := proxyStartCmd.Flags()
	f.StringVar(&startTransport, "transport", "", "MCP transport: stdio, sse or streamable-http")
	f.StringVar(&startTargetCommand, "target-command", "", "Server command (stdio only)")
	f.StringVar(&startTargetURL, "target-url", "", "Server URL (sse/streamable-http only)")
	f.BoolVar(&startIntercept, "intercept", false, "Hold every message for a forward/edit/drop decision")
	f.IntVar(&startListenPort, "listen-port", 8888, "Local port for sse/streamable-http clients")
	f.StringVar(&startSessionFile, "session-file", "", "Save the session to this file")
	f.StringVar(&startMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&startRules, "rules", "", "Intercept rule file (forward/hold/drop per method, tool or argument)")
	_ = proxyStartCmd.MarkFlagRequired("transport")

	proxyCmd.AddCommand(proxyStartCmd)
	rootCmd.AddCommand(proxyCmd)
}

// resolveTarget validates the transport/target flag combination.
func resolveTarget(kindFlag, command, url string) (transport.Target, error) {
	kind, err := session.ParseTransport(kindFlag)
	if err != nil {
		return transport.Target{}, err
	}
	target := transport.Target{Transport: kind}
	switch kind {
	case session.TransportStdio:
		if command == "" {
			return target, errors.New("--target-command is required for stdio transport")
		}
		if target.Command, err = splitCommand(command); err != nil {
			return target, err
		}
	default:
		if url == "" {
			return target, errors.New("--target-url is required for SSE/HTTP transport")
		}
		target.URL = url
	}
	return target, nil
}

func proxyStartCommand(cmd *cobra.Command, args []string) error {
	errOut := cmd.ErrOrStderr()

	target, err := resolveTarget(startTransport, startTargetCommand, startTargetURL)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return exitCode(1)
	}

	port := cfg.ListenPort
	if cmd.Flags().Changed("listen-port") {
		port = startListenPort
	}
	metricsAddr := cfg.MetricsAddr
	if cmd.Flags().Changed("metrics-addr") {
		metricsAddr = startMetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, metricsAddr, appLog); err != nil {
				appLog.Error("metrics server failed", "err", err)
			}
		}()
	}

	opts := []transport.Option{transport.WithLogger(appLog)}
	server, err := transport.NewServerAdapter(target, opts...)
	if err != nil {
		return err
	}
	client, err := transport.NewClientAdapter(target.Transport, fmt.Sprintf("127.0.0.1:%d", port), opts...)
	if err != nil {
		return err
	}

	var interceptor proxy.Interceptor
	if startIntercept {
		prompt, err := approval.Open()
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return exitCode(1)
		}
		defer prompt.Close()
		interceptor = prompt
	}
	rulesPath := cfg.Rules
	if cmd.Flags().Changed("rules") {
		rulesPath = startRules
	}
	if rulesPath != "" {
		rs, err := rules.Load(rulesPath)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return exitCode(1)
		}
		interceptor = rules.NewInterceptor(rs, interceptor, appLog)
	}

	id := uuid.NewString()
	sessionFile := startSessionFile
	if sessionFile == "" {
		sessionFile = cfg.SessionPath(id)
	}

	engine, err := proxy.New(proxy.Config{
		Client:      client,
		Server:      server,
		Info:        sessionInfo(id, target, client.Describe(), rulesPath),
		Intercept:   interceptor != nil,
		Interceptor: interceptor,
		AutoSave:    sessionFile,
		OnMessage: func(msg session.ProxyMessage) {
			fmt.Fprintln(errOut, dimStyle.Render(formatMessage(msg)))
		},
		Logger:  appLog,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(errOut, "%s %s ⇄ %s\n", titleStyle.Render("counteragent proxy"), client.Describe(), server.Describe())
	fmt.Fprintf(errOut, "Session %s → %s\n", id, sessionFile)

	snap, runErr := engine.Run(ctx)
	if snap != nil {
		fmt.Fprintf(errOut, "\nCaptured %d messages", snap.Len())
		if n := len(snap.Errors()); n > 0 {
			fmt.Fprintf(errOut, " (%d protocol errors)", n)
		}
		fmt.Fprintf(errOut, ", session saved to %s\n", sessionFile)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// sessionInfo describes the capture. Secrets in the server command line or
// URL are redacted before they are written to disk.
func sessionInfo(id string, target transport.Target, client, rulesPath string) session.Info {
	info := session.Info{
		ID:        id,
		Transport: target.Transport,
		ServerURL: redact.Redact(target.URL),
		Metadata: map[string]any{
			"client":    client,
			"intercept": startIntercept,
			"rules":     rulesPath,
			"version":   Version,
		},
	}
	if len(target.Command) > 0 {
		info.ServerCommand = strings.Join(redact.RedactArgs(target.Command), " ")
	}
	return info
}

// formatMessage renders one line of a session listing:
//
//	#003 → tools/call id=2 corr=#001 [MODIFIED] [DROPPED]
func formatMessage(msg session.ProxyMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  #%03d %s %s", msg.Sequence, msg.Direction.Arrow(), msg.DisplayMethod())
	if id := mcp.DisplayID(msg.JSONRPCID); id != "" {
		fmt.Fprintf(&b, " id=%s", id)
	}
	if msg.CorrelatedID != nil {
		fmt.Fprintf(&b, " corr=#%03d", *msg.CorrelatedID)
	}
	if msg.Modified {
		b.WriteString(" [MODIFIED]")
	}
	if msg.Dropped {
		b.WriteString(" [DROPPED]")
	}
	return b.String()
}
