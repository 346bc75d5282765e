package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/counteragent/internal/scanner"
	"github.com/gzhole/counteragent/internal/taxonomy"
	"github.com/gzhole/counteragent/internal/transport"
)

var (
	auditTransport string
	auditCommand   string
	auditURL       string
	auditChecks    string
	auditOutput    string
	auditTimeout   time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Scan MCP servers against the OWASP MCP Top 10",
}

var auditScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan an MCP server for security issues",
	Example: `  counteragent audit scan --transport stdio --command "python server.py"
  counteragent audit scan --transport streamable-http --url http://localhost:3000/mcp --checks tool_poisoning`,
	RunE: auditScanCommand,
}

var auditEnumerateCmd = &cobra.Command{
	Use:   "enumerate",
	Short: "List a server's tools, resources and prompts without scanning",
	RunE:  auditEnumerateCommand,
}

var auditListChecksCmd = &cobra.Command{
	Use:   "list-checks",
	Short: "List the audit checks and their OWASP mapping",
	RunE:  auditListChecksCommand,
}

func init() {
	for _, c := range []*cobra.Command{auditScanCmd, auditEnumerateCmd} {
		f := c.Flags()
		f.StringVar(&auditTransport, "transport", "", "Transport: stdio, sse or streamable-http")
		f.StringVar(&auditCommand, "command", "", "Server command (stdio)")
		f.StringVar(&auditURL, "url", "", "Server URL (sse/streamable-http)")
		f.DurationVar(&auditTimeout, "timeout", 30*time.Second, "Connection and discovery timeout")
		_ = c.MarkFlagRequired("transport")
	}
	auditScanCmd.Flags().StringVar(&auditChecks, "checks", "", "Comma-separated checks to run (default: all)")
	auditScanCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "JSON report path (default from config: results/scan.json)")

	auditCmd.AddCommand(auditScanCmd, auditEnumerateCmd, auditListChecksCmd)
	rootCmd.AddCommand(auditCmd)
}

// discover connects to the target named by the audit flags and describes it.
func discover(cmd *cobra.Command) (*scanner.ServerDescription, transport.Target, error) {
	target, err := resolveTarget(auditTransport, auditCommand, auditURL)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return nil, target, exitCode(1)
	}
	t, err := scanner.ClientTransport(target, nil)
	if err != nil {
		return nil, target, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), auditTimeout)
	defer cancel()
	desc, err := scanner.Discover(ctx, t, Version)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", failStyle.Render("Connection failed:"), err)
		return nil, target, exitCode(1)
	}
	return desc, target, nil
}

func serverName(desc *scanner.ServerDescription) string {
	if desc.Name == "" {
		return "server"
	}
	return desc.Name
}

func auditScanCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("counteragent audit")+" - MCP security scanner")
	fmt.Fprintln(out)

	names := cfg.Audit.Checks
	if auditChecks != "" {
		names = strings.Split(auditChecks, ",")
	}
	registry := scanner.DefaultRegistry()
	// Unknown names fail before the server is started.
	for _, n := range names {
		if n = strings.TrimSpace(n); n == "" {
			continue
		}
		if _, err := registry.Get(n); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			return exitCode(1)
		}
	}

	desc, target, err := discover(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s to %s via %s\n", okStyle.Render("Connected"), serverName(desc), target.Transport)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := &scanner.ScanContext{Server: desc, Transport: target.Transport, URL: target.URL}
	result, runErr := registry.Run(ctx, sc, names, appLog)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", runErr)
		return exitCode(1)
	}

	printScan(out, result)

	path := cfg.Audit.Output
	if cmd.Flags().Changed("output") {
		path = auditOutput
	}
	if path != "" {
		if err := scanner.WriteJSONReport(path, result, desc); err != nil {
			return err
		}
		fmt.Fprintln(out, dimStyle.Render("\nReport saved to "+path))
	}
	if runErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("\nScan interrupted."))
		return exitCode(130)
	}
	return nil
}

func printScan(w io.Writer, result *scanner.ScanResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, boldStyle.Render("Scan Complete"))
	fmt.Fprintf(w, "  Tools scanned: %d\n", result.ToolsScanned)
	fmt.Fprintf(w, "  Scanners run:  %s\n", strings.Join(result.ScannersRun, ", "))
	fmt.Fprintf(w, "  Findings:      %d\n", len(result.Findings))

	if len(result.Findings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, failStyle.Render("Findings:"))
		for _, f := range result.Findings {
			fmt.Fprintf(w, "  %s [%s] %s\n", severityLabel(f.Severity), f.RuleID, f.Title)
			fmt.Fprintf(w, "    %s\n", f.Description)
			if f.Evidence != "" {
				fmt.Fprintf(w, "    Evidence: %s\n", f.Evidence)
			}
			fmt.Fprintf(w, "    Remediation: %s\n\n", f.Remediation)
		}
	}
	if len(result.Errors) > 0 {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("Errors (%d):", len(result.Errors))))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s: %s\n", e.Scanner, e.Error)
		}
	}
}

func auditEnumerateCommand(cmd *cobra.Command, args []string) error {
	desc, _, err := discover(cmd)
	if err != nil {
		return err
	}
	writeEnumeration(cmd.OutOrStdout(), desc)
	return nil
}

func writeEnumeration(w io.Writer, desc *scanner.ServerDescription) {
	fmt.Fprintf(w, "%s %s %s\n", boldStyle.Render("Server:"), serverName(desc), desc.Version)
	fmt.Fprintf(w, "%s %s\n", boldStyle.Render("Protocol:"), desc.ProtocolVersion)
	if desc.Instructions != "" {
		fmt.Fprintf(w, "%s %s\n", boldStyle.Render("Instructions:"), truncate(desc.Instructions, 120))
	}

	if len(desc.Tools) > 0 {
		fmt.Fprintf(w, "\n%s\n", boldStyle.Render(fmt.Sprintf("Tools (%d):", len(desc.Tools))))
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tDESCRIPTION\tPARAMETERS")
		for _, t := range desc.Tools {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", t.Name, truncate(t.Description, 80), strings.Join(toolParams(t.InputSchema), ", "))
		}
		_ = tw.Flush()
	}
	if len(desc.Resources) > 0 {
		fmt.Fprintf(w, "\n%s\n", boldStyle.Render(fmt.Sprintf("Resources (%d):", len(desc.Resources))))
		for _, r := range desc.Resources {
			fmt.Fprintf(w, "  %s - %s\n", r.URI, r.Description)
		}
	}
	if len(desc.Prompts) > 0 {
		fmt.Fprintf(w, "\n%s\n", boldStyle.Render(fmt.Sprintf("Prompts (%d):", len(desc.Prompts))))
		for _, p := range desc.Prompts {
			fmt.Fprintf(w, "  %s - %s\n", p.Name, p.Description)
		}
	}
}

func auditListChecksCommand(cmd *cobra.Command, args []string) error {
	std, err := taxonomy.OWASPMCPTop10()
	if err != nil {
		return err
	}
	registry := scanner.DefaultRegistry()
	ready := make(map[string]bool)
	for _, n := range registry.Names() {
		ready[n] = true
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s - %s\n\n", titleStyle.Render("counteragent audit"), std.Name)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tOWASP ID\tRISK\tDESCRIPTION\tSTATUS")
	for _, item := range std.Items {
		status := dimStyle.Render("Planned")
		if ready[item.Check] {
			status = okStyle.Render("Ready")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.Check, item.ID, item.RiskLevel, item.Name, status)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// toolParams lists the top-level properties of an input schema.
func toolParams(schema any) []string {
	m, ok := asMap(schema)
	if !ok {
		return nil
	}
	props, ok := asMap(m["properties"])
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}
