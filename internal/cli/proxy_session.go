package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/counteragent/internal/session"
)

var (
	exportSessionFile string
	exportOutput      string
	exportFormat      string

	inspectSessionFile string
	inspectVerbose     bool
)

var proxyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a recorded session",
	RunE:  proxyExportCommand,
}

var proxyInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a recorded session",
	RunE:  proxyInspectCommand,
}

func init() {
	f := proxyExportCmd.Flags()
	f.StringVar(&exportSessionFile, "session-file", "", "Session file to export")
	f.StringVarP(&exportOutput, "output", "o", "", "Destination file")
	f.StringVar(&exportFormat, "format", "json", "Export format (json)")
	_ = proxyExportCmd.MarkFlagRequired("session-file")
	_ = proxyExportCmd.MarkFlagRequired("output")

	g := proxyInspectCmd.Flags()
	g.StringVar(&inspectSessionFile, "session-file", "", "Session file to inspect")
	g.BoolVarP(&inspectVerbose, "verbose", "v", false, "Print payloads")
	_ = proxyInspectCmd.MarkFlagRequired("session-file")

	proxyCmd.AddCommand(proxyExportCmd, proxyInspectCmd)
}

func proxyExportCommand(cmd *cobra.Command, args []string) error {
	if !strings.EqualFold(exportFormat, "json") {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: Unsupported export format: %s (supported: json)\n", exportFormat)
		return exitCode(1)
	}
	sess, err := loadSession(cmd, exportSessionFile)
	if err != nil {
		return err
	}
	dest := exportOutput
	if abs, err := filepath.Abs(dest); err == nil {
		dest = abs
	}
	if err := session.Save(dest, sess); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d messages to %s\n", sess.Len(), dest)
	return nil
}

func proxyInspectCommand(cmd *cobra.Command, args []string) error {
	sess, err := loadSession(cmd, inspectSessionFile)
	if err != nil {
		return err
	}
	writeInspect(cmd.OutOrStdout(), sess, inspectVerbose)
	return nil
}

func writeInspect(w io.Writer, sess *session.Session, verbose bool) {
	fmt.Fprintf(w, "%s %s\n", boldStyle.Render("Session:"), sess.ID())
	fmt.Fprintf(w, "Transport: %s\n", sess.Transport())
	if c := sess.ServerCommand(); c != "" {
		fmt.Fprintf(w, "Server command: %s\n", c)
	}
	if u := sess.ServerURL(); u != "" {
		fmt.Fprintf(w, "Server URL: %s\n", u)
	}
	fmt.Fprintf(w, "Started: %s\n", sess.StartedAt().Format(time.RFC3339))
	fmt.Fprintf(w, "Messages: %d\n", sess.Len())
	if md := sess.Metadata(); len(md) > 0 {
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		fmt.Fprintln(w, "Metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, md[k])
		}
	}
	if errs := sess.Errors(); len(errs) > 0 {
		fmt.Fprintf(w, "Errors: %d\n", len(errs))
		for _, e := range errs {
			seq := ""
			if e.Sequence > 0 {
				seq = fmt.Sprintf(" #%03d", e.Sequence)
			}
			fmt.Fprintf(w, "  %s%s %s\n", warnStyle.Render(e.Kind), seq, e.Detail)
		}
	}
	fmt.Fprintln(w, "---")

	for _, msg := range sess.Messages() {
		fmt.Fprintln(w, formatMessage(msg))
		if msg.Malformed() {
			fmt.Fprintf(w, "    %s\n", failStyle.Render("error: "+msg.Error))
		}
		if !verbose {
			continue
		}
		fmt.Fprintln(w, prettyPayload(msg.Raw, "    "))
		if msg.Modified {
			fmt.Fprintln(w, dimStyle.Render("    [original]"))
			fmt.Fprintln(w, dimStyle.Render(prettyPayload(msg.OriginalRaw, "    ")))
		}
	}
}

func prettyPayload(raw []byte, prefix string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, prefix, "  "); err != nil {
		return prefix + string(raw)
	}
	return prefix + buf.String()
}
