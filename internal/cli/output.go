package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/shell"

	"github.com/gzhole/counteragent/internal/scanner"
	"github.com/gzhole/counteragent/internal/session"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00C853"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5252"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB000"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	severityTint = map[scanner.Severity]lipgloss.Style{
		scanner.SeverityCritical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF1744")),
		scanner.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5252")),
		scanner.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB000")),
		scanner.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF")),
		scanner.SeverityInfo:     lipgloss.NewStyle().Faint(true),
	}
)

func severityLabel(s scanner.Severity) string {
	style, ok := severityTint[s]
	if !ok {
		return strings.ToUpper(string(s))
	}
	return style.Render(strings.ToUpper(string(s)))
}

// splitCommand turns a --target-command string into argv with shell quoting
// rules. Environment references are expanded.
func splitCommand(command string) ([]string, error) {
	argv, err := shell.Fields(command, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// loadSession reads a session file, printing a remediation that depends on
// whether the file is missing or unreadable.
func loadSession(cmd *cobra.Command, path string) (*session.Session, error) {
	s, err := session.Load(path)
	if err == nil {
		return s, nil
	}
	w := cmd.ErrOrStderr()
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		fmt.Fprintf(w, "Error: Session file not found: %s\n", path)
		fmt.Fprintln(w, "Record one with 'counteragent proxy start --session-file PATH'.")
	case errors.Is(err, session.ErrMalformedSession):
		fmt.Fprintf(w, "Error: Failed to load session: %v\n", err)
		fmt.Fprintln(w, "The file is not a counteragent session document; check that it was written by 'proxy start' or 'proxy export'.")
	default:
		fmt.Fprintf(w, "Error: Failed to load session: %v\n", err)
	}
	return nil, exitCode(1)
}
