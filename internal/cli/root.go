package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gzhole/counteragent/internal/config"
	"github.com/gzhole/counteragent/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

// Loaded by the root PersistentPreRunE for every subcommand.
var (
	cfg     *config.Config
	appLog  *slog.Logger
	logFile *os.File
)

var rootCmd = &cobra.Command{
	Use:   "counteragent",
	Short: "counteragent - MCP security testing toolkit",
	Long: `counteragent sits between an MCP client and an MCP server to observe,
intercept, edit, record and replay JSON-RPC traffic, and audits servers
against the OWASP MCP Top 10.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  loadRuntime,
	PersistentPostRunE: closeRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default: ~/.counteragent/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

// Execute runs the command tree.
func Execute() error {
	// PersistentPostRunE is skipped when a command fails.
	defer func() { _ = closeRuntime(nil, nil) }()
	return rootCmd.Execute()
}

func loadRuntime(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	// Diagnostics never go to stdout: in stdio mode it is the MCP channel.
	var w io.Writer = cmd.ErrOrStderr()
	if cfg.Log.File != "" {
		f, err := logger.OpenFile(cfg.Log.File)
		if err != nil {
			return err
		}
		logFile = f
		w = f
	}
	appLog, err = logger.New(w, logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(appLog)
	return nil
}

// closeRuntime releases the log file opened by loadRuntime.
func closeRuntime(_ *cobra.Command, _ []string) error {
	if logFile == nil {
		return nil
	}
	f := logFile
	logFile = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// exitCode lets a command fail with a specific status after printing its
// own message.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// Code extracts the process exit status for err.
func Code(err error) int {
	if err == nil {
		return 0
	}
	if c, ok := err.(exitCode); ok {
		return int(c)
	}
	return 1
}

// Silent reports whether err was already explained to the user.
func Silent(err error) bool {
	_, ok := err.(exitCode)
	return ok
}
