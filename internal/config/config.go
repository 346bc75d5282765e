// Package config loads counteragent settings from ~/.counteragent/config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gzhole/counteragent/internal/logger"
)

const (
	DefaultConfigDir   = ".counteragent"
	DefaultConfigFile  = "config.yaml"
	DefaultSessionDir  = "sessions"
	DefaultListenPort  = 8888
	DefaultReplayLimit = 10 * time.Second
)

type Config struct {
	// ConfigDir is the resolved ~/.counteragent directory.
	ConfigDir string `yaml:"-"`
	// Path is the file the settings came from; empty when defaults are used.
	Path string `yaml:"-"`

	ListenPort  int          `yaml:"listen_port"`
	SessionDir  string       `yaml:"session_dir"`
	MetricsAddr string       `yaml:"metrics_addr"`
	Rules       string       `yaml:"rules"`
	Log         LogConfig    `yaml:"log"`
	Replay      ReplayConfig `yaml:"replay"`
	Audit       AuditConfig  `yaml:"audit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives logs instead of stderr.
	File string `yaml:"file"`
}

// ReplayConfig holds replay defaults; flags override them.
type ReplayConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	AutoHandshake bool          `yaml:"auto_handshake"`
	// Rate is messages per second; 0 sends as fast as responses arrive.
	Rate float64 `yaml:"rate"`
}

type AuditConfig struct {
	Checks []string `yaml:"checks"`
	Output string   `yaml:"output"`
}

// Default returns the built-in settings rooted at configDir.
func Default(configDir string) *Config {
	return &Config{
		ConfigDir:  configDir,
		ListenPort: DefaultListenPort,
		SessionDir: filepath.Join(configDir, DefaultSessionDir),
		Log:        LogConfig{Level: "info", Format: "text"},
		Replay: ReplayConfig{
			Timeout:       DefaultReplayLimit,
			AutoHandshake: true,
		},
		Audit: AuditConfig{Output: filepath.Join("results", "scan.json")},
	}
}

// Load reads settings. An empty path means ~/.counteragent/config.yaml,
// which may be absent; an explicit path must exist. Fields missing from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	configDir := filepath.Join(homeDir, DefaultConfigDir)
	if err := ensureDir(configDir); err != nil {
		return nil, err
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir, DefaultConfigFile)
	}

	cfg := Default(configDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Path = path
	if cfg.Rules != "" && !filepath.IsAbs(cfg.Rules) {
		cfg.Rules = filepath.Join(configDir, cfg.Rules)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Replay.Timeout <= 0 {
		return fmt.Errorf("replay.timeout must be positive, got %s", c.Replay.Timeout)
	}
	if c.Replay.Rate < 0 {
		return fmt.Errorf("replay.rate must not be negative, got %v", c.Replay.Rate)
	}
	return nil
}

// SessionPath is the default location of a session file.
func (c *Config) SessionPath(id string) string {
	return filepath.Join(c.SessionDir, id+".json")
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
