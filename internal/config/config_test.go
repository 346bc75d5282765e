package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)

	dir := filepath.Join(home, DefaultConfigDir)
	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, DefaultListenPort, cfg.ListenPort)
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionDir)
	assert.Equal(t, 10*time.Second, cfg.Replay.Timeout)
	assert.True(t, cfg.Replay.AutoHandshake)
	assert.Equal(t, "info", cfg.Log.Level)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, DefaultConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(`
listen_port: 9000
rules: intercept.yaml
replay:
  timeout: 3s
  auto_handshake: false
  rate: 5
log:
  level: debug
  format: json
audit:
  checks: [tool_poisoning]
`), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 3*time.Second, cfg.Replay.Timeout)
	assert.False(t, cfg.Replay.AutoHandshake)
	assert.Equal(t, 5.0, cfg.Replay.Rate)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"tool_poisoning"}, cfg.Audit.Checks)
	assert.Equal(t, filepath.Join(dir, "intercept.yaml"), cfg.Rules)
	// untouched keys keep defaults
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionDir)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "listen_port: [1"},
		{"port out of range", "listen_port: 70000"},
		{"bad level", "log:\n  level: loud"},
		{"bad format", "log:\n  format: xml"},
		{"zero timeout", "replay:\n  timeout: 0s"},
		{"negative rate", "replay:\n  rate: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSessionPath(t *testing.T) {
	cfg := Default("/home/u/.counteragent")
	assert.Equal(t, "/home/u/.counteragent/sessions/abc.json", cfg.SessionPath("abc"))
}
