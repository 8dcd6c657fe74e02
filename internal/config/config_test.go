package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	cfg.Store.Dir = t.TempDir()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultLicenseURL, cfg.License.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Clock.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.Clock.ReadTimeout)
	assert.Equal(t, StoreBackendFile, cfg.Store.Backend)
	assert.Equal(t, IdentitySourceInstall, cfg.Identity.Source)
	assert.Zero(t, cfg.Controller.MaxAttempts)
	assert.Zero(t, cfg.Controller.ClearAfterFailures)
	assert.Empty(t, cfg.Crypto.ConfigKey)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, `
license:
  url: https://license.example.com/api/get_config.php
  timeout: 7s
clock:
  enabled: false
store:
  backend: bolt
  dir: `+dir+`
controller:
  clear_after_failures: 3
server:
  codes:
    - code: ABC-123
      days: 30
    - code: BANNED
      banned: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://license.example.com/api/get_config.php", cfg.License.URL)
	assert.Equal(t, 7*time.Second, cfg.License.Timeout)
	assert.False(t, cfg.Clock.Enabled)
	assert.Equal(t, StoreBackendBolt, cfg.Store.Backend)
	assert.Equal(t, dir, cfg.Store.Dir)
	assert.Equal(t, 3, cfg.Controller.ClearAfterFailures)
	require.Len(t, cfg.Server.Codes, 2)
	assert.Equal(t, "ABC-123", cfg.Server.Codes[0].Code)
	assert.True(t, cfg.Server.Codes[1].Banned)

	// Untouched sections keep their defaults
	assert.Equal(t, DefaultClockURL, cfg.Clock.URL)
	assert.Equal(t, filepath.Join(dir, "logs", LogFileName), cfg.Logging.FilePath)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
license:
  timeout: 7s
logging:
  level: warn
`)
	t.Setenv("MYTV_LICENSE_TIMEOUT", "12s")
	t.Setenv("MYTV_STORE_DIR", t.TempDir())
	t.Setenv("MYTV_CRYPTO_CONFIG_KEY", "0123456789abcdef")
	t.Setenv("MYTV_CONTROLLER_MAX_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, cfg.License.Timeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "0123456789abcdef", cfg.Crypto.ConfigKey)
	assert.Equal(t, 5, cfg.Controller.MaxAttempts)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad backend", "store:\n  backend: redis\n"},
		{"bad identity source", "identity:\n  source: serial\n"},
		{"non-url license endpoint", "license:\n  url: not a url\n"},
		{"zero timeout", "license:\n  timeout: 0s\n"},
		{"negative attempts", "controller:\n  max_attempts: -1\n"},
		{"unknown location", "clock:\n  location: Mars/Olympus\n"},
		{"enabled clock without url", "clock:\n  enabled: true\n  url: \"\"\n"},
		{"server code without value", "server:\n  codes:\n    - days: 3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MYTV_STORE_DIR", t.TempDir())
			_, err := Load(writeConfigFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultStateDir(t *testing.T) {
	dir, err := DefaultStateDir()
	require.NoError(t, err)
	assert.Equal(t, AppName, filepath.Base(dir))
}

func TestEnsureDirAndFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.False(t, FileExists(dir), "directories are not files")

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	assert.True(t, FileExists(file))
}
