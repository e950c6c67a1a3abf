package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Config.Host)
	assert.Equal(t, 8090, cfg.Config.Port)
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
	assert.Equal(t, "LOL", cfg.Config.License.KeyPrefix)
	assert.Equal(t, 3, cfg.Config.License.MaxActivations)
	assert.Equal(t, "Land of Love", cfg.Config.License.ProductName)
	assert.Equal(t, "INBOX", cfg.Config.IMAP.Mailbox)
	assert.Equal(t, 60, cfg.Config.Watcher.PollIntervalSeconds)
}

func TestLoadFromFile(t *testing.T) {
	configContent := `
host = "0.0.0.0"
port = 9000
logLevel = "DEBUG"
dataDir = "/custom/data"

[license]
keyPrefix = "LIC"
maxActivations = 1

[smtp]
host = "smtp.example.com"
port = 465
from = "store@example.com"

[watcher]
pollIntervalSeconds = 30
apiUrl = "http://license-api:8090"
`
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Config.Host)
	assert.Equal(t, 9000, cfg.Config.Port)
	assert.Equal(t, "LIC", cfg.Config.License.KeyPrefix)
	assert.Equal(t, 1, cfg.Config.License.MaxActivations)
	assert.Equal(t, "smtp.example.com", cfg.Config.SMTP.Host)
	assert.Equal(t, 30, cfg.Config.Watcher.PollIntervalSeconds)
	assert.Equal(t, "http://license-api:8090", cfg.Config.Watcher.APIURL)

	assert.Equal(t, filepath.Join("/custom/data", "keygate.db"), cfg.GetDatabasePath())
}

func TestDatabasePathNextToConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`host = "localhost"`), 0644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, "keygate.db"), cfg.GetDatabasePath())
}

func TestEnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`port = 8090`), 0644))

	t.Setenv("KEYGATE__PORT", "9999")
	t.Setenv("KEYGATE__SMTP_HOST", "smtp.override.example.com")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Config.Port)
	assert.Equal(t, "smtp.override.example.com", cfg.Config.SMTP.Host)
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()

	path, err := Generate(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml"), path)

	// The generated file must parse and keep the defaults.
	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Config.Port)
	assert.Equal(t, "LOL", cfg.Config.License.KeyPrefix)

	// Refuses to overwrite.
	_, err = Generate(dir)
	assert.ErrorContains(t, err, "already exists")
}
