package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"mode":"client","storage":{"cookies_path":"data/diskcookies.txt"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "client", cfg.Mode)
	assert.Equal(t, "http", cfg.Settings.ProxyMode)
	assert.Equal(t, 8080, cfg.Settings.ProxyPort)
	assert.Equal(t, 1080, cfg.Settings.Socks5Port)
	assert.True(t, cfg.Settings.CleanupChunks)
	assert.Equal(t, 500000, cfg.Settings.ChunkSize)
}

func TestLoadHonorsExplicitSettings(t *testing.T) {
	path := writeConfig(t, `{
		"mode": "server",
		"storage": {"cookies_path": "data/diskcookies.txt", "encryption_key": "s3cr3t"},
		"settings": {"proxy_port": 9999, "chunk_size": 7800}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "s3cr3t", cfg.Storage.EncryptionKey)
	assert.Equal(t, 9999, cfg.Settings.ProxyPort)
	assert.Equal(t, 7800, cfg.Settings.ChunkSize)
	// Untouched settings keep their defaults.
	assert.Equal(t, 1080, cfg.Settings.Socks5Port)
}

func TestLoadRequiresMode(t *testing.T) {
	path := writeConfig(t, `{"storage":{"cookies_path":"x"}}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTimeoutDurationConvertsFractionalSeconds(t *testing.T) {
	assert.Equal(t, int64(100_000_000), TimeoutDuration(0.1).Nanoseconds())
	assert.Equal(t, int64(120_000_000_000), TimeoutDuration(120).Nanoseconds())
}
