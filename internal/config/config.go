// Package config loads and validates the persisted configuration document
// (data/config.json) that tells a process which role to run as, how to
// reach the notes backend, and which tunable settings apply to the sender,
// receiver, and tunnel engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Storage carries the notes-backend session material: where the Netscape
// cookie jar lives, and an optional passphrase enabling the codec's
// AES-256-GCM layer.
type Storage struct {
	CookiesPath   string `mapstructure:"cookies_path" json:"cookies_path"`
	PoolPath      string `mapstructure:"pool_path" json:"pool_path"`
	EncryptionKey string `mapstructure:"encryption_key" json:"encryption_key,omitempty"`
}

// Settings holds the recognized runtime tunables, plus the optional
// revision-store overrides.
type Settings struct {
	ProxyMode         string  `mapstructure:"proxy_mode" json:"proxy_mode"`
	ProxyPort         int     `mapstructure:"proxy_port" json:"proxy_port"`
	Socks5Port        int     `mapstructure:"socks5_port" json:"socks5_port"`
	Timeout           float64 `mapstructure:"timeout" json:"timeout"`
	ChunkSize         int     `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkIdleTimeout  float64 `mapstructure:"chunk_idle_timeout" json:"chunk_idle_timeout"`
	PollInterval      float64 `mapstructure:"poll_interval" json:"poll_interval"`
	CleanupChunks     bool    `mapstructure:"cleanup_chunks" json:"cleanup_chunks"`
	TunnelIdleTimeout float64 `mapstructure:"tunnel_idle_timeout" json:"tunnel_idle_timeout"`

	// AdminPort serves /healthz, /readyz, and /metrics on a listener
	// separate from the proxy ports.
	AdminPort int `mapstructure:"admin_port" json:"admin_port"`

	// RedisAddr/RedisKeyPrefix select the Redis-backed revision store of
	// internal/revstore when set; empty RedisAddr keeps the in-memory store.
	RedisAddr      string `mapstructure:"redis_addr" json:"redis_addr,omitempty"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix" json:"redis_key_prefix,omitempty"`
}

// AuditSinkConfig selects where audit.Logger writes events.
type AuditSinkConfig struct {
	Type          string            `mapstructure:"type" json:"type"`
	Endpoint      string            `mapstructure:"endpoint" json:"endpoint,omitempty"`
	FilePath      string            `mapstructure:"file_path" json:"file_path,omitempty"`
	Headers       map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	BatchSize     int               `mapstructure:"batch_size" json:"batch_size,omitempty"`
	FlushInterval time.Duration     `mapstructure:"flush_interval" json:"flush_interval,omitempty"`
	RetryCount    int               `mapstructure:"retry_count" json:"retry_count,omitempty"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff" json:"retry_backoff,omitempty"`
}

// AuditConfig configures internal/audit.NewLoggerFromConfig.
type AuditConfig struct {
	MaxEvents          int             `mapstructure:"max_events" json:"max_events"`
	RedactMetadataKeys []string        `mapstructure:"redact_metadata_keys" json:"redact_metadata_keys,omitempty"`
	Sink               AuditSinkConfig `mapstructure:"sink" json:"sink"`
}

// Config is the full contents of data/config.json.
type Config struct {
	Mode     string      `mapstructure:"mode" json:"mode"`
	Storage  Storage     `mapstructure:"storage" json:"storage"`
	Settings Settings    `mapstructure:"settings" json:"settings"`
	Audit    AuditConfig `mapstructure:"audit" json:"audit"`
}

// Default returns the built-in settings, matching what a config file
// with an empty settings object produces.
func Default() Settings {
	return Settings{
		ProxyMode:         "http",
		ProxyPort:         8080,
		Socks5Port:        1080,
		Timeout:           120,
		ChunkSize:         500000,
		ChunkIdleTimeout:  0.1,
		PollInterval:      0.1,
		CleanupChunks:     true,
		TunnelIdleTimeout: 120,
		AdminPort:         9090,
	}
}

// Load reads path (default data/config.json) through viper, merging in
// TUMAN_-prefixed environment variable overrides (e.g.
// TUMAN_SETTINGS_PROXY_PORT overrides settings.proxy_port), and applying
// Default() for any field left unset by the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	defaults := Default()
	v.SetDefault("settings.proxy_mode", defaults.ProxyMode)
	v.SetDefault("settings.proxy_port", defaults.ProxyPort)
	v.SetDefault("settings.socks5_port", defaults.Socks5Port)
	v.SetDefault("settings.timeout", defaults.Timeout)
	v.SetDefault("settings.chunk_size", defaults.ChunkSize)
	v.SetDefault("settings.chunk_idle_timeout", defaults.ChunkIdleTimeout)
	v.SetDefault("settings.poll_interval", defaults.PollInterval)
	v.SetDefault("settings.cleanup_chunks", defaults.CleanupChunks)
	v.SetDefault("settings.tunnel_idle_timeout", defaults.TunnelIdleTimeout)
	v.SetDefault("settings.admin_port", defaults.AdminPort)
	v.SetDefault("storage.cookies_path", "data/diskcookies.txt")
	v.SetDefault("storage.pool_path", "data/yanotes_pool.json")
	v.SetDefault("audit.max_events", 1000)
	v.SetDefault("audit.sink.type", "stdout")

	v.SetEnvPrefix("TUMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if cfg.Mode == "" {
		return nil, fmt.Errorf("config: %s is missing required field \"mode\"", path)
	}
	return &cfg, nil
}

// WatchTunables invokes onChange with the freshly parsed Settings whenever
// path changes on disk; onChange receives every field and the caller
// decides which to re-apply. Nothing here rebinds listeners, so
// wire-format-affecting settings (proxy_mode, ports) take effect only
// from what the caller read once at startup.
func WatchTunables(path string, logger *logrus.Logger, onChange func(Settings)) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.WithError(err).Warn("config: reload failed, keeping previous settings")
			return
		}
		logger.WithField("path", path).Info("config: tunables reloaded")
		onChange(cfg.Settings)
	})
	v.WatchConfig()
	return nil
}

// TimeoutDuration converts a settings field expressed in fractional
// seconds (the JSON schema's unit) into a time.Duration.
func TimeoutDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
