// Package config loads and validates the lobbyd configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "10s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration for lobbyd.
// It is persisted as a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Limits  LimitsConfig  `toml:"limits"`
	Metrics MetricsConfig `toml:"metrics"`
	Control ControlConfig `toml:"control"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig controls the WebSocket listener.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server binds
	// (e.g. ":8080").
	ListenAddr string `toml:"listen_addr"`

	// ShutdownTimeout bounds the graceful-shutdown drain on SIGINT/SIGTERM.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// LimitsConfig tunes the lobby registry.
type LimitsConfig struct {
	// MaxLobbies caps the number of concurrently registered lobbies.
	MaxLobbies int `toml:"max_lobbies"`

	// MaxPeers caps the number of peers per lobby.
	MaxPeers int `toml:"max_peers"`

	// SealGrace is the delay between sealing a lobby and destroying it.
	SealGrace Duration `toml:"seal_grace"`

	// DestroyOnEmpty destroys unsealed lobbies as soon as the last peer
	// leaves, bounding memory held by abandoned names.
	DestroyOnEmpty bool `toml:"destroy_on_empty"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`

	// ListenAddr is the address the metrics server binds (e.g. ":2112").
	ListenAddr string `toml:"listen_addr"`
}

// ControlConfig controls the unix-socket status server.
type ControlConfig struct {
	Enabled bool `toml:"enabled"`

	// SocketPath overrides the default control socket location.
	SocketPath string `toml:"socket_path,omitempty"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Limits: LimitsConfig{
			MaxLobbies:     1024,
			MaxPeers:       4096,
			SealGrace:      Duration(10 * time.Second),
			DestroyOnEmpty: true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":2112",
		},
		Control: ControlConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultConfigPath returns the default path for the lobbyd config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "lobbyd", "config.toml"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr must be set")
	}
	if c.Limits.MaxLobbies <= 0 {
		return errors.New("limits.max_lobbies must be positive")
	}
	if c.Limits.MaxPeers <= 0 {
		return errors.New("limits.max_peers must be positive")
	}
	if c.Limits.SealGrace.Std() <= 0 {
		return errors.New("limits.seal_grace must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug/info/warn/error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text/json", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return errors.New("metrics.listen_addr must be set when metrics are enabled")
	}
	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Limits.MaxLobbies == 0 {
		cfg.Limits.MaxLobbies = def.Limits.MaxLobbies
	}
	if cfg.Limits.MaxPeers == 0 {
		cfg.Limits.MaxPeers = def.Limits.MaxPeers
	}
	if cfg.Limits.SealGrace == 0 {
		cfg.Limits.SealGrace = def.Limits.SealGrace
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = def.Metrics.ListenAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}
