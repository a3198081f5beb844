// Package config reads and writes ~/.chatsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Server         Server   `toml:"server"`
	Realtime       Realtime `toml:"realtime"`
	Typing         Typing   `toml:"typing"`
	Cache          Cache    `toml:"cache"`
	Send           Send     `toml:"send"`
	Log            Log      `toml:"log"`
}

// Server locates the chat backend and authenticates against it.
type Server struct {
	URL         string   `toml:"url"`
	RealtimeURL string   `toml:"realtime_url"`
	Token       string   `toml:"token"`
	UserID      string   `toml:"user_id"`
	Timeout     Duration `toml:"timeout"`
}

type Realtime struct {
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	WriteTimeout         Duration `toml:"write_timeout"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

type Typing struct {
	IdleTimeout  Duration `toml:"idle_timeout"`
	RemoteExpiry Duration `toml:"remote_expiry"`
}

type Cache struct {
	PageSize       int  `toml:"page_size"`
	DedupCapacity  int  `toml:"dedup_capacity"`
	SnapshotOnExit bool `toml:"snapshot_on_exit"`
}

// Send selects how outgoing messages reach the server: "rest" or "transport".
type Send struct {
	Mode string `toml:"mode"`
}

type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			URL:         "http://localhost:8080",
			RealtimeURL: "ws://localhost:8080/ws",
			Timeout:     Duration{15 * time.Second},
		},
		Realtime: Realtime{
			HeartbeatInterval:    Duration{30 * time.Second},
			HandshakeTimeout:     Duration{10 * time.Second},
			WriteTimeout:         Duration{5 * time.Second},
			ReconnectBaseDelay:   Duration{time.Second},
			ReconnectMaxDelay:    Duration{30 * time.Second},
			MaxReconnectAttempts: 10,
		},
		Typing: Typing{
			IdleTimeout:  Duration{2 * time.Second},
			RemoteExpiry: Duration{3 * time.Second},
		},
		Cache: Cache{PageSize: 20, DedupCapacity: 200, SnapshotOnExit: true},
		Send:  Send{Mode: "rest"},
		Log:   Log{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"server.url": c.Server.URL, "server.realtime_url": c.Server.RealtimeURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s: invalid url %q", name, raw)
		}
	}
	switch c.Send.Mode {
	case "rest", "transport":
	default:
		return fmt.Errorf("send.mode: must be rest or transport, got %q", c.Send.Mode)
	}
	if c.Cache.PageSize <= 0 {
		return fmt.Errorf("cache.page_size: must be positive, got %d", c.Cache.PageSize)
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts: must not be negative")
	}
	if c.Realtime.ReconnectMaxDelay.Duration < c.Realtime.ReconnectBaseDelay.Duration {
		return fmt.Errorf("realtime.reconnect_max_delay: shorter than reconnect_base_delay")
	}
	return nil
}
