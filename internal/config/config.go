package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.marketchat/config.toml.
type Config struct {
	DefaultSession     string `toml:"default_session"`
	APIBaseURL         string `toml:"api_base_url"`
	SocketURL          string `toml:"socket_url"`
	ConnectTimeoutSecs int    `toml:"connect_timeout_secs"`
}

const (
	// DefaultAPIBaseURL points at the hosted marketplace API.
	DefaultAPIBaseURL = "https://arcane-forest-86800-4cdf53ca9f0b.herokuapp.com/api"

	defaultConnectTimeout = 5 * time.Second
)

// Load reads config from the given path. Missing file is an error; callers
// fall back to Default().
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
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

// SocketEndpoint returns the websocket URL for the message socket. When
// socket_url is unset it is derived from the API base URL: the /api suffix
// is stripped and the socket path appended, matching how the server mounts
// the socket next to its REST routes.
func (c *Config) SocketEndpoint() string {
	base := c.SocketURL
	if base == "" {
		base = strings.TrimSuffix(c.APIBaseURL, "/api")
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/socket-message"
}

// ConnectTimeout returns the connected-ack timeout window.
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSecs <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
}
