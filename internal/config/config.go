package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.converse/config.toml.
type Config struct {
	// ServerURL is the chat server's REST base URL.
	ServerURL string `toml:"server_url"`
	// GatewayURL is the websocket push endpoint.
	GatewayURL string `toml:"gateway_url"`
	// Token is the bearer token for both surfaces.
	Token string `toml:"token"`
	// DefaultSession is used when no --session flag is given.
	DefaultSession string `toml:"default_session"`
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the fields a daemon needs are present.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
// The file holds a token, so it is written 0600.
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
