package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("cli: invalid configuration")

// Config of the chat command. Flags override the values of the file.
type Config struct {
	Username string   `yaml:"username"`
	Channels []string `yaml:"channels"`

	// Hostname must match the common name of the TLS certificate. It is
	// read from the certificate when empty.
	Hostname        string   `yaml:"hostname"`
	Listen          string   `yaml:"listen"`
	Advertise       string   `yaml:"advertise"`
	Hubs            []string `yaml:"hubs"`
	RemoteConfigURL string   `yaml:"remote_config_url"`

	TLS TLSConfig `yaml:"tls"`

	// Storage is one of badger, sqlite or memory.
	Storage      string `yaml:"storage"`
	Data         string `yaml:"data"`
	ReplayWindow uint64 `yaml:"replay_window"`

	// Metrics is where `/metrics` is served, disabled when empty.
	Metrics string `yaml:"metrics"`

	// SignKey is a file holding an hex encoded ed25519 seed.
	SignKey string `yaml:"sign_key"`
	// Trusted maps usernames to their hex encoded ed25519 public key.
	Trusted map[string]string `yaml:"trusted"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

func defaultConfig() Config {
	return Config{
		Channels:     []string{"friends"},
		Listen:       "0.0.0.0:6174",
		Storage:      "badger",
		Data:         "friends-data",
		ReplayWindow: 500,
	}
}

// LoadConfig reads path over the defaults. An empty path only yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}

	// Relative paths are resolved against the file.
	dir := filepath.Dir(path)
	for _, p := range []*string{&cfg.Data, &cfg.SignKey, &cfg.TLS.Cert, &cfg.TLS.Key, &cfg.TLS.CA} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Username == "" {
		return fmt.Errorf("%w: a username is required", ErrInvalidConfig)
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidConfig)
	}
	if cfg.TLS.Cert == "" || cfg.TLS.Key == "" || cfg.TLS.CA == "" {
		return fmt.Errorf("%w: all tls options must be provided", ErrInvalidConfig)
	}
	switch cfg.Storage {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, cfg.Storage)
	}
	return nil
}
