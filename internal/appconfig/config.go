// Package appconfig holds daemon configuration. Settings come from an
// optional YAML file with environment variables layered on top, so a bare
// environment-only deployment works without any file.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" or "24h" parse.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// StoreBackend selects the store implementation.
type StoreBackend string

const (
	// BackendNATS uses a JetStream key-value bucket.
	BackendNATS StoreBackend = "nats"
	// BackendMemory uses the in-process store. Single-process runs only.
	BackendMemory StoreBackend = "memory"
)

// Config holds the daemon settings.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Store   StoreConfig   `yaml:"store"`
	Gateway GatewayConfig `yaml:"gateway"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

// StoreConfig selects and tunes the store backend.
type StoreConfig struct {
	Backend       StoreBackend `yaml:"backend"`
	NATSURL       string       `yaml:"nats_url"`
	NATSBucket    string       `yaml:"nats_bucket"`
	MaxReconnects int          `yaml:"max_reconnects"`
	ReconnectWait Duration     `yaml:"reconnect_wait"`
}

// GatewayConfig tunes the UI gateway HTTP server.
type GatewayConfig struct {
	Port string `yaml:"port"`
}

// SweeperConfig tunes the stale-room sweep.
type SweeperConfig struct {
	Interval   Duration `yaml:"interval"`
	StaleAfter Duration `yaml:"stale_after"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend:       BackendNATS,
			NATSURL:       "nats://localhost:4222",
			NATSBucket:    "cotimer_rooms",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Gateway: GatewayConfig{
			Port: "8091",
		},
		Sweeper: SweeperConfig{
			Interval:   Duration(time.Hour),
			StaleAfter: Duration(24 * time.Hour),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// COTIMER_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("COTIMER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Store.Backend = StoreBackend(getEnv("STORE_BACKEND", string(c.Store.Backend)))
	c.Store.NATSURL = getEnv("NATS_URL", c.Store.NATSURL)
	c.Store.NATSBucket = getEnv("NATS_BUCKET", c.Store.NATSBucket)
	c.Gateway.Port = getEnv("GATEWAY_PORT", c.Gateway.Port)
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sweeper.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SWEEP_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sweeper.StaleAfter = Duration(d)
		}
	}
	if v := os.Getenv("NATS_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.MaxReconnects = n
		}
	}
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case BackendNATS, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.StaleAfter <= 0 {
		return fmt.Errorf("sweeper intervals must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
