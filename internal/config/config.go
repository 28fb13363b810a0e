// Package config handles sdhomecore configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// ~/.config/sdhomecore/config.yaml, /config/config.yaml,
// /etc/sdhomecore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sdhomecore", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/sdhomecore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all sdhomecore configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	StateSync  StateSyncConfig  `yaml:"state_sync"`
	Automation AutomationConfig `yaml:"automation"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// BrokerConfig defines the MQTT broker connection used by the ingestion
// worker, publisher, and state-sync worker alike (spec §6).
type BrokerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"` // e.g. tcp://localhost:1883, mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientIDTag string `yaml:"client_id_tag"`
	TopicFilter string `yaml:"topic_filter"` // default "sdhome/#"
	BaseTopic   string `yaml:"base_topic"`   // default "sdhome"
}

// DatabaseConfig defines the SQLite connection.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WebhooksConfig carries the pre-configured webhook endpoints rules can
// target by name (spec §6: "Webhooks: {main?, test?}").
type WebhooksConfig struct {
	Main string `yaml:"main"`
	Test string `yaml:"test"`
}

// StateSyncConfig controls the state-sync worker's periodic poll.
type StateSyncConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"` // 0 disables
}

// AutomationConfig controls the automation engine and its optional
// file-authored rule source.
type AutomationConfig struct {
	RulesDir    string `yaml:"rules_dir"`    // optional; enables fsnotify hot-reload when set
	TickSeconds int    `yaml:"tick_seconds"` // default 30, per spec §4.5.1
}

// Configured reports whether a broker connection is usable.
func (c BrokerConfig) Configured() bool {
	return c.Enabled && c.URL != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). Convenience
	// for container deployments; values may also be set directly.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "sdhomecore.db")
	}
	if c.Broker.TopicFilter == "" {
		c.Broker.TopicFilter = "sdhome/#"
	}
	if c.Broker.BaseTopic == "" {
		c.Broker.BaseTopic = "sdhome"
	}
	if c.Broker.ClientIDTag == "" {
		c.Broker.ClientIDTag = "sdhomecore"
	}
	if c.Automation.TickSeconds == 0 {
		c.Automation.TickSeconds = 30
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when broker.enabled is true")
	}
	if c.StateSync.PollIntervalSeconds < 0 {
		return fmt.Errorf("state_sync.poll_interval_seconds must be >= 0")
	}
	if c.Automation.TickSeconds <= 0 {
		return fmt.Errorf("automation.tick_seconds must be > 0")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// PollInterval returns the state-sync poll interval as a Duration, or
// zero if polling is disabled.
func (c StateSyncConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Tick returns the automation engine's time-trigger poll cadence.
func (c AutomationConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Default returns a default configuration suitable for local
// development against a broker on localhost. All defaults are applied.
func Default() *Config {
	cfg := &Config{
		Broker: BrokerConfig{
			Enabled:     true,
			URL:         "tcp://localhost:1883",
			TopicFilter: "sdhome/#",
			BaseTopic:   "sdhome",
		},
		StateSync: StateSyncConfig{PollIntervalSeconds: 300},
	}
	cfg.applyDefaults()
	return cfg
}
