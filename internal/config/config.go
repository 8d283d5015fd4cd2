// Package config loads the daemon's YAML configuration and wires up
// process-wide logging.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with environment
// overrides for the secrets and connection strings.
type Config struct {
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	EventSource struct {
		Enabled  bool   `yaml:"enabled"`
		QueueKey string `yaml:"queue_key"`
	} `yaml:"event_source"`

	Scanner struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"scanner"`

	StatsUpdater struct {
		Enabled bool   `yaml:"enabled"`
		RunAt   string `yaml:"run_at"`
	} `yaml:"stats_updater"`

	Dispatcher struct {
		PerMinuteTriggerLimit int `yaml:"per_minute_trigger_limit"`
	} `yaml:"dispatcher"`

	// WebServiceURL is the platform web application hosting the role
	// directory; ExecutorURL the action-execution service. Both are
	// authenticated with PrivateKey-signed tokens.
	WebServiceURL string `yaml:"web_service_url"`
	ExecutorURL   string `yaml:"executor_url"`
	PrivateKey    string `yaml:"private_key"`

	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`

	Log Log `yaml:"log"`
}

// Log configures logrus output and optional file rotation.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and validates the configuration file, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	cfg := defaults()
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	applyEnvOverrides(cfg)

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database.dsn is required")
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.EventSource.Enabled = true
	cfg.EventSource.QueueKey = "automation-rule-triggered"
	cfg.Scanner.Enabled = true
	cfg.StatsUpdater.Enabled = true
	cfg.StatsUpdater.RunAt = "00:52"
	cfg.Dispatcher.PerMinuteTriggerLimit = 10
	cfg.Health.Addr = ":8889"
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 30
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AUTOMATIOND_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTOMATIOND_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AUTOMATIOND_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AUTOMATIOND_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTOMATIOND_WEB_SERVICE_URL")); v != "" {
		cfg.WebServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTOMATIOND_EXECUTOR_URL")); v != "" {
		cfg.ExecutorURL = v
	}
}
