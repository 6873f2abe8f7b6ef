// Package config provides configuration management for the relay server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the relay server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Push      PushConfig      `mapstructure:"push"`
	Subscribe SubscribeConfig `mapstructure:"subscribe"`
	Card      CardConfig      `mapstructure:"card"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file (driver=sqlite).
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string (driver=postgres).
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL disables
// cross-node replication and uses the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig tunes the per-task event queue system.
type QueueConfig struct {
	// ChildBufferSize bounds each subscriber tap; producers block when a
	// tap is full.
	ChildBufferSize int `mapstructure:"childBufferSize"`
	// FinalizedGracePeriod is how long finalized queues and in-memory task
	// state are retained for late-draining subscribers, in seconds.
	FinalizedGracePeriod int `mapstructure:"finalizedGracePeriod"`
	// SweepInterval is how often orphaned finalized state is swept, in
	// seconds.
	SweepInterval int `mapstructure:"sweepInterval"`
}

// TimeoutConfig holds the operation timeouts, in seconds.
type TimeoutConfig struct {
	BlockingAgent    int `mapstructure:"blockingAgent"`
	EventConsumption int `mapstructure:"eventConsumption"`
	PushSend         int `mapstructure:"pushSend"`
	Cancel           int `mapstructure:"cancel"`
}

// PushConfig controls the push-notification sender.
type PushConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SubscribeConfig controls resubscription behavior for tasks whose queue
// has already closed.
type SubscribeConfig struct {
	// ReplayFromStore, when true, fabricates a task snapshot event from
	// the store for subscribers arriving after queue closure instead of
	// returning TaskNotFound.
	ReplayFromStore bool `mapstructure:"replayFromStore"`
}

// CardConfig holds the agent card identity fields served at the
// well-known endpoint.
type CardConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	URL         string `mapstructure:"url"`
	Version     string `mapstructure:"version"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BlockingAgentDuration returns the blocking-agent timeout as a time.Duration.
func (t *TimeoutConfig) BlockingAgentDuration() time.Duration {
	return time.Duration(t.BlockingAgent) * time.Second
}

// EventConsumptionDuration returns the event-consumption timeout as a time.Duration.
func (t *TimeoutConfig) EventConsumptionDuration() time.Duration {
	return time.Duration(t.EventConsumption) * time.Second
}

// PushSendDuration returns the push-send timeout as a time.Duration.
func (t *TimeoutConfig) PushSendDuration() time.Duration {
	return time.Duration(t.PushSend) * time.Second
}

// CancelDuration returns the cancel-await timeout as a time.Duration.
func (t *TimeoutConfig) CancelDuration() time.Duration {
	return time.Duration(t.Cancel) * time.Second
}

// FinalizedGraceDuration returns the finalized-queue grace period as a time.Duration.
func (q *QueueConfig) FinalizedGraceDuration() time.Duration {
	return time.Duration(q.FinalizedGracePeriod) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (q *QueueConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(q.SweepInterval) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - in-memory unless a backend is configured
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "relay.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	// NATS defaults - empty URL means no cross-node replication
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.childBufferSize", 1024)
	v.SetDefault("queue.finalizedGracePeriod", 30)
	v.SetDefault("queue.sweepInterval", 60)

	// Timeout defaults
	v.SetDefault("timeouts.blockingAgent", 60)
	v.SetDefault("timeouts.eventConsumption", 30)
	v.SetDefault("timeouts.pushSend", 10)
	v.SetDefault("timeouts.cancel", 5)

	// Push defaults
	v.SetDefault("push.enabled", true)

	// Subscribe defaults
	v.SetDefault("subscribe.replayFromStore", false)

	// Card defaults
	v.SetDefault("card.name", "relay")
	v.SetDefault("card.description", "A2A agent server")
	v.SetDefault("card.url", "http://localhost:8080")
	v.SetDefault("card.version", "0.1.0")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required when store.driver is sqlite")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required when store.driver is postgres")
		}
	default:
		errs = append(errs, "store.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Queue.ChildBufferSize <= 0 {
		errs = append(errs, "queue.childBufferSize must be positive")
	}
	if cfg.Queue.FinalizedGracePeriod < 0 {
		errs = append(errs, "queue.finalizedGracePeriod must not be negative")
	}
	if cfg.Queue.SweepInterval <= 0 {
		errs = append(errs, "queue.sweepInterval must be positive")
	}

	if cfg.Timeouts.BlockingAgent <= 0 {
		errs = append(errs, "timeouts.blockingAgent must be positive")
	}
	if cfg.Timeouts.EventConsumption <= 0 {
		errs = append(errs, "timeouts.eventConsumption must be positive")
	}
	if cfg.Timeouts.PushSend <= 0 {
		errs = append(errs, "timeouts.pushSend must be positive")
	}
	if cfg.Timeouts.Cancel <= 0 {
		errs = append(errs, "timeouts.cancel must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
