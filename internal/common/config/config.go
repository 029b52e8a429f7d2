// Package config provides configuration management for the bot lifecycle
// manager. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Reaper       ReaperConfig       `mapstructure:"reaper"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds the relational state store configuration. An empty URL
// selects the in-memory store (development and tests only).
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds command/event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OrchestratorConfig holds container runtime configuration.
type OrchestratorConfig struct {
	// Kind selects the backend: "local" for a Docker daemon, "cluster" for
	// Docker Swarm services.
	Kind            string  `mapstructure:"kind"`
	DockerHost      string  `mapstructure:"dockerHost"`
	APIVersion      string  `mapstructure:"apiVersion"`
	Network         string  `mapstructure:"network"`
	BotImage        string  `mapstructure:"botImage"`
	CallbackBaseURL string  `mapstructure:"callbackBaseUrl"`
	MemoryMB        int64   `mapstructure:"memoryMb"`
	CPUCores        float64 `mapstructure:"cpuCores"`
}

// LifecycleConfig holds coordinator timing configuration.
type LifecycleConfig struct {
	StartRPCTimeout  int `mapstructure:"startRpcTimeout"`  // overall start_bot deadline, seconds
	StopGrace        int `mapstructure:"stopGrace"`        // graceful container stop timeout, seconds
	DelayedStopAfter int `mapstructure:"delayedStopAfter"` // backup container stop after stop_bot, seconds
}

// ReaperConfig holds the stale-meeting sweeper thresholds, in seconds.
type ReaperConfig struct {
	Tick           int `mapstructure:"tick"`
	ReserveStale   int `mapstructure:"reserveStale"`
	StartingStale  int `mapstructure:"startingStale"`
	HeartbeatStale int `mapstructure:"heartbeatStale"`
	StoppingStale  int `mapstructure:"stoppingStale"`
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

// StartRPCTimeoutDuration returns the start_bot deadline as a time.Duration.
func (l *LifecycleConfig) StartRPCTimeoutDuration() time.Duration {
	return time.Duration(l.StartRPCTimeout) * time.Second
}

// StopGraceDuration returns the graceful stop timeout as a time.Duration.
func (l *LifecycleConfig) StopGraceDuration() time.Duration {
	return time.Duration(l.StopGrace) * time.Second
}

// DelayedStopAfterDuration returns the backup stop delay as a time.Duration.
func (l *LifecycleConfig) DelayedStopAfterDuration() time.Duration {
	return time.Duration(l.DelayedStopAfter) * time.Second
}

// TickDuration returns the reaper tick period as a time.Duration.
func (r *ReaperConfig) TickDuration() time.Duration {
	return time.Duration(r.Tick) * time.Second
}

// ReserveStaleDuration returns the reserved-state threshold.
func (r *ReaperConfig) ReserveStaleDuration() time.Duration {
	return time.Duration(r.ReserveStale) * time.Second
}

// StartingStaleDuration returns the starting-state threshold.
func (r *ReaperConfig) StartingStaleDuration() time.Duration {
	return time.Duration(r.StartingStale) * time.Second
}

// HeartbeatStaleDuration returns the active-state heartbeat threshold.
func (r *ReaperConfig) HeartbeatStaleDuration() time.Duration {
	return time.Duration(r.HeartbeatStale) * time.Second
}

// StoppingStaleDuration returns the stopping-state threshold.
func (r *ReaperConfig) StoppingStaleDuration() time.Duration {
	return time.Duration(r.StoppingStale) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MEETSCRIBE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - empty URL means use the in-memory store
	v.SetDefault("store.url", "")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	// NATS defaults - empty URL means use the in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bot-manager")
	v.SetDefault("nats.maxReconnects", 10)

	// Orchestrator defaults
	v.SetDefault("orchestrator.kind", "local")
	v.SetDefault("orchestrator.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("orchestrator.apiVersion", "")
	v.SetDefault("orchestrator.network", "meetscribe-network")
	v.SetDefault("orchestrator.botImage", "meetscribe/meeting-bot:latest")
	v.SetDefault("orchestrator.callbackBaseUrl", "http://bot-manager:8080")
	v.SetDefault("orchestrator.memoryMb", 2048)
	v.SetDefault("orchestrator.cpuCores", 1.0)

	// Lifecycle defaults
	v.SetDefault("lifecycle.startRpcTimeout", 30)
	v.SetDefault("lifecycle.stopGrace", 30)
	v.SetDefault("lifecycle.delayedStopAfter", 30)

	// Reaper defaults
	v.SetDefault("reaper.tick", 60)
	v.SetDefault("reaper.reserveStale", 300)
	v.SetDefault("reaper.startingStale", 600)
	v.SetDefault("reaper.heartbeatStale", 120)
	v.SetDefault("reaper.stoppingStale", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MEETSCRIBE_ with snake_case naming;
// the short operator-facing names (STORE_URL, BUS_URL, ORCH_KIND, BOT_IMAGE,
// CALLBACK_BASE_URL, T_*) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MEETSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short env var names used by deployments.
	// AutomaticEnv does not handle camelCase config keys, and the short
	// names carry no prefix.
	_ = v.BindEnv("store.url", "STORE_URL", "MEETSCRIBE_STORE_URL")
	_ = v.BindEnv("nats.url", "BUS_URL", "MEETSCRIBE_NATS_URL")
	_ = v.BindEnv("orchestrator.kind", "ORCH_KIND", "MEETSCRIBE_ORCHESTRATOR_KIND")
	_ = v.BindEnv("orchestrator.botImage", "BOT_IMAGE", "MEETSCRIBE_ORCHESTRATOR_BOT_IMAGE")
	_ = v.BindEnv("orchestrator.callbackBaseUrl", "CALLBACK_BASE_URL", "MEETSCRIBE_ORCHESTRATOR_CALLBACK_BASE_URL")
	_ = v.BindEnv("orchestrator.dockerHost", "DOCKER_HOST", "MEETSCRIBE_ORCHESTRATOR_DOCKER_HOST")
	_ = v.BindEnv("reaper.tick", "T_REAP")
	_ = v.BindEnv("reaper.reserveStale", "T_RESERVE_STALE")
	_ = v.BindEnv("reaper.startingStale", "T_STARTING_STALE")
	_ = v.BindEnv("reaper.heartbeatStale", "T_HEARTBEAT_STALE")
	_ = v.BindEnv("reaper.stoppingStale", "T_STOPPING_STALE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/meetscribe/")

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

	switch cfg.Orchestrator.Kind {
	case "local", "cluster":
	default:
		errs = append(errs, "orchestrator.kind must be one of: local, cluster")
	}
	if cfg.Orchestrator.BotImage == "" {
		errs = append(errs, "orchestrator.botImage is required")
	}
	if cfg.Orchestrator.CallbackBaseURL == "" {
		errs = append(errs, "orchestrator.callbackBaseUrl is required")
	}

	if cfg.Lifecycle.StartRPCTimeout <= 0 {
		errs = append(errs, "lifecycle.startRpcTimeout must be positive")
	}

	for name, val := range map[string]int{
		"reaper.tick":           cfg.Reaper.Tick,
		"reaper.reserveStale":   cfg.Reaper.ReserveStale,
		"reaper.startingStale":  cfg.Reaper.StartingStale,
		"reaper.heartbeatStale": cfg.Reaper.HeartbeatStale,
		"reaper.stoppingStale":  cfg.Reaper.StoppingStale,
	} {
		if val <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
