// Package config provides the gateway bootstrap configuration and the
// atomically swapped policy snapshot pulled from the control plane.
// Bootstrap values come from the environment, optionally overlaid by a YAML
// file that is hot-reloaded via fsnotify.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Fatal bootstrap errors; the process exits non-zero when Validate returns one.
var (
	ErrMissingAdminURL = errors.New("UHDADMIN_URL is required")
	ErrMissingAppToken = errors.New("APP_TOKEN is required")
)

// Config is the complete gateway bootstrap configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Redis        RedisConfig        `yaml:"redis"`
	Agent        AgentConfig        `yaml:"agent"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// WorkerID designates agent ownership: only worker 0 runs the agent.
	WorkerID int `yaml:"worker_id"`
}

// UpstreamConfig points at the proxied media server.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"` // EMBY_SERVER_URL
	APIKey  string        `yaml:"api_key"`  // EMBY_API_KEY
	Timeout time.Duration `yaml:"timeout"`
}

// ControlPlaneConfig holds the central admin endpoint and credentials.
type ControlPlaneConfig struct {
	BaseURL  string        `yaml:"base_url"` // UHDADMIN_URL
	AppToken string        `yaml:"app_token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig mirrors the REDIS_* environment variables.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DB           int           `yaml:"db"`
	Password     string        `yaml:"password"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

// Addr returns host:port for the go-redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AgentConfig holds the loop intervals, all in whole seconds on the wire.
type AgentConfig struct {
	ConfigPullInterval       time.Duration `yaml:"config_pull_interval"`
	TelemetryFlushInterval   time.Duration `yaml:"telemetry_flush_interval"`
	QuotaSyncInterval        time.Duration `yaml:"quota_sync_interval"`
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
	SessionHeartbeatInterval time.Duration `yaml:"session_heartbeat_interval"`
	TokenResolveInterval     time.Duration `yaml:"token_resolve_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8096,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses must not be cut off
			IdleTimeout:  60 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://127.0.0.1:8920",
			Timeout: 5 * time.Second,
		},
		ControlPlane: ControlPlaneConfig{
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "127.0.0.1",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			OpTimeout:    time.Second,
		},
		Agent: AgentConfig{
			ConfigPullInterval:       30 * time.Second,
			TelemetryFlushInterval:   60 * time.Second,
			QuotaSyncInterval:        300 * time.Second,
			HeartbeatInterval:        60 * time.Second,
			SessionHeartbeatInterval: 30 * time.Second,
			TokenResolveInterval:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "embygate",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// FromEnv builds a configuration from environment variables over defaults.
func FromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.ControlPlane.BaseURL = envString("UHDADMIN_URL", c.ControlPlane.BaseURL)
	c.ControlPlane.AppToken = envString("APP_TOKEN", c.ControlPlane.AppToken)

	c.Upstream.BaseURL = envString("EMBY_SERVER_URL", c.Upstream.BaseURL)
	c.Upstream.APIKey = envString("EMBY_API_KEY", c.Upstream.APIKey)

	c.Redis.Host = envString("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = envInt("REDIS_PORT", c.Redis.Port)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)
	c.Redis.Password = envString("REDIS_PASSWORD", c.Redis.Password)

	c.Agent.ConfigPullInterval = envSeconds("CONFIG_PULL_INTERVAL", c.Agent.ConfigPullInterval)
	c.Agent.TelemetryFlushInterval = envSeconds("TELEMETRY_FLUSH_INTERVAL", c.Agent.TelemetryFlushInterval)
	c.Agent.QuotaSyncInterval = envSeconds("QUOTA_SYNC_INTERVAL", c.Agent.QuotaSyncInterval)
	c.Agent.HeartbeatInterval = envSeconds("HEARTBEAT_INTERVAL", c.Agent.HeartbeatInterval)
	c.Agent.SessionHeartbeatInterval = envSeconds("SESSION_HEARTBEAT_INTERVAL", c.Agent.SessionHeartbeatInterval)
	c.Agent.TokenResolveInterval = envSeconds("TOKEN_RESOLVE_INTERVAL", c.Agent.TokenResolveInterval)

	c.Server.Port = envInt("GATEWAY_PORT", c.Server.Port)
	c.Server.WorkerID = envInt("WORKER_ID", c.Server.WorkerID)
	c.Logging.Level = envString("LOG_LEVEL", c.Logging.Level)
}

// LoadFromFile overlays a YAML file on top of env-derived configuration.
// Environment references like ${APP_TOKEN} inside the file are expanded.
func LoadFromFile(path string) (*Config, error) {
	cfg := FromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks mandatory bootstrap settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ControlPlane.BaseURL) == "" {
		return ErrMissingAdminURL
	}
	if strings.TrimSpace(c.ControlPlane.AppToken) == "" {
		return ErrMissingAppToken
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
