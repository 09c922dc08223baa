// Package config provides configuration management for agentstream.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Device      DeviceConfig      `mapstructure:"device"`
	Agent       AgentConfig       `mapstructure:"agent"`
	ChunkLog    ChunkLogConfig    `mapstructure:"chunkLog"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Ownership   OwnershipConfig   `mapstructure:"ownership"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DeviceConfig identifies this process in the ownership change-feed.
type DeviceConfig struct {
	ID             string `mapstructure:"id"`
	OrganizationID string `mapstructure:"organizationId"`
}

// AgentConfig holds agent engine and default run settings.
type AgentConfig struct {
	// EngineURL is the websocket endpoint of the agent execution engine.
	EngineURL string `mapstructure:"engineUrl"`

	// DefaultModel is used when a message carries no model metadata.
	DefaultModel string `mapstructure:"defaultModel"`

	// DefaultProvider is the provider slug for model ids without a "provider/" prefix.
	DefaultProvider string `mapstructure:"defaultProvider"`

	DefaultPermissionMode string `mapstructure:"defaultPermissionMode"`
	ThinkingEnabled       bool   `mapstructure:"thinkingEnabled"`

	// MaxMentionBytes bounds how much of an @file mention is inlined into instructions.
	MaxMentionBytes int `mapstructure:"maxMentionBytes"`
}

// ChunkLogConfig holds durable chunk log configuration.
type ChunkLogConfig struct {
	Backend        string `mapstructure:"backend"` // memory, nats
	Stream         string `mapstructure:"stream"`
	SubjectPrefix  string `mapstructure:"subjectPrefix"`
	Window         int    `mapstructure:"window"`         // max in-flight appends per producer
	LingerMs       int    `mapstructure:"lingerMs"`       // delay before a partial batch is sent
	MaxBatch       int    `mapstructure:"maxBatch"`       // chunks per batch
	HistoryTimeout int    `mapstructure:"historyTimeout"` // in seconds
	FlushTimeout   int    `mapstructure:"flushTimeout"`   // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OwnershipConfig holds ownership change-feed configuration.
type OwnershipConfig struct {
	Backend        string `mapstructure:"backend"` // memory, postgres
	Channel        string `mapstructure:"channel"`
	ResyncInterval int    `mapstructure:"resyncInterval"` // in seconds
	EnsureSchema   bool   `mapstructure:"ensureSchema"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// WatcherConfig holds stream watcher configuration.
type WatcherConfig struct {
	StartTimeout int `mapstructure:"startTimeout"` // in seconds
}

// CredentialsConfig holds credential source configuration.
type CredentialsConfig struct {
	OAuthPath string `mapstructure:"oauthPath"`
	FilePath  string `mapstructure:"filePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Linger returns the producer linger delay.
func (c *ChunkLogConfig) Linger() time.Duration {
	return time.Duration(c.LingerMs) * time.Millisecond
}

// HistoryTimeoutDuration returns the preload timeout.
func (c *ChunkLogConfig) HistoryTimeoutDuration() time.Duration {
	return time.Duration(c.HistoryTimeout) * time.Second
}

// FlushTimeoutDuration returns the producer flush timeout.
func (c *ChunkLogConfig) FlushTimeoutDuration() time.Duration {
	return time.Duration(c.FlushTimeout) * time.Second
}

// ResyncIntervalDuration returns the ownership resync interval.
func (o *OwnershipConfig) ResyncIntervalDuration() time.Duration {
	return time.Duration(o.ResyncInterval) * time.Second
}

// StartTimeoutDuration returns the watcher start timeout.
func (w *WatcherConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(w.StartTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in Kubernetes or production, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTSTREAM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Device defaults - id must be provided for a real deployment
	v.SetDefault("device.id", "")
	v.SetDefault("device.organizationId", "")

	// Agent defaults
	v.SetDefault("agent.engineUrl", "ws://localhost:9999/api/v1/agent/stream")
	v.SetDefault("agent.defaultModel", "anthropic/claude-sonnet-4-5")
	v.SetDefault("agent.defaultProvider", "anthropic")
	v.SetDefault("agent.defaultPermissionMode", "default")
	v.SetDefault("agent.thinkingEnabled", false)
	v.SetDefault("agent.maxMentionBytes", 64*1024)

	// Chunk log defaults - memory backend keeps everything in-process
	v.SetDefault("chunkLog.backend", "memory")
	v.SetDefault("chunkLog.stream", "SESSION_CHUNKS")
	v.SetDefault("chunkLog.subjectPrefix", "sessions")
	v.SetDefault("chunkLog.window", 64)
	v.SetDefault("chunkLog.lingerMs", 5)
	v.SetDefault("chunkLog.maxBatch", 32)
	v.SetDefault("chunkLog.historyTimeout", 30)
	v.SetDefault("chunkLog.flushTimeout", 10)

	// NATS defaults
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentstream")
	v.SetDefault("nats.maxReconnects", 10)

	// Ownership defaults
	v.SetDefault("ownership.backend", "memory")
	v.SetDefault("ownership.channel", "session_ownership_changed")
	v.SetDefault("ownership.resyncInterval", 60)
	v.SetDefault("ownership.ensureSchema", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentstream")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentstream")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Watcher defaults
	v.SetDefault("watcher.startTimeout", 10)

	// Credentials defaults
	v.SetDefault("credentials.oauthPath", "~/.agentstream/oauth.json")
	v.SetDefault("credentials.filePath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - empty endpoint means no-op tracer
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "agentstream")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTSTREAM_ with "." replaced by "_".
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars
	_ = v.BindEnv("device.id", "AGENTSTREAM_DEVICE_ID")
	_ = v.BindEnv("device.organizationId", "AGENTSTREAM_DEVICE_ORGANIZATION_ID")
	_ = v.BindEnv("agent.engineUrl", "AGENTSTREAM_AGENT_ENGINE_URL")
	_ = v.BindEnv("agent.defaultModel", "AGENTSTREAM_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("chunkLog.backend", "AGENTSTREAM_CHUNK_LOG_BACKEND")
	_ = v.BindEnv("credentials.oauthPath", "AGENTSTREAM_CREDENTIALS_OAUTH_PATH")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "AGENTSTREAM_TRACING_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentstream/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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

	switch cfg.ChunkLog.Backend {
	case "memory":
	case "nats":
		if cfg.NATS.URL == "" {
			errs = append(errs, "nats.url is required when chunkLog.backend is nats")
		}
	default:
		errs = append(errs, "chunkLog.backend must be one of: memory, nats")
	}
	if cfg.ChunkLog.Window <= 0 {
		errs = append(errs, "chunkLog.window must be positive")
	}
	if cfg.ChunkLog.MaxBatch <= 0 {
		errs = append(errs, "chunkLog.maxBatch must be positive")
	}
	if cfg.ChunkLog.LingerMs < 0 {
		errs = append(errs, "chunkLog.lingerMs must not be negative")
	}

	switch cfg.Ownership.Backend {
	case "memory":
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host and database.dbName are required when ownership.backend is postgres")
		}
		if cfg.Device.OrganizationID == "" {
			errs = append(errs, "device.organizationId is required when ownership.backend is postgres")
		}
	default:
		errs = append(errs, "ownership.backend must be one of: memory, postgres")
	}

	if cfg.Watcher.StartTimeout <= 0 {
		errs = append(errs, "watcher.startTimeout must be positive")
	}

	switch cfg.Agent.DefaultPermissionMode {
	case "default", "acceptEdits", "bypassPermissions", "plan":
	default:
		errs = append(errs, "agent.defaultPermissionMode must be one of: default, acceptEdits, bypassPermissions, plan")
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
