package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Tier determines which infrastructure defaults apply
	Tier Tier `koanf:"tier"`

	Engine EngineConfig `koanf:"engine"`
	Ingest IngestConfig `koanf:"ingest"`
	Triage TriageConfig `koanf:"triage"`

	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`
	GraphDB    GraphDBConfig    `koanf:"graph_db"`
	Worker     WorkerConfig     `koanf:"worker"`

	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string  `koanf:"host"`
	Port           int     `koanf:"port"`
	ReadTimeout    int     `koanf:"read_timeout"`  // seconds
	WriteTimeout   int     `koanf:"write_timeout"` // seconds
	MaxUploadMB    int     `koanf:"max_upload_mb"`
	DefaultTenant  string  `koanf:"default_tenant"`
	RateLimitRPS   float64 `koanf:"rate_limit_rps"` // 0 disables limiting
	RateLimitBurst int     `koanf:"rate_limit_burst"`
}

// EngineConfig bounds a single analysis.
type EngineConfig struct {
	// TimeBudget is the wall-clock ceiling for one engine run.
	TimeBudget time.Duration `koanf:"time_budget"`
}

// IngestConfig controls CSV ingestion.
type IngestConfig struct {
	// Strict fails the whole batch on the first malformed row.
	Strict bool `koanf:"strict"`
}

// TriageConfig controls ring triage.
type TriageConfig struct {
	// AlertThreshold is the ring risk score that alerts when no rules are loaded.
	AlertThreshold float64 `koanf:"alert_threshold"`
	MaxWorkers     int     `koanf:"max_workers"`
}

// GraphDBConfig holds the optional Neo4j export settings.
type GraphDBConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URI            string `koanf:"uri"`
	Database       string `koanf:"database"`
	Username       string `koanf:"username"`
	Password       string `koanf:"password"`
	MaxConnections int    `koanf:"max_connections"`
}

// WorkerConfig controls the asynchronous analysis worker.
type WorkerConfig struct {
	Enabled bool     `koanf:"enabled"`
	Tenants []string `koanf:"tenants"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `koanf:"level"`  // debug, info, warn, error
	Format    string `koanf:"format"` // json, text
	AddSource bool   `koanf:"add_source"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint   string  `koanf:"endpoint"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"` // 0..1
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and Go channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   60,
			MaxUploadMB:    32,
			DefaultTenant:  "default",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Tier:   TierCommunity,
		Engine: EngineConfig{TimeBudget: 30 * time.Second},
		Triage: TriageConfig{
			AlertThreshold: 65.0,
			MaxWorkers:     8,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 256,
			LocalTTL:     10 * time.Minute,
			ReportTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{Enabled: true},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "kestrel",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   128,
		LocalTTL:       time.Minute,
		ReportTTL:      time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueue:         "kestrel-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for values the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Engine.TimeBudget <= 0 {
		return fmt.Errorf("%w: engine.time_budget must be positive", ErrInvalidConfig)
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown repository driver %q", ErrInvalidConfig, c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown cache type %q", ErrInvalidConfig, c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	case "kafka":
		if len(c.EventBus.KafkaBrokers) == 0 {
			return fmt.Errorf("%w: event_bus.kafka_brokers is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown event bus type %q", ErrInvalidConfig, c.EventBus.Type)
	}
	if c.GraphDB.Enabled && c.GraphDB.URI == "" {
		return fmt.Errorf("%w: graph_db.uri is required when export is enabled", ErrInvalidConfig)
	}
	return nil
}
