package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Generator GeneratorConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TrustedProxies  []string
	AllowedOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	RunMigrations bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	// Enabled=false keeps rate limit windows in process, for single
	// instance development only
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration for uploaded resumes
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds the reconciliation queue configuration
type QueueConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// AuthConfig holds token and callback secrets
type AuthConfig struct {
	JWTSecret     string
	BillingSecret string
	TokenTTL      time.Duration
}

// RateLimitConfig holds sliding window settings
type RateLimitConfig struct {
	Window time.Duration
	// FailurePolicy is "fail_closed" or "fail_open" and applies when the
	// counter store cannot be reached.
	FailurePolicy string
	// Per-IP token bucket in front of internal callbacks
	InternalRPS   float64
	InternalBurst int
}

// AuditConfig controls how usage entries are persisted
type AuditConfig struct {
	Async      bool
	BufferSize int
}

// GeneratorConfig points at the upstream LLM generation service
type GeneratorConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// LoggingConfig mirrors logging.Config
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// Failure policies for unreachable stores
const (
	FailClosed = "fail_closed"
	FailOpen   = "fail_open"
)

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.Reset()
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values that have no safe default
func (c *Config) Validate() error {
	switch c.RateLimit.FailurePolicy {
	case FailClosed, FailOpen:
	default:
		return fmt.Errorf("invalid rateLimit.failurePolicy %q", c.RateLimit.FailurePolicy)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be positive")
	}
	if c.Audit.Async && c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit.bufferSize must be positive when audit.async is set")
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "120s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.trustedProxies", []string{})
	// Cross-origin access is opt-in; an empty list leaves CORS off.
	viper.SetDefault("server.allowedOrigins", []string{})

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "resumeai")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)
	viper.SetDefault("database.runMigrations", true)

	// Redis defaults
	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.enabled", true)
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "resumes")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.enabled", true)
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")
	viper.SetDefault("auth.billingSecret", "")
	viper.SetDefault("auth.tokenTTL", "24h")

	// Rate limit defaults
	viper.SetDefault("rateLimit.window", "1m")
	viper.SetDefault("rateLimit.failurePolicy", FailClosed)
	viper.SetDefault("rateLimit.internalRPS", 5)
	viper.SetDefault("rateLimit.internalBurst", 10)

	// Audit defaults
	viper.SetDefault("audit.async", true)
	viper.SetDefault("audit.bufferSize", 1024)

	// Generator defaults
	viper.SetDefault("generator.url", "http://localhost:8090/v1/generate")
	viper.SetDefault("generator.apiKey", "")
	viper.SetDefault("generator.timeout", "90s")
	viper.SetDefault("generator.rps", 10)
	viper.SetDefault("generator.burst", 5)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9091)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "resumeai-api")
	viper.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")
}
