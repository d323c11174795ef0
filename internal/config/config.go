// Package config loads consumer configuration from a yaml file with
// FLAGWISE_-prefixed environment overrides.
package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Nats       NatsConfig       `mapstructure:"nats"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the ops HTTP server settings (health, metrics, stats).
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// NatsConfig holds the upstream event log connection and stream layout.
type NatsConfig struct {
	URL          string `mapstructure:"url"`
	Stream       string `mapstructure:"stream"`
	Subject      string `mapstructure:"subject"`
	ConsumerName string `mapstructure:"consumer_name"`
	DLQStream    string `mapstructure:"dlq_stream"`
	DLQSubject   string `mapstructure:"dlq_subject"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the pgx/migrate connection URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// ConsumerConfig controls the poll/batch/ack behavior of the ingestion loop.
type ConsumerConfig struct {
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	AckInterval    time.Duration `mapstructure:"ack_interval"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	StartupRetries int           `mapstructure:"startup_retries"`
	StartupBackoff time.Duration `mapstructure:"startup_backoff"`
}

type RulesConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EncryptionConfig configures field-level encryption. An empty or too-short
// master key leaves encryption disabled; the consumer still runs.
type EncryptionConfig struct {
	// MasterKey is the base64-encoded master key, at least 32 bytes decoded.
	MasterKey string `mapstructure:"master_key"`

	// KDFIterations is the PBKDF2 iteration count.
	KDFIterations int `mapstructure:"kdf_iterations"`

	// KeyDir is where field salts are persisted.
	KeyDir string `mapstructure:"key_dir"`

	// FailClosed rejects writes when a field cannot be encrypted instead of
	// storing plaintext.
	FailClosed bool `mapstructure:"fail_closed"`
}

// DecodeMasterKey returns the raw master key bytes, or nil when unset.
func (e EncryptionConfig) DecodeMasterKey() ([]byte, error) {
	if e.MasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(e.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return key, nil
}

type AlertingConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	Channel       string        `mapstructure:"channel"`
	MinRiskScore  int           `mapstructure:"min_risk_score"`
	RateLimit     int           `mapstructure:"rate_limit"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	PreviewLength int           `mapstructure:"preview_length"`
	DashboardURL  string        `mapstructure:"dashboard_url"`
}

// RedisConfig enables the shared rate limiter for multi-instance deployments.
// When disabled the dispatcher uses the in-process sliding window.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8091)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "LLM_TRAFFIC")
	v.SetDefault("nats.subject", "llm.traffic.events")
	v.SetDefault("nats.consumer_name", "shadow-ai-detection")
	v.SetDefault("nats.dlq_stream", "LLM_TRAFFIC_DLQ")
	v.SetDefault("nats.dlq_subject", "llm.dlq.>")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "flagwise")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "flagwise")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("consumer.poll_timeout", "1s")
	v.SetDefault("consumer.batch_size", 100)
	v.SetDefault("consumer.max_poll_records", 500)
	v.SetDefault("consumer.ack_interval", "5s")
	v.SetDefault("consumer.ack_wait", "30s")
	v.SetDefault("consumer.startup_retries", 30)
	v.SetDefault("consumer.startup_backoff", "2s")

	v.SetDefault("rules.refresh_interval", "60s")

	v.SetDefault("encryption.master_key", "")
	v.SetDefault("encryption.kdf_iterations", 480000)
	v.SetDefault("encryption.key_dir", "/var/lib/flagwise/keys")
	v.SetDefault("encryption.fail_closed", false)

	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.channel", "slack")
	v.SetDefault("alerting.min_risk_score", 50)
	v.SetDefault("alerting.rate_limit", 5)
	v.SetDefault("alerting.rate_window", "1m")
	v.SetDefault("alerting.send_timeout", "10s")
	v.SetDefault("alerting.preview_length", 150)
	v.SetDefault("alerting.dashboard_url", "http://localhost:3000")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flagwise/consumer")
	}

	// Environment variables override
	v.SetEnvPrefix("FLAGWISE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Consumer.BatchSize > cfg.Consumer.MaxPollRecords {
		cfg.Consumer.BatchSize = cfg.Consumer.MaxPollRecords
	}

	return &cfg, nil
}
