// Package config loads runtime configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds every setting the commands read
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	Storage     string `mapstructure:"STORAGE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID     string `mapstructure:"KAFKA_GROUP_ID"`
	KafkaReplication int16  `mapstructure:"KAFKA_REPLICATION"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogOutput string `mapstructure:"LOG_OUTPUT"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`

	// APIKeys is "key:client,key:client"
	APIKeys        string  `mapstructure:"API_KEYS"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int64   `mapstructure:"RATE_LIMIT_BURST"`

	Workers            int           `mapstructure:"WORKERS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxRetention    time.Duration `mapstructure:"OUTBOX_RETENTION"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	InboxTTL           time.Duration `mapstructure:"INBOX_TTL"`
}

var defaults = map[string]interface{}{
	"PORT":                 "8080",
	"ENV":                  "development",
	"SERVICE_NAME":         "medrecon",
	"STORAGE":              StoragePostgres,
	"DATABASE_URL":         "",
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         2,
	"KAFKA_BROKERS":        "localhost:9092",
	"KAFKA_GROUP_ID":       "medrecon-reconciler",
	"KAFKA_REPLICATION":    1,
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "json",
	"LOG_OUTPUT":           "stdout",
	"TRACING_ENABLED":      false,
	"OTLP_ENDPOINT":        "localhost:4317",
	"TRACING_SAMPLE_RATE":  1.0,
	"API_KEYS":             "",
	"RATE_LIMIT_RPS":       50,
	"RATE_LIMIT_BURST":     100,
	"WORKERS":              10,
	"OUTBOX_POLL_INTERVAL": "200ms",
	"OUTBOX_RETENTION":     "72h",
	"OUTBOX_MAX_RETRIES":   5,
	"INBOX_TTL":            "168h",
}

// Load reads envFile when present, then the environment. Environment
// variables win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees keys viper knows about
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	return cfg, nil
}

// IsDev reports whether ENV is development
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers splits KAFKA_BROKERS
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Keys parses API_KEYS into key → client id. A bare key maps to itself.
func (c *Config) Keys() (map[string]string, error) {
	keys := make(map[string]string)
	for _, item := range splitList(c.APIKeys) {
		key, client, found := strings.Cut(item, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if key == "" {
			return nil, fmt.Errorf("API_KEYS: empty key in %q", item)
		}
		if !found || client == "" {
			client = key
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("API_KEYS: duplicate key %q", key)
		}
		keys[key] = client
	}
	return keys, nil
}

// Validate reports every problem at once. requireDB is set by commands that
// need postgres.
func (c *Config) Validate(requireDB bool) error {
	var errs []error

	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage))
	}
	if (requireDB || c.Storage == StoragePostgres) && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS"))
	}
	if c.RateLimitRPS <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must be positive"))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, errors.New("TRACING_SAMPLE_RATE must be between 0 and 1"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.OutboxRetention <= 0 {
		errs = append(errs, errors.New("OUTBOX_RETENTION must be positive"))
	}
	if len(c.Brokers()) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if _, err := c.Keys(); err != nil {
		errs = append(errs, err)
	}
	if !c.IsDev() && c.APIKeys == "" {
		errs = append(errs, errors.New("API_KEYS is required outside development"))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
