package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds runtime settings for the pgdrift service.
type Config struct {
	Environment string `validate:"required"`
	Postgres    PostgresConfig
	Outbox      OutboxConfig
	Poller      PollerConfig
	Replication ReplicationConfig
	Processor   ProcessorConfig
	NATS        NATSConfig
	Telemetry   TelemetryConfig
}

type PostgresConfig struct {
	// DSN is the primary connection string used by the poller, outbox
	// and replication admin queries.
	DSN string `validate:"required"`
	// ConsumerDSN is the database holding the subscription. Empty means
	// the primary DSN.
	ConsumerDSN string
	// IAMAuth enables RDS IAM token authentication on the pool.
	IAMAuth    bool
	AWSRegion  string
	AWSProfile string
	AWSRoleARN string
}

type OutboxConfig struct {
	Schema    string `validate:"required"`
	Table     string `validate:"required"`
	Interval  time.Duration
	BatchSize int `validate:"gte=1"`
}

type PollerConfig struct {
	Tables         []string `validate:"min=1,dive,required"`
	Schema         string
	Interval       time.Duration
	StatusInterval time.Duration
}

type ReplicationConfig struct {
	Enabled        bool
	SlotName       string
	Publication    string
	Subscription   string
	SourceConnInfo string
	CopyData       bool

	Heartbeat            time.Duration
	BaseRetryDelay       time.Duration
	MaxConsecutiveErrors int `validate:"gte=1"`

	HealthInterval        time.Duration
	LagThresholdBytes     int64
	ThroughputBytesPerSec int64
}

type ProcessorConfig struct {
	ChunkSize   int `validate:"gte=1"`
	GateTimeout time.Duration
}

type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
}

type TelemetryConfig struct {
	ServiceName string
}

// Load reads configuration from PGDRIFT_* environment variables and
// validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getenv("PGDRIFT_ENV", "dev"),
		Postgres: PostgresConfig{
			DSN:         getenv("PGDRIFT_POSTGRES_DSN", ""),
			ConsumerDSN: getenv("PGDRIFT_CONSUMER_DSN", ""),
			IAMAuth:     getenvBool("PGDRIFT_RDS_IAM_AUTH", false),
			AWSRegion:   getenv("PGDRIFT_AWS_REGION", ""),
			AWSProfile:  getenv("PGDRIFT_AWS_PROFILE", ""),
			AWSRoleARN:  getenv("PGDRIFT_AWS_ROLE_ARN", ""),
		},
		Outbox: OutboxConfig{
			Schema:    getenv("PGDRIFT_OUTBOX_SCHEMA", "pgdrift"),
			Table:     getenv("PGDRIFT_OUTBOX_TABLE", "outbox_events"),
			Interval:  getenvDuration("PGDRIFT_OUTBOX_INTERVAL", time.Second),
			BatchSize: getenvInt("PGDRIFT_OUTBOX_BATCH_SIZE", 100),
		},
		Poller: PollerConfig{
			Tables:         getenvCSV("PGDRIFT_POLL_TABLES", "orders"),
			Schema:         getenv("PGDRIFT_POLL_SCHEMA", "public"),
			Interval:       getenvDuration("PGDRIFT_POLL_INTERVAL", time.Second),
			StatusInterval: getenvDuration("PGDRIFT_POLL_STATUS_INTERVAL", 30*time.Second),
		},
		Replication: ReplicationConfig{
			Enabled:               getenvBool("PGDRIFT_REPLICATION_ENABLED", false),
			SlotName:              getenv("PGDRIFT_SLOT", "pgdrift_slot"),
			Publication:           getenv("PGDRIFT_PUBLICATION", "pgdrift_pub"),
			Subscription:          getenv("PGDRIFT_SUBSCRIPTION", ""),
			SourceConnInfo:        getenv("PGDRIFT_SOURCE_CONNINFO", ""),
			CopyData:              getenvBool("PGDRIFT_SUBSCRIPTION_COPY_DATA", false),
			Heartbeat:             getenvDuration("PGDRIFT_REPLICATION_HEARTBEAT", 10*time.Second),
			BaseRetryDelay:        getenvDuration("PGDRIFT_REPLICATION_RETRY_DELAY", 5*time.Second),
			MaxConsecutiveErrors:  getenvInt("PGDRIFT_REPLICATION_MAX_ERRORS", 10),
			HealthInterval:        getenvDuration("PGDRIFT_HEALTH_INTERVAL", 30*time.Second),
			LagThresholdBytes:     getenvInt64("PGDRIFT_LAG_THRESHOLD_BYTES", 64<<20),
			ThroughputBytesPerSec: getenvInt64("PGDRIFT_LAG_THROUGHPUT_BPS", 1<<20),
		},
		Processor: ProcessorConfig{
			ChunkSize:   getenvInt("PGDRIFT_PROCESSOR_CHUNK_SIZE", 50),
			GateTimeout: getenvDuration("PGDRIFT_PROCESSOR_GATE_TIMEOUT", 30*time.Second),
		},
		NATS: NATSConfig{
			Enabled:       getenvBool("PGDRIFT_NATS_ENABLED", false),
			URL:           getenv("PGDRIFT_NATS_URL", ""),
			SubjectPrefix: getenv("PGDRIFT_NATS_SUBJECT_PREFIX", "pgdrift.cdc"),
		},
		Telemetry: TelemetryConfig{
			ServiceName: getenv("PGDRIFT_OTEL_SERVICE", "pgdrift"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags plus the cross-field rules that depend
// on feature toggles.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("invalid configuration: PGDRIFT_NATS_URL is required when NATS is enabled")
	}
	if c.Replication.Enabled {
		if c.Replication.SlotName == "" {
			return fmt.Errorf("invalid configuration: PGDRIFT_SLOT is required when replication is enabled")
		}
		if c.Replication.Publication == "" {
			return fmt.Errorf("invalid configuration: PGDRIFT_PUBLICATION is required when replication is enabled")
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "1", "true", "TRUE", "yes", "YES":
			return true
		case "0", "false", "FALSE", "no", "NO":
			return false
		default:
			return fallback
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvCSV(key, fallback string) []string {
	value := getenv(key, fallback)
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trim := strings.TrimSpace(part)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
