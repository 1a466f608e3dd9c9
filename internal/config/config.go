package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	globalConfig *Config
	once         sync.Once
)

// Config holds all application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	ClickHouse  ClickHouseConfig
	Auth        AuthConfig
	Protocol    ProtocolConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers         []string
	BroadcastTopic  string
	EventsTopic     string
	ConsumerGroupID string
}

type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// ProtocolConfig carries the attendance protocol tunables. RotationInterval
// is the single authoritative rotation boundary; UIRefreshHint only paces
// supervisory polling and never feeds token computation.
type ProtocolConfig struct {
	ServiceID        string
	RotationInterval time.Duration
	UIRefreshHint    time.Duration
	GraceSlots       int64
	SignalFloor      int
	ScanTimeout      time.Duration
	SubmitRetries    int
	RetryBackoff     time.Duration
	AuthorityTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment (singleton)
func LoadConfig() *Config {
	once.Do(func() {
		// .env is optional; real deployments inject env directly
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8000),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "attendance"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:         getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				BroadcastTopic:  getEnv("KAFKA_BROADCAST_TOPIC", "session-advertisements"),
				EventsTopic:     getEnv("KAFKA_EVENTS_TOPIC", "attendance-events"),
				ConsumerGroupID: getEnv("KAFKA_CONSUMER_GROUP", "attendance-service"),
			},
			ClickHouse: ClickHouseConfig{
				Addr:     getEnvSlice("CLICKHOUSE_ADDR", []string{"localhost:9000"}),
				Database: getEnv("CLICKHOUSE_DATABASE", "attendance_analytics"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Auth: AuthConfig{
				JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),
				TokenTTL:  getEnvDuration("JWT_TOKEN_TTL", time.Hour),
			},
			Protocol: ProtocolConfig{
				ServiceID:        getEnv("PROTOCOL_SERVICE_ID", "9f3c1e70-12ab-4c8d-9c77-7a3fba5b91d2"),
				RotationInterval: getEnvDuration("PROTOCOL_ROTATION_INTERVAL", 30*time.Minute),
				UIRefreshHint:    getEnvDuration("PROTOCOL_UI_REFRESH_HINT", time.Minute),
				GraceSlots:       int64(getEnvInt("PROTOCOL_GRACE_SLOTS", 1)),
				SignalFloor:      getEnvInt("PROTOCOL_SIGNAL_FLOOR", -80),
				ScanTimeout:      getEnvDuration("PROTOCOL_SCAN_TIMEOUT", 30*time.Second),
				SubmitRetries:    getEnvInt("PROTOCOL_SUBMIT_RETRIES", 3),
				RetryBackoff:     getEnvDuration("PROTOCOL_RETRY_BACKOFF", 200*time.Millisecond),
				AuthorityTimeout: getEnvDuration("PROTOCOL_AUTHORITY_TIMEOUT", 10*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "console"),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
