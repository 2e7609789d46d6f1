package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	Database    DatabaseConfig
	Ingest      IngestConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Redis       RedisConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// IngestConfig holds ingestion pipeline settings
type IngestConfig struct {
	StoreOpTimeout   time.Duration
	TouchTimeout     time.Duration
	ProvisionOnStart bool
	AllowClearAll    bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// An empty URL disables both the consumer and the event publisher.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	DLQQueue         string
	PrefetchCount    int
	EventsExchange   string
	EventsRoutingKey string
}

// Enabled reports whether a broker URL was configured
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// MQTTConfig holds MQTT subscriber settings
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
	Username  string
	Password  string
}

// Enabled reports whether a broker URL was configured
func (c MQTTConfig) Enabled() bool {
	return c.BrokerURL != ""
}

// RedisConfig holds device cache settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether a redis address was configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gps-telemetry-ingest"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 10000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvAsInt("DATABASE_MAX_CONNS", 10)),
			MinConns: int32(getEnvAsInt("DATABASE_MIN_CONNS", 1)),
		},
		Ingest: IngestConfig{
			StoreOpTimeout:   getEnvAsMillis("STORE_OP_TIMEOUT_MS", 5000),
			TouchTimeout:     getEnvAsMillis("TOUCH_TIMEOUT_MS", 3000),
			ProvisionOnStart: getEnvAsBool("SCHEMA_PROVISION_ON_START", true),
			AllowClearAll:    getEnvAsBool("ALLOW_CLEAR_ALL", false),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "gps.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "gps.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "gps.report.raw"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "gps.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "gps.events.exchange"),
			EventsRoutingKey: getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "gps.report.accepted"),
		},
		MQTT: MQTTConfig{
			BrokerURL: getEnv("MQTT_BROKER_URL", ""),
			ClientID:  getEnv("MQTT_CLIENT_ID", "gps-ingest"),
			Topic:     getEnv("MQTT_TOPIC", "gps/+/push"),
			QoS:       byte(getEnvAsInt("MQTT_QOS", 1)),
			Username:  getEnv("MQTT_USERNAME", ""),
			Password:  getEnv("MQTT_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      time.Duration(getEnvAsInt("DEVICE_CACHE_TTL_SECONDS", 3600)) * time.Second,
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Database.MaxConns < 1 {
		return nil, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1, got %d", cfg.Database.MaxConns)
	}
	if cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		return nil, fmt.Errorf("DATABASE_MIN_CONNS must be between 0 and DATABASE_MAX_CONNS, got %d", cfg.Database.MinConns)
	}
	if cfg.Ingest.StoreOpTimeout <= 0 {
		return nil, fmt.Errorf("STORE_OP_TIMEOUT_MS must be positive")
	}
	if cfg.MQTT.QoS > 2 {
		return nil, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * time.Millisecond
}
