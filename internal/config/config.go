package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	DatabaseURL string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Redis
	RedisURL string

	// NATS
	NatsURL string

	// Encryption key for sensitive settings columns (base64, 32 bytes decoded)
	SettingsEncryptionKey string

	// Agent gateway (sandbox substrate and provider runtime)
	AgentGatewayURL            string
	AgentGatewayTimeoutSeconds int

	// Streaming
	StreamMaxLen                    int64
	TaskTTLSeconds                  int
	RevocationPollIntervalSeconds   float64
	ContextUsageCacheTTLSeconds     int
	ContextUsagePollIntervalSeconds int
	ContextWindowTokens             int

	// Queue
	MaxQueueSize           int
	QueueMessageTTLSeconds int

	// Scheduler
	SchedulerDispatchSubject string
	SchedulerQueueGroup      string
	SchedulerBatchLimit      int

	// Worker
	WorkerShutdownTimeoutSeconds int
	MetricsAddr                  string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/codeforge?sslmode=disable"),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Redis
		RedisURL: getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Encryption
		SettingsEncryptionKey: getEnvOrDefault("SETTINGS_ENCRYPTION_KEY", ""),

		// Agent gateway
		AgentGatewayURL:            getEnvOrDefault("AGENT_GATEWAY_URL", "http://localhost:8090"),
		AgentGatewayTimeoutSeconds: getEnvAsInt("AGENT_GATEWAY_TIMEOUT_SECONDS", 60),

		// Streaming
		StreamMaxLen:                    getEnvAsInt64("STREAM_MAX_LEN", 10000),
		TaskTTLSeconds:                  getEnvAsInt("TASK_TTL_SECONDS", 3600),
		RevocationPollIntervalSeconds:   getEnvFloat("REVOCATION_POLL_INTERVAL_SECONDS", 0.5),
		ContextUsageCacheTTLSeconds:     getEnvAsInt("CONTEXT_USAGE_CACHE_TTL_SECONDS", 300),
		ContextUsagePollIntervalSeconds: getEnvAsInt("CONTEXT_USAGE_POLL_INTERVAL_SECONDS", 30),
		ContextWindowTokens:             getEnvAsInt("CONTEXT_WINDOW_TOKENS", 200000),

		// Queue
		MaxQueueSize:           getEnvAsInt("MAX_QUEUE_SIZE", 10),
		QueueMessageTTLSeconds: getEnvAsInt("QUEUE_MESSAGE_TTL_SECONDS", 3600),

		// Scheduler
		SchedulerDispatchSubject: getEnvOrDefault("SCHEDULER_DISPATCH_SUBJECT", "tasks.execute"),
		SchedulerQueueGroup:      getEnvOrDefault("SCHEDULER_QUEUE_GROUP", "scheduler-workers"),
		SchedulerBatchLimit:      getEnvAsInt("SCHEDULER_BATCH_LIMIT", 100),

		// Worker
		WorkerShutdownTimeoutSeconds: getEnvAsInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		MetricsAddr:                  getEnvOrDefault("METRICS_ADDR", ":9091"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.SettingsEncryptionKey == "" {
		log.Println("Warning: SETTINGS_ENCRYPTION_KEY is missing. Sensitive settings columns will be stored unencrypted.")
	}
}

// RevocationPollInterval returns the revocation poll interval as a Duration.
func (c *Config) RevocationPollInterval() time.Duration {
	return time.Duration(c.RevocationPollIntervalSeconds * float64(time.Second))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
