// Package config loads process settings from the environment, after filling
// unset variables from an optional .env file.
package config

import (
	"time"
)

type Config struct {
	AppEnv      string
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string

	DBDriver    string
	DatabaseURL string

	QueueWorkers           int
	QueueShards            int
	QueuePollInterval      time.Duration
	QueueBatchSize         int
	QueueMaxAttempts       int
	QueueProcessingTimeout time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
	// SinkEventTypes are forwarded to every configured broker.
	SinkEventTypes []string

	AnalyticsCacheTTL time.Duration
	ReplayBatchSize   int
}

func Load() Config {
	loadDotEnv(".env")

	return Config{
		AppEnv:      String("APP_ENV", "dev"),
		LogLevel:    String("LOG_LEVEL", "info"),
		HTTPAddr:    String("HTTP_ADDR", ":8080"),
		MetricsAddr: String("METRICS_ADDR", ":9090"),

		DBDriver:    String("DB_DRIVER", "pgx"),
		DatabaseURL: String("DATABASE_URL", ""),

		QueueWorkers:           Int("QUEUE_WORKERS", 4),
		QueueShards:            Int("QUEUE_SHARDS", 4),
		QueuePollInterval:      Duration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		QueueBatchSize:         Int("QUEUE_BATCH_SIZE", 100),
		QueueMaxAttempts:       Int("QUEUE_MAX_ATTEMPTS", 5),
		QueueProcessingTimeout: Duration("QUEUE_PROCESSING_TIMEOUT", 5*time.Minute),

		KafkaBrokers: StringsCSV("KAFKA_BROKERS", nil),
		KafkaTopic:   String("KAFKA_TOPIC", "eventhub.events"),
		AMQPURL:      String("AMQP_URL", ""),
		AMQPExchange: String("AMQP_EXCHANGE", "events"),

		SinkEventTypes: StringsCSV("SINK_EVENT_TYPES", nil),

		AnalyticsCacheTTL: Duration("ANALYTICS_CACHE_TTL", time.Minute),
		ReplayBatchSize:   Int("REPLAY_BATCH_SIZE", 100),
	}
}
