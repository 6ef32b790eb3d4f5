package configs

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type AppConfigs struct {
	Backend             string // "sqlite" or "redis"
	RedisURL            string
	ServerAddr          string
	MetricsEnabled      bool
	MessageMaxSizeBytes int
	PollingDuration     time.Duration  // How long an API claim waits for a message before answering 204
	QueueDefaults       QueueDefaults  // Applied to queues created on demand through the API
	WorkerDefaults      WorkerDefaults // Fill the zero fields of a worker.Config, see worker.NewWithDefaults
	MetricsCache        MetricsCacheConfig
	JobsIntervals       JobsIntervals
	ServerConfig        ServerConfig // Configuration for the server, including timeouts
}

type QueueDefaults struct {
	MaxSize               int
	MessageTimeoutSeconds int // Lease duration of a claimed message
	MaxRetries            int
	ConsumerCount         int // advisory
	AutoScaleThreshold    int // advisory
	MaxBackoff            time.Duration
	ClaimRetries          int // Attempts to re-run a claim that lost a store-level race
}

type WorkerDefaults struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
}

type MetricsCacheConfig struct {
	Size int
	TTL  time.Duration
}

type JobsIntervals struct {
	QueuesDepthMetricsMs int64 // Interval for refreshing the queue depth gauges
	DbOptimizationMs     int64 // Interval for running PRAGMA optimize on the SQLite database
	DbOptimizationMaxMs  int64
}

type ServerConfig struct {
	Timeouts ServerTimeouts
}

type ServerTimeouts struct {
	Handle     time.Duration
	Write      time.Duration
	Read       time.Duration
	ReadHeader time.Duration
	Idle       time.Duration
}

func NewAppConfig() *AppConfigs {
	return &AppConfigs{
		Backend:             getEnv("WORKQ_BACKEND", "sqlite"),
		RedisURL:            getEnv("WORKQ_REDIS_URL", "redis://localhost:6379/0"),
		ServerAddr:          getEnv("WORKQ_ADDR", "localhost:8080"),
		MetricsEnabled:      getEnvAsBool("WORKQ_METRICS_ENABLED", true),
		MessageMaxSizeBytes: getEnvAsInt("WORKQ_MESSAGE_MAX_SIZE_BYTES", 256*1024), // 256 KB
		PollingDuration:     getEnvAsDuration("WORKQ_POLLING_DURATION", 0),
		QueueDefaults: QueueDefaults{
			MaxSize:               getEnvAsInt("WORKQ_QUEUE_MAX_SIZE", 10_000),
			MessageTimeoutSeconds: getEnvAsInt("WORKQ_QUEUE_MESSAGE_TIMEOUT_SECONDS", 30),
			MaxRetries:            getEnvAsInt("WORKQ_QUEUE_MAX_RETRIES", 3),
			ConsumerCount:         1,
			AutoScaleThreshold:    100,
			MaxBackoff:            getEnvAsDuration("WORKQ_QUEUE_MAX_BACKOFF", time.Hour),
			ClaimRetries:          3,
		},
		WorkerDefaults: WorkerDefaults{
			PollInterval:  getEnvAsDuration("WORKQ_WORKER_POLL_INTERVAL", time.Second),
			BatchSize:     getEnvAsInt("WORKQ_WORKER_BATCH_SIZE", 10),
			MaxConcurrent: getEnvAsInt("WORKQ_WORKER_MAX_CONCURRENT", 5),
		},
		MetricsCache: MetricsCacheConfig{
			Size: 128,
			TTL:  2 * time.Second,
		},
		JobsIntervals: JobsIntervals{
			QueuesDepthMetricsMs: 15 * 1000,      // 15 seconds
			DbOptimizationMs:     60 * 60 * 1000, // 1 hour
			DbOptimizationMaxMs:  30 * 1000,      // 30 seconds
		},
		ServerConfig: ServerConfig{
			Timeouts: ServerTimeouts{
				Handle:     10 * time.Second,
				Write:      15 * time.Second,
				Read:       15 * time.Second,
				ReadHeader: 5 * time.Second,
				Idle:       5 * time.Minute, // keep connections alive
			},
		},
	}
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
		log.Warn().Err(err).Str("env", key).Msg("invalid integer, falling back to default")
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Warn().Err(err).Str("env", key).Msg("invalid boolean, falling back to default")
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Warn().Err(err).Str("env", key).Msg("invalid duration, falling back to default")
		return defaultValue
	}
	return value
}
