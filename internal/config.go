package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrPanicEnvNotSet      = errors.New("environment variable not set")
	ErrPanicEnvNotInt      = errors.New("environment variable is not an integer")
	ErrPanicEnvNotDuration = errors.New("environment variable is not a duration")
)

const (
	EnvServerPort     = "HC_SERVER_PORT"
	EnvLogLevel       = "HC_LOG_LEVEL"
	EnvWorkspaceRoot  = "HC_WORKSPACE_ROOT"
	EnvFFmpegPath     = "HC_FFMPEG_PATH"
	EnvFFprobePath    = "HC_FFPROBE_PATH"
	EnvMaxUploadBytes = "HC_MAX_UPLOAD_BYTES"
	EnvMaxConcurrent  = "HC_MAX_CONCURRENT_JOBS"
	EnvJobRetention   = "HC_JOB_RETENTION"

	EnvStorageEndpoint        = "HC_STORAGE_ENDPOINT"
	EnvStorageAccessKeyID     = "HC_STORAGE_ACCESS_KEY_ID"
	EnvStorageSecretAccessKey = "HC_STORAGE_SECRET_ACCESS_KEY"
	EnvStorageBucket          = "HC_STORAGE_BUCKET"
	EnvStoragePublicBaseURL   = "HC_STORAGE_PUBLIC_BASE_URL"
	EnvStorageRegion          = "HC_STORAGE_REGION"

	EnvDatabaseHost     = "HC_DB_HOST"
	EnvDatabasePort     = "HC_DB_PORT"
	EnvDatabaseUser     = "HC_DB_USER"
	EnvDatabasePassword = "HC_DB_PASSWORD"
	EnvDatabaseName     = "HC_DB_NAME"

	EnvRedisAddr     = "HC_REDIS_ADDR"
	EnvRedisPassword = "HC_REDIS_PASSWORD"
	EnvRedisDB       = "HC_REDIS_DB"

	EnvKafkaBrokers = "HC_KAFKA_BROKERS"
	EnvKafkaTopic   = "HC_KAFKA_TOPIC"

	EnvWorkerConcurrency = "HC_WORKER_CONCURRENCY"
)

const (
	DefaultMaxUploadBytes    int64 = 2 * 1024 * 1024 * 1024
	DefaultJobRetention            = 24 * time.Hour
	DefaultKafkaTopic              = "hls-conversions"
	DefaultWorkerConcurrency       = 4
)

// ServerConfig contains configuration for the HTTP server and the
// conversion pipeline it hosts.
type ServerConfig struct {
	Port     int
	LogLevel string
	Jobs     *JobsConfig
	Tools    *ToolsConfig
	Storage  *StorageConfig
	// Optional collaborators; nil when not configured.
	Database *DatabaseConfig
	Redis    *RedisConfig
	Kafka    *KafkaConfig
}

// WorkerConfig contains configuration for the webhook worker.
type WorkerConfig struct {
	LogLevel    string
	Concurrency int
	Database    *DatabaseConfig
}

type JobsConfig struct {
	WorkspaceRoot  string
	MaxUploadBytes int64
	MaxConcurrent  int
	Retention      time.Duration
}

type ToolsConfig struct {
	FFmpegPath  string
	FFprobePath string
}

// StorageConfig describes the S3-compatible bucket the HLS output is pushed to.
// It is loaded leniently; Validate is called before each job's upload phase.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBaseURL   string
	Region          string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Validate reports every missing storage setting at once.
func (c *StorageConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: no storage configuration", ErrConfiguration)
	}
	var missing []string
	for _, field := range []struct {
		env   string
		value string
	}{
		{EnvStorageEndpoint, c.Endpoint},
		{EnvStorageAccessKeyID, c.AccessKeyID},
		{EnvStorageSecretAccessKey, c.SecretAccessKey},
		{EnvStorageBucket, c.Bucket},
		{EnvStoragePublicBaseURL, c.PublicBaseURL},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

func mustGetenv(key string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotSet, key))
	}
	return value
}

func mustGetenvAtoi(key string) int {
	valueStr := mustGetenv(key)
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotInt, key))
	}
	return value
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotInt, key))
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	return int(getenvInt64(key, int64(fallback)))
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotDuration, key))
	}
	return parsed
}

func databaseConfigFromEnv() *DatabaseConfig {
	return &DatabaseConfig{
		Host:     mustGetenv(EnvDatabaseHost),
		Port:     mustGetenvAtoi(EnvDatabasePort),
		User:     mustGetenv(EnvDatabaseUser),
		Password: mustGetenv(EnvDatabasePassword),
		Name:     mustGetenv(EnvDatabaseName),
	}
}

func NewServerConfigFromEnv() *ServerConfig {
	cfg := &ServerConfig{
		Port:     mustGetenvAtoi(EnvServerPort),
		LogLevel: getenv(EnvLogLevel, "info"),
		Jobs: &JobsConfig{
			WorkspaceRoot:  getenv(EnvWorkspaceRoot, filepath.Join(os.TempDir(), "hls-converter")),
			MaxUploadBytes: getenvInt64(EnvMaxUploadBytes, DefaultMaxUploadBytes),
			MaxConcurrent:  getenvInt(EnvMaxConcurrent, 0),
			Retention:      getenvDuration(EnvJobRetention, DefaultJobRetention),
		},
		Tools: &ToolsConfig{
			FFmpegPath:  getenv(EnvFFmpegPath, "ffmpeg"),
			FFprobePath: getenv(EnvFFprobePath, "ffprobe"),
		},
		Storage: &StorageConfig{
			Endpoint:        getenv(EnvStorageEndpoint, ""),
			AccessKeyID:     getenv(EnvStorageAccessKeyID, ""),
			SecretAccessKey: getenv(EnvStorageSecretAccessKey, ""),
			Bucket:          getenv(EnvStorageBucket, ""),
			PublicBaseURL:   strings.TrimRight(getenv(EnvStoragePublicBaseURL, ""), "/"),
			Region:          getenv(EnvStorageRegion, "auto"),
		},
	}
	if _, ok := os.LookupEnv(EnvDatabaseHost); ok {
		cfg.Database = databaseConfigFromEnv()
	}
	if addr := getenv(EnvRedisAddr, ""); addr != "" {
		cfg.Redis = &RedisConfig{
			Addr:     addr,
			Password: os.Getenv(EnvRedisPassword),
			DB:       getenvInt(EnvRedisDB, 0),
		}
	}
	if brokers := getenv(EnvKafkaBrokers, ""); brokers != "" {
		cfg.Kafka = &KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   getenv(EnvKafkaTopic, DefaultKafkaTopic),
		}
	}
	return cfg
}

func NewWorkerConfigFromEnv() *WorkerConfig {
	return &WorkerConfig{
		LogLevel:    getenv(EnvLogLevel, "info"),
		Concurrency: getenvInt(EnvWorkerConcurrency, DefaultWorkerConcurrency),
		Database:    databaseConfigFromEnv(),
	}
}
