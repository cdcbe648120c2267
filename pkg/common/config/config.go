package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	ServingPort    string
	IngestionPort  string
	DLPPort        string
	EmbeddingPort  string
	RateLimitRPS   int
	RateLimitBurst int

	// Database
	DatabaseDriver   string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaMetricsTopic string

	// Archive ingestion
	ArchiveBaseURL   string
	ArchiveDatabase  string
	ArchiveVersion   string
	DataDir          string
	IngestMaxRecords int
	IngestSchedule   string
	HTTPTimeout      time.Duration
	HTTPAttempts     int

	// Embeddings
	EmbedderProvider   string
	EmbedderModel      string
	EmbedderEndpoint   string
	EmbedderAPIKey     string
	EmbedderDimensions int
	EmbeddingCacheTTL  time.Duration
	PHIRulesPath       string

	// Training
	ExperimentPath  string
	ArtifactDir     string
	TrackerSinks    []string
	TrainingWorkers int
	TrackingProject string
	ProbeTimeout    time.Duration
	OpenAIBaseURL   string
	WandbBaseURL    string
	PineconeHost    string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8088"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		ServingPort:    getEnv("SERVING_PORT", "8089"),
		IngestionPort:  getEnv("INGESTION_PORT", "8081"),
		DLPPort:        getEnv("DLP_PORT", "8082"),
		EmbeddingPort:  getEnv("EMBEDDING_PORT", "8083"),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 0),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 20),

		DatabaseDriver:   getEnv("DATABASE_DRIVER", "postgres"),
		SQLitePath:       getEnv("SQLITE_PATH", "diagnosis.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "diagnosis"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:      getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "diagnosis-tracking"),
		KafkaMetricsTopic: getEnv("KAFKA_METRICS_TOPIC", "training-metrics"),

		ArchiveBaseURL:   getEnv("ARCHIVE_BASE_URL", "https://physionet.org/files"),
		ArchiveDatabase:  getEnv("ARCHIVE_DATABASE", "bidmc"),
		ArchiveVersion:   getEnv("ARCHIVE_VERSION", "1.0.0"),
		DataDir:          getEnv("DATA_DIR", "data"),
		IngestMaxRecords: getIntEnv("INGEST_MAX_RECORDS", 0),
		IngestSchedule:   getEnv("INGEST_SCHEDULE", ""),
		HTTPTimeout:      getDuration("HTTP_TIMEOUT", 60*time.Second),
		HTTPAttempts:     getIntEnv("HTTP_ATTEMPTS", 1),

		EmbedderProvider:   getEnv("EMBEDDER_PROVIDER", "hashing"),
		EmbedderModel:      getEnv("EMBEDDER_MODEL", ""),
		EmbedderEndpoint:   getEnv("EMBEDDER_ENDPOINT", ""),
		EmbedderAPIKey:     getEnv("EMBEDDER_API_KEY", ""),
		EmbedderDimensions: getIntEnv("EMBEDDER_DIMENSIONS", 384),
		EmbeddingCacheTTL:  getDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		PHIRulesPath:       getEnv("PHI_RULES_PATH", ""),

		ExperimentPath:  getEnv("EXPERIMENT_CONFIG", ""),
		ArtifactDir:     getEnv("TRAINING_ARTIFACT_DIR", "artifacts"),
		TrackerSinks:    getStringSliceEnv("TRACKER_SINKS", []string{"log"}),
		TrainingWorkers: getIntEnv("TRAINING_WORKERS", 1),
		TrackingProject: getEnv("TRACKING_PROJECT", "medical-diagnosis-ai"),
		ProbeTimeout:    getDuration("PROBE_TIMEOUT", 15*time.Second),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		WandbBaseURL:    getEnv("WANDB_BASE_URL", "https://api.wandb.ai"),
		PineconeHost:    getEnv("PINECONE_HOST", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
