package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at startup and passed explicitly to components.
// It is never mutated after Load returns.
type Config struct {
	ServerPort int
	LogLevel   string

	DatabaseURL     string
	DBPoolMinConns  int32
	DBPoolMaxConns  int32
	StoreTimeout    time.Duration
	MigrationsPath  string

	RedisURL string

	EmbeddingProvider string
	EmbeddingAPIKey   string
	EmbeddingModel    string
	EmbeddingDim      int
	EmbeddingBaseURL  string
	EmbedderTimeout   time.Duration

	ExtractorProvider string
	ExtractorAPIKey   string
	ExtractorModel    string
	ExtractorBaseURL  string
	ExtractorTimeout  time.Duration

	VisionProvider string
	VisionAPIKey   string
	VisionModel    string
	VisionBaseURL  string
	VisionTimeout  time.Duration

	StorageBackend string // "local" or "s3"
	StorageRoot    string
	S3Bucket       string
	S3Region       string

	DownloadTimeout time.Duration
	MaxFileSize     int64

	TaskWorkers      int
	TaskMaxAttempts  int
	TaskLanes        int
	ShutdownDeadline time.Duration

	DedupWindow        time.Duration
	SemanticThreshold  float64
	NearDupThreshold   float64

	RateLimitRPS       float64
	RateLimitBurst     int
	TenantWindowLimit  int
	TenantWindow       time.Duration

	WSIdleTimeout time.Duration
}

// Load reads the .env file named by PUO_MEMO_ENV (default .env) plus its
// .secret sidecar, then snapshots all settings into a Config.
func Load() (*Config, error) {
	envFile := os.Getenv("PUO_MEMO_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	cfg := &Config{
		ServerPort: envInt("SERVER_PORT", 8080),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBPoolMinConns: int32(envInt("DB_POOL_MIN", 5)),
		DBPoolMaxConns: int32(envInt("DB_POOL_MAX", 20)),
		StoreTimeout:   envDuration("STORE_TIMEOUT", 10*time.Second),
		MigrationsPath: envStr("MIGRATIONS_PATH", "migrations"),

		RedisURL: os.Getenv("REDIS_URL"),

		EmbeddingProvider: envStr("EMBEDDING_PROVIDER", "openai"),
		EmbeddingAPIKey:   os.Getenv("OPENAI_API_KEY"),
		EmbeddingModel:    envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:      envInt("EMBEDDING_DIM", 768),
		EmbeddingBaseURL:  envStr("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbedderTimeout:   envDuration("EMBEDDER_TIMEOUT", 60*time.Second),

		ExtractorProvider: envStr("EXTRACTOR_PROVIDER", "openai"),
		ExtractorAPIKey:   os.Getenv("OPENAI_API_KEY"),
		ExtractorModel:    envStr("EXTRACTOR_MODEL", "gpt-4o-mini"),
		ExtractorBaseURL:  envStr("EXTRACTOR_BASE_URL", "https://api.openai.com/v1"),
		ExtractorTimeout:  envDuration("EXTRACTOR_TIMEOUT", 30*time.Second),

		VisionProvider: envStr("VISION_PROVIDER", "openai"),
		VisionAPIKey:   os.Getenv("OPENAI_API_KEY"),
		VisionModel:    envStr("VISION_MODEL", "gpt-4o-mini"),
		VisionBaseURL:  envStr("VISION_BASE_URL", "https://api.openai.com/v1"),
		VisionTimeout:  envDuration("VISION_TIMEOUT", 60*time.Second),

		StorageBackend: envStr("STORAGE_BACKEND", "local"),
		StorageRoot:    envStr("STORAGE_ROOT", "data/attachments"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       os.Getenv("S3_REGION"),

		DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT", 30*time.Second),
		MaxFileSize:     envInt64("MAX_FILE_SIZE", 50*1024*1024),

		TaskWorkers:      envInt("TASK_WORKERS", 4),
		TaskMaxAttempts:  envInt("TASK_MAX_ATTEMPTS", 3),
		TaskLanes:        envInt("TASK_LANES", 8),
		ShutdownDeadline: envDuration("SHUTDOWN_DEADLINE", 10*time.Second),

		DedupWindow:       envDuration("DEDUP_WINDOW", 300*time.Second),
		SemanticThreshold: envFloat("SEMANTIC_THRESHOLD", 0.5),
		NearDupThreshold:  envFloat("NEAR_DUP_THRESHOLD", 0.9),

		RateLimitRPS:      envFloat("RATE_LIMIT_RPS", 100),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 20),
		TenantWindowLimit: envInt("TENANT_WINDOW_LIMIT", 100),
		TenantWindow:      envDuration("TENANT_WINDOW", time.Minute),

		WSIdleTimeout: envDuration("WS_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.EmbeddingDim != 384 && cfg.EmbeddingDim != 768 {
		return nil, fmt.Errorf("EMBEDDING_DIM must be 384 or 768, got %d", cfg.EmbeddingDim)
	}
	return cfg, nil
}

func (c *Config) ServerAddr() string {
	return fmt.Sprintf(":%d", c.ServerPort)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
