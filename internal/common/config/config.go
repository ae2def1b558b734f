package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Broker    BrokerConfig    `yaml:"broker"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Vectorize VectorizeConfig `yaml:"vectorize"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Assist    AssistConfig    `yaml:"assist"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	WorkerID    int64  `yaml:"worker_id"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	SlowQuery       time.Duration `yaml:"slow_query"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	EnableFile bool   `yaml:"enable_file"`
	FilePath   string `yaml:"file_path"`
}

type BrokerConfig struct {
	// Backend is "redis" or "memory".
	Backend       string `yaml:"backend"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type EmbeddingConfig struct {
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Dimensions        int           `yaml:"dimensions"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Concurrency       int           `yaml:"concurrency"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

type IndexConfig struct {
	// Backend is "pgvector" or "badger".
	Backend string `yaml:"backend"`
	// Dimensions is the stored vector size. Zero means the embedder's
	// native size.
	Dimensions int    `yaml:"dimensions"`
	BadgerPath string `yaml:"badger_path"`
}

type VectorizeConfig struct {
	MinThreshold int           `yaml:"min_threshold"`
	Schedule     string        `yaml:"schedule"`
	Timeout      time.Duration `yaml:"timeout"`
	BatchLimit   int           `yaml:"batch_limit"`
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
}

type RetrievalConfig struct {
	TopK     int           `yaml:"top_k"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AssistConfig struct {
	Model string `yaml:"model"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
	MessagesPerMinute int  `yaml:"messages_per_minute"`
	AssistPerMinute   int  `yaml:"assist_per_minute"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			GRPCPort:    9090,
			MetricsPort: 9100,
			HealthPort:  8081,
			WorkerID:    1,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "postgres",
			Database:        "parley",
			MaxConns:        25,
			MinConns:        5,
			MaxConnLifetime: 5 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			SlowQuery:       200 * time.Millisecond,
		},
		Redis: RedisConfig{
			Host:    "localhost",
			Port:    6379,
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "/var/log/parley/app.log",
		},
		Broker: BrokerConfig{
			Backend:       "redis",
			ChannelPrefix: "parley:",
		},
		Embedding: EmbeddingConfig{
			Model:             "gemini-embedding-001",
			Dimensions:        768,
			RequestsPerSecond: 5,
			Burst:             5,
			Concurrency:       4,
			BreakerFailures:   5,
			BreakerTimeout:    30 * time.Second,
		},
		Index: IndexConfig{
			Backend:    "pgvector",
			BadgerPath: "./data/index",
		},
		Vectorize: VectorizeConfig{
			MinThreshold: 20,
			Schedule:     "*/5 * * * *",
			Timeout:      2 * time.Minute,
			QueueSize:    64,
			Workers:      2,
			TaskTimeout:  3 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK:     5,
			CacheTTL: 10 * time.Minute,
		},
		Assist: AssistConfig{
			Model: "gemini-2.5-flash",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
			Burst:             50,
			MessagesPerMinute: 120,
			AssistPerMinute:   20,
		},
	}
}

// Load builds the configuration from built-in defaults, then the YAML file
// named by PARLEY_CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("PARLEY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.GRPCPort = getEnvInt("GRPC_PORT", c.Server.GRPCPort)
	c.Server.MetricsPort = getEnvInt("METRICS_PORT", c.Server.MetricsPort)
	c.Server.HealthPort = getEnvInt("HEALTH_PORT", c.Server.HealthPort)
	c.Server.WorkerID = int64(getEnvInt("WORKER_ID", int(c.Server.WorkerID)))

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.MaxConns = getEnvInt("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.SlowQuery = getEnvDuration("DB_SLOW_QUERY", c.Database.SlowQuery)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
	c.Logging.EnableFile = getEnvBool("LOG_ENABLE_FILE", c.Logging.EnableFile)
	c.Logging.FilePath = getEnv("LOG_FILE_PATH", c.Logging.FilePath)

	c.Broker.Backend = getEnv("BROKER_BACKEND", c.Broker.Backend)
	c.Broker.ChannelPrefix = getEnv("BROKER_CHANNEL_PREFIX", c.Broker.ChannelPrefix)

	c.Embedding.APIKey = getEnv("GEMINI_API_KEY", c.Embedding.APIKey)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.RequestsPerSecond = getEnvFloat("EMBEDDING_RPS", c.Embedding.RequestsPerSecond)
	c.Embedding.Burst = getEnvInt("EMBEDDING_BURST", c.Embedding.Burst)
	c.Embedding.Concurrency = getEnvInt("EMBEDDING_CONCURRENCY", c.Embedding.Concurrency)
	c.Embedding.BreakerFailures = getEnvInt("EMBEDDING_BREAKER_FAILURES", c.Embedding.BreakerFailures)
	c.Embedding.BreakerTimeout = getEnvDuration("EMBEDDING_BREAKER_TIMEOUT", c.Embedding.BreakerTimeout)

	c.Index.Backend = getEnv("INDEX_BACKEND", c.Index.Backend)
	c.Index.Dimensions = getEnvInt("INDEX_DIMENSIONS", c.Index.Dimensions)
	c.Index.BadgerPath = getEnv("INDEX_BADGER_PATH", c.Index.BadgerPath)

	c.Vectorize.MinThreshold = getEnvInt("VECTORIZE_MIN_THRESHOLD", c.Vectorize.MinThreshold)
	c.Vectorize.Schedule = getEnv("VECTORIZE_SCHEDULE", c.Vectorize.Schedule)
	c.Vectorize.Timeout = getEnvDuration("VECTORIZE_TIMEOUT", c.Vectorize.Timeout)
	c.Vectorize.BatchLimit = getEnvInt("VECTORIZE_BATCH_LIMIT", c.Vectorize.BatchLimit)
	c.Vectorize.QueueSize = getEnvInt("TASK_QUEUE_SIZE", c.Vectorize.QueueSize)
	c.Vectorize.Workers = getEnvInt("TASK_WORKERS", c.Vectorize.Workers)
	c.Vectorize.TaskTimeout = getEnvDuration("TASK_TIMEOUT", c.Vectorize.TaskTimeout)

	c.Retrieval.TopK = getEnvInt("RETRIEVAL_TOP_K", c.Retrieval.TopK)
	c.Retrieval.CacheTTL = getEnvDuration("RETRIEVAL_CACHE_TTL", c.Retrieval.CacheTTL)

	c.Assist.Model = getEnv("ASSIST_MODEL", c.Assist.Model)

	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RequestsPerMinute = getEnvInt("RATE_LIMIT_RPM", c.RateLimit.RequestsPerMinute)
	c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.RateLimit.MessagesPerMinute = getEnvInt("RATE_LIMIT_MESSAGES_RPM", c.RateLimit.MessagesPerMinute)
	c.RateLimit.AssistPerMinute = getEnvInt("RATE_LIMIT_ASSIST_RPM", c.RateLimit.AssistPerMinute)
}

// IndexDimensions is the size vectors are stored at.
func (c *Config) IndexDimensions() int {
	if c.Index.Dimensions > 0 {
		return c.Index.Dimensions
	}
	return c.Embedding.Dimensions
}

func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Index.Dimensions != 0 && c.Index.Dimensions < c.Embedding.Dimensions {
		return fmt.Errorf("index dimensions %d smaller than embedding dimensions %d",
			c.Index.Dimensions, c.Embedding.Dimensions)
	}
	switch c.Index.Backend {
	case "pgvector", "badger":
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	switch c.Broker.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown broker backend %q", c.Broker.Backend)
	}
	if c.Vectorize.Schedule != "" && !gronx.IsValid(c.Vectorize.Schedule) {
		return fmt.Errorf("invalid vectorize schedule %q", c.Vectorize.Schedule)
	}
	if c.Vectorize.MinThreshold < 0 {
		return fmt.Errorf("vectorize min threshold must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}
