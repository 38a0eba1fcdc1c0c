// Package config loads process configuration for the API, ingester and
// downloader entry points from a .env file and/or environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the server and CLI binaries need.
type Config struct {
	PostgresUser     string `mapstructure:"POSTGRES_USER"`
	PostgresPassword string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresDB       string `mapstructure:"POSTGRES_DB"`
	PostgresHost     string `mapstructure:"POSTGRES_HOST"`
	PostgresPort     string `mapstructure:"POSTGRES_PORT"`
	PostgresMaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	PostgresMinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`

	RedisURL string `mapstructure:"REDIS_URL"`

	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3ForcePathStyle  bool   `mapstructure:"S3_FORCE_PATH_STYLE"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	APIPort string `mapstructure:"API_PORT"`

	TileCacheL1BudgetMB int64 `mapstructure:"TILE_CACHE_L1_BUDGET_MB"`
	TileCacheL2TTLHours int   `mapstructure:"TILE_CACHE_L2_TTL_HOURS"`
	ChunkCacheBudgetMB  int64 `mapstructure:"CHUNK_CACHE_BUDGET_MB"`
	GOESLutMaxZoom      int   `mapstructure:"GOES_LUT_MAX_ZOOM"`
	IngestWorkerCount   int   `mapstructure:"INGEST_WORKER_COUNT"`
	RateLimitMinute     int   `mapstructure:"RATE_LIMIT_MINUTE"`
	RateLimitHour       int   `mapstructure:"RATE_LIMIT_HOUR"`

	StyleConfigDir string `mapstructure:"STYLE_CONFIG_DIR"`
	EDRConfigDir   string `mapstructure:"EDR_CONFIG_DIR"`
	ModelConfigDir string `mapstructure:"MODEL_CONFIG_DIR"`
	IngesterURL    string `mapstructure:"INGESTER_URL"`
	M2MTokens      string `mapstructure:"M2M_TOKENS"` // comma-separated token=client pairs
}

// M2MTokenMap parses M2M_TOKENS into the token -> client map the
// machine-auth middleware consumes.
func (c *Config) M2MTokenMap() map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(c.M2MTokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if idx := strings.IndexByte(pair, '='); idx > 0 {
			out[pair[:idx]] = pair[idx+1:]
		}
	}
	return out
}

// TileCacheL1BudgetBytes returns the in-memory tile cache budget.
func (c *Config) TileCacheL1BudgetBytes() int64 {
	return c.TileCacheL1BudgetMB * 1024 * 1024
}

// DatabaseURL builds a pgx connection string from the discrete Postgres fields.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB,
	)
}

// ChunkCacheBudgetBytes returns the in-memory chunk cache budget in bytes.
func (c *Config) ChunkCacheBudgetBytes() int64 {
	return c.ChunkCacheBudgetMB * 1024 * 1024
}

// TileCacheL2TTL returns the Redis tile TTL as a duration.
func (c *Config) TileCacheL2TTL() time.Duration {
	return time.Duration(c.TileCacheL2TTLHours) * time.Hour
}

// Load reads a .env file (if present) layered under environment variables
// and unmarshals it into a Config. Missing .env is not fatal: the process
// environment alone is a valid configuration source in production.
func Load() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	for _, key := range []string{
		"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_HOST", "POSTGRES_PORT",
		"POSTGRES_MAX_CONNS", "POSTGRES_MIN_CONNS",
		"REDIS_URL",
		"S3_ENDPOINT", "S3_BUCKET", "S3_REGION", "S3_FORCE_PATH_STYLE", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
		"API_PORT",
		"TILE_CACHE_L1_BUDGET_MB", "TILE_CACHE_L2_TTL_HOURS", "CHUNK_CACHE_BUDGET_MB",
		"GOES_LUT_MAX_ZOOM", "INGEST_WORKER_COUNT",
		"RATE_LIMIT_MINUTE", "RATE_LIMIT_HOUR",
		"STYLE_CONFIG_DIR", "EDR_CONFIG_DIR", "MODEL_CONFIG_DIR",
		"INGESTER_URL", "M2M_TOKENS",
	} {
		_ = viper.BindEnv(key)
	}

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("POSTGRES_DB", "gridweather")
	viper.SetDefault("POSTGRES_MAX_CONNS", 20)
	viper.SetDefault("POSTGRES_MIN_CONNS", 5)
	viper.SetDefault("REDIS_URL", "redis://localhost:6379")
	viper.SetDefault("S3_BUCKET", "gridweather")
	viper.SetDefault("S3_REGION", "us-east-1")
	viper.SetDefault("S3_FORCE_PATH_STYLE", false)
	viper.SetDefault("API_PORT", "8080")
	viper.SetDefault("TILE_CACHE_L1_BUDGET_MB", 1024)
	viper.SetDefault("TILE_CACHE_L2_TTL_HOURS", 6)
	viper.SetDefault("CHUNK_CACHE_BUDGET_MB", 512)
	viper.SetDefault("GOES_LUT_MAX_ZOOM", 8)
	viper.SetDefault("INGEST_WORKER_COUNT", 4)
	viper.SetDefault("RATE_LIMIT_MINUTE", 120)
	viper.SetDefault("RATE_LIMIT_HOUR", 3000)
	viper.SetDefault("STYLE_CONFIG_DIR", "config/styles")
	viper.SetDefault("EDR_CONFIG_DIR", "config/edr")
	viper.SetDefault("MODEL_CONFIG_DIR", "config/models")

	if err := viper.ReadInConfig(); err != nil {
		slog.Warn("no .env file found, relying on environment variables", "error", err)
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		slog.Error("failed to unmarshal configuration", "error", err)
		panic(err)
	}

	return cfg
}
