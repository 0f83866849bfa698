package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "ratekeeper.yaml"

var assessmentYearRe = regexp.MustCompile(`^\d{4}-\d{2}$`)

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("RATEKEEPER_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RATEKEEPER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "RATEKEEPER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "RATEKEEPER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "RATEKEEPER_SHUTDOWN_TIMEOUT")
	setInt64(&cfg.Server.MaxBodyBytes, "RATEKEEPER_MAX_BODY_BYTES")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RATEKEEPER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RATEKEEPER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RATEKEEPER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RATEKEEPER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RATEKEEPER_PG_HEALTH_CHECK")

	setString(&cfg.Redis.URL, "REDIS_URL")
	setInt(&cfg.Redis.PoolSize, "RATEKEEPER_REDIS_POOL_SIZE")
	setString(&cfg.Redis.Prefix, "RATEKEEPER_REDIS_PREFIX")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.InvalidateSubject, "RATEKEEPER_NATS_INVALIDATE_SUBJECT")
	setString(&cfg.NATS.KVBucket, "RATEKEEPER_NATS_KV_BUCKET")

	// Cache
	setString(&cfg.Cache.Backend, "RATEKEEPER_CACHE_BACKEND")
	setInt64(&cfg.Cache.L1MaxSizeMB, "RATEKEEPER_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "RATEKEEPER_CACHE_L1_TTL")

	// Resolver
	setString(&cfg.Resolver.DefaultAssessmentYear, "RATEKEEPER_DEFAULT_AY")
	setDuration(&cfg.Resolver.CacheTTL, "RATEKEEPER_CACHE_TTL")
	setDuration(&cfg.Resolver.CacheTimeout, "RATEKEEPER_CACHE_TIMEOUT")
	setDuration(&cfg.Resolver.StoreTimeout, "RATEKEEPER_STORE_TIMEOUT")
	setDuration(&cfg.Resolver.WriteTimeout, "RATEKEEPER_RESOLVER_WRITE_TIMEOUT")
	setInt(&cfg.Resolver.HistoryLimit, "RATEKEEPER_HISTORY_LIMIT")
	setInt(&cfg.Resolver.HistoryMaxLimit, "RATEKEEPER_HISTORY_MAX_LIMIT")

	// Generative fetch
	setBool(&cfg.Fetch.Enabled, "RATEKEEPER_FETCH_ENABLED")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.OpenAI.Model, "RATEKEEPER_OPENAI_MODEL")
	setInt(&cfg.OpenAI.MaxTokens, "RATEKEEPER_OPENAI_MAX_TOKENS")
	setDuration(&cfg.OpenAI.Timeout, "RATEKEEPER_OPENAI_TIMEOUT")
	setInt(&cfg.Breaker.MaxFailures, "RATEKEEPER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RATEKEEPER_BREAKER_TIMEOUT")

	// Admin surface
	setFloat64(&cfg.Rate.RequestsPerSecond, "RATEKEEPER_RATE_RPS")
	setInt(&cfg.Rate.Burst, "RATEKEEPER_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "RATEKEEPER_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "RATEKEEPER_RATE_MAX_IDLE_TIME")
	setString(&cfg.Admin.TokenHash, "RATEKEEPER_ADMIN_TOKEN_HASH")
	setString(&cfg.Admin.DefaultActor, "RATEKEEPER_ADMIN_DEFAULT_ACTOR")

	setString(&cfg.Logging.Level, "RATEKEEPER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RATEKEEPER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "RATEKEEPER_LOG_ASYNC")

	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "RATEKEEPER_OTEL_INSECURE")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.Telemetry.SampleRate, "RATEKEEPER_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		return errors.New("server.max_body_bytes must be >= 1")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	switch cfg.Cache.Backend {
	case CacheTieredRedis:
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for cache.backend tiered-redis")
		}
	case CacheTieredNATS:
		if cfg.NATS.KVBucket == "" {
			return errors.New("nats.kv_bucket is required for cache.backend tiered-nats")
		}
	case CacheMemory:
	default:
		return fmt.Errorf("cache.backend %q is not one of %s, %s, %s",
			cfg.Cache.Backend, CacheTieredRedis, CacheTieredNATS, CacheMemory)
	}
	if cfg.Cache.Backend == CacheTieredNATS && cfg.NATS.URL == "" {
		return errors.New("nats.url is required for cache.backend tiered-nats")
	}
	if cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1")
	}
	if cfg.Cache.L1TTL <= 0 {
		return errors.New("cache.l1_ttl must be positive")
	}
	if !assessmentYearRe.MatchString(cfg.Resolver.DefaultAssessmentYear) {
		return fmt.Errorf("resolver.default_assessment_year %q must look like 2025-26", cfg.Resolver.DefaultAssessmentYear)
	}
	if cfg.Resolver.CacheTTL <= 0 || cfg.Resolver.CacheTimeout <= 0 ||
		cfg.Resolver.StoreTimeout <= 0 || cfg.Resolver.WriteTimeout <= 0 {
		return errors.New("resolver ttl and timeouts must be positive")
	}
	if cfg.Resolver.HistoryLimit < 1 || cfg.Resolver.HistoryMaxLimit < cfg.Resolver.HistoryLimit {
		return errors.New("resolver.history_limit must be >= 1 and <= history_max_limit")
	}
	if cfg.Fetch.Enabled {
		if cfg.OpenAI.APIKey == "" {
			return errors.New("openai.api_key is required when fetch.enabled")
		}
		if cfg.OpenAI.Model == "" {
			return errors.New("openai.model is required when fetch.enabled")
		}
		if cfg.OpenAI.Timeout <= 0 {
			return errors.New("openai.timeout must be positive")
		}
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return errors.New("telemetry.sample_rate must be within [0,1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
