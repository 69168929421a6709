package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "relay.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "RELAY_PORT")
	setString(&cfg.Server.CORSOrigin, "RELAY_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RELAY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RELAY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RELAY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RELAY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RELAY_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Queue.Stream, "RELAY_QUEUE_STREAM")
	setString(&cfg.Queue.Subject, "RELAY_QUEUE_SUBJECT")
	setString(&cfg.Queue.DeadLetterStream, "RELAY_QUEUE_DEAD_LETTER_STREAM")
	setString(&cfg.Queue.DeadLetterSubject, "RELAY_QUEUE_DEAD_LETTER_SUBJECT")
	setString(&cfg.Queue.Group, "RELAY_QUEUE_GROUP")
	setString(&cfg.Queue.Consumer, "RELAY_QUEUE_CONSUMER")
	setInt(&cfg.Queue.MaxRetries, "RELAY_QUEUE_MAX_RETRIES")
	setDuration(&cfg.Queue.RetryDelay, "RELAY_QUEUE_RETRY_DELAY")
	setDuration(&cfg.Queue.BlockTimeout, "RELAY_QUEUE_BLOCK_TIMEOUT")
	setDuration(&cfg.Queue.AckWait, "RELAY_QUEUE_ACK_WAIT")

	setInt(&cfg.Worker.Concurrency, "RELAY_WORKER_CONCURRENCY")
	setInt(&cfg.Worker.BatchSize, "RELAY_WORKER_BATCH_SIZE")
	setDuration(&cfg.Worker.JobTimeout, "RELAY_WORKER_JOB_TIMEOUT")

	setDuration(&cfg.Rate.Window, "RELAY_RATE_WINDOW")
	setInt(&cfg.Rate.PerActor, "RELAY_RATE_PER_ACTOR")
	setInt(&cfg.Rate.Admin, "RELAY_RATE_ADMIN")
	setInt(&cfg.Rate.Anonymous, "RELAY_RATE_ANONYMOUS")
	setString(&cfg.Rate.Bucket, "RELAY_RATE_BUCKET")

	setString(&cfg.Idempotency.Bucket, "RELAY_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "RELAY_IDEMPOTENCY_TTL")
	setInt64(&cfg.Idempotency.L1MaxSizeMB, "RELAY_IDEMPOTENCY_L1_SIZE_MB")
	setDuration(&cfg.Idempotency.L1TTL, "RELAY_IDEMPOTENCY_L1_TTL")

	setDuration(&cfg.Webhook.Timeout, "RELAY_WEBHOOK_TIMEOUT")
	setInt(&cfg.Webhook.MaxRetries, "RELAY_WEBHOOK_MAX_RETRIES")
	setDuration(&cfg.Webhook.BackoffBase, "RELAY_WEBHOOK_BACKOFF_BASE")
	setString(&cfg.Webhook.Secret, "RELAY_WEBHOOK_SECRET")

	setString(&cfg.Policy.DefaultAutonomy, "RELAY_POLICY_DEFAULT_AUTONOMY")
	setFloat64(&cfg.Policy.RiskThreshold, "RELAY_POLICY_RISK_THRESHOLD")

	setInt(&cfg.Breaker.MaxFailures, "RELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RELAY_BREAKER_TIMEOUT")

	setString(&cfg.Logging.Level, "RELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RELAY_LOG_SERVICE")

	setBool(&cfg.Telemetry.Enabled, "RELAY_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "RELAY_OTEL_ENDPOINT")
}

// validate checks invariants that would otherwise surface as confusing
// runtime failures deep in the pipeline.
func validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Queue.Stream == "" || cfg.Queue.Subject == "" {
		return errors.New("queue.stream and queue.subject are required")
	}
	if cfg.Queue.DeadLetterStream == "" || cfg.Queue.DeadLetterSubject == "" {
		return errors.New("queue dead-letter stream and subject are required")
	}
	if cfg.Queue.Group == "" {
		return errors.New("queue.group is required")
	}
	if cfg.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Worker.BatchSize < 1 {
		return errors.New("worker.batch_size must be >= 1")
	}
	if cfg.Rate.Window <= 0 {
		return errors.New("rate.window must be positive")
	}
	if cfg.Rate.PerActor < 1 || cfg.Rate.Admin < 1 || cfg.Rate.Anonymous < 1 {
		return errors.New("rate limits must be >= 1")
	}
	if cfg.Idempotency.TTL <= 0 {
		return errors.New("idempotency.ttl must be positive")
	}
	if cfg.Policy.RiskThreshold < 0 || cfg.Policy.RiskThreshold > 1 {
		return errors.New("policy.risk_threshold must be in [0, 1]")
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
