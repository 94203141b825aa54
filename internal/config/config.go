package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`
	Version     string `env:"APP_VERSION" envDefault:"dev"`

	DBMaxOpenConns     int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int    `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int    `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int    `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
	DBConnectAttempts  uint64 `env:"DB_CONNECT_ATTEMPTS" envDefault:"10"`

	EventWorkers      int           `env:"EVENT_WORKERS" envDefault:"2"`
	EventBatchSize    int           `env:"EVENT_BATCH_SIZE" envDefault:"50"`
	EventPollInterval time.Duration `env:"EVENT_POLL_INTERVAL" envDefault:"1s"`
	EventLeaseTimeout time.Duration `env:"EVENT_LEASE_TIMEOUT" envDefault:"5m"`
	EventRetryDelay   time.Duration `env:"EVENT_RETRY_DELAY" envDefault:"5s"`
	EventMaxAttempts  int           `env:"EVENT_MAX_ATTEMPTS" envDefault:"5"`

	DeliveryWorkers      int           `env:"DELIVERY_WORKERS" envDefault:"2"`
	DeliveryBatchSize    int           `env:"DELIVERY_BATCH_SIZE" envDefault:"50"`
	DeliveryPollInterval time.Duration `env:"DELIVERY_POLL_INTERVAL" envDefault:"1s"`
	DeliveryStuckTimeout time.Duration `env:"DELIVERY_STUCK_TIMEOUT" envDefault:"2m"`
	WebhookHTTPTimeout   time.Duration `env:"WEBHOOK_HTTP_TIMEOUT" envDefault:"15s"`
	JitterSeed           uint64        `env:"BACKOFF_JITTER_SEED" envDefault:"0"`

	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"168h"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	OTelEnabled        bool          `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint       string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTelSampleRate     float64       `env:"OTEL_TRACES_SAMPLE_RATE" envDefault:"1.0"`
	OTelMetricInterval time.Duration `env:"OTEL_METRIC_INTERVAL" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WebhookHTTPTimeout < time.Second || c.WebhookHTTPTimeout > 30*time.Second {
		return fmt.Errorf("WEBHOOK_HTTP_TIMEOUT must be between 1s and 30s, got %s", c.WebhookHTTPTimeout)
	}
	if c.EventWorkers < 0 || c.DeliveryWorkers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if c.EventBatchSize <= 0 || c.DeliveryBatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.EventLeaseTimeout <= 0 {
		return fmt.Errorf("EVENT_LEASE_TIMEOUT must be positive")
	}
	if c.EventMaxAttempts < 1 {
		return fmt.Errorf("EVENT_MAX_ATTEMPTS must be at least 1")
	}
	if c.DBConnectAttempts < 1 {
		return fmt.Errorf("DB_CONNECT_ATTEMPTS must be at least 1")
	}
	return nil
}
