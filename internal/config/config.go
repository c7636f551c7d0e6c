package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"Piano Lessons <noreply@pianolessons.com>"`

	// ----------------------------
	// Queue
	// ----------------------------
	Concurrency      int           `envconfig:"QUEUE_CONCURRENCY" default:"5"`
	BulkConcurrency  int           `envconfig:"QUEUE_BULK_CONCURRENCY" default:"2"`
	MaxAttempts      int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	BackoffBase      time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"2s"`
	RemoveOnComplete int           `envconfig:"QUEUE_REMOVE_ON_COMPLETE" default:"100"`
	RemoveOnFail     int           `envconfig:"QUEUE_REMOVE_ON_FAIL" default:"50"`
	StallInterval    time.Duration `envconfig:"QUEUE_STALL_INTERVAL" default:"30s"`

	// ----------------------------
	// Sending
	// ----------------------------
	RateLimit int `envconfig:"RATE_LIMIT" default:"10"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	FrontendURL string `envconfig:"FRONTEND_URL" default:"https://pianolessons.com"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Stores
	// ----------------------------
	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
