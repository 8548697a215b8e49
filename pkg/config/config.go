// Package config loads process configuration from environment variables.
// A .env file in the working directory is applied first, so local
// development does not need exported variables.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Redis holds connection parameters for the backing store.
type Redis struct {
	Host      string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	Port      int    `env:"REDIS_PORT" envDefault:"6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	TLS       bool   `env:"REDIS_TLS" envDefault:"false"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX"`
}

// Addr returns the host:port pair for the Redis connection.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// QueueDefaults apply to every queue that does not override them.
// A RateLimitMax of zero leaves queues unlimited.
type QueueDefaults struct {
	Concurrency     int           `env:"QUEUE_CONCURRENCY" envDefault:"4"`
	MaxRetries      int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	RetryDelay      time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"1s"`
	Timeout         time.Duration `env:"QUEUE_TIMEOUT" envDefault:"300s"`
	RateLimitMax    int           `env:"QUEUE_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"QUEUE_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// GroupDefaults apply to every group that does not override them.
// MaxConcurrency zero means unbounded in-flight tasks per group; a
// RateLimitMax of zero disables the admission window.
type GroupDefaults struct {
	Strategy        string        `env:"GROUP_STRATEGY" envDefault:"fifo"`
	Concurrency     int           `env:"GROUP_CONCURRENCY" envDefault:"1"`
	MaxConcurrency  int           `env:"GROUP_MAX_CONCURRENCY" envDefault:"0"`
	RetryLimit      int           `env:"GROUP_RETRY_LIMIT" envDefault:"3"`
	RetryDelay      time.Duration `env:"GROUP_RETRY_DELAY" envDefault:"1s"`
	Timeout         time.Duration `env:"GROUP_TIMEOUT" envDefault:"300s"`
	LockTTL         time.Duration `env:"GROUP_LOCK_TTL" envDefault:"5s"`
	RateLimitMax    int           `env:"GROUP_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow time.Duration `env:"GROUP_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// DLQ configures the dead-letter queue.
type DLQ struct {
	MaxRetries     int           `env:"DLQ_MAX_RETRIES" envDefault:"3"`
	RetryDelay     time.Duration `env:"DLQ_RETRY_DELAY" envDefault:"1s"`
	Backoff        string        `env:"DLQ_BACKOFF" envDefault:"exponential"`
	AlertThreshold int           `env:"DLQ_ALERT_THRESHOLD" envDefault:"10"`
}

// Config is the full process configuration.
type Config struct {
	InstanceID string `env:"INSTANCE_ID" envDefault:"default"`
	Redis      Redis
	Queue      QueueDefaults
	Group      GroupDefaults
	DLQ        DLQ

	MetricsInterval     time.Duration `env:"METRICS_INTERVAL" envDefault:"60s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`

	ServerAddr  string `env:"SERVER_ADDR" envDefault:":8081"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`
	APIKey      string `env:"API_KEY"`
}

var loadEnvFile = sync.OnceFunc(func() {
	// Missing .env is not an error; exported variables still apply.
	_ = godotenv.Load()
})

// Load parses the environment into a Config.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// MustLoad is Load that panics on failure. Intended for process startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
