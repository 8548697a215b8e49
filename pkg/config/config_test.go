package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.Addr() != "127.0.0.1:6379" {
		t.Errorf("Redis addr = %q, want 127.0.0.1:6379", cfg.Redis.Addr())
	}
	if cfg.Queue.Concurrency != 4 || cfg.Queue.MaxRetries != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Queue.RateLimitMax != 0 || cfg.Queue.RateLimitWindow != time.Minute {
		t.Errorf("queue rate limit defaults = %+v", cfg.Queue)
	}
	if cfg.Group.Strategy != "fifo" || cfg.Group.MaxConcurrency != 0 {
		t.Errorf("group defaults = %+v", cfg.Group)
	}
	if cfg.Group.RateLimitMax != 0 || cfg.Group.RateLimitWindow != time.Minute {
		t.Errorf("group rate limit defaults = %+v", cfg.Group)
	}
	if cfg.DLQ.Backoff != "exponential" {
		t.Errorf("DLQ backoff = %q, want exponential", cfg.DLQ.Backoff)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GROUP_MAX_CONCURRENCY", "8")
	t.Setenv("GROUP_RATE_LIMIT_MAX", "100")
	t.Setenv("GROUP_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("QUEUE_RATE_LIMIT_MAX", "50")
	t.Setenv("DLQ_BACKOFF", "fixed")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Group.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", cfg.Group.MaxConcurrency)
	}
	if cfg.Group.RateLimitMax != 100 || cfg.Group.RateLimitWindow != 30*time.Second {
		t.Errorf("group rate limit = %+v", cfg.Group)
	}
	if cfg.Queue.RateLimitMax != 50 {
		t.Errorf("queue RateLimitMax = %d, want 50", cfg.Queue.RateLimitMax)
	}
	if cfg.DLQ.Backoff != "fixed" {
		t.Errorf("DLQ backoff = %q, want fixed", cfg.DLQ.Backoff)
	}
}
