package dispatcher

import (
	"time"

	"wfinterop/internal/config"
)

// Config tunes the in-memory dispatcher. Zero values use defaults.
type Config struct {
	BufferSize       int           // default 1000
	Workers          int           // default 4
	HTTPTimeout      time.Duration // default 10s
	MaxRetries       int           // retries after the first attempt, default 3
	BreakerThreshold int           // consecutive failures opening a host's circuit, default 5
	BreakerCooldown  time.Duration // default 30s; requeued events wait this long
	MaxRequeues      int           // default 10
}

// LoadConfigFromEnv reads NOTIFY_* settings.
func LoadConfigFromEnv() Config {
	return Config{
		BufferSize:       config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:          config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout:      config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:       config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
