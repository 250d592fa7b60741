package notify

import (
	"time"

	"tradejobs/internal/config"
)

// Hardcoded webhook delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Config holds configuration for the notifier.
type Config struct {
	BufferSize       int           // pending events buffer (default: 10000)
	Workers          int           // concurrent delivery goroutines (default: 4)
	MinInterval      time.Duration // progress publish floor per job (default: 5s)
	MinProgressDelta float64       // progress change that bypasses the floor (default: 1.0)
	WebhookTimeout   time.Duration // per-webhook-request timeout (default: 10s)
	Source           string        // CloudEvent source (default: "tradejobs")
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:       config.GetIntEnv("NOTIFY_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("NOTIFY_WORKERS", 4),
		MinInterval:      config.GetDurationEnv("NOTIFY_MIN_INTERVAL", 5*time.Second),
		MinProgressDelta: config.GetFloatEnv("NOTIFY_MIN_PROGRESS_DELTA", 1.0),
		WebhookTimeout:   config.GetDurationEnv("WEBHOOK_HTTP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.MinProgressDelta <= 0 {
		c.MinProgressDelta = 1.0
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 10 * time.Second
	}
	if c.Source == "" {
		c.Source = "tradejobs"
	}
	return c
}
