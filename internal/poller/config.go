package poller

import (
	"time"

	"tradejobs/internal/config"
)

// Config holds configuration for the status poller.
type Config struct {
	Interval        time.Duration // minimum gap between polls of one job (default: 5s)
	MaxPollFailures int           // consecutive transient poll failures tolerated (default: 5)
	JobTimeout      time.Duration // absolute wall-clock job timeout (default: 6h)
	Workers         int           // concurrent poll goroutines (default: 4)
	MaxConcurrent   int           // global cap on tracked jobs (default: 16)
}

// LoadConfigFromEnv loads poller configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Interval:        config.GetDurationEnv("POLL_INTERVAL", 5*time.Second),
		MaxPollFailures: config.GetIntEnv("MAX_POLL_FAILURES", 5),
		JobTimeout:      config.GetDurationEnv("JOB_TIMEOUT", 6*time.Hour),
		Workers:         config.GetIntEnv("POLLER_WORKERS", 4),
		MaxConcurrent:   config.GetIntEnv("MAX_CONCURRENT_JOBS", 16),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 6 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	return c
}
