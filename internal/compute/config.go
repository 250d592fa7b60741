package compute

import (
	"time"

	"tradejobs/internal/config"
)

// Config holds configuration for the compute gateway.
type Config struct {
	BaseURL string        // compute service base URL
	APIKey  string        // bearer token, empty = unauthenticated
	Timeout time.Duration // per-call timeout (default: 10s)
}

// LoadConfigFromEnv loads gateway configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		BaseURL: config.GetEnv("COMPUTE_URL", "http://localhost:9000"),
		APIKey:  config.GetSecretFile(config.GetEnv("COMPUTE_API_KEY_FILE", "")),
		Timeout: config.GetDurationEnv("COMPUTE_TIMEOUT", 10*time.Second),
	}
}
