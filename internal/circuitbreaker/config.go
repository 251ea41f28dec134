package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds circuit breaker settings.
type Config struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed state counter reset period
	Timeout          time.Duration // open duration before probing
	FailureThreshold uint32        // consecutive failures that open the breaker
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OnStateChange    func(name string, from State, to State)
	// IsSuccessful classifies a call result. Defaults to nil-or-cancelled.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns the defaults used for outbound services.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}
}

// ForService returns base with per-service environment overrides applied:
// CB_<SERVICE>_MAX_REQUESTS, _INTERVAL, _TIMEOUT, _FAILURE_THRESHOLD, _SUCCESS_THRESHOLD.
func ForService(service string, base Config) Config {
	prefix := "CB_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service)) + "_"
	base.MaxRequests = getEnvUint32(prefix+"MAX_REQUESTS", base.MaxRequests)
	base.Interval = getEnvDuration(prefix+"INTERVAL", base.Interval)
	base.Timeout = getEnvDuration(prefix+"TIMEOUT", base.Timeout)
	base.FailureThreshold = getEnvUint32(prefix+"FAILURE_THRESHOLD", base.FailureThreshold)
	base.SuccessThreshold = getEnvUint32(prefix+"SUCCESS_THRESHOLD", base.SuccessThreshold)
	if base.SuccessThreshold == 0 {
		base.SuccessThreshold = 1
	}
	if base.MaxRequests == 0 {
		base.MaxRequests = 1
	}
	return base
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
