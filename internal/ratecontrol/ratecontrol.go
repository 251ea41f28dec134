package ratecontrol

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Service names used as keys under rate_limits.services.
const (
	ServiceCases      = "cases"
	ServiceKnowledge  = "knowledge"
	ServiceRanker     = "ranker"
	ServiceNormalizer = "normalizer"
	ServiceGeneration = "generation"
	ServiceEmbeddings = "embeddings"
)

type config struct {
	RateLimits struct {
		DefaultRPM int `yaml:"default_rpm"`
		Services   map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"services"`
	} `yaml:"rate_limits"`
}

// RateLimit is a requests-per-minute budget. Zero means unlimited.
type RateLimit struct {
	RPM   int
	Burst int
}

// builtInServiceLimits apply when the file names no limit for a service.
// Case search mirrors the public service's 100ms courtesy spacing.
var builtInServiceLimits = map[string]RateLimit{
	ServiceCases:      {RPM: 600, Burst: 1},
	ServiceKnowledge:  {RPM: 200, Burst: 5},
	ServiceRanker:     {RPM: 60, Burst: 2},
	ServiceGeneration: {RPM: 60, Burst: 2},
	ServiceEmbeddings: {RPM: 300, Burst: 5},
}

// Registry hands out one shared token bucket per service.
type Registry struct {
	mu       sync.Mutex
	limits   map[string]RateLimit
	def      RateLimit
	limiters map[string]*rate.Limiter
}

// Load reads the rate_limits block of a YAML file. A missing file yields the
// built-in limits.
func Load(path string) (*Registry, error) {
	var cfg config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse rate limits %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read rate limits %s: %w", path, err)
		}
	}

	limits := make(map[string]RateLimit, len(cfg.RateLimits.Services))
	for name, l := range cfg.RateLimits.Services {
		limits[normalize(name)] = RateLimit{RPM: l.RPM, Burst: l.Burst}
	}
	return NewRegistry(RateLimit{RPM: cfg.RateLimits.DefaultRPM}, limits), nil
}

// NewRegistry creates a registry. Services missing from limits fall back to
// the built-in limit, then to def.
func NewRegistry(def RateLimit, limits map[string]RateLimit) *Registry {
	r := &Registry{
		limits:   make(map[string]RateLimit),
		def:      def,
		limiters: make(map[string]*rate.Limiter),
	}
	for k, v := range limits {
		r.limits[normalize(k)] = v
	}
	return r
}

// LimitFor returns the effective limit of a service.
func (r *Registry) LimitFor(service string) RateLimit {
	service = normalize(service)
	if l, ok := r.limits[service]; ok {
		return l
	}
	if l, ok := builtInServiceLimits[service]; ok {
		return CombineLimits(l, r.def)
	}
	return r.def
}

// Limiter returns the shared limiter of a service, or nil when it is unlimited.
func (r *Registry) Limiter(service string) *rate.Limiter {
	service = normalize(service)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[service]; ok {
		return l
	}
	limit := r.LimitFor(service)
	if limit.RPM <= 0 {
		r.limiters[service] = nil
		return nil
	}
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Every(Interval(limit)), burst)
	r.limiters[service] = l
	return l
}

// Interval is the minimum spacing between requests under limit, capped at one minute.
func Interval(limit RateLimit) time.Duration {
	if limit.RPM <= 0 {
		return 0
	}
	ms := 60000.0 / float64(limit.RPM)
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}

// CombineLimits keeps the stricter positive RPM of a and b.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	limit.Burst = max(a.Burst, b.Burst)
	return limit
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
