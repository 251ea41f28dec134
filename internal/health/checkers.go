package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

// Pinger is a dependency guarded by a circuit breaker, such as the Redis
// embedding cache or the run store.
type Pinger interface {
	Ping(ctx context.Context) error
	IsCircuitBreakerOpen() bool
}

type databasePinger struct {
	w *circuitbreaker.DatabaseWrapper
}

func (d databasePinger) Ping(ctx context.Context) error { return d.w.PingContext(ctx) }
func (d databasePinger) IsCircuitBreakerOpen() bool     { return d.w.IsCircuitBreakerOpen() }

// PingChecker probes a Pinger and reports high latency as degraded.
type PingChecker struct {
	name      string
	target    Pinger
	critical  bool
	timeout   time.Duration
	slowAfter time.Duration
	logger    *zap.Logger
}

// NewRedisHealthChecker checks the embedding cache. A cache outage only
// slows the normalizer down, so it is not critical.
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *PingChecker {
	return &PingChecker{
		name:      "redis",
		target:    wrapper,
		timeout:   5 * time.Second,
		slowAfter: 100 * time.Millisecond,
		logger:    logger,
	}
}

// NewDatabaseHealthChecker checks the run store.
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *PingChecker {
	return &PingChecker{
		name:      "database",
		target:    databasePinger{w: wrapper},
		critical:  true,
		timeout:   5 * time.Second,
		slowAfter: 250 * time.Millisecond,
		logger:    logger,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: p.name, Critical: p.critical, Timestamp: start}

	if p.target.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = p.name + " circuit breaker is open"
		return result
	}

	err := p.target.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
		if p.logger != nil {
			p.logger.Debug("Health ping failed", zap.String("component", p.name), zap.Error(err))
		}
	case result.Duration > p.slowAfter:
		result.Status = StatusDegraded
		result.Message = p.name + " responding with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = p.name + " healthy"
	}
	return result
}

// BreakerChecker reports degraded while any upstream breaker is open.
type BreakerChecker struct {
	collector *circuitbreaker.MetricsCollector
}

func NewBreakerChecker(collector *circuitbreaker.MetricsCollector) *BreakerChecker {
	if collector == nil {
		collector = circuitbreaker.GlobalMetricsCollector
	}
	return &BreakerChecker{collector: collector}
}

func (b *BreakerChecker) Name() string           { return "upstreams" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(ctx context.Context) CheckResult {
	var open []string
	states := make(map[string]interface{})
	for _, st := range b.collector.Statuses() {
		key := st.Service + ":" + st.Name
		states[key] = st.State
		if st.State == circuitbreaker.StateOpen.String() {
			open = append(open, key)
		}
	}
	if len(open) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "all upstream breakers closed", Details: states}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: "upstream circuit breakers open",
		Details: map[string]interface{}{"open": open, "breakers": states},
	}
}

// CustomHealthChecker adapts a plain function, e.g. a loaded normalizer index.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	fn       func(ctx context.Context) error
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) error) *CustomHealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, fn: fn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	if err := c.fn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: c.name + " check failed"}
	}
	return CheckResult{Status: StatusHealthy, Message: c.name + " healthy"}
}
