package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client used as a shared cache.
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a wrapper registered under service (e.g. "embedding-cache").
func NewRedisWrapper(client redis.UniversalClient, service string, cfg Config, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("redis", ForService("redis", cfg), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)
	return &RedisWrapper{client: client, cb: cb, service: service, logger: logger}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), err == nil)
	return err
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// GetBytes returns the value at key. A missing key is (nil, false, nil) and
// does not count against the breaker.
func (rw *RedisWrapper) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := rw.run(ctx, func() error {
		b, err := rw.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})
	return val, found, err
}

// SetBytes stores value with a TTL; zero ttl keeps the key forever.
func (rw *RedisWrapper) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rw.run(ctx, func() error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.run(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.IsOpen()
}
