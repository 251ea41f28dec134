package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/raredx/orchestrator/internal/circuitbreaker"
)

// EmbeddingCache defines cache operations
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is a simple in-process LRU with TTL
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.m[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(lruEntry)
	if !ent.exp.After(time.Now()) {
		l.list.Remove(el)
		delete(l.m, key)
		return nil, false
	}
	l.list.MoveToFront(el)
	return ent.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent := lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
	if el, ok := l.m[key]; ok {
		el.Value = ent
		l.list.MoveToFront(el)
		return
	}
	l.m[key] = l.list.PushFront(ent)
	if l.list.Len() > l.cap {
		if oldest := l.list.Back(); oldest != nil {
			delete(l.m, oldest.Value.(lruEntry).key)
			l.list.Remove(oldest)
		}
	}
}

// Len returns the number of entries, expired ones included.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache shares vectors between replicas through a breaker guarded Redis.
type RedisCache struct {
	cli *circuitbreaker.RedisWrapper
}

func NewRedisCache(cli *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{cli: cli}
}

// Get treats every Redis failure as a miss.
func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, found, err := r.cli.GetBytes(ctx, key)
	if err != nil || !found {
		return nil, false
	}
	return decodeVector(b)
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.cli.SetBytes(ctx, key, encodeVector(v), ttl)
}

// Vectors are stored as little endian float32s.
func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}

// MakeKey derives the cache key for one text embedded by model for task.
func MakeKey(model, task, text string) string {
	h := md5.Sum([]byte(model + "|" + task + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
