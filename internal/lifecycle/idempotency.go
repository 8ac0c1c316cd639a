package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/hire-requests/internal/models"
)

// IdempotencyStore remembers which request id a client token produced, so
// a retried CreateRequest does not post the same need twice.
type IdempotencyStore interface {
	// Lookup returns the id bound to key, if any.
	Lookup(ctx context.Context, key string) (string, bool, error)
	// Remember binds key to id unless it is already bound; it returns the
	// id that ends up bound.
	Remember(ctx context.Context, key, id string) (string, error)
}

type memoryEntry struct {
	id      string
	expires time.Time
}

type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryIdempotency) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		return "", false, nil
	}
	if m.now().After(e.expires) {
		delete(m.keys, key)
		return "", false, nil
	}
	return e.id, true, nil
}

func (m *MemoryIdempotency) Remember(_ context.Context, key, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.keys[key]; ok && !m.now().After(e.expires) {
		return e.id, nil
	}
	m.keys[key] = memoryEntry{id: id, expires: m.now().Add(m.ttl)}
	return id, nil
}

// KeyValue is the subset of redis string commands the redis store needs.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

type redisKV struct{ c *redis.Client }

// NewRedisKV adapts a go-redis client to KeyValue.
func NewRedisKV(c *redis.Client) KeyValue { return &redisKV{c: c} }

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, value, ttl).Result()
}

// RedisIdempotency shares tokens across instances using SET NX with a TTL.
type RedisIdempotency struct {
	kv  KeyValue
	ttl time.Duration
}

func NewRedisIdempotency(kv KeyValue, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{kv: kv, ttl: ttl}
}

func (r *RedisIdempotency) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, ok, err := r.kv.Get(ctx, idemKey(key))
	if err != nil {
		return "", false, fmt.Errorf("%w: idempotency lookup: %v", models.ErrUnavailable, err)
	}
	return id, ok, nil
}

func (r *RedisIdempotency) Remember(ctx context.Context, key, id string) (string, error) {
	set, err := r.kv.SetNX(ctx, idemKey(key), id, r.ttl)
	if err != nil {
		return "", fmt.Errorf("%w: idempotency remember: %v", models.ErrUnavailable, err)
	}
	if set {
		return id, nil
	}
	existing, ok, err := r.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		// expired between the two calls; ours is as good as any
		return id, nil
	}
	return existing, nil
}

func idemKey(k string) string { return "idem:create:" + k }
