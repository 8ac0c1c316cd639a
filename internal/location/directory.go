package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/hire-requests/internal/models"
)

// Directory remembers each driver's declared operating area so "nearby"
// queries work when the caller does not send one. The driver catalog that
// owns this data lives outside the engine; this is its read model.
type Directory interface {
	Area(ctx context.Context, driverID string) (models.DriverLocation, bool, error)
	SetArea(ctx context.Context, driverID string, area models.DriverLocation) error
}

type MemoryDirectory struct {
	mu    sync.RWMutex
	areas map[string]models.DriverLocation
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{areas: make(map[string]models.DriverLocation)}
}

func (d *MemoryDirectory) SetArea(_ context.Context, driverID string, area models.DriverLocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.areas[driverID] = area
	return nil
}

func (d *MemoryDirectory) Area(_ context.Context, driverID string) (models.DriverLocation, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.areas[driverID]
	return a, ok, nil
}

// HashStore is the subset of redis hash commands the directory uses.
type HashStore interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

type redisHashes struct{ c *redis.Client }

// NewRedisHashes adapts a go-redis client to HashStore.
func NewRedisHashes(c *redis.Client) HashStore { return &redisHashes{c: c} }

func (r *redisHashes) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisHashes) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// RedisDirectory stores areas as redis hashes, shared by all instances.
type RedisDirectory struct {
	h HashStore
}

func NewRedisDirectory(h HashStore) *RedisDirectory { return &RedisDirectory{h: h} }

func (r *RedisDirectory) SetArea(ctx context.Context, driverID string, area models.DriverLocation) error {
	err := r.h.HSet(ctx, areaKey(driverID), map[string]interface{}{
		"state":   area.State,
		"city":    area.City,
		"updated": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: set area for %s: %v", models.ErrUnavailable, driverID, err)
	}
	return nil
}

func (r *RedisDirectory) Area(ctx context.Context, driverID string) (models.DriverLocation, bool, error) {
	m, err := r.h.HGetAll(ctx, areaKey(driverID))
	if err != nil {
		return models.DriverLocation{}, false, fmt.Errorf("%w: area for %s: %v", models.ErrUnavailable, driverID, err)
	}
	if len(m) == 0 {
		return models.DriverLocation{}, false, nil
	}
	return models.DriverLocation{State: m["state"], City: m["city"]}, true, nil
}

func areaKey(id string) string { return "driver:area:" + id }
