// Package cache is the Redis storage location. Plans route low-importance and
// temporal memories here instead of the vector tier; entries are JSON under
// mem:{user_id}:{memory_id} with the plan's TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mnemos/internal/memerr"
	"mnemos/internal/types"
)

// Cache wraps a Redis client. The caller owns the client's lifecycle; Close
// here is a convenience that closes it.
type Cache struct {
	rdb *redis.Client
	log *zap.Logger
}

// New wraps an existing Redis client. The client is required; the composition
// root builds it from config so tests can substitute miniredis.
func New(rdb *redis.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{rdb: rdb, log: log.Named("cache")}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, "cache.Ping", err, "redis unreachable")
	}
	return nil
}

// entry is the serialized form. TypePath does not marshal with the memory, so
// it rides alongside.
type entry struct {
	Memory     types.Memory `json:"memory"`
	MemoryType string       `json:"memory_type,omitempty"`
	CachedAt   time.Time    `json:"cached_at"`
}

func key(userID, memoryID string) string {
	return "mem:" + userID + ":" + memoryID
}

// Put stores one memory. ttl <= 0 means no expiry, for plans where the cache
// is a secondary accelerator rather than the primary tier.
func (c *Cache) Put(ctx context.Context, mem types.Memory, ttl time.Duration) error {
	const op = "cache.Put"

	if mem.UserID == "" || mem.ID == "" {
		return memerr.New(memerr.KindValidation, op, "user_id and memory id are required")
	}

	payload, err := json.Marshal(entry{
		Memory:     mem,
		MemoryType: mem.Type.String(),
		CachedAt:   time.Now().UTC(),
	})
	if err != nil {
		return memerr.Wrapf(memerr.KindInternal, op, err, "marshal memory %s", mem.ID)
	}

	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key(mem.UserID, mem.ID), payload, ttl).Err(); err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "cache memory %s", mem.ID)
	}
	c.log.Debug("memory cached",
		zap.String("memory_id", mem.ID),
		zap.Duration("ttl", ttl))
	return nil
}

// Get returns one cached memory. The second return is false on a miss.
func (c *Cache) Get(ctx context.Context, userID, memoryID string) (types.Memory, bool, error) {
	const op = "cache.Get"

	raw, err := c.rdb.Get(ctx, key(userID, memoryID)).Result()
	if errors.Is(err, redis.Nil) {
		return types.Memory{}, false, nil
	}
	if err != nil {
		return types.Memory{}, false, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "read memory %s", memoryID)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return types.Memory{}, false, memerr.Wrapf(memerr.KindInternal, op, err, "decode memory %s", memoryID)
	}
	mem := e.Memory
	mem.Type = types.ParsePath(e.MemoryType)
	return mem, true, nil
}

// Delete removes one cached memory. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, userID, memoryID string) error {
	if err := c.rdb.Del(ctx, key(userID, memoryID)).Err(); err != nil {
		return memerr.Wrapf(memerr.KindStoreUnavailable, "cache.Delete", err, "delete memory %s", memoryID)
	}
	return nil
}

// ByUser returns a user's cached memories, newest creation first. Entries that
// expire between the key scan and the read are skipped.
func (c *Cache) ByUser(ctx context.Context, userID string, limit int) ([]types.Memory, error) {
	const op = "cache.ByUser"

	if userID == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	var memories []types.Memory
	iter := c.rdb.Scan(ctx, 0, "mem:"+userID+":*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "read %s", iter.Val())
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			c.log.Warn("cache entry unreadable", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		mem := e.Memory
		mem.Type = types.ParsePath(e.MemoryType)
		memories = append(memories, mem)
	}
	if err := iter.Err(); err != nil {
		return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "scan user %s", userID)
	}

	sort.SliceStable(memories, func(i, j int) bool {
		if !memories[i].CreatedAt.Equal(memories[j].CreatedAt) {
			return memories[i].CreatedAt.After(memories[j].CreatedAt)
		}
		return memories[i].ID < memories[j].ID
	})
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}
