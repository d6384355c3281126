package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type backend interface {
	Members(ctx context.Context, groupID string) ([]string, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
}

// Cache wraps a membership backend with a Redis read-through cache.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Members(ctx context.Context, groupID string) ([]string, error) {
	if members, ok := c.loadMembers(ctx, groupID); ok {
		return members, nil
	}
	members, err := c.base.Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.storeMembers(ctx, groupID, members)
	return members, nil
}

func (c *Cache) AddMember(ctx context.Context, groupID, userID string) error {
	if err := c.base.AddMember(ctx, groupID, userID); err != nil {
		return err
	}
	c.Evict(ctx, groupID)
	return nil
}

func (c *Cache) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := c.base.RemoveMember(ctx, groupID, userID); err != nil {
		return err
	}
	c.Evict(ctx, groupID)
	return nil
}

func (c *Cache) loadMembers(ctx context.Context, groupID string) ([]string, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, MembersCacheKey(groupID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, MembersCacheKey(groupID)).Err()
		}
		return nil, false
	}
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		_ = c.redis.Del(ctx, MembersCacheKey(groupID)).Err()
		return nil, false
	}
	return members, true
}

func (c *Cache) storeMembers(ctx context.Context, groupID string, members []string) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(members)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, MembersCacheKey(groupID), data, c.ttl).Err()
}

// Evict drops the cached member list of a group.
func (c *Cache) Evict(ctx context.Context, groupID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, MembersCacheKey(groupID)).Result()
}

// MembersCacheKey is shared with the group updater, which evicts it when a
// membership changes upstream.
func MembersCacheKey(groupID string) string {
	return "members:" + groupID
}
