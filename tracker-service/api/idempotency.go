package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "dedupe"

// RedisDeduper remembers the idempotency keys of events already routed to a
// session entity. Keys live under the encoded scope of the event and expire
// after ttl, so every tracker instance shares one view of a client's retries.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scopeKey, idemKey string) string {
	return fmt.Sprintf("%s:%s:%s", dedupeKeyPrefix, scopeKey, idemKey)
}

// Add marks a single event of scopeKey as routed. False means a retry.
func (r *RedisDeduper) Add(ctx context.Context, scopeKey, idemKey string) (bool, error) {
	return r.client.SetNX(ctx, r.key(scopeKey, idemKey), 1, r.ttl).Result()
}

// Remove forgets an event whose routing failed so the client retry goes
// through.
func (r *RedisDeduper) Remove(ctx context.Context, scopeKey, idemKey string) error {
	return r.client.Del(ctx, r.key(scopeKey, idemKey)).Err()
}

// AddMany marks a batch of events of one scope in a single pipeline. The i-th
// result is true when idemKeys[i] had not been routed yet. On error, results
// of the commands that did run are still filled in so they can be rolled back.
func (r *RedisDeduper) AddMany(ctx context.Context, scopeKey string, idemKeys []string) ([]bool, error) {
	if len(idemKeys) == 0 {
		return nil, nil
	}

	results := make([]bool, len(idemKeys))
	cmds := make([]*redis.BoolCmd, len(idemKeys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range idemKeys {
			cmds[i] = pipe.SetNX(ctx, r.key(scopeKey, k), 1, r.ttl)
		}
		return nil
	})
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			continue
		}
		results[i] = cmd.Val()
	}
	return results, err
}
