package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/group-updater/domain"
)

type cacheStore interface {
	ListGroup(ctx context.Context, groupID string) ([]domain.MemberEntity, error)
}

type cacheRefresher interface {
	RefreshGroup(ctx context.Context, groupID string)
}

type cacheUpdater struct {
	store cacheStore
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

const groupCachePrefix = "gv"

type cachedPosition struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

type cachedMember struct {
	UserID    string          `json:"userId"`
	Status    string          `json:"status"`
	LastEvent string          `json:"lastEvent,omitempty"`
	Seq       uint64          `json:"seq"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Position  *cachedPosition `json:"position,omitempty"`
}

type cachedGroup struct {
	Version       int            `json:"version"`
	CachedAt      time.Time      `json:"cachedAt"`
	LastUpdatedAt time.Time      `json:"lastUpdatedAt"`
	Members       []cachedMember `json:"members"`
}

func newCacheUpdater(store cacheStore, redis *redis.Client, ttl time.Duration) *cacheUpdater {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &cacheUpdater{store: store, redis: redis, ttl: ttl, now: time.Now}
}

// RefreshGroup rebuilds the cached view of a group from the table. Failures
// are logged; readers fall back to the table when the entry is missing.
func (c *cacheUpdater) RefreshGroup(ctx context.Context, groupID string) {
	if c == nil || c.redis == nil || c.store == nil {
		return
	}
	logger := log.WithField("group", groupID)
	rows, err := c.store.ListGroup(ctx, groupID)
	if err != nil {
		logger.WithError(err).Error("failed to list group members for cache")
		return
	}
	key := cacheKey(groupID, groupCachePrefix)
	if len(rows) == 0 {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			logger.WithError(err).Error("failed to delete group cache entry")
		}
		return
	}
	payload := cachedGroup{Version: 1, CachedAt: c.now().UTC(), Members: make([]cachedMember, 0, len(rows))}
	for _, r := range rows {
		m := cachedMember{
			UserID:    r.RowKey,
			Status:    r.Status,
			LastEvent: r.LastEvent,
			Seq:       r.Seq,
			UpdatedAt: r.UpdatedAt,
		}
		if r.HasPosition() {
			m.Position = &cachedPosition{Latitude: *r.Latitude, Longitude: *r.Longitude}
		}
		if r.UpdatedAt.After(payload.LastUpdatedAt) {
			payload.LastUpdatedAt = r.UpdatedAt
		}
		payload.Members = append(payload.Members, m)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Error("failed to marshal group cache payload")
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.WithError(err).Error("failed to store group cache entry")
	}
}

func cacheKey(id, prefix string) string {
	return id + ":" + prefix
}
