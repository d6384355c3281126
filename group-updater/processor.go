package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/group-updater/domain"
)

// errMalformed marks messages that can never be applied and should be
// dropped instead of redelivered.
var errMalformed = errors.New("malformed group update")

// processUpdate applies a queued group update to the view, refreshes the
// cached group and publishes the raw payload for live consumers. Stale
// updates are dropped silently.
func processUpdate(ctx context.Context, st domain.Storage, cache cacheRefresher, rc *redis.Client, channel, payload string) error {
	var u domain.Update
	if err := sonic.UnmarshalString(payload, &u); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	fields := log.Fields{"group": u.GroupID, "user": u.UserID, "seq": u.Seq}

	if _, err := domain.Apply(ctx, st, u); err != nil {
		if errors.Is(err, domain.ErrStaleUpdate) {
			log.WithFields(fields).Debug("dropping stale group update")
			return nil
		}
		return err
	}
	if cache != nil {
		cache.RefreshGroup(ctx, u.GroupID)
	}
	if err := rc.Publish(ctx, channel, payload).Err(); err != nil {
		log.WithFields(fields).WithError(err).Errorf("Unable to publish group update to %s", channel)
	}
	return nil
}
