package subscription

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const reconnectDelay = time.Second

// SubscribeUpdates relays group updates published by the group updater to
// broadcast, keyed by group. It resubscribes when the channel closes and
// returns once ctx is done.
func SubscribeUpdates(
	ctx context.Context,
	rc *redis.Client,
	groupUpdatesChannel string,
	broadcast func(groupID string, data []byte),
) {
	for {
		sub := rc.Subscribe(ctx, groupUpdatesChannel)
		relay(ctx, sub.Channel(), groupUpdatesChannel, broadcast)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", groupUpdatesChannel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func relay(ctx context.Context, ch <-chan *redis.Message, channel string, broadcast func(string, []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			node, err := sonic.GetFromString(msg.Payload, "groupId")
			if err != nil {
				log.WithError(err).WithField("channel", channel).Error("unable to parse update")
				continue
			}
			groupID, err := node.String()
			if err != nil || groupID == "" {
				log.WithField("channel", channel).Warn("update without group, ignoring it")
				continue
			}
			broadcast(groupID, []byte(msg.Payload))
		}
	}
}
