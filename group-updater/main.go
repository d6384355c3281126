package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tassiluca/location-service/group-updater/domain"
	"github.com/tassiluca/location-service/group-updater/storage"
)

const (
	pollInterval = time.Second
	// maxDequeueCount drops a message that keeps failing instead of cycling
	// it through the queue forever.
	maxDequeueCount = 5
)

type queue interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("Group Updater Service starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	updatesQueue := envString("GROUP_UPDATES_QUEUE", "group-updates")
	viewTable := envString("GROUP_VIEW_TABLE", "GroupView")
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	channel := envString("GROUP_UPDATES_CHANNEL", "group-updates")
	if connStr == "" || redisConn == "" {
		log.Fatal("missing storage config")
	}
	cacheTTL, err := time.ParseDuration(envString("GROUP_CACHE_TTL", "12h"))
	if err != nil {
		log.Fatalf("invalid GROUP_CACHE_TTL: %v", err)
	}

	st, err := storage.New(connStr, updatesQueue, viewTable, 30*time.Second)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	rc := redis.NewClient(redisOptions(redisConn))
	defer rc.Close()
	cache := newCacheUpdater(st, rc, cacheTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	run(ctx, st, func(ctx context.Context, payload string) error {
		return processUpdate(ctx, st, cache, rc, channel, payload)
	})
	log.Info("Group Updater Service stopped")
}

// run drains the queue until ctx is done. Messages are deleted once applied
// or once they are known to be unprocessable; anything else becomes visible
// again and is retried.
func run(ctx context.Context, q queue, handle func(context.Context, string) error) {
	for ctx.Err() == nil {
		msg, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("receive")
			}
			sleep(ctx, pollInterval)
			continue
		}
		if msg == nil || msg.MessageText == nil {
			sleep(ctx, pollInterval)
			continue
		}
		if !settle(ctx, msg, handle) {
			continue
		}
		if err := q.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
			log.WithError(err).WithField("message", *msg.MessageID).Error("delete")
		}
	}
}

// settle handles msg and reports whether it should be removed from the queue.
func settle(ctx context.Context, msg *azqueue.DequeuedMessage, handle func(context.Context, string) error) bool {
	err := handle(ctx, *msg.MessageText)
	if err == nil {
		return true
	}
	entry := log.WithError(err).WithField("message", *msg.MessageID)
	if errors.Is(err, errMalformed) {
		entry.Warn("discarding malformed group update")
		return true
	}
	if msg.DequeueCount != nil && *msg.DequeueCount >= maxDequeueCount {
		entry.WithField("attempts", *msg.DequeueCount).Error("giving up on group update")
		return true
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		entry.Warn("group update conflicted, will retry")
		return false
	}
	entry.Error("failed to apply group update")
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
