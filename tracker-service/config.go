package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tassiluca/location-service/tracker-service/entity"
	"github.com/tassiluca/location-service/tracker-service/storage"
)

type config struct {
	connStr         string
	storage         storage.Config
	redisConn       string
	journalBackend  string
	journalDir      string
	segmentBytes    int64
	snapshotBackend string
	entity          entity.Config
	passivateAfter  time.Duration
	membersTTL      time.Duration
	deduperTTL      time.Duration
	otlpEndpoint    string
	listenAddr      string
	debug           bool
}

func loadConfig() (config, error) {
	cfg := config{
		connStr: os.Getenv("STORAGE_CONNECTION_STRING"),
		storage: storage.Config{
			SnapshotsTable:     envString("SNAPSHOTS_TABLE", "Snapshots"),
			MembersTable:       envString("MEMBERS_TABLE", "Members"),
			NotificationsQueue: envString("NOTIFICATIONS_QUEUE", "notifications"),
			GroupUpdatesQueue:  envString("GROUP_UPDATES_QUEUE", "group-updates"),
		},
		redisConn:       os.Getenv("REDIS_CONNECTION_STRING"),
		journalBackend:  envString("JOURNAL_BACKEND", "file"),
		journalDir:      envString("JOURNAL_DIR", "data/journal"),
		snapshotBackend: envString("SNAPSHOT_BACKEND", "table"),
		otlpEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		listenAddr:      ":8080",
	}
	if cfg.connStr == "" {
		return cfg, fmt.Errorf("missing storage config")
	}
	if cfg.redisConn == "" {
		return cfg, fmt.Errorf("missing redis config")
	}
	switch cfg.journalBackend {
	case "file", "redis":
	default:
		return cfg, fmt.Errorf("invalid JOURNAL_BACKEND %q", cfg.journalBackend)
	}
	switch cfg.snapshotBackend {
	case "table", "redis":
	default:
		return cfg, fmt.Errorf("invalid SNAPSHOT_BACKEND %q", cfg.snapshotBackend)
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.listenAddr = ":" + val
	}

	segmentMB, err := envInt("JOURNAL_SEGMENT_MB", 4)
	if err != nil {
		return cfg, err
	}
	cfg.segmentBytes = int64(segmentMB) << 20

	e := &cfg.entity
	if e.AliveCheckInterval, err = envDur("ALIVE_CHECK_INTERVAL", 20*time.Second); err != nil {
		return cfg, err
	}
	if e.StaleAfter, err = envDur("STALE_AFTER", 60*time.Second); err != nil {
		return cfg, err
	}
	snapshotEvery, err := envInt("SNAPSHOT_EVERY", 100)
	if err != nil {
		return cfg, err
	}
	e.SnapshotEvery = uint64(snapshotEvery)
	if e.BackoffInitial, err = envDur("RESTART_BACKOFF_INITIAL", 2*time.Second); err != nil {
		return cfg, err
	}
	if e.BackoffMax, err = envDur("RESTART_BACKOFF_MAX", 15*time.Second); err != nil {
		return cfg, err
	}
	if e.InboxSize, err = envInt("ENTITY_INBOX", 1024); err != nil {
		return cfg, err
	}
	if e.ReactionTimeout, err = envDur("REACTION_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if e.TolerateReplayErrors, err = envBool("TOLERATE_REPLAY_ERRORS", false); err != nil {
		return cfg, err
	}
	if cfg.passivateAfter, err = envDur("PASSIVATE_AFTER", 2*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.membersTTL, err = envDur("MEMBERS_CACHE_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.deduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.debug, err = envBool("DEBUG", false); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDur(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// redisOptions accepts either a redis:// URL or an Azure style connection
// string "host:port,password=...,ssl=True".
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
