package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tassiluca/location-service/tracker-service/api"
	"github.com/tassiluca/location-service/tracker-service/entity"
	"github.com/tassiluca/location-service/tracker-service/journal"
	"github.com/tassiluca/location-service/tracker-service/reaction"
	"github.com/tassiluca/location-service/tracker-service/storage"
	"github.com/tassiluca/location-service/tracker-service/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.DefaultConfig("tracker-service", cfg.otlpEndpoint), logger)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}

	store, err := storage.New(cfg.connStr, cfg.storage)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	rc := redis.NewClient(redisOptions(cfg.redisConn))
	members := storage.NewCache(store, rc, cfg.membersTTL)

	jrnl, closeJournal, err := openJournal(cfg, rc, logger)
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	var snapshots journal.SnapshotStore = store.Snapshots()
	if cfg.snapshotBackend == "redis" {
		snapshots = journal.NewRedisSnapshots(rc)
	}

	pipeline := reaction.NewDefaultPipeline(reaction.Config{
		Directory: members,
		Notifier:  store,
		Logger:    logger,
	})
	registry := entity.NewRegistry(cfg.entity, entity.Deps{
		Journal:    jrnl,
		Snapshots:  snapshots,
		Reactor:    pipeline,
		Propagator: store,
		Logger:     logger,
	}, cfg.passivateAfter)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderContentEncoding, echo.HeaderAccept},
	}))
	api.Register(e, registry, members, api.NewRedisDeduper(rc, cfg.deduperTTL), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.listenAddr).Info("tracker listening")
		if err := e.Start(cfg.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			e.Shutdown(sctx),
			registry.Shutdown(sctx),
			closeJournal(),
			shutdownTracing(sctx),
			rc.Close(),
		)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("tracker stopped with error")
		os.Exit(1)
	}
	logger.Info("tracker stopped")
}

func openJournal(cfg config, rc *redis.Client, logger *log.Logger) (journal.Journal, func() error, error) {
	if cfg.journalBackend == "redis" {
		return journal.NewRedisJournal(rc), func() error { return nil }, nil
	}
	fj, err := journal.NewFileJournal(journal.FileConfig{
		Dir:          cfg.journalDir,
		SegmentBytes: cfg.segmentBytes,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return fj, fj.Close, nil
}
