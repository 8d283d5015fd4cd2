// Package app wires the engine together: database, ledger, gate,
// dispatcher, the two periodic services, the event consumer and the
// health surface.
package app

import (
	"context"
	"fmt"

	"github.com/dtable-io/automationd/internal/config"
	"github.com/dtable-io/automationd/internal/db"
	"github.com/dtable-io/automationd/internal/dispatch"
	"github.com/dtable-io/automationd/internal/events"
	"github.com/dtable-io/automationd/internal/executor"
	"github.com/dtable-io/automationd/internal/gate"
	"github.com/dtable-io/automationd/internal/health"
	"github.com/dtable-io/automationd/internal/ledger"
	"github.com/dtable-io/automationd/internal/roles"
	"github.com/dtable-io/automationd/internal/scanner"
	"github.com/dtable-io/automationd/internal/stats"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Migrate opens the database and runs migrations.
func Migrate(cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// Run boots the engine and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	store := ledger.NewStore(conn)
	eligibility := gate.NewGate(conn, store)

	httpExecutor := executor.NewHTTPExecutor(cfg.ExecutorURL, cfg.PrivateKey)
	dispatcher := dispatch.NewDispatcher(conn, store, httpExecutor)
	if dispatcher == nil {
		return fmt.Errorf("app: dispatcher construction failed")
	}

	healthSrv := health.NewServer(conn, cfg.Health.Addr)

	if cfg.Scanner.Enabled {
		ruleScanner := scanner.NewScanner(conn, store, dispatcher, httpExecutor.Metadata)
		ruleScanner.Start(ctx)
		healthSrv.Register("scanner", func() any { return ruleScanner.Status() })
	} else {
		log.Warn("app: rule scanner disabled by config")
	}

	if cfg.StatsUpdater.Enabled {
		directory := roles.NewClient(cfg.WebServiceURL, cfg.PrivateKey)
		updater := stats.NewUpdater(conn, store, directory, cfg.StatsUpdater.RunAt)
		updater.Start(ctx)
		healthSrv.Register("stats_updater", func() any { return updater.Status() })
	} else {
		log.Warn("app: stats updater disabled by config")
	}

	if cfg.EventSource.Enabled && cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter := dispatch.NewMinuteLimiter(cfg.Dispatcher.PerMinuteTriggerLimit)
		consumer := events.NewConsumer(rdb, conn, eligibility, dispatcher, limiter, httpExecutor.Metadata, cfg.EventSource.QueueKey)
		consumer.Start(ctx)
		healthSrv.Register("event_consumer", func() any { return consumer.Status() })
	} else {
		log.Warn("app: event consumer disabled (no redis configured or disabled by config)")
	}

	healthSrv.Start(ctx)

	log.Info("automation engine started")
	<-ctx.Done()
	log.Info("automation engine stopping")
	return nil
}
