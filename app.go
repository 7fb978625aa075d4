package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"calmweb/pkg/api"
	"calmweb/pkg/config"
	"calmweb/pkg/configdoc"
	"calmweb/pkg/database"
	"calmweb/pkg/filtering"
	"calmweb/pkg/logger"
	"calmweb/pkg/metrics"
	"calmweb/pkg/server"
	"calmweb/pkg/settings"
	"calmweb/pkg/snapshot"
	"calmweb/pkg/sources"
	"calmweb/pkg/stats"
	"calmweb/pkg/updater"
	"calmweb/pkg/version"
)

// app owns every long-lived component of the serve command.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *sql.DB
	stats     *stats.Aggregator
	publisher *snapshot.Publisher
	updates   *updater.Updater
	handler   http.Handler
	server    *server.Server
	cancel    context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, logs *logger.Buffer) (a *app, err error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := database.Open(ctx, cfg.DatabasePath(), log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	kv := database.NewKV(db)
	m := metrics.New()

	store, err := settings.Open(ctx, kv, settings.Options{PersistTimeout: cfg.Storage.PersistTimeout, Log: log})
	if err != nil {
		return nil, err
	}

	aggregator, err := stats.Open(ctx, stats.NewSQLEventLog(db), kv, stats.Options{
		Log:      log,
		Metrics:  m,
		UsageLog: cfg.Logging.UsageLog,
	})
	if err != nil {
		return nil, err
	}

	publisher := snapshot.New(snapshot.Options{
		Document:          configdoc.NewStore(cfg.DocumentPath(), cfg.Storage.PersistTimeout, log),
		Settings:          store,
		Stats:             aggregator,
		Metrics:           m,
		Log:               log,
		IncludeSubdomains: cfg.Filtering.BlockSubdomains,
		StatsTTL:          cfg.API.StatsCacheTTL,
	})
	if err := publisher.Bootstrap(ctx); err != nil {
		_ = aggregator.Close()
		return nil, err
	}

	configured, err := cfg.Sources()
	if err != nil {
		_ = aggregator.Close()
		return nil, fmt.Errorf("external lists: %w", err)
	}
	selection, err := sources.Open(ctx, kv, sources.Options{
		Configured:     configured,
		PersistTimeout: cfg.Storage.PersistTimeout,
		Log:            log,
	})
	if err != nil {
		_ = aggregator.Close()
		return nil, err
	}
	updates, err := updater.New(ctx, publisher, kv, updater.Options{
		Selection: selection,
		Load: filtering.LoadOptions{
			CacheDir:   filtering.EnsureCacheDir(cfg.Filtering.CacheDir, log),
			Log:        log,
			ErrorLimit: cfg.Logging.BlocklistErrorLimit,
			MaxDomains: cfg.Filtering.MaxExternalDomains,
		},
		Interval: cfg.Filtering.UpdateInterval,
		Log:      log,
		Metrics:  m,
	})
	if err != nil {
		_ = aggregator.Close()
		return nil, err
	}

	a = &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		stats:     aggregator,
		publisher: publisher,
		updates:   updates,
	}
	a.handler = api.NewRouter(api.Options{
		Publisher:          publisher,
		Events:             aggregator,
		Updater:            updates,
		Sources:            selection,
		Logs:               logs,
		Metrics:            m,
		Log:                log,
		Version:            version.CalmwebVersion,
		MaxExternalBlocked: cfg.Display.MaxExternalBlocked,
		MaxExternalAllowed: cfg.Display.MaxExternalAllowed,
		RateLimit:          cfg.API.RateLimit,
		Burst:              cfg.API.Burst,
	})
	return a, nil
}

// start launches the document watcher, the update schedule and the HTTP
// server. Background work ends when stop is called.
func (a *app) start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.cfg.Filtering.WatchDocument {
		go func() {
			if err := a.publisher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("config document watcher stopped", "error", err)
			}
		}()
	}
	if err := a.updates.Start(ctx); err != nil {
		return err
	}
	srv := server.New(a.cfg.Server.Listen, a.handler, a.log)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.server = srv
	return nil
}

func (a *app) reload(ctx context.Context) {
	if err := a.publisher.Reload(ctx); err != nil {
		a.log.Error("failed to reload config document", "error", err)
		return
	}
	a.log.Info("successfully reloaded config document")
}

func (a *app) stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.updates.Stop()
	if err := a.stats.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
