package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"unitrade/internal/activity"
	"unitrade/internal/api"
	"unitrade/internal/config"
	"unitrade/internal/engine"
	"unitrade/internal/events"
	"unitrade/internal/logging"
	"unitrade/internal/metrics"
	"unitrade/internal/storage"
	"unitrade/internal/viewcache"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "unitrade:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	watch := flag.Duration("watch", 3*time.Second, "config reload poll interval (0 disables)")
	flag.Parse()

	mgr, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.NewCollector()
	cache := viewcache.New(
		viewcache.WithWindows(cfg.Views.SuppressionWindow, cfg.Views.RetentionWindow),
		viewcache.WithSweepInterval(cfg.Views.SweepInterval),
		viewcache.WithLogger(logger),
		viewcache.WithSweepHook(collector.Swept),
	)
	collector.TrackCacheSize(cache.Len)

	g, gctx := errgroup.WithContext(ctx)

	var publisher events.Publisher
	if cfg.Events.Enabled {
		stream := events.NewStream(events.NewKafkaWriter(cfg.Events), cfg.Events.Buffer, cfg.Events.Timeout, logger)
		stream.OnResult(collector.EventPublished)
		publisher = stream
		logger.Info("view events enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
		g.Go(func() error { return stream.Run(gctx) })
	}

	stats := metrics.NewStore(cfg.Stats.StoreLimit)
	feed := activity.NewStore(cfg.Activity.StoreLimit)
	eng := engine.NewEngine(cfg, engine.Deps{
		Logger:    logger,
		Cache:     cache,
		Counter:   store,
		Stats:     stats,
		Collector: collector,
		Activity:  feed,
		Publisher: publisher,
	})

	cache.Start(gctx)
	defer cache.Stop()

	server := api.NewServer(api.Deps{
		Config:    mgr,
		Views:     eng,
		Products:  store,
		Stats:     stats,
		Activity:  feed,
		Collector: collector,
		Logger:    logger,
		Version:   version,
	})
	g.Go(func() error { return api.Serve(gctx, server) })

	if *configPath != "" && *watch > 0 {
		g.Go(func() error {
			mgr.Watch(*watch, func(next *config.Config) {
				logger.Info("config reloaded", "path", mgr.Path())
				eng.UpdateConfig(next)
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			}, gctx.Done())
			return nil
		})
	}

	logger.Info("unitrade started", "version", version, "storage", cfg.Storage.Driver)
	<-gctx.Done()
	logger.Info("shutting down")
	return g.Wait()
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
