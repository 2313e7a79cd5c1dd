package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"oddsflow/config"
	"oddsflow/internal/book"
	"oddsflow/internal/conn"
	"oddsflow/internal/creds"
	"oddsflow/internal/feed"
	"oddsflow/internal/freshness"
	"oddsflow/internal/metrics"
	"oddsflow/internal/venue"
	"oddsflow/internal/venue/kalshi"
	"oddsflow/internal/venue/limitless"
	"oddsflow/internal/venue/polymarket"
	"oddsflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Oddsflow.Name,
		"version": cfg.Oddsflow.Version,
	}).Info("starting oddsflow")

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := creds.NewEnvProvider()
	store := book.NewStore()
	bus := feed.NewBus(cfg.Events.BufferSize)

	tracker := freshness.NewTracker(freshness.Config{
		StaleThreshold:      cfg.Freshness.StaleThreshold,
		CheckInterval:       cfg.Freshness.CheckInterval,
		StaleCountThreshold: cfg.Freshness.StaleCountThreshold,
		FallbackEnabled:     cfg.Freshness.FallbackEnabled,
		PollInterval:        cfg.Freshness.PollInterval,
	}, func(n freshness.Notification) {
		kind := feed.UpdateStale
		if n.Kind == freshness.Recovered {
			kind = feed.UpdateRecovered
		}
		bus.Publish(feed.Update{Kind: kind, Venue: n.Venue, Symbol: n.Symbol})
	})

	type venueSetup struct {
		adapter venue.Adapter
		cfg     config.VenueConfig
	}
	setups := []venueSetup{}
	if cfg.Venues.Polymarket.Enabled {
		setups = append(setups, venueSetup{polymarket.New(cfg.Venues.Polymarket), cfg.Venues.Polymarket})
	}
	if cfg.Venues.Kalshi.Enabled {
		setups = append(setups, venueSetup{kalshi.New(cfg.Venues.Kalshi, provider), cfg.Venues.Kalshi})
	}
	if cfg.Venues.Limitless.Enabled {
		setups = append(setups, venueSetup{limitless.New(cfg.Venues.Limitless, provider), cfg.Venues.Limitless})
	}
	if len(setups) == 0 {
		log.Error("no venues enabled")
		os.Exit(1)
	}

	managers := make([]*conn.Manager, 0, len(setups))
	facades := make([]*feed.Facade, 0, len(setups))
	for _, s := range setups {
		cm := conn.NewManager(s.adapter, conn.Config{
			BackoffBase: s.cfg.Backoff.Base,
			BackoffMax:  s.cfg.Backoff.Max,
			MaxAttempts: s.cfg.Backoff.MaxAttempts,
			EventBuffer: cfg.Events.ConnBuffer,
		})
		managers = append(managers, cm)
		facades = append(facades, feed.NewFacade(s.adapter, cm, store, tracker, bus))
	}

	manager := feed.NewManager(feed.ManagerConfig{
		CacheTTL:        cfg.Cache.TTL,
		CacheMaxEntries: cfg.Cache.MaxEntries,
	}, bus, facades...)

	startCtx, startCancel := context.WithTimeout(ctx, 60*time.Second)
	if err := manager.Start(startCtx); err != nil {
		startCancel()
		log.WithError(err).Error("failed to start feed manager")
		os.Exit(1)
	}
	startCancel()

	// Subscribe the configured symbols per venue.
	for _, s := range setups {
		for _, symbol := range s.cfg.Symbols {
			if err := manager.Subscribe(s.adapter.Name(), symbol, nil); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"venue":  s.adapter.Name(),
					"symbol": symbol,
				}).Warn("failed to subscribe configured symbol")
			}
		}
	}

	if cfg.Metrics.Enabled {
		go reportStats(ctx, log, manager, managers, cfg.Metrics.Interval)
	}

	log.WithField("venues", manager.Venues()).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		manager.Stop()
		tracker.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("oddsflow stopped")
}

// reportStats periodically emits connection and subscription gauges.
func reportStats(ctx context.Context, log *logger.Log, manager *feed.Manager, conns []*conn.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for venueName, vs := range manager.Stats() {
				available := 0.0
				if vs.Available {
					available = 1
				}
				metrics.EmitMetric(log, "feed_manager", "venue_available", available, "gauge", logger.Fields{"venue": venueName})
				metrics.EmitMetric(log, "feed_manager", "active_subscriptions", vs.Subscriptions, "gauge", logger.Fields{"venue": venueName})
			}
			for _, cm := range conns {
				stats := cm.Stats()
				metrics.EmitMetric(log, "conn_manager", "reconnects_total", stats.Reconnects, "counter", logger.Fields{"state": stats.State})
				metrics.EmitMetric(log, "conn_manager", "events_dropped_total", stats.DroppedEvents, "counter", logger.Fields{"state": stats.State})
			}
		}
	}
}
