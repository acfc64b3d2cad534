package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dbehnke/collar-nexus/pkg/config"
	"github.com/dbehnke/collar-nexus/pkg/database"
	"github.com/dbehnke/collar-nexus/pkg/device"
	"github.com/dbehnke/collar-nexus/pkg/dispatch"
	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/metrics"
	"github.com/dbehnke/collar-nexus/pkg/session"
	"github.com/dbehnke/collar-nexus/pkg/store"
	"github.com/dbehnke/collar-nexus/pkg/tracklog"
	"github.com/dbehnke/collar-nexus/pkg/transport"
	"github.com/dbehnke/collar-nexus/pkg/web"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

const maintenanceInterval = time.Minute

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("Collar-Nexus %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	// Basic console logger until the config is loaded
	log := logger.New(logger.Config{
		Level:  "info",
		Format: "text",
	})

	log.Info("Starting Collar-Nexus",
		logger.String("version", version),
		logger.String("commit", gitCommit),
		logger.String("build_time", buildTime))

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("Failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	// Validate only mode
	if *validate {
		log.Info("Configuration is valid")
		os.Exit(0)
	}

	// Reinitialize logger with config settings
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	log.Info("Configuration loaded successfully",
		logger.String("config_file", *configFile))

	web.SetVersionInfo(web.VersionInfo{Version: version, Commit: gitCommit, BuildTime: buildTime})

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	metricsCollector := metrics.NewCollector()

	// Fix history
	var (
		db       *database.DB
		recorder *tracklog.Recorder
		history  web.History
	)
	trackCfg := tracklog.Config{
		MinInterval: cfg.Tracking.MinInterval,
		StaleAfter:  cfg.Tracking.StaleAfter,
	}
	if cfg.Database.Enabled {
		db, err = database.NewDB(database.Config{Path: cfg.Database.Path}, log)
		if err != nil {
			log.Error("Failed to open database", logger.Error(err))
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Warn("Failed to close database", logger.Error(err))
			}
		}()
		collarRepo := database.NewCollarFixRepository(db.GetDB())
		history = collarRepo
		recorder = tracklog.NewRecorder(collarRepo, database.NewPositionRepository(db.GetDB()), trackCfg, log)
	} else {
		recorder = tracklog.NewRecorder(nil, nil, trackCfg, log)
	}
	recorder.SetMetrics(metricsCollector)

	// Last-known-position cache
	var cache *store.Cache
	if cfg.Redis.Enabled {
		cache = store.New(store.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			TTL:       cfg.Redis.TTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, log)
		cache.SetMetrics(metricsCollector)
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn("Redis unavailable, cache writes will fail until it is reachable", logger.Error(err))
		}
		pingCancel()
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warn("Failed to close redis client", logger.Error(err))
			}
		}()
	}

	// Device service
	svc := device.New(transport.DeviceOpener(cfg.Device.Path, cfg.Device.Baud), deviceConfig(cfg.Device), log)
	svc.SetMetrics(metricsCollector)
	defer svc.Close()

	svc.Subscribe(recorder)
	if cache != nil {
		svc.Subscribe(cache)
	}

	// Start Prometheus metrics server if enabled
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metricsServer := metrics.NewPrometheusServer(
				metrics.PrometheusConfig{
					Enabled: cfg.Metrics.Prometheus.Enabled,
					Port:    cfg.Metrics.Prometheus.Port,
					Path:    cfg.Metrics.Prometheus.Path,
				},
				metricsCollector,
				log,
			)
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Prometheus metrics server error", logger.Error(err))
			}
		}()
	}

	// Start web server if enabled
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, web.Sources{
			Device:  svc,
			Tracker: recorder,
			History: history,
		}, log)
		svc.Subscribe(srv.GetHub())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Web server error", logger.Error(err))
			}
		}()
	}

	// Stale collar sweep and history retention
	wg.Add(1)
	go func() {
		defer wg.Done()
		maintain(ctx, recorder, db, cfg, log)
	}()

	// Device loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil {
			log.Error("Device service stopped", logger.Error(err))
			cancel()
		}
	}()

	log.Info("Collar-Nexus initialized",
		logger.String("device", cfg.Device.Path))

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal",
			logger.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Cancel context to trigger graceful shutdown
	cancel()

	// Wait for all components to stop
	wg.Wait()

	log.Info("Collar-Nexus stopped")
}

func deviceConfig(c config.DeviceConfig) device.Config {
	return device.Config{
		ConnectRetryInterval: c.ConnectRetryInterval,
		MaxConnectAttempts:   c.MaxConnectAttempts,
		StopTimeout:          c.StopTimeout,
		EventQueueSize:       c.EventQueueSize,
		AutoReconnect:        c.AutoReconnect,
		Session: session.Config{
			StartCommand: uint16(c.StartCommand),
			AutoStart:    c.StartCommand > 0,
		},
		Dispatch: dispatch.Config{
			WaitSlice:    c.ControlWait,
			BulkWait:     c.BulkWait,
			RetryBackoff: c.PostRetryBackoff,
			MaxIOErrors:  c.MaxIOErrors,
		},
	}
}

func maintain(ctx context.Context, rec *tracklog.Recorder, db *database.DB, cfg *config.Config, log *logger.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := rec.CleanupStale(cfg.Tracking.StaleAfter)
			log.Debug("Collar sweep", logger.Int("active", active))

			if db != nil && cfg.Database.Retention > 0 {
				n, err := db.Prune(cfg.Database.Retention)
				if err != nil {
					log.Warn("Failed to prune history", logger.Error(err))
				} else if n > 0 {
					log.Info("Pruned history", logger.Int64("rows", n))
				}
			}
		}
	}
}
