package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/crane-telemetry/alert"
	"github.com/eddielth/crane-telemetry/config"
	"github.com/eddielth/crane-telemetry/decoder"
	"github.com/eddielth/crane-telemetry/events"
	"github.com/eddielth/crane-telemetry/ingest"
	"github.com/eddielth/crane-telemetry/logger"
	"github.com/eddielth/crane-telemetry/metrics"
	"github.com/eddielth/crane-telemetry/mqtt"
	"github.com/eddielth/crane-telemetry/registry"
	"github.com/eddielth/crane-telemetry/storage"
	"github.com/eddielth/crane-telemetry/transformer"
	"github.com/go-redis/redis/v8"
)

const forwarderBuffer = 1024

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.FilePath,
		cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := newStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to initialize storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	scripts, err := transformer.NewManager(cfg.Decoder.Scripts)
	if err != nil {
		logger.Error("failed to load decode scripts: %v", err)
		os.Exit(1)
	}
	dec := decoder.New(decoder.NewScriptStrategy(scripts))

	mqttClient, err := mqtt.NewClient(cfg.MQTT)
	if err != nil {
		logger.Error("failed to create MQTT client: %v", err)
		os.Exit(1)
	}

	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis at %s not reachable, forwarded events may be lost: %v", cfg.Redis.Addr, err)
		}
		fwd := events.NewStreamForwarder(rdb, cfg.Redis.Stream, forwarderBuffer)
		go fwd.Run(ctx)
		broadcaster.AddForwarder(fwd)
		logger.Info("forwarding events to redis stream %s", cfg.Redis.Stream)
	}

	if cfg.MQTT.EventTopicPrefix != "" {
		fwd := events.NewMQTTForwarder(mqttClient, cfg.MQTT.EventTopicPrefix, forwarderBuffer)
		go fwd.Run(ctx)
		broadcaster.AddForwarder(fwd)
		logger.Info("forwarding events to MQTT under %s", cfg.MQTT.EventTopicPrefix)
	}

	reg := registry.New(store, broadcaster,
		registry.WithTTL(cfg.Registry.PendingTTL),
		registry.WithOfflineAfter(cfg.Registry.OfflineAfter),
	)
	go reg.Run(ctx, cfg.Registry.SweepInterval)

	dedup := alert.NewDeduplicator(store, broadcaster,
		alert.WithWindow(cfg.Alerts.DedupWindow),
		alert.WithUtilizationThreshold(cfg.Alerts.UtilizationThreshold),
	)

	var handlerOpts []ingest.Option
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, m)
		if err := metricsServer.Start(); err != nil {
			logger.Error("failed to start metrics server: %v", err)
		}
		handlerOpts = append(handlerOpts, ingest.WithMetrics(m))
		go reportPending(ctx, reg, m, cfg.Registry.SweepInterval)
	}

	handler := ingest.NewHandler(dec, reg, store, dedup, broadcaster, handlerOpts...)

	manager := mqtt.NewManager(mqttClient, cfg.MQTT.Topics, handler.HandleMessage)
	if err := manager.Start(); err != nil {
		logger.Error("failed to start MQTT service: %v", err)
		os.Exit(1)
	}

	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		logger.Info("applying new configuration...")

		for name, script := range newCfg.Decoder.Scripts {
			if err := scripts.ReloadTransformer(name, script); err != nil {
				logger.Error("failed to reload decode script %s: %v", name, err)
			}
		}
		for _, name := range scripts.Names() {
			if _, ok := newCfg.Decoder.Scripts[name]; !ok {
				scripts.Remove(name)
			}
		}

		dedup.SetThresholds(newCfg.Alerts.DedupWindow, newCfg.Alerts.UtilizationThreshold)

		logger.Info("MQTT, storage and registry changes take effect after restart")
		return nil
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file %s", *configPath)
	}

	logger.Info("crane telemetry service started, waiting for device data...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	manager.Stop()
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown: %v", err)
		}
		shutdownCancel()
	}
	logger.Info("service stopped")
}

// newStore opens the primary store and attaches the file archive
func newStore(cfg config.StorageConfig) (*storage.Manager, error) {
	var primary storage.DatabaseStorage = storage.NewMemoryStorage()
	if cfg.Database.Enabled {
		db, err := storage.NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		primary = db
	}
	if err := primary.InitDatabase(); err != nil {
		primary.Close()
		return nil, err
	}

	manager := storage.NewManager(primary)
	if cfg.File.Enabled {
		archive, err := storage.NewFileStorage(cfg.File.Path)
		if err != nil {
			manager.Close()
			return nil, err
		}
		manager.AddBackend(archive)
		logger.Info("archiving telemetry to %s", cfg.File.Path)
	}
	return manager, nil
}

func reportPending(ctx context.Context, reg *registry.Registry, m *metrics.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetPendingDevices(len(reg.ListPending()))
		}
	}
}
