package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"afteryou/internal/api"
	"afteryou/internal/broker"
	"afteryou/internal/config"
	"afteryou/internal/db"
	"afteryou/internal/discovery"
	"afteryou/internal/logging"
	"afteryou/internal/repository"
	"afteryou/internal/services"
	"afteryou/internal/services/collaboration"
	"afteryou/internal/services/realtime"
	"afteryou/internal/telemetry"

	"github.com/grandcat/zeroconf"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", true)
		bootLogger.Fatal().Err(err).Msg("❌ Failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	logger.Info().Msg("🚀 Starting afteryou gateway...")

	// Tracing first so everything after it is traced
	jaegerShutdown, err := telemetry.InitJaeger(cfg.TracingEnabled, "afteryou-gateway", cfg.JaegerEndpoint, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("⚠️  Failed to initialize Jaeger, continuing without tracing")
		jaegerShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("⚠️  Failed to shutdown Jaeger")
		}
	}()

	store := realtime.NewStore(logger)

	// Durable storage is optional; the memory driver keeps the tree in
	// process only.
	var (
		persistence *services.PersistenceServiceImpl
		queue       api.QueueReporter
	)
	if cfg.DBDriver != config.DriverMemory {
		database, err := db.NewGorm(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("❌ Failed to connect to database")
		}
		defer database.Close()

		entryRepo := repository.NewEntryRepository(database.DB)

		entries, err := entryRepo.List(context.Background(), "")
		if err != nil {
			logger.Fatal().Err(err).Msg("❌ Failed to load stored tree")
		}
		loaded := store.Load(entries)
		logger.Info().Int("entries", loaded).Str("driver", cfg.DBDriver).Msg("✓ Tree restored")

		persistence = services.NewPersistenceService(entryRepo, cfg.PersistWorkers, cfg.PersistQueueSize, logger)
		persistence.Start()
		store.SetPersister(persistence)
		queue = persistence
	} else {
		logger.Warn().Msg("⚠️  DB_DRIVER=memory, nothing will survive a restart")
	}

	// Cross-instance fan-out
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	brokerDone := make(chan struct{})
	var redisBroker *broker.RedisBroker
	if cfg.RedisAddr != "" {
		redisBroker = broker.NewRedisBroker(cfg.RedisAddr, cfg.RedisChannel, logger)

		pingCtx, cancel := context.WithTimeout(brokerCtx, 3*time.Second)
		err := redisBroker.Ping(pingCtx)
		cancel()

		if err != nil {
			logger.Warn().Err(err).Msg("⚠️  Redis unreachable, running as a single instance")
			redisBroker.Close()
			redisBroker = nil
		} else {
			store.SetPublisher(redisBroker)
			go func() {
				defer close(brokerDone)
				if err := redisBroker.Run(brokerCtx, store); err != nil {
					logger.Error().Err(err).Msg("❌ Broker stopped")
				}
			}()
			logger.Info().Str("addr", cfg.RedisAddr).Str("instance", redisBroker.InstanceID()).Msg("✓ Redis fan-out enabled")
		}
	}
	if redisBroker == nil {
		close(brokerDone)
	}

	sessionManager := collaboration.NewSessionManager(store, collaboration.Limits{
		WritesPerSecond: cfg.WritesPerSecond,
		WriteBurst:      cfg.WriteBurst,
	}, logger)
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)

	handler := api.NewHandler(store, sessionManager, queue, wsHandler.HandleConnection, logger)
	router := api.SetupRoutes(handler, logger)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("🌐 Gateway listening")
		logger.Info().Msg("   GET    /ws                  - Gateway websocket")
		logger.Info().Msg("   GET    /api/paper           - Current paper")
		logger.Info().Msg("   GET    /api/snapshots       - List snapshots (?color=black|red|all)")
		logger.Info().Msg("   POST   /api/snapshots       - Capture a snapshot")
		logger.Info().Msg("   DELETE /api/snapshots/{id}  - Delete a snapshot")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("❌ Server error")
		}
	}()

	var mdns *zeroconf.Server
	if cfg.MDNSEnabled {
		port, err := strconv.Atoi(cfg.ServerPort)
		if err != nil {
			logger.Warn().Str("port", cfg.ServerPort).Msg("⚠️  SERVER_PORT is not numeric, skipping mDNS")
		} else if mdns, err = discovery.Advertise(port, "/ws", logger); err != nil {
			logger.Warn().Err(err).Msg("⚠️  mDNS advertisement failed")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("🛑 Shutting down gateway...")

	if mdns != nil {
		mdns.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("⚠️  Server forced to shutdown")
	}

	// Sessions first: their onDisconnect removals still reach peers and the
	// database.
	sessionManager.Shutdown()

	stopBroker()
	<-brokerDone
	if redisBroker != nil {
		redisBroker.Close()
	}

	if persistence != nil {
		persistence.Shutdown()
		written, failed := persistence.Stats()
		logger.Info().Int64("written", written).Int64("failed", failed).Msg("✓ Persistence drained")
	}

	logger.Info().Msg("✓ Gateway shutdown complete")
}
