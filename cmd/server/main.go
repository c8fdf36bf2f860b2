package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/size-ruler/internal/config"
	"github.com/size-ruler/internal/handler"
	"github.com/size-ruler/internal/kafka"
	"github.com/size-ruler/internal/postgres"
	"github.com/size-ruler/internal/redis"
	"github.com/size-ruler/internal/service"
	"github.com/size-ruler/internal/store"
	"github.com/size-ruler/internal/websocket"
	"github.com/size-ruler/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	loadErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	if loadErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", loadErr)
	}

	game, err := cfg.Game.Game()
	if err != nil {
		logger.Error("invalid game config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Record store
	records, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open record store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer records.Close()
	logger.Info("record store ready", "driver", cfg.Storage.Driver)

	// Optional rank index
	var index service.RankIndex
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		redisIndex, err := redis.NewRankIndex(ctx, &cfg.Redis, logger)
		if err != nil {
			logger.Warn("rank index unavailable, ranking from the record store", "error", err)
		} else {
			defer redisIndex.Close()
			index = redisIndex
			logger.Info("connected to Redis")
		}
	}

	board := service.NewLeaderboardService(records, index, game, logger)
	registry := service.NewRegistry(records, board, game, service.SystemClock, logger)
	if err := registry.Init(ctx); err != nil {
		logger.Error("failed to initialize collections", "error", err)
		os.Exit(1)
	}
	engine := service.NewEngine(records, board, game, service.SystemClock, service.RandomDeltas, logger)

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	board.SetHub(wsHub)
	logger.Info("WebSocket hub initialized")

	syncWorker := worker.NewSyncWorker(board, &cfg.Sync, logger)
	if board.IndexEnabled() {
		// Rebuild from the record store on startup (recovery)
		stats := syncWorker.RunOnce(ctx)
		logger.Info("rank index rebuilt", "scopes", stats.Scopes, "members", stats.Members, "errors", stats.Errors)

		if cfg.Sync.Enabled {
			if err := syncWorker.Start(ctx); err != nil {
				logger.Error("failed to start sync worker", "error", err)
				os.Exit(1)
			}
		}
	}

	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, service.NewGame(registry, engine), logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		}
	}

	httpHandler := handler.NewHandler(registry, engine, board, wsHub, records, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := syncWorker.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}

	wsHub.Stop()

	logger.Info("server stopped")
}

// openStore connects the configured record store backend
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return postgres.Open(ctx, &cfg.Postgres, logger)
	default:
		return store.OpenSQLite(cfg.Storage.SQLitePath, logger)
	}
}
