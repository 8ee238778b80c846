package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"catalog-cache/internal/common/logging"
	"catalog-cache/internal/config"
	"catalog-cache/internal/engine"
	"catalog-cache/internal/locks"
	"catalog-cache/internal/redis"
	"catalog-cache/internal/server"
	"catalog-cache/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{
		Level: logging.ParseLevel(cfg.LogLevel),
		Name:  "catalog-cache",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// One client per quorum node. The first node doubles as the data plane
	// for cache entries, pub/sub, and the dead-letter set; the full set
	// participates in lock quorum votes.
	clients := make([]*redis.Client, 0, len(cfg.RedisAddresses))
	for _, addr := range cfg.RedisAddresses {
		client, err := redis.NewClient(&redis.Config{
			Address:  addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Redis node %s: %v", addr, err)
		}
		defer client.Close()
		clients = append(clients, client)
	}
	dataPlane := clients[0]

	lockManager, err := locks.NewManager(clients, locks.ManagerConfig{
		TTL:         cfg.LockTTL,
		Retries:     cfg.LockRetries,
		BackoffBase: cfg.LockBackoffBase,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize lock manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Source of truth
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pg.Close()

	eng, err := engine.New(cfg, dataPlane, lockManager, pg, logger)
	if err != nil {
		log.Fatalf("Failed to build cache engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start cache engine: %v", err)
	}

	// Ops surface
	handler := server.NewHandler(eng, dataPlane, pg, logger)
	srv := server.New(handler.Router(), cfg.Port)
	serveErrs := srv.Start()
	logger.Info("ops server listening", logging.String("port", cfg.Port))

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", logging.String("signal", sig.String()))
	case err := <-serveErrs:
		logger.Error("ops server failed", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server forced to shutdown", err)
	}

	eng.Stop()
	cancel()
	logger.Info("exited cleanly")
}
