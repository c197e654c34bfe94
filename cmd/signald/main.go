package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sign-bridge/callkit/relay"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

// Log file configuration
const (
	logFileAddress    string = "signald/signald.log"
	logFileMaxSize    int    = 10
	logFileMaxBackups int    = 2
	logFileMaxAge     int    = 3
	logFileCompress   bool   = false
)

func main() {
	logger := shared.NewFileLogger(
		logFileAddress, logFileMaxSize, logFileMaxBackups, logFileMaxAge, logFileCompress,
	).With(
		zap.String("component", "signald"),
	)

	configPath, err := shared.Getenv("RELAY_CONFIG", false, "")
	if err != nil {
		logger.Error("reading RELAY_CONFIG", err)
		os.Exit(1)
	}
	cfg, err := relay.LoadConfig(configPath)
	if err != nil {
		logger.Error("loading configuration", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		logger.Error("RELAY_JWT_SECRET must be set", nil)
		os.Exit(1)
	}

	// Redis when reachable, in-memory otherwise. A single-node relay is
	// fully functional without redis; it just loses the log on restart.
	var store relay.Store
	store, err = relay.NewRedisStore(cfg.Redis, cfg.RoomTTL, cfg.SignalRetention)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory store", zap.Error(err))
		store = relay.NewMemoryStore()
	}
	defer store.Close()

	server, err := relay.NewServer(cfg, store, logger)
	if err != nil {
		logger.Error("creating relay server", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error("relay server failed", err)
		os.Exit(1)
	}
	logger.Info("graceful shutdown complete")
}
