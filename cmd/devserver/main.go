package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/config"
	"github.com/yourorg/artmarket/conversation-sync/internal/devserver"
	"github.com/yourorg/artmarket/conversation-sync/internal/utils"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("SYNC_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	if cfg.DevServer.JWTSecret == "" {
		log.Fatal("devserver.jwt_secret (SYNC_DEVSERVER_JWT_SECRET) is required")
	}

	logger, err := utils.NewLogger(cfg.Log.Dev, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	srv := devserver.New(devserver.Options{
		JWTSecret:    cfg.DevServer.JWTSecret,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteDeadline,
		ReadLimit:    cfg.WS.MaxMessageSizeBytes,
	}, logger)

	errs := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.DevServer.Port)
		logger.Info("starting dev backend", zap.String("addr", addr))
		errs <- srv.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		logger.Fatal("server error", zap.Error(err))
	case s := <-sig:
		logger.Info("signal received", zap.String("signal", s.String()))
	}

	if err := srv.Shutdown(); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("dev backend stopped")
}
