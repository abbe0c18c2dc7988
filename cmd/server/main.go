package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"retail-hub/internal/app"
	"retail-hub/internal/config"
	"retail-hub/internal/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zl := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding, File: cfg.LogFile})
	defer func() { _ = zl.Sync() }()

	warnings, err := cfg.Validate()
	if err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}
	for _, w := range warnings {
		zl.Warn(w)
	}

	hub, err := app.Open(cfg, zl)
	if err != nil {
		zl.Fatal("database connection failed", zap.Error(err))
	}
	if err := hub.Migrate(); err != nil {
		zl.Fatal("migration failed", zap.Error(err))
	}

	server := hub.HTTP()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		zl.Info("shutting down")
		if err := server.ShutdownWithTimeout(app.ShutdownTimeout); err != nil {
			zl.Error("http shutdown", zap.Error(err))
		}
	}()

	zl.Info("server listening", zap.String("port", cfg.HTTPPort))
	if err := server.Listen(":" + cfg.HTTPPort); err != nil {
		zl.Error("http server stopped", zap.Error(err))
	}

	if err := hub.Close(); err != nil {
		zl.Error("close", zap.Error(err))
	}
}
