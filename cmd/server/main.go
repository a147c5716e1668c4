package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/qualys/accessreview/internal/app"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/logger"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	l := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, l)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	l.Info("starting access review server", "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := a.Serve(ctx); err != nil {
		l.Error("server failed", "error", err)
		os.Exit(1)
	}
}
