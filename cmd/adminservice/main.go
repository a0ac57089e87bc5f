package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/app"
	"github.com/saasops/adminservice/internal/config"
	sharedlog "github.com/saasops/adminservice/internal/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml; environment variables only when empty")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := sharedlog.Init(cfg.Log.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		sharedlog.Error(ctx, "failed to wire service", zap.Error(err))
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		sharedlog.Error(ctx, "service exited with error", zap.Error(err))
		os.Exit(1)
	}
	sharedlog.Info(ctx, "service stopped")
}
