// Package main runs the fleet command center: it consumes the edge event
// stream, materializes fleet state, evaluates alert rules and serves the
// operator API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/posedge/fleet/internal/config"
	"github.com/posedge/fleet/internal/runtime"
	"github.com/posedge/fleet/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	if v := os.Getenv("FLEET_CONFIG"); v != "" && *configPath == "" {
		*configPath = v
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("command-center").WithError(err).Fatal("load config failed")
	}
	log := logger.New(cfg.Logging).WithField("component", "command-center")

	app, err := runtime.NewApplication(cfg)
	if err != nil {
		log.WithError(err).Fatal("build application failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Error("command center exited with error")
	}

	if err := app.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
}
