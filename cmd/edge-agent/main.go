// Package main runs a fleet edge agent: it observes local devices,
// persists events to the durable outbox and delivers them to the broker
// with at-least-once semantics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/config"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/edge"
	"github.com/posedge/fleet/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	locationID := flag.String("location", "", "Location id this agent serves")
	locationType := flag.String("location-type", "", "Location type: gas_station, fast_food or retail")
	simulate := flag.Bool("simulate", false, "Generate synthetic device samples")
	flag.Parse()

	if v := os.Getenv("FLEET_CONFIG"); v != "" && *configPath == "" {
		*configPath = v
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("edge-agent").WithError(err).Fatal("load config failed")
	}
	if *locationID != "" {
		cfg.Edge.Location.ID = *locationID
	}
	if *locationType != "" {
		cfg.Edge.Location.Type = location.Type(*locationType)
	}
	log := logger.New(cfg.Logging).WithField("component", "edge-agent")

	if cfg.Edge.Location.ID == "" {
		log.Fatal("a location id is required (flag -location or FLEET_LOCATION_ID)")
	}
	if cfg.Edge.TopicPrefix == "" {
		cfg.Edge.TopicPrefix = cfg.TopicPrefix
	}

	b, err := buildBroker(cfg)
	if err != nil {
		log.WithError(err).Fatal("configure broker failed")
	}
	defer b.Close()

	agent, err := edge.NewAgent(cfg.Edge, b, log)
	if err != nil {
		log.WithError(err).Fatal("build agent failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		log.WithError(err).Fatal("start agent failed")
	}

	var sim *edge.Simulator
	if *simulate {
		sim = edge.NewSimulator(edge.SimulatorConfig{}, agent, cfg.Edge.Location, log)
		if err := sim.Start(ctx); err != nil {
			log.WithError(err).Fatal("start simulator failed")
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx := context.Background()
	if sim != nil {
		if err := sim.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("stop simulator failed")
		}
	}
	if err := agent.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("stop agent failed")
		os.Exit(1)
	}
}

func buildBroker(cfg config.Config) (broker.Broker, error) {
	switch cfg.Broker.Driver {
	case "", "memory":
		return broker.NewMemory(), nil
	case "rocketmq":
		return broker.NewRocketMQ(cfg.Broker.RocketMQ)
	case "mqtt":
		return broker.NewMQTT(cfg.Broker.MQTT)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}
