// Package runtime wires the command-center components from configuration
// and manages their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/posedge/fleet/internal/aggregator"
	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/config"
	"github.com/posedge/fleet/internal/httpapi"
	"github.com/posedge/fleet/internal/storage"
	"github.com/posedge/fleet/internal/storage/memory"
	"github.com/posedge/fleet/internal/storage/postgres"
	"github.com/posedge/fleet/internal/system"
	"github.com/posedge/fleet/pkg/logger"
)

// Application is the assembled command center.
type Application struct {
	cfg      config.Config
	log      *logger.Logger
	agg      *aggregator.Aggregator
	pool     *aggregator.Pool
	sweep    *aggregator.Sweep
	hub      *httpapi.Hub
	broker   broker.Broker
	server   *http.Server
	services []system.Service
	closers  []func() error
}

// NewApplication builds the command center from configuration.
func NewApplication(cfg config.Config) (*Application, error) {
	log := logger.New(cfg.Logging).WithField("component", "command-center")

	app := &Application{cfg: cfg, log: log}

	states, alerts, dead, err := app.buildStores()
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}
	dedup, err := app.buildDedup()
	if err != nil {
		return nil, fmt.Errorf("configure dedup: %w", err)
	}
	b, err := app.buildBroker()
	if err != nil {
		return nil, fmt.Errorf("configure broker: %w", err)
	}
	app.broker = b

	app.agg = aggregator.New(cfg.Aggregator, states, alerts, dead, dedup, log)
	app.hub = httpapi.NewHub(log)
	app.agg.SetNotifier(app.hub)
	app.pool = aggregator.NewPool(cfg.Pool, app.agg, log)
	app.sweep = aggregator.NewSweep(cfg.Sweep, app.agg, b, log)
	app.services = []system.Service{app.pool, app.sweep}

	handler := httpapi.NewHandler(app.agg, app.hub, log)
	app.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(cfg.HTTP.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

func (a *Application) buildStores() (storage.StateStore, storage.AlertStore, storage.DeadLetterStore, error) {
	switch a.cfg.Storage.Driver {
	case "", "memory":
		store := memory.New()
		return store, store, store, nil
	case "postgres":
		store, err := postgres.Open(a.cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, store, store, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
}

func (a *Application) buildDedup() (aggregator.Dedup, error) {
	if a.cfg.Redis.Addr == "" {
		return aggregator.NewMemoryDedup(a.cfg.Aggregator.DedupWindow), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.log.WithField("addr", a.cfg.Redis.Addr).Info("using redis dedup window")
	return aggregator.NewRedisDedup(client, a.cfg.Aggregator.DedupWindow), nil
}

func (a *Application) buildBroker() (broker.Broker, error) {
	switch a.cfg.Broker.Driver {
	case "", "memory":
		return broker.NewMemory(), nil
	case "rocketmq":
		return broker.NewRocketMQ(a.cfg.Broker.RocketMQ)
	case "mqtt":
		return broker.NewMQTT(a.cfg.Broker.MQTT)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", a.cfg.Broker.Driver)
	}
}

// Aggregator exposes the core for tests and embedded use.
func (a *Application) Aggregator() *aggregator.Aggregator { return a.agg }

// Run starts the services and the HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		a.log.WithField("service", svc.Name()).Info("service started")
	}
	if err := a.pool.SubscribeAll(ctx, a.broker, a.cfg.TopicPrefix); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.HTTP.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the server and services in reverse start order.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	for i := len(a.services) - 1; i >= 0; i-- {
		svc := a.services[i]
		if err := svc.Stop(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
		}
	}
	if err := a.broker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, close := range a.closers {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("command center stopped")
	return firstErr
}
