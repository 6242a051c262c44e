package edge

import (
	"context"
	"fmt"
	"time"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/metrics"
	"github.com/posedge/fleet/pkg/logger"
)

// AgentConfig configures one edge agent instance.
type AgentConfig struct {
	Location          location.Location `yaml:"location"`
	OutboxDir         string            `yaml:"outbox_dir"`
	OutboxMaxPending  int               `yaml:"outbox_max_pending"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	Flusher           FlusherConfig     `yaml:"flusher"`
	TopicPrefix       string            `yaml:"topic_prefix"`
}

func (c *AgentConfig) applyDefaults() {
	if c.OutboxDir == "" {
		c.OutboxDir = "data/outbox"
	}
	if c.OutboxMaxPending <= 0 {
		c.OutboxMaxPending = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// Agent is the runtime for one location: it translates device samples
// into events, persists them, and guarantees eventual delivery. A
// device-observation failure never stops the runtime; the bad sample is
// logged and dropped while polling continues.
type Agent struct {
	cfg       AgentConfig
	observer  *Observer
	outbox    *Outbox
	flusher   *Flusher
	heartbeat *Heartbeat
	broker    broker.Broker
	log       *logger.Logger
}

// NewAgent wires the agent components for a location.
func NewAgent(cfg AgentConfig, b broker.Broker, log *logger.Logger) (*Agent, error) {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("edge-agent")
	}
	log = log.WithField("location_id", cfg.Location.ID)

	observer, err := NewObserver(cfg.Location.ID)
	if err != nil {
		return nil, err
	}
	outbox, err := OpenOutbox(cfg.OutboxDir, cfg.OutboxMaxPending, log)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	return &Agent{
		cfg:       cfg,
		observer:  observer,
		outbox:    outbox,
		flusher:   NewFlusher(outbox, b, cfg.Flusher, log),
		heartbeat: NewHeartbeat(outbox, cfg.Location, cfg.HeartbeatInterval, log),
		broker:    b,
		log:       log,
	}, nil
}

// Start launches the flusher and heartbeat loops and subscribes to
// command-center pushes for this agent.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.flusher.Start(ctx); err != nil {
		return err
	}
	if err := a.heartbeat.Start(ctx); err != nil {
		return err
	}
	topic := broker.TopicFor(events.TypeCommandConfigPush, a.cfg.TopicPrefix)
	if err := a.broker.Subscribe(ctx, topic, a.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	a.log.Info("edge agent started")
	return nil
}

// Stop halts background loops and closes the outbox.
func (a *Agent) Stop(ctx context.Context) error {
	if err := a.heartbeat.Stop(ctx); err != nil {
		return err
	}
	if err := a.flusher.Stop(ctx); err != nil {
		return err
	}
	return a.outbox.Close()
}

// Record observes a raw device sample and durably enqueues the
// resulting event. Safe for concurrent use by device pollers. Invalid
// samples are dropped with an error; they never reach the outbox.
func (a *Agent) Record(deviceID string, sample RawSample) (OutboxEntry, error) {
	event, err := a.observer.Observe(deviceID, sample)
	if err != nil {
		metrics.IncObservationRejected()
		a.log.WithError(err).
			WithField("device_id", deviceID).
			Warn("invalid device sample dropped")
		return OutboxEntry{}, err
	}
	entry, err := a.outbox.Enqueue(event)
	if err != nil {
		return OutboxEntry{}, err
	}
	metrics.SetOutboxDepth(a.outbox.PendingCount())
	return entry, nil
}

// Flush runs one delivery pass immediately, outside the background
// schedule. Used by tests and by operators forcing a drain.
func (a *Agent) Flush(ctx context.Context) (DeliveryReport, error) {
	return a.flusher.Flush(ctx)
}

// DeadLetters exposes permanently rejected events.
func (a *Agent) DeadLetters() []OutboxEntry {
	return a.flusher.DeadLetters()
}

// PruneAcknowledged reclaims outbox space held by delivered entries.
func (a *Agent) PruneAcknowledged() error {
	return a.outbox.PruneAcknowledged()
}

// handleCommand applies command-center pushes addressed to this
// location. Unknown commands are ignored so new command types can ship
// before agents update.
func (a *Agent) handleCommand(_ context.Context, event *events.Event) error {
	if event.Type != events.TypeCommandConfigPush {
		return nil
	}
	var payload events.ConfigPushPayload
	if err := event.DecodeData(&payload); err != nil {
		return &broker.PermanentError{Reason: err.Error()}
	}
	if !targetsLocation(payload.TargetLocations, a.cfg.Location.ID) {
		return nil
	}

	if v, ok := payload.Config["heartbeat_interval_seconds"]; ok {
		if secs, ok := v.(float64); ok && secs > 0 {
			a.heartbeat.SetInterval(time.Duration(secs) * time.Second)
			a.log.WithField("interval_seconds", secs).
				WithField("config_version", payload.Version).
				Info("heartbeat interval updated by config push")
		}
	}
	return nil
}

func targetsLocation(targets []string, locationID string) bool {
	for _, t := range targets {
		if t == "all" || t == locationID {
			return true
		}
	}
	return false
}
