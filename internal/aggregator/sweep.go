package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/system"
	"github.com/posedge/fleet/pkg/logger"
)

// SweepConfig tunes the stale-location sweep.
type SweepConfig struct {
	// Schedule is a cron spec; "@every 1m" by default.
	Schedule string `yaml:"schedule"`
	// TopicPrefix scopes the emitted offline events.
	TopicPrefix string `yaml:"topic_prefix"`
}

func (c *SweepConfig) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
}

// Sweep marks locations offline once their heartbeats stop. A silent
// location produces no events to ingest, so rule evaluation alone never
// notices it; the sweep is the push that closes that gap, emitting
// pos.location.offline and opening the critical no-heartbeat alert.
type Sweep struct {
	cfg    SweepConfig
	agg    *Aggregator
	broker broker.Broker
	log    *logger.Logger
	cron   *cron.Cron
}

var _ system.Service = (*Sweep)(nil)

// NewSweep builds the sweep. The broker may be nil, in which case no
// offline events are emitted and only local state changes.
func NewSweep(cfg SweepConfig, agg *Aggregator, b broker.Broker, log *logger.Logger) *Sweep {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("offline-sweep")
	}
	return &Sweep{cfg: cfg, agg: agg, broker: b, log: log}
}

func (s *Sweep) Name() string { return "offline-sweep" }

// Start schedules the sweep.
func (s *Sweep) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.Run(ctx); err != nil {
			s.log.WithError(err).Warn("offline sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.WithField("schedule", s.cfg.Schedule).Info("offline sweep started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweep) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cron = nil
	s.log.Info("offline sweep stopped")
	return nil
}

// Run executes one sweep pass immediately.
func (s *Sweep) Run(ctx context.Context) error {
	states, err := s.agg.states.ListStates(ctx, location.Filter{})
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	now := s.agg.now()
	grace := s.agg.cfg.Thresholds.HeartbeatGrace

	for _, state := range states {
		if state.LastHeartbeat.IsZero() || now.Sub(state.LastHeartbeat) <= grace {
			continue
		}
		wasOffline := state.Status == location.StatusOffline

		s.agg.evaluateRules(ctx, state, now)
		state.Status = s.agg.computeStatus(state, now)
		state.UpdatedAt = now
		if err := s.agg.states.PutState(ctx, state); err != nil {
			s.log.WithError(err).
				WithField("location_id", state.LocationID).
				Warn("sweep state update failed")
			continue
		}

		if !wasOffline && state.Status == location.StatusOffline {
			s.log.WithField("location_id", state.LocationID).
				WithField("last_seen", state.LastHeartbeat).
				Warn("location marked offline")
			s.emitOffline(ctx, state, grace)
		}
	}
	return nil
}

func (s *Sweep) emitOffline(ctx context.Context, state *location.State, grace time.Duration) {
	if s.broker == nil {
		return
	}
	event, err := events.New(events.TypeLocationOffline,
		events.Source{LocationID: state.LocationID},
		events.OfflinePayload{
			LocationID:     state.LocationID,
			LastSeen:       state.LastHeartbeat,
			TimeoutSeconds: int(grace.Seconds()),
		})
	if err != nil {
		s.log.WithError(err).Warn("build offline event failed")
		return
	}
	if err := s.broker.Publish(ctx, event); err != nil {
		s.log.WithError(err).
			WithField("location_id", state.LocationID).
			Warn("publish offline event failed")
	}
}
