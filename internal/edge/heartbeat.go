package edge

import (
	"context"
	"sync"
	"time"

	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/system"
	"github.com/posedge/fleet/pkg/logger"
)

// Heartbeat emits pos.location.heartbeat on a fixed interval whether or
// not any other activity occurred, letting the command center tell an
// idle location from a disconnected one. Heartbeats go through the
// outbox like any other event, so a buffered backlog also carries the
// heartbeats recorded while offline.
type Heartbeat struct {
	outbox       *Outbox
	locationID   string
	locationType location.Type
	posCount     int
	pumpCount    int
	log          *logger.Logger

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

var _ system.Service = (*Heartbeat)(nil)

// NewHeartbeat creates the heartbeat emitter. A non-positive interval
// defaults to 30s.
func NewHeartbeat(outbox *Outbox, loc location.Location, interval time.Duration, log *logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("heartbeat")
	}
	return &Heartbeat{
		outbox:       outbox,
		locationID:   loc.ID,
		locationType: loc.Type,
		posCount:     loc.POSCount,
		pumpCount:    loc.PumpCount,
		interval:     interval,
		log:          log,
	}
}

func (h *Heartbeat) Name() string { return "edge-heartbeat" }

// SetInterval adjusts the emission interval; applied on the next tick.
func (h *Heartbeat) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.interval = d
	h.mu.Unlock()
}

// Start launches the emission loop and emits one heartbeat immediately.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.emit()
		for {
			h.mu.Lock()
			interval := h.interval
			h.mu.Unlock()

			timer := time.NewTimer(interval)
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				h.emit()
			}
		}
	}()

	h.log.WithField("location_id", h.locationID).Info("heartbeat emitter started")
	return nil
}

// Stop halts emission.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	h.running = false
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (h *Heartbeat) emit() {
	event, err := events.New(
		events.TypeLocationHeartbeat,
		events.Source{LocationID: h.locationID},
		events.HeartbeatPayload{
			LocationID:   h.locationID,
			LocationType: string(h.locationType),
			Status:       "healthy",
			POSCount:     h.posCount,
			PumpCount:    h.pumpCount,
		},
	)
	if err != nil {
		h.log.WithError(err).Error("build heartbeat event")
		return
	}
	if _, err := h.outbox.Enqueue(event); err != nil {
		h.log.WithError(err).Warn("enqueue heartbeat")
	}
}
