package edge

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/posedge/fleet/internal/domain/device"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/system"
	"github.com/posedge/fleet/pkg/logger"
)

// SimulatorConfig tunes the synthetic device load.
type SimulatorConfig struct {
	// Interval is the pause between sample rounds.
	Interval time.Duration `yaml:"interval"`
	// TankDrainPercent is how much each tank loses per round.
	TankDrainPercent float64 `yaml:"tank_drain_percent"`
}

func (c *SimulatorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.TankDrainPercent <= 0 {
		c.TankDrainPercent = 0.5
	}
}

// Simulator drives an agent with synthetic device samples shaped by the
// location's declared inventory. It exists for demos and soak tests; a
// real deployment wires device pollers to Agent.Record instead.
type Simulator struct {
	cfg   SimulatorConfig
	agent *Agent
	loc   location.Location
	log   *logger.Logger
	rng   *rand.Rand

	tankLevels map[string]float64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Simulator)(nil)

// NewSimulator builds a synthetic load generator for the agent.
func NewSimulator(cfg SimulatorConfig, agent *Agent, loc location.Location, log *logger.Logger) *Simulator {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("edge-simulator")
	}
	s := &Simulator{
		cfg:        cfg,
		agent:      agent,
		loc:        loc,
		log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		tankLevels: make(map[string]float64),
	}
	for i := 0; i < loc.PumpCount/2+1 && loc.Type == location.TypeGasStation; i++ {
		s.tankLevels[fmt.Sprintf("tank-%d", i+1)] = 60 + s.rng.Float64()*40
	}
	return s
}

func (s *Simulator) Name() string { return "edge-simulator" }

// Start launches the sample loop.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.round()
			}
		}
	}()
	s.log.WithField("interval", s.cfg.Interval).Info("simulator started")
	return nil
}

// Stop halts the sample loop.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// round emits one sample per declared device. Record drops invalid
// samples on its own, so errors here are already logged.
func (s *Simulator) round() {
	for i := 0; i < s.loc.POSCount; i++ {
		id := fmt.Sprintf("pos-%d", i+1)
		_, _ = s.agent.Record(id, RawSample{Kind: device.KindPOS, Fields: map[string]interface{}{
			"cpu_percent":    20 + s.rng.Float64()*60,
			"memory_percent": 30 + s.rng.Float64()*50,
			"disk_percent":   40 + s.rng.Float64()*30,
			"network_up":     true,
		}})
	}
	for i := 0; i < s.loc.PumpCount; i++ {
		id := fmt.Sprintf("pump-%d", i+1)
		if s.rng.Float64() < 0.3 {
			liters := 10 + s.rng.Float64()*50
			_, _ = s.agent.Record(id, RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
				"fuel_type": "diesel",
				"liters":    liters,
				"total":     liters * 1.65,
				"phase":     "end",
			}})
		} else {
			_, _ = s.agent.Record(id, RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
				"status": "available",
			}})
		}
	}
	for id, level := range s.tankLevels {
		level -= s.cfg.TankDrainPercent
		if level < 0 {
			level = 100
		}
		s.tankLevels[id] = level
		_, _ = s.agent.Record(id, RawSample{Kind: device.KindTank, Fields: map[string]interface{}{
			"fuel_type": "diesel",
			"level":     level * 100,
			"capacity":  10000.0,
		}})
	}
	if s.loc.KitchenStations > 0 {
		depth := s.rng.Intn(15)
		_, _ = s.agent.Record("kitchen-1", RawSample{Kind: device.KindKitchen, Fields: map[string]interface{}{
			"queue_depth":      depth,
			"avg_wait_seconds": float64(depth) * 45,
		}})
	}
}
