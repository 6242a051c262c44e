package aggregator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/system"
	"github.com/posedge/fleet/pkg/logger"
)

// PoolConfig tunes the ingestion worker pool.
type PoolConfig struct {
	// Workers is the number of partition-affine workers.
	Workers int `yaml:"workers"`
	// QueueSize is the per-worker channel depth.
	QueueSize int `yaml:"queue_size"`
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

type poolItem struct {
	event *events.Event
	done  chan error
}

// Pool fans events out to partition-affine workers. Every event for a
// location hashes to the same worker, so per-location state has exactly
// one writer and handlers need no locking around State.
type Pool struct {
	cfg    PoolConfig
	agg    *Aggregator
	log    *logger.Logger
	queues []chan poolItem

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Pool)(nil)

// NewPool builds a worker pool over the aggregator.
func NewPool(cfg PoolConfig, agg *Aggregator, log *logger.Logger) *Pool {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("ingest-pool")
	}
	p := &Pool{cfg: cfg, agg: agg, log: log}
	p.queues = make([]chan poolItem, cfg.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan poolItem, cfg.QueueSize)
	}
	return p
}

func (p *Pool) Name() string { return "ingest-pool" }

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	for i, queue := range p.queues {
		p.wg.Add(1)
		go p.worker(runCtx, i, queue)
	}
	p.log.WithField("workers", p.cfg.Workers).Info("ingest pool started")
	return nil
}

// Stop halts the workers and waits for in-flight events to finish.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("ingest pool stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, id int, queue chan poolItem) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			_, err := p.agg.Ingest(ctx, item.event)
			if err != nil {
				log.WithError(err).
					WithField("event_id", item.event.ID).
					Warn("ingest failed")
			}
			item.done <- err
		}
	}
}

// Submit routes an event to its partition's worker and waits for the
// outcome, so broker acking follows processing. Used as the broker
// subscription handler.
func (p *Pool) Submit(ctx context.Context, e *events.Event) error {
	item := poolItem{event: e, done: make(chan error, 1)}
	queue := p.queues[p.partition(e)]
	select {
	case queue <- item:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// partition hashes the event's location so one worker owns each
// location. Events with an unparsable source land on worker 0; they are
// rejected during ingest anyway.
func (p *Pool) partition(e *events.Event) int {
	src, err := events.ParseSource(e.Source)
	if err != nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(src.LocationID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// SubscribeAll registers the pool as handler for every event family the
// aggregator consumes.
func (p *Pool) SubscribeAll(ctx context.Context, b broker.Broker, topicPrefix string) error {
	topics := broker.Topics(topicPrefix,
		events.TypeLocationHeartbeat,
		events.TypeTransactionCompleted,
		events.TypeHealthReport,
		events.TypeKitchenQueueStatus,
		events.TypePumpStatus,
		events.TypeTankLevel,
		events.TypeAlertRaised,
		events.TypeCommandAlertAcknowledge,
	)
	for _, topic := range topics {
		if err := b.Subscribe(ctx, topic, p.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// handle adapts Submit to the broker handler contract: rejected events
// are acked (they are dead-lettered inside Ingest), transient errors
// propagate so the broker redelivers.
func (p *Pool) handle(ctx context.Context, e *events.Event) error {
	return p.Submit(ctx, e)
}
