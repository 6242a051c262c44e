package edge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/metrics"
	"github.com/posedge/fleet/internal/system"
	"github.com/posedge/fleet/pkg/logger"
)

// deliveryState tracks an entry through the transmission state machine:
// Pending -> Sending -> {Acked | RetryScheduled | DeadLettered}.
type deliveryState int

const (
	statePending deliveryState = iota
	stateSending
	stateAcked
	stateRetryScheduled
	stateDeadLettered
)

// DeliveryReport summarizes one flush pass.
type DeliveryReport struct {
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Remaining    int `json:"remaining"`
}

// FlusherConfig tunes the delivery loop.
type FlusherConfig struct {
	// Interval is how often the loop wakes to attempt delivery.
	Interval time.Duration `yaml:"interval"`
	// AttemptTimeout bounds a single publish call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// BackoffBase and BackoffCap shape the exponential retry schedule.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	// PublishRate caps outbound publishes per second. Zero disables.
	PublishRate float64 `yaml:"publish_rate"`
	// PruneInterval is how often acknowledged entries are compacted away.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

func (c *FlusherConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Minute
	}
}

type attemptRecord struct {
	count     int
	nextRetry time.Time
	state     deliveryState
}

// Flusher drains the outbox to the broker on a single background loop,
// never blocking Enqueue. Transient failures reschedule with full-jitter
// exponential backoff; permanent broker rejections move the entry to the
// dead-letter set and are not retried.
type Flusher struct {
	outbox  *Outbox
	broker  broker.Broker
	cfg     FlusherConfig
	log     *logger.Logger
	limiter *rate.Limiter
	rng     *rand.Rand
	rngMu   sync.Mutex

	attemptMu sync.Mutex
	attempts  map[uint64]*attemptRecord

	deadMu sync.RWMutex
	dead   []OutboxEntry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Flusher)(nil)

// NewFlusher creates a delivery loop for the given outbox and broker.
func NewFlusher(outbox *Outbox, b broker.Broker, cfg FlusherConfig, log *logger.Logger) *Flusher {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("flusher")
	}
	f := &Flusher{
		outbox:   outbox,
		broker:   b,
		cfg:      cfg,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		attempts: make(map[uint64]*attemptRecord),
	}
	if cfg.PublishRate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}
	return f
}

func (f *Flusher) Name() string { return "edge-flusher" }

// Start launches the background delivery loop.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()
		prune := time.NewTicker(f.cfg.PruneInterval)
		defer prune.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := f.Flush(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					f.log.WithError(err).Warn("flush pass failed")
				}
			case <-prune.C:
				if err := f.outbox.PruneAcknowledged(); err != nil {
					f.log.WithError(err).Warn("outbox prune failed")
				}
			}
		}
	}()

	f.log.Info("edge flusher started")
	return nil
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	cancel := f.cancel
	f.running = false
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.log.Info("edge flusher stopped")
	return nil
}

// Flush attempts delivery of every due pending entry in enqueue order.
// The pass stops at the first transient failure so per-location ordering
// is preserved across reconnects.
func (f *Flusher) Flush(ctx context.Context) (DeliveryReport, error) {
	var report DeliveryReport

	pending, err := f.outbox.Pending()
	if err != nil {
		return report, err
	}
	now := time.Now()

	for _, entry := range pending {
		rec := f.record(entry.Seq)
		if rec.state == stateRetryScheduled && now.Before(rec.nextRetry) {
			report.Remaining++
			continue
		}

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				report.Remaining++
				return report, err
			}
		}

		rec.state = stateSending
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		err := f.broker.Publish(attemptCtx, entry.Event)
		cancel()
		metrics.ObserveFlushAttempt(time.Since(start), err == nil)

		switch {
		case err == nil:
			rec.state = stateAcked
			if err := f.outbox.MarkAcked(entry.Seq); err != nil {
				return report, err
			}
			f.forget(entry.Seq)
			report.Delivered++

		case broker.IsPermanent(err):
			rec.state = stateDeadLettered
			f.deadLetter(entry, err)
			if err := f.outbox.MarkAcked(entry.Seq); err != nil {
				return report, err
			}
			f.forget(entry.Seq)
			report.DeadLettered++

		default:
			rec.count++
			rec.nextRetry = time.Now().Add(f.backoff(rec.count))
			rec.state = stateRetryScheduled
			report.Retried++
			report.Remaining += countRemaining(pending, entry.Seq)
			f.log.WithError(err).
				WithField("seq", entry.Seq).
				WithField("attempt", rec.count).
				Debug("transient publish failure, retry scheduled")
			metrics.SetOutboxDepth(f.outbox.PendingCount())
			return report, nil
		}
	}

	metrics.SetOutboxDepth(f.outbox.PendingCount())
	return report, nil
}

// countRemaining counts entries at or after seq, which all stay queued
// once a transient failure halts the pass.
func countRemaining(pending []OutboxEntry, seq uint64) int {
	n := 0
	for _, e := range pending {
		if e.Seq >= seq {
			n++
		}
	}
	return n
}

// backoff returns the full-jitter delay for the given attempt count:
// uniformly random within [0, min(cap, base*2^(attempt-1))].
func (f *Flusher) backoff(attempt int) time.Duration {
	d := f.cfg.BackoffBase
	for i := 1; i < attempt && d < f.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > f.cfg.BackoffCap {
		d = f.cfg.BackoffCap
	}
	f.rngMu.Lock()
	jittered := time.Duration(f.rng.Int63n(int64(d) + 1))
	f.rngMu.Unlock()
	return jittered
}

func (f *Flusher) record(seq uint64) *attemptRecord {
	f.attemptMu.Lock()
	defer f.attemptMu.Unlock()
	rec, ok := f.attempts[seq]
	if !ok {
		rec = &attemptRecord{state: statePending}
		f.attempts[seq] = rec
	}
	return rec
}

func (f *Flusher) forget(seq uint64) {
	f.attemptMu.Lock()
	delete(f.attempts, seq)
	f.attemptMu.Unlock()
}

func (f *Flusher) deadLetter(entry OutboxEntry, err error) {
	f.deadMu.Lock()
	f.dead = append(f.dead, entry)
	f.deadMu.Unlock()
	metrics.IncEdgeDeadLetter()
	f.log.WithError(err).
		WithField("seq", entry.Seq).
		WithField("event_id", entry.Event.ID).
		WithField("type", string(entry.Event.Type)).
		Error("event permanently rejected, moved to dead letters")
}

// DeadLetters returns a copy of the dead-letter set for operator
// inspection.
func (f *Flusher) DeadLetters() []OutboxEntry {
	f.deadMu.RLock()
	defer f.deadMu.RUnlock()
	return append([]OutboxEntry(nil), f.dead...)
}
