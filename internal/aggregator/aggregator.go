// Package aggregator is the command-center core: it consumes the event
// stream, materializes per-location fleet state, and drives the alert
// lifecycle. Correctness holds under duplicate delivery and cross-source
// reordering; the aggregator is the dedup authority for the pipeline.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/metrics"
	"github.com/posedge/fleet/internal/storage"
	"github.com/posedge/fleet/pkg/logger"
)

// IngestResult classifies the outcome of processing one event.
type IngestResult string

const (
	// ResultAccepted means the event mutated state (or fed counters).
	ResultAccepted IngestResult = "accepted"
	// ResultDuplicate means the event id was already inside the dedup
	// window and was skipped.
	ResultDuplicate IngestResult = "duplicate"
	// ResultRejected means the event was structurally invalid and moved
	// to the dead-letter store.
	ResultRejected IngestResult = "rejected"
	// ResultIgnored means the event type has no registered handler.
	ResultIgnored IngestResult = "ignored"
)

// Notifier receives alert lifecycle transitions for fan-out to
// connected dashboards. Implementations must not block.
type Notifier interface {
	AlertOpened(a alert.Alert)
	AlertClosed(a alert.Alert)
}

// Config tunes the aggregator core.
type Config struct {
	// DedupWindow bounds how long event ids are remembered.
	DedupWindow time.Duration `yaml:"dedup_window"`
	// Thresholds are the alert rule trigger points.
	Thresholds Thresholds `yaml:"thresholds"`
}

func (c *Config) applyDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	c.Thresholds.applyDefaults()
}

type handlerFunc func(ctx context.Context, s *location.State, e *events.Event) error

// Aggregator materializes fleet state from the event stream.
type Aggregator struct {
	cfg      Config
	states   storage.StateStore
	alerts   storage.AlertStore
	dead     storage.DeadLetterStore
	dedup    Dedup
	rules    []Rule
	handlers map[events.Type]handlerFunc
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time

	countMu    sync.Mutex
	openCounts map[alert.Severity]int
}

// New builds an aggregator over the given stores. A nil dedup gets an
// in-memory window sized from config; a nil notifier is a no-op.
func New(cfg Config, states storage.StateStore, alerts storage.AlertStore, dead storage.DeadLetterStore, dedup Dedup, log *logger.Logger) *Aggregator {
	cfg.applyDefaults()
	if dedup == nil {
		dedup = NewMemoryDedup(cfg.DedupWindow)
	}
	if log == nil {
		log = logger.NewDefault("aggregator")
	}
	a := &Aggregator{
		cfg:        cfg,
		states:     states,
		alerts:     alerts,
		dead:       dead,
		dedup:      dedup,
		rules:      defaultRules(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		openCounts: make(map[alert.Severity]int),
	}
	a.handlers = map[events.Type]handlerFunc{
		events.TypeLocationHeartbeat:    a.handleHeartbeat,
		events.TypeLocationOffline:      a.handleOffline,
		events.TypeTransactionStarted:   a.handleTransaction,
		events.TypeTransactionCompleted: a.handleTransaction,
		events.TypeTransactionFailed:    a.handleTransaction,
		events.TypeHealthReport:         a.handleHealthReport,
		events.TypeKitchenQueueStatus:   a.handleKitchenQueue,
		events.TypeKitchenOrderReceived: a.handleKitchenOrder,
		events.TypeKitchenOrderStarted:  a.handleKitchenOrder,
		events.TypeKitchenOrderReady:    a.handleKitchenOrder,
		events.TypePumpTransactionStart: a.handlePumpTransaction,
		events.TypePumpTransactionEnd:   a.handlePumpTransaction,
		events.TypePumpStatus:           a.handlePumpStatus,
		events.TypeTankLevel:            a.handleTankLevel,
		events.TypeTankAlertLow:         a.handleTankLevel,
		events.TypeAlertRaised:          a.handleAlertRaised,

		events.TypeCommandAlertAcknowledge: a.handleAcknowledgeCommand,
	}
	return a
}

// SetNotifier installs the alert fan-out sink. Must be called before
// ingestion starts.
func (a *Aggregator) SetNotifier(n Notifier) { a.notifier = n }

// Ingest processes one delivered event. A nil error with ResultRejected
// means the event was dead-lettered and the delivery should be acked; a
// non-nil error is transient and the delivery should be redelivered.
func (a *Aggregator) Ingest(ctx context.Context, e *events.Event) (IngestResult, error) {
	if err := e.Validate(); err != nil {
		return a.reject(ctx, e, err)
	}

	seen, err := a.dedup.CheckAndMark(ctx, e.ID)
	if err != nil {
		return "", fmt.Errorf("dedup: %w", err)
	}
	if seen {
		metrics.IncDuplicate()
		metrics.IncIngested(string(e.Type), string(ResultDuplicate))
		return ResultDuplicate, nil
	}

	result, err := a.apply(ctx, e)
	if err != nil {
		// Roll the dedup mark back so the broker redelivery is not
		// swallowed as a duplicate.
		if ferr := a.dedup.Forget(ctx, e.ID); ferr != nil {
			a.log.WithError(ferr).WithField("event_id", e.ID).Warn("dedup rollback failed")
		}
		return "", err
	}
	metrics.IncIngested(string(e.Type), string(result))
	return result, nil
}

func (a *Aggregator) apply(ctx context.Context, e *events.Event) (IngestResult, error) {
	handler, ok := a.handlers[e.Type]
	if !ok {
		return ResultIgnored, nil
	}

	// Command-family events act on alerts or agents, not on a location's
	// materialized state.
	if e.Type.Family() == "command" {
		if err := handler(ctx, nil, e); err != nil {
			if events.IsValidation(err) {
				return a.reject(ctx, e, err)
			}
			return "", err
		}
		return ResultAccepted, nil
	}

	src, err := events.ParseSource(e.Source)
	if err != nil {
		r, rerr := a.reject(ctx, e, err)
		return r, rerr
	}

	state, err := a.states.GetState(ctx, src.LocationID)
	if errors.Is(err, storage.ErrNotFound) {
		state = location.NewState(src.LocationID)
	} else if err != nil {
		return "", fmt.Errorf("load state %s: %w", src.LocationID, err)
	}

	if err := handler(ctx, state, e); err != nil {
		if events.IsValidation(err) {
			return a.reject(ctx, e, err)
		}
		return "", err
	}

	if e.Time.After(state.LastSeen) {
		state.LastSeen = e.Time
	}
	now := a.now()
	a.evaluateRules(ctx, state, now)
	state.Status = a.computeStatus(state, now)
	state.UpdatedAt = now

	if err := a.states.PutState(ctx, state); err != nil {
		return "", fmt.Errorf("persist state %s: %w", state.LocationID, err)
	}
	if !state.LastHeartbeat.IsZero() {
		metrics.SetHeartbeatAge(state.LocationID, now.Sub(state.LastHeartbeat))
	}
	return ResultAccepted, nil
}

// reject moves a structurally invalid event to the dead-letter store.
// Rejection is terminal: the delivery is acked, never retried.
func (a *Aggregator) reject(ctx context.Context, e *events.Event, cause error) (IngestResult, error) {
	raw, merr := json.Marshal(e)
	if merr != nil {
		raw = []byte(fmt.Sprintf("%+v", e))
	}
	d := storage.DeadLetter{
		Event:      raw,
		Reason:     cause.Error(),
		ReceivedAt: a.now(),
	}
	if e != nil {
		d.ID = e.ID
	}
	if err := a.dead.AddDeadLetter(ctx, d); err != nil {
		return "", fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}
	a.log.WithError(cause).
		WithField("event_id", d.ID).
		Warn("event rejected, dead-lettered")
	metrics.IncIngested(eventTypeLabel(e), string(ResultRejected))
	return ResultRejected, nil
}

// computeStatus derives the health verdict: offline once heartbeats stop
// past the grace window, degraded while alerts are open, healthy
// otherwise. Unknown until the first heartbeat arrives.
func (a *Aggregator) computeStatus(s *location.State, now time.Time) location.Status {
	if s.LastHeartbeat.IsZero() {
		return location.StatusUnknown
	}
	if now.Sub(s.LastHeartbeat) > a.cfg.Thresholds.HeartbeatGrace {
		return location.StatusOffline
	}
	if len(s.OpenAlerts) > 0 {
		return location.StatusDegraded
	}
	return location.StatusHealthy
}

// evaluateRules runs the rule table against the mutated state. Each rule
// is isolated: a failing or panicking rule is logged and skipped, and
// never blocks the state commit.
func (a *Aggregator) evaluateRules(ctx context.Context, s *location.State, now time.Time) {
	for _, rule := range a.rules {
		finding := a.safeEvaluate(rule, s, now)
		if err := a.applyFinding(ctx, s, rule.Type, finding, now); err != nil {
			a.log.WithError(err).
				WithField("rule", rule.Type).
				WithField("location_id", s.LocationID).
				Warn("rule application failed")
		}
	}
}

func (a *Aggregator) safeEvaluate(rule Rule, s *location.State, now time.Time) (finding *Finding) {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("rule", rule.Type).Errorf("rule panicked: %v", r)
			finding = nil
		}
	}()
	return rule.Evaluate(s, a.cfg.Thresholds, now)
}

// applyFinding reconciles one rule's condition with its open alert. A
// fired condition opens or escalates; a clear condition self-heals the
// alert. Severity never downgrades while an alert stays open.
func (a *Aggregator) applyFinding(ctx context.Context, s *location.State, ruleType string, finding *Finding, now time.Time) error {
	existing, err := a.alerts.FindOpenAlert(ctx, s.LocationID, ruleType)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if finding == nil {
			return nil
		}
		created, err := a.alerts.CreateAlert(ctx, alert.Alert{
			LocationID: s.LocationID,
			Severity:   finding.Severity,
			RuleType:   ruleType,
			Message:    finding.Message,
			Status:     alert.StatusOpen,
			RaisedAt:   now,
		})
		if err != nil {
			return err
		}
		s.AddOpenAlert(created.ID)
		a.adjustOpenCount(created.Severity, +1)
		a.notifyOpened(created)
		a.log.WithField("alert_id", created.ID).
			WithField("rule", ruleType).
			WithField("severity", string(created.Severity)).
			WithField("location_id", s.LocationID).
			Info("alert opened")
		return nil

	case err != nil:
		return err
	}

	if finding == nil {
		if err := existing.Close(now); err != nil {
			return err
		}
		if _, err := a.alerts.UpdateAlert(ctx, existing); err != nil {
			return err
		}
		s.RemoveOpenAlert(existing.ID)
		a.adjustOpenCount(existing.Severity, -1)
		a.notifyClosed(existing)
		a.log.WithField("alert_id", existing.ID).
			WithField("rule", ruleType).
			WithField("location_id", s.LocationID).
			Info("alert condition cleared, closed")
		return nil
	}

	if finding.Severity.WorseThan(existing.Severity) {
		a.adjustOpenCount(existing.Severity, -1)
		existing.Severity = finding.Severity
		existing.Message = finding.Message
		if _, err := a.alerts.UpdateAlert(ctx, existing); err != nil {
			return err
		}
		a.adjustOpenCount(existing.Severity, +1)
		a.notifyOpened(existing)
		a.log.WithField("alert_id", existing.ID).
			WithField("rule", ruleType).
			WithField("severity", string(existing.Severity)).
			Info("alert escalated")
	}
	s.AddOpenAlert(existing.ID)
	return nil
}

// Acknowledge records an operator taking ownership of an alert. Missing
// and already-closed alerts both report ErrNotFound so the API surfaces
// one consistent 404.
func (a *Aggregator) Acknowledge(ctx context.Context, alertID, operator string) (alert.Alert, error) {
	found, err := a.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return alert.Alert{}, err
	}
	if !found.IsOpen() {
		return alert.Alert{}, fmt.Errorf("alert %s already closed: %w", alertID, storage.ErrNotFound)
	}
	if err := found.Acknowledge(operator, a.now()); err != nil {
		return alert.Alert{}, err
	}
	updated, err := a.alerts.UpdateAlert(ctx, found)
	if err != nil {
		return alert.Alert{}, err
	}
	a.log.WithField("alert_id", alertID).
		WithField("operator", operator).
		Info("alert acknowledged")
	return updated, nil
}

// QueryFleetState returns the materialized states matching the filter,
// with each status recomputed against the current clock so staleness is
// visible without waiting for the sweep.
func (a *Aggregator) QueryFleetState(ctx context.Context, filter location.Filter) ([]*location.State, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	now := a.now()

	// Status filtering happens after recompute, so fetch everything the
	// non-status fields match and filter here.
	wide := filter
	wide.Status = location.StatusUnknown
	states, err := a.states.ListStates(ctx, wide)
	if err != nil {
		return nil, err
	}
	result := make([]*location.State, 0, len(states))
	for _, s := range states {
		s.Status = a.computeStatus(s, now)
		if filter.Status != location.StatusUnknown && s.Status != filter.Status {
			continue
		}
		result = append(result, s)
	}
	return result, nil
}

// ListAlerts exposes alert history with optional location and status
// filters.
func (a *Aggregator) ListAlerts(ctx context.Context, locationID string, status *alert.Status) ([]alert.Alert, error) {
	return a.alerts.ListAlerts(ctx, locationID, status)
}

// ListDeadLetters exposes the rejected-event store.
func (a *Aggregator) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	return a.dead.ListDeadLetters(ctx, limit)
}

func (a *Aggregator) adjustOpenCount(sev alert.Severity, delta int) {
	a.countMu.Lock()
	a.openCounts[sev] += delta
	if a.openCounts[sev] < 0 {
		a.openCounts[sev] = 0
	}
	n := a.openCounts[sev]
	a.countMu.Unlock()
	metrics.SetOpenAlerts(string(sev), n)
}

func (a *Aggregator) notifyOpened(al alert.Alert) {
	if a.notifier != nil {
		a.notifier.AlertOpened(al)
	}
}

func (a *Aggregator) notifyClosed(al alert.Alert) {
	if a.notifier != nil {
		a.notifier.AlertClosed(al)
	}
}

func eventTypeLabel(e *events.Event) string {
	if e == nil {
		return "unknown"
	}
	return string(e.Type)
}
