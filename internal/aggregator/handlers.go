package aggregator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/device"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/storage"
)

// updateDevice applies a last-writer-wins update to one device's state.
// It returns false when the event timestamp is older than the device's
// current value; stale events feed counters only and never regress state.
func updateDevice(s *location.State, id string, kind device.Kind, status string, at time.Time, attrs map[string]float64) bool {
	existing, ok := s.DeviceStates[id]
	if ok && existing.UpdatedAt.After(at) {
		s.Counters["stale_events_total"]++
		return false
	}
	next := device.State{
		DeviceID:   id,
		Kind:       kind,
		Status:     status,
		UpdatedAt:  at,
		Attributes: existing.Attributes,
	}
	if next.Attributes == nil {
		next.Attributes = make(map[string]float64)
	}
	for k, v := range attrs {
		next.Attributes[k] = v
	}
	if status == "" {
		next.Status = existing.Status
	}
	s.DeviceStates[id] = next
	return true
}

func (a *Aggregator) handleHeartbeat(_ context.Context, s *location.State, e *events.Event) error {
	var p events.HeartbeatPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	s.Counters["heartbeats_total"]++
	if !e.Time.After(s.LastHeartbeat) {
		s.Counters["stale_events_total"]++
		return nil
	}
	s.LastHeartbeat = e.Time
	switch location.Type(p.LocationType) {
	case location.TypeGasStation, location.TypeFastFood, location.TypeRetail:
		s.LocationType = location.Type(p.LocationType)
	}
	return nil
}

func (a *Aggregator) handleOffline(_ context.Context, s *location.State, _ *events.Event) error {
	// The sweep emitting this event already mutated status; consuming it
	// here only keeps the counter so other instances see the transition.
	s.Counters["offline_transitions_total"]++
	return nil
}

func (a *Aggregator) handleTransaction(_ context.Context, s *location.State, e *events.Event) error {
	var p events.TransactionPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.POSID == "" {
		return events.NewValidationError("pos_id", "pos_id is required")
	}
	s.Counters["transactions_total"]++
	switch e.Type {
	case events.TypeTransactionCompleted:
		s.Counters["transactions_completed"]++
		s.Counters["revenue_total"] += p.Total
	case events.TypeTransactionFailed:
		s.Counters["transactions_failed"]++
	}
	updateDevice(s, p.POSID, device.KindPOS, "online", e.Time, nil)
	return nil
}

func (a *Aggregator) handleHealthReport(_ context.Context, s *location.State, e *events.Event) error {
	var p events.HealthReportPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.DeviceID == "" {
		return events.NewValidationError("device_id", "device_id is required")
	}
	status := "online"
	if !p.NetworkUp {
		status = "degraded"
	}
	updateDevice(s, p.DeviceID, device.KindPOS, status, e.Time, map[string]float64{
		"cpu_percent":    p.CPUPercent,
		"memory_percent": p.MemoryPercent,
		"disk_percent":   p.DiskPercent,
	})
	return nil
}

func (a *Aggregator) handleKitchenQueue(_ context.Context, s *location.State, e *events.Event) error {
	var p events.KitchenQueuePayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	src, _ := events.ParseSource(e.Source)
	stationID := src.DeviceID
	if stationID == "" {
		stationID = "kitchen"
	}
	if !updateDevice(s, stationID, device.KindKitchen, "online", e.Time, map[string]float64{
		"queue_depth":      float64(p.QueueDepth),
		"avg_wait_seconds": p.AvgWaitSeconds,
	}) {
		return nil
	}
	s.Counters["kitchen_queue_depth"] = float64(p.QueueDepth)
	s.Counters["kitchen_avg_wait_seconds"] = p.AvgWaitSeconds
	if p.QueueDepth > a.cfg.Thresholds.QueueDepth {
		s.Counters["kitchen_queue_breach_streak"]++
	} else {
		s.Counters["kitchen_queue_breach_streak"] = 0
	}
	return nil
}

func (a *Aggregator) handleKitchenOrder(_ context.Context, s *location.State, e *events.Event) error {
	var p events.KitchenOrderPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	switch e.Type {
	case events.TypeKitchenOrderReceived:
		s.Counters["kitchen_orders_received"]++
	case events.TypeKitchenOrderStarted:
		s.Counters["kitchen_orders_started"]++
	case events.TypeKitchenOrderReady:
		s.Counters["kitchen_orders_ready"]++
	}
	return nil
}

func (a *Aggregator) handlePumpTransaction(_ context.Context, s *location.State, e *events.Event) error {
	var p events.PumpTransactionPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.PumpID == "" {
		return events.NewValidationError("pump_id", "pump_id is required")
	}
	status := "in_use"
	if e.Type == events.TypePumpTransactionEnd {
		status = "available"
		s.Counters["fuel_liters_total"] += p.Liters
		s.Counters["fuel_revenue_total"] += p.Total
		s.Counters["pump_transactions_total"]++
	}
	updateDevice(s, p.PumpID, device.KindPump, status, e.Time, nil)
	return nil
}

var pumpStatuses = map[string]struct{}{
	"available":   {},
	"in_use":      {},
	"reserved":    {},
	"offline":     {},
	"maintenance": {},
}

func (a *Aggregator) handlePumpStatus(_ context.Context, s *location.State, e *events.Event) error {
	var p events.PumpStatusPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.PumpID == "" {
		return events.NewValidationError("pump_id", "pump_id is required")
	}
	if _, ok := pumpStatuses[p.Status]; !ok {
		return events.NewValidationError("status", "unknown pump status "+p.Status)
	}
	updateDevice(s, p.PumpID, device.KindPump, p.Status, e.Time, nil)
	return nil
}

func (a *Aggregator) handleTankLevel(_ context.Context, s *location.State, e *events.Event) error {
	var p events.TankLevelPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.TankID == "" {
		return events.NewValidationError("tank_id", "tank_id is required")
	}
	if p.Capacity <= 0 {
		return events.NewValidationError("capacity", "capacity must be positive")
	}
	pct := p.LevelPercent
	if pct == 0 {
		pct = p.CurrentLevel / p.Capacity * 100
	}
	updateDevice(s, p.TankID, device.KindTank, "online", e.Time, map[string]float64{
		"current_level": p.CurrentLevel,
		"capacity":      p.Capacity,
		"level_percent": pct,
	})
	return nil
}

// handleAlertRaised turns an edge-escalated condition into a first-class
// alert. The rule type carries an "edge:" prefix so edge alerts never
// collide with server-side rules, and re-delivery stays idempotent via
// the one-open-alert-per-rule invariant.
func (a *Aggregator) handleAlertRaised(ctx context.Context, s *location.State, e *events.Event) error {
	var p events.AlertRaisedPayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.AlertType == "" {
		return events.NewValidationError("alert_type", "alert_type is required")
	}
	sev := alert.Severity(strings.ToLower(p.Severity))
	switch sev {
	case alert.SeverityInfo, alert.SeverityWarning, alert.SeverityCritical:
	default:
		sev = alert.SeverityWarning
	}
	finding := &Finding{Severity: sev, Message: p.Message}
	return a.applyFinding(ctx, s, "edge:"+p.AlertType, finding, a.now())
}

// handleAcknowledgeCommand lets operators acknowledge through the event
// stream as well as the HTTP API. A missing alert is logged, not
// dead-lettered: the ack may simply have raced the alert's auto-close.
func (a *Aggregator) handleAcknowledgeCommand(ctx context.Context, _ *location.State, e *events.Event) error {
	var p events.AcknowledgePayload
	if err := e.DecodeData(&p); err != nil {
		return err
	}
	if p.AlertID == "" {
		return events.NewValidationError("alert_id", "alert_id is required")
	}
	if _, err := a.Acknowledge(ctx, p.AlertID, p.Operator); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.log.WithField("alert_id", p.AlertID).Warn("acknowledge for missing or closed alert ignored")
			return nil
		}
		return err
	}
	return nil
}
