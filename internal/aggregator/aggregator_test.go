package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
	"github.com/posedge/fleet/internal/storage"
	"github.com/posedge/fleet/internal/storage/memory"
)

type fixture struct {
	agg   *Aggregator
	store *memory.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	agg := New(Config{}, store, store, store, nil, nil)
	f := &fixture{agg: agg, store: store, now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	agg.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) event(t *testing.T, eventType events.Type, src events.Source, at time.Time, payload interface{}) *events.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &events.Event{
		SpecVersion: events.SpecVersion,
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      src.String(),
		Time:        at,
		Data:        data,
	}
}

func (f *fixture) ingest(t *testing.T, e *events.Event) IngestResult {
	t.Helper()
	result, err := f.agg.Ingest(context.Background(), e)
	if err != nil {
		t.Fatalf("ingest %s: %v", e.Type, err)
	}
	return result
}

func (f *fixture) heartbeat(t *testing.T, locationID string, at time.Time) *events.Event {
	return f.event(t, events.TypeLocationHeartbeat,
		events.Source{LocationID: locationID}, at,
		events.HeartbeatPayload{LocationID: locationID, LocationType: "gas_station", Status: "healthy"})
}

func (f *fixture) state(t *testing.T, locationID string) *location.State {
	t.Helper()
	s, err := f.store.GetState(context.Background(), locationID)
	if err != nil {
		t.Fatalf("get state %s: %v", locationID, err)
	}
	return s
}

func TestIngestHeartbeatMaterializesState(t *testing.T) {
	f := newFixture(t)
	if got := f.ingest(t, f.heartbeat(t, "loc-1", f.now)); got != ResultAccepted {
		t.Fatalf("result = %s", got)
	}

	s := f.state(t, "loc-1")
	if !s.LastHeartbeat.Equal(f.now) {
		t.Fatalf("last heartbeat = %v", s.LastHeartbeat)
	}
	if s.Status != location.StatusHealthy {
		t.Fatalf("status = %s", s.Status)
	}
	if s.LocationType != location.TypeGasStation {
		t.Fatalf("location type = %s", s.LocationType)
	}
}

func TestIngestDuplicateEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, events.TypeTransactionCompleted,
		events.Source{LocationID: "loc-1", DeviceID: "pos-1"}, f.now,
		events.TransactionPayload{TransactionID: "tx-1", POSID: "pos-1", Status: "completed", Total: 25})

	if got := f.ingest(t, e); got != ResultAccepted {
		t.Fatalf("first delivery = %s", got)
	}
	if got := f.ingest(t, e); got != ResultDuplicate {
		t.Fatalf("second delivery = %s", got)
	}

	s := f.state(t, "loc-1")
	if s.Counters["transactions_total"] != 1 {
		t.Fatalf("transactions_total = %v", s.Counters["transactions_total"])
	}
	if s.Counters["revenue_total"] != 25 {
		t.Fatalf("revenue_total = %v", s.Counters["revenue_total"])
	}
}

func TestIngestReorderedEventNeverRegressesState(t *testing.T) {
	f := newFixture(t)
	src := events.Source{LocationID: "loc-1", DeviceID: "pump-1"}

	newer := f.event(t, events.TypePumpStatus, src, f.now,
		events.PumpStatusPayload{PumpID: "pump-1", Status: "available"})
	older := f.event(t, events.TypePumpStatus, src, f.now.Add(-time.Minute),
		events.PumpStatusPayload{PumpID: "pump-1", Status: "in_use"})

	f.ingest(t, newer)
	if got := f.ingest(t, older); got != ResultAccepted {
		t.Fatalf("stale delivery = %s", got)
	}

	s := f.state(t, "loc-1")
	if s.DeviceStates["pump-1"].Status != "available" {
		t.Fatalf("stale event regressed status to %q", s.DeviceStates["pump-1"].Status)
	}
	if s.Counters["stale_events_total"] != 1 {
		t.Fatalf("stale_events_total = %v", s.Counters["stale_events_total"])
	}
}

func TestIngestStaleHeartbeatKeepsNewerTimestamp(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, f.heartbeat(t, "loc-1", f.now))
	f.ingest(t, f.heartbeat(t, "loc-1", f.now.Add(-2*time.Minute)))

	s := f.state(t, "loc-1")
	if !s.LastHeartbeat.Equal(f.now) {
		t.Fatalf("heartbeat regressed to %v", s.LastHeartbeat)
	}
	if s.Counters["heartbeats_total"] != 2 {
		t.Fatalf("heartbeats_total = %v", s.Counters["heartbeats_total"])
	}
}

func TestIngestMalformedEventIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	e := f.heartbeat(t, "loc-1", f.now)
	e.Source = "not-a-source"

	result, err := f.agg.Ingest(context.Background(), e)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result != ResultRejected {
		t.Fatalf("result = %s", result)
	}

	letters, err := f.store.ListDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != e.ID {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestIngestBadPayloadIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, events.TypePumpStatus,
		events.Source{LocationID: "loc-1", DeviceID: "pump-1"}, f.now,
		events.PumpStatusPayload{PumpID: "pump-1", Status: "exploded"})

	result, err := f.agg.Ingest(context.Background(), e)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result != ResultRejected {
		t.Fatalf("result = %s", result)
	}
}

func TestIngestUnknownTypeIsIgnored(t *testing.T) {
	f := newFixture(t)
	e := f.event(t, events.Type("pos.vending.restock"),
		events.Source{LocationID: "loc-1"}, f.now, map[string]string{"slot": "A1"})

	if got := f.ingest(t, e); got != ResultIgnored {
		t.Fatalf("result = %s", got)
	}
	if _, err := f.store.GetState(context.Background(), "loc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ignored event created state: %v", err)
	}
}

func TestAcknowledgeLifecycle(t *testing.T) {
	f := newFixture(t)
	created, err := f.store.CreateAlert(context.Background(), alert.Alert{
		LocationID: "loc-1",
		Severity:   alert.SeverityWarning,
		RuleType:   RuleTankLow,
		Status:     alert.StatusOpen,
		RaisedAt:   f.now,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	acked, err := f.agg.Acknowledge(context.Background(), created.ID, "carol")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != alert.StatusAcknowledged || acked.AcknowledgedBy != "carol" {
		t.Fatalf("acked = %+v", acked)
	}

	if _, err := f.agg.Acknowledge(context.Background(), "missing", "carol"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing alert: got %v", err)
	}

	if err := acked.Close(f.now); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.store.UpdateAlert(context.Background(), acked); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := f.agg.Acknowledge(context.Background(), created.ID, "dave"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("closed alert: got %v", err)
	}
}

func TestAcknowledgeViaCommandEvent(t *testing.T) {
	f := newFixture(t)
	created, err := f.store.CreateAlert(context.Background(), alert.Alert{
		LocationID: "loc-1",
		Severity:   alert.SeverityCritical,
		RuleType:   RuleNoHeartbeat,
		Status:     alert.StatusOpen,
		RaisedAt:   f.now,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	e := f.event(t, events.TypeCommandAlertAcknowledge,
		events.Source{LocationID: "command-center"}, f.now,
		events.AcknowledgePayload{AlertID: created.ID, Operator: "erin"})
	if got := f.ingest(t, e); got != ResultAccepted {
		t.Fatalf("result = %s", got)
	}

	stored, err := f.store.GetAlert(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if stored.Status != alert.StatusAcknowledged || stored.AcknowledgedBy != "erin" {
		t.Fatalf("alert = %+v", stored)
	}
}

func TestQueryFleetStateFilters(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, f.heartbeat(t, "loc-1", f.now))
	f.ingest(t, f.heartbeat(t, "loc-2", f.now))

	all, err := f.agg.QueryFleetState(context.Background(), location.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d states", len(all))
	}

	one, err := f.agg.QueryFleetState(context.Background(), location.Filter{LocationID: "loc-2"})
	if err != nil {
		t.Fatalf("query by id: %v", err)
	}
	if len(one) != 1 || one[0].LocationID != "loc-2" {
		t.Fatalf("by id = %+v", one)
	}

	if _, err := f.agg.QueryFleetState(context.Background(), location.Filter{Type: "spaceport"}); err == nil {
		t.Fatal("expected filter validation error")
	}
}

func TestQueryFleetStateRecomputesStaleness(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, f.heartbeat(t, "loc-1", f.now))

	f.advance(10 * time.Minute)
	states, err := f.agg.QueryFleetState(context.Background(), location.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(states) != 1 || states[0].Status != location.StatusOffline {
		t.Fatalf("stale location status = %s", states[0].Status)
	}

	offline, err := f.agg.QueryFleetState(context.Background(), location.Filter{Status: location.StatusOffline})
	if err != nil {
		t.Fatalf("query offline: %v", err)
	}
	if len(offline) != 1 {
		t.Fatalf("offline filter matched %d", len(offline))
	}
}
