package edge

import (
	"context"
	"testing"
	"time"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/domain/device"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
)

func newTestAgent(t *testing.T, b broker.Broker) *Agent {
	t.Helper()
	a, err := NewAgent(AgentConfig{
		Location: location.Location{
			ID:   "loc-1",
			Type: location.TypeGasStation,
		},
		OutboxDir:         t.TempDir(),
		HeartbeatInterval: time.Hour,
	}, b, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func TestAgentRecordEnqueuesDurably(t *testing.T) {
	a := newTestAgent(t, broker.NewMemory())

	entry, err := a.Record("pump-1", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"status": "available",
	}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.Seq == 0 || entry.Event.Type != events.TypePumpStatus {
		t.Fatalf("entry = %+v", entry)
	}
	if a.outbox.PendingCount() != 1 {
		t.Fatalf("pending = %d", a.outbox.PendingCount())
	}
}

func TestAgentRecordDropsInvalidSample(t *testing.T) {
	a := newTestAgent(t, broker.NewMemory())

	if _, err := a.Record("pump-1", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"status": "exploded",
	}}); !events.IsValidation(err) {
		t.Fatalf("got %v, want validation error", err)
	}
	if a.outbox.PendingCount() != 0 {
		t.Fatal("invalid sample reached the outbox")
	}
}

func TestAgentFlushDeliversRecorded(t *testing.T) {
	b := broker.NewMemory()
	a := newTestAgent(t, b)

	var got []*events.Event
	if err := b.Subscribe(context.Background(), "fleet.pump",
		func(_ context.Context, e *events.Event) error {
			got = append(got, e)
			return nil
		}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := a.Record("pump-1", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"status": "available",
	}}); err != nil {
		t.Fatalf("record: %v", err)
	}

	report, err := a.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if report.Delivered != 1 || len(got) != 1 {
		t.Fatalf("report = %+v, delivered = %d", report, len(got))
	}
}

func TestAgentConfigPushAdjustsHeartbeat(t *testing.T) {
	b := broker.NewMemory()
	a := newTestAgent(t, b)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop(context.Background())

	push, err := events.New(events.TypeCommandConfigPush,
		events.Source{LocationID: "command-center"},
		events.ConfigPushPayload{
			Version:         "3",
			TargetLocations: []string{"all"},
			Config:          map[string]interface{}{"heartbeat_interval_seconds": 10.0},
		})
	if err != nil {
		t.Fatalf("build push: %v", err)
	}
	if err := b.Publish(context.Background(), push); err != nil {
		t.Fatalf("publish: %v", err)
	}

	a.heartbeat.mu.Lock()
	got := a.heartbeat.interval
	a.heartbeat.mu.Unlock()
	if got != 10*time.Second {
		t.Fatalf("interval = %v, want 10s", got)
	}
}

func TestTargetsLocation(t *testing.T) {
	if !targetsLocation([]string{"all"}, "loc-1") {
		t.Fatal("all should match")
	}
	if !targetsLocation([]string{"loc-2", "loc-1"}, "loc-1") {
		t.Fatal("direct id should match")
	}
	if targetsLocation([]string{"loc-2"}, "loc-1") {
		t.Fatal("foreign id matched")
	}
	if targetsLocation(nil, "loc-1") {
		t.Fatal("empty target list matched")
	}
}
