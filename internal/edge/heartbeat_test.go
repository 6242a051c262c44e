package edge

import (
	"context"
	"testing"
	"time"

	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/events"
)

func TestHeartbeatEmitsImmediatelyOnStart(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer ob.Close()

	h := NewHeartbeat(ob, location.Location{
		ID:       "loc-1",
		Type:     location.TypeGasStation,
		POSCount: 2, PumpCount: 4,
	}, time.Hour, nil)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for ob.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat enqueued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pending, err := ob.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	e := pending[0].Event
	if e.Type != events.TypeLocationHeartbeat {
		t.Fatalf("type = %s", e.Type)
	}
	var p events.HeartbeatPayload
	if err := e.DecodeData(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.LocationID != "loc-1" || p.LocationType != "gas_station" || p.PumpCount != 4 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer ob.Close()

	h := NewHeartbeat(ob, location.Location{ID: "loc-1"}, time.Hour, nil)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
