package edge

import (
	"testing"

	"github.com/posedge/fleet/internal/domain/device"
	"github.com/posedge/fleet/internal/events"
)

func newTestObserver(t *testing.T) *Observer {
	t.Helper()
	o, err := NewObserver("loc-1")
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	return o
}

func TestObservePOSHealthReport(t *testing.T) {
	o := newTestObserver(t)
	event, err := o.Observe("pos-1", RawSample{Kind: device.KindPOS, Fields: map[string]interface{}{
		"cpu_percent":    42.5,
		"memory_percent": 60.0,
		"disk_percent":   70.0,
		"network_up":     true,
	}})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if event.Type != events.TypeHealthReport {
		t.Fatalf("type = %s", event.Type)
	}
	var p events.HealthReportPayload
	if err := event.DecodeData(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CPUPercent != 42.5 || p.DeviceID != "pos-1" || !p.NetworkUp {
		t.Fatalf("payload = %+v", p)
	}
}

func TestObservePOSTransactionStatuses(t *testing.T) {
	o := newTestObserver(t)
	cases := map[string]events.Type{
		"started":   events.TypeTransactionStarted,
		"completed": events.TypeTransactionCompleted,
		"failed":    events.TypeTransactionFailed,
		"cancelled": events.TypeTransactionFailed,
	}
	for status, want := range cases {
		event, err := o.Observe("pos-1", RawSample{Kind: device.KindPOS, Fields: map[string]interface{}{
			"transaction_id": "tx-1",
			"status":         status,
			"total":          12.50,
		}})
		if err != nil {
			t.Fatalf("observe %s: %v", status, err)
		}
		if event.Type != want {
			t.Errorf("status %s mapped to %s, want %s", status, event.Type, want)
		}
	}

	_, err := o.Observe("pos-1", RawSample{Kind: device.KindPOS, Fields: map[string]interface{}{
		"transaction_id": "tx-1",
		"status":         "voided",
	}})
	if !events.IsValidation(err) {
		t.Fatalf("unknown status: got %v, want validation error", err)
	}
}

func TestObservePumpSamples(t *testing.T) {
	o := newTestObserver(t)

	event, err := o.Observe("pump-3", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"liters":    40.0,
		"total":     66.0,
		"fuel_type": "diesel",
	}})
	if err != nil {
		t.Fatalf("observe fueling: %v", err)
	}
	if event.Type != events.TypePumpTransactionEnd {
		t.Fatalf("type = %s", event.Type)
	}

	event, err = o.Observe("pump-3", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"liters": 0.0,
		"total":  0.0,
		"phase":  "start",
	}})
	if err != nil {
		t.Fatalf("observe fueling start: %v", err)
	}
	if event.Type != events.TypePumpTransactionStart {
		t.Fatalf("type = %s", event.Type)
	}

	event, err = o.Observe("pump-3", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"status": "maintenance",
	}})
	if err != nil {
		t.Fatalf("observe status: %v", err)
	}
	if event.Type != events.TypePumpStatus {
		t.Fatalf("type = %s", event.Type)
	}

	if _, err := o.Observe("pump-3", RawSample{Kind: device.KindPump, Fields: map[string]interface{}{
		"status": "exploded",
	}}); !events.IsValidation(err) {
		t.Fatalf("unknown pump status: got %v", err)
	}
}

func TestObserveTankComputesPercent(t *testing.T) {
	o := newTestObserver(t)
	event, err := o.Observe("tank-1", RawSample{Kind: device.KindTank, Fields: map[string]interface{}{
		"level":    1500.0,
		"capacity": 10000.0,
	}})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	var p events.TankLevelPayload
	if err := event.DecodeData(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.LevelPercent != 15 {
		t.Fatalf("level percent = %v", p.LevelPercent)
	}

	if _, err := o.Observe("tank-1", RawSample{Kind: device.KindTank, Fields: map[string]interface{}{
		"level":    100.0,
		"capacity": 0.0,
	}}); !events.IsValidation(err) {
		t.Fatalf("zero capacity: got %v", err)
	}
	if _, err := o.Observe("tank-1", RawSample{Kind: device.KindTank, Fields: map[string]interface{}{
		"capacity": 10000.0,
	}}); !events.IsValidation(err) {
		t.Fatalf("missing level: got %v", err)
	}
}

func TestObserveKitchenQueue(t *testing.T) {
	o := newTestObserver(t)
	event, err := o.Observe("kitchen-1", RawSample{Kind: device.KindKitchen, Fields: map[string]interface{}{
		"queue_depth":      7,
		"avg_wait_seconds": 120.0,
	}})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	var p events.KitchenQueuePayload
	if err := event.DecodeData(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.QueueDepth != 7 || p.AvgWaitSeconds != 120 {
		t.Fatalf("payload = %+v", p)
	}

	if _, err := o.Observe("kitchen-1", RawSample{Kind: device.KindKitchen, Fields: map[string]interface{}{
		"queue_depth": -1,
	}}); !events.IsValidation(err) {
		t.Fatalf("negative depth: got %v", err)
	}
}

func TestObserveRejectsUnknownKindAndEmptyDevice(t *testing.T) {
	o := newTestObserver(t)
	if _, err := o.Observe("x", RawSample{Kind: "drone"}); !events.IsValidation(err) {
		t.Fatalf("unknown kind: got %v", err)
	}
	if _, err := o.Observe("", RawSample{Kind: device.KindPOS}); !events.IsValidation(err) {
		t.Fatalf("empty device id: got %v", err)
	}
}
