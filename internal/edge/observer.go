package edge

import (
	"fmt"
	"strings"

	"github.com/posedge/fleet/internal/domain/device"
	"github.com/posedge/fleet/internal/events"
)

// RawSample is a device-specific observation as collected by a poller:
// the device family plus the raw reading fields. Translation into a
// canonical event is pure and never touches the outbox; callers discard
// samples that fail validation.
type RawSample struct {
	Kind   device.Kind
	Fields map[string]interface{}
}

// Observer translates raw device samples into canonical events for one
// location. It is stateless and safe for concurrent use.
type Observer struct {
	locationID string
}

// NewObserver creates an observer bound to a location.
func NewObserver(locationID string) (*Observer, error) {
	if strings.TrimSpace(locationID) == "" {
		return nil, fmt.Errorf("location id is required")
	}
	return &Observer{locationID: locationID}, nil
}

// Observe converts a sample into an event with a fresh id. It returns a
// ValidationError when required fields are absent or malformed.
func (o *Observer) Observe(deviceID string, sample RawSample) (*events.Event, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, events.NewValidationError("device_id", "device id is required")
	}
	source := events.Source{LocationID: o.locationID, DeviceID: deviceID}

	switch sample.Kind {
	case device.KindPOS:
		return o.observePOS(deviceID, source, sample.Fields)
	case device.KindPump:
		return o.observePump(deviceID, source, sample.Fields)
	case device.KindTank:
		return o.observeTank(deviceID, source, sample.Fields)
	case device.KindKitchen:
		return o.observeKitchen(source, sample.Fields)
	default:
		return nil, events.NewValidationError("kind", fmt.Sprintf("unknown device kind %q", sample.Kind))
	}
}

func (o *Observer) observePOS(deviceID string, source events.Source, fields map[string]interface{}) (*events.Event, error) {
	// A POS sample is either a transaction record or a health report.
	if _, ok := fields["cpu_percent"]; ok {
		payload := events.HealthReportPayload{
			LocationID: o.locationID,
			DeviceID:   deviceID,
			NetworkUp:  boolField(fields, "network_up", true),
		}
		var err error
		if payload.CPUPercent, err = numField(fields, "cpu_percent"); err != nil {
			return nil, err
		}
		if payload.MemoryPercent, err = numField(fields, "memory_percent"); err != nil {
			return nil, err
		}
		if payload.DiskPercent, err = numField(fields, "disk_percent"); err != nil {
			return nil, err
		}
		return events.New(events.TypeHealthReport, source, payload)
	}

	txID, err := strField(fields, "transaction_id")
	if err != nil {
		return nil, err
	}
	status, err := strField(fields, "status")
	if err != nil {
		return nil, err
	}
	payload := events.TransactionPayload{
		TransactionID: txID,
		POSID:         deviceID,
		LocationID:    o.locationID,
		Status:        status,
		PaymentType:   optStrField(fields, "payment_type"),
		Error:         optStrField(fields, "error"),
	}
	payload.Total, _ = numField(fields, "total")

	var eventType events.Type
	switch status {
	case "started":
		eventType = events.TypeTransactionStarted
	case "completed":
		eventType = events.TypeTransactionCompleted
	case "failed", "cancelled":
		eventType = events.TypeTransactionFailed
	default:
		return nil, events.NewValidationError("status", fmt.Sprintf("unknown transaction status %q", status))
	}
	return events.New(eventType, source, payload)
}

func (o *Observer) observePump(deviceID string, source events.Source, fields map[string]interface{}) (*events.Event, error) {
	if _, ok := fields["liters"]; ok {
		payload := events.PumpTransactionPayload{
			PumpID:     deviceID,
			LocationID: o.locationID,
			FuelType:   optStrField(fields, "fuel_type"),
		}
		var err error
		if payload.Liters, err = numField(fields, "liters"); err != nil {
			return nil, err
		}
		if payload.Total, err = numField(fields, "total"); err != nil {
			return nil, err
		}
		eventType := events.TypePumpTransactionEnd
		if optStrField(fields, "phase") == "start" {
			eventType = events.TypePumpTransactionStart
		}
		return events.New(eventType, source, payload)
	}

	status, err := strField(fields, "status")
	if err != nil {
		return nil, err
	}
	switch status {
	case "available", "in_use", "reserved", "offline", "maintenance":
	default:
		return nil, events.NewValidationError("status", fmt.Sprintf("unknown pump status %q", status))
	}
	return events.New(events.TypePumpStatus, source, events.PumpStatusPayload{
		PumpID:     deviceID,
		LocationID: o.locationID,
		Status:     status,
	})
}

func (o *Observer) observeTank(deviceID string, source events.Source, fields map[string]interface{}) (*events.Event, error) {
	level, err := numField(fields, "level")
	if err != nil {
		return nil, err
	}
	capacity, err := numField(fields, "capacity")
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, events.NewValidationError("capacity", "capacity must be positive")
	}
	return events.New(events.TypeTankLevel, source, events.TankLevelPayload{
		TankID:       deviceID,
		LocationID:   o.locationID,
		FuelType:     optStrField(fields, "fuel_type"),
		CurrentLevel: level,
		Capacity:     capacity,
		LevelPercent: level / capacity * 100,
	})
}

func (o *Observer) observeKitchen(source events.Source, fields map[string]interface{}) (*events.Event, error) {
	depth, err := numField(fields, "queue_depth")
	if err != nil {
		return nil, err
	}
	if depth < 0 {
		return nil, events.NewValidationError("queue_depth", "queue depth cannot be negative")
	}
	payload := events.KitchenQueuePayload{
		LocationID: o.locationID,
		QueueDepth: int(depth),
	}
	payload.AvgWaitSeconds, _ = numField(fields, "avg_wait_seconds")
	if n, err := numField(fields, "orders_in_progress"); err == nil {
		payload.OrdersInProgress = int(n)
	}
	return events.New(events.TypeKitchenQueueStatus, source, payload)
}

func strField(fields map[string]interface{}, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", events.NewValidationError(key, "required field missing")
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", events.NewValidationError(key, "must be a non-empty string")
	}
	return s, nil
}

func optStrField(fields map[string]interface{}, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

func numField(fields map[string]interface{}, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, events.NewValidationError(key, "required field missing")
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, events.NewValidationError(key, "must be numeric")
	}
}

func boolField(fields map[string]interface{}, key string, def bool) bool {
	if b, ok := fields[key].(bool); ok {
		return b
	}
	return def
}
