// Package events defines the CloudEvents-compatible envelope exchanged
// between edge agents and the command center, together with the event
// type taxonomy and the typed payloads carried by each family.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents spec version stamped on every envelope.
const SpecVersion = "1.0"

// Type classifies an event using the dotted taxonomy. The taxonomy is
// open-ended: unknown types pass envelope validation and are counted but
// ignored by consumers without a registered handler.
type Type string

const (
	// Location family
	TypeLocationHeartbeat    Type = "pos.location.heartbeat"
	TypeLocationOffline      Type = "pos.location.offline"
	TypeLocationConfigUpdate Type = "pos.location.config.update"

	// POS family
	TypeTransactionStarted   Type = "pos.transaction.started"
	TypeTransactionCompleted Type = "pos.transaction.completed"
	TypeTransactionFailed    Type = "pos.transaction.failed"
	TypeHealthReport         Type = "pos.health.report"
	TypeAlertRaised          Type = "pos.alert.raised"

	// Kitchen family
	TypeKitchenOrderReceived Type = "pos.kitchen.order.received"
	TypeKitchenOrderStarted  Type = "pos.kitchen.order.started"
	TypeKitchenOrderReady    Type = "pos.kitchen.order.ready"
	TypeKitchenQueueStatus   Type = "pos.kitchen.queue.status"

	// Pump and tank family
	TypePumpTransactionStart Type = "pos.pump.transaction.start"
	TypePumpTransactionEnd   Type = "pos.pump.transaction.end"
	TypePumpStatus           Type = "pos.pump.status"
	TypeTankLevel            Type = "pos.tank.level"
	TypeTankAlertLow         Type = "pos.tank.alert.low"

	// Command family (command center -> edge, plus operator actions)
	TypeCommandConfigPush          Type = "pos.command.config.push"
	TypeCommandAlertAcknowledge    Type = "pos.command.alert.acknowledge"
	TypeCommandMaintenanceSchedule Type = "pos.command.maintenance.schedule"
	TypeCommandAlertDispatch       Type = "pos.command.alert.dispatch"
)

// Family returns the second segment of the dotted type, e.g. "kitchen"
// for pos.kitchen.queue.status.
func (t Type) Family() string {
	parts := strings.Split(string(t), ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Event is the wire envelope. Field names follow the CloudEvents JSON
// mapping so brokers and tooling that speak CloudEvents interoperate
// without translation.
type Event struct {
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Source      string          `json:"source"`
	Time        time.Time       `json:"time"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// New constructs an event with a fresh UUID, the current UTC time and the
// payload marshalled into the data field.
func New(eventType Type, source Source, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		SpecVersion: SpecVersion,
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      source.String(),
		Time:        time.Now().UTC(),
		Data:        data,
	}, nil
}

// Validate checks the envelope invariants. A failure here is a
// ValidationError: the event must be dropped at the edge or dead-lettered
// at the command center, never retried.
func (e *Event) Validate() error {
	if e == nil {
		return NewValidationError("event", "event is nil")
	}
	if e.SpecVersion == "" {
		return NewValidationError("specversion", "specversion is required")
	}
	if strings.TrimSpace(e.ID) == "" {
		return NewValidationError("id", "id is required")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return NewValidationError("type", "type is required")
	}
	if _, err := ParseSource(e.Source); err != nil {
		return NewValidationError("source", err.Error())
	}
	if e.Time.IsZero() {
		return NewValidationError("time", "time is required")
	}
	if len(e.Data) == 0 {
		return NewValidationError("data", "data is required")
	}
	return nil
}

// DecodeData unmarshals the data field into dst.
func (e *Event) DecodeData(dst interface{}) error {
	if len(e.Data) == 0 {
		return NewValidationError("data", "data is empty")
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return NewValidationError("data", fmt.Sprintf("decode data: %v", err))
	}
	return nil
}

// Source identifies the emitting location and device as a hierarchical
// path: /pos-edge/location/{locationID}/{deviceID}. The device segment is
// optional for location-scoped events such as heartbeats.
type Source struct {
	LocationID string
	DeviceID   string
}

const sourcePrefix = "/pos-edge/location/"

// String renders the hierarchical source path.
func (s Source) String() string {
	if s.DeviceID == "" {
		return sourcePrefix + s.LocationID
	}
	return sourcePrefix + s.LocationID + "/" + s.DeviceID
}

// ParseSource parses a hierarchical source path.
func ParseSource(raw string) (Source, error) {
	if !strings.HasPrefix(raw, sourcePrefix) {
		return Source{}, fmt.Errorf("source %q does not match %s{locationId}[/{deviceId}]", raw, sourcePrefix)
	}
	rest := strings.Trim(strings.TrimPrefix(raw, sourcePrefix), "/")
	if rest == "" {
		return Source{}, fmt.Errorf("source %q is missing a location id", raw)
	}
	parts := strings.SplitN(rest, "/", 2)
	src := Source{LocationID: parts[0]}
	if len(parts) == 2 {
		src.DeviceID = parts[1]
	}
	return src, nil
}

// ValidationError reports a structurally invalid sample or event. It is
// terminal: callers drop or dead-letter the offender instead of retrying.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
