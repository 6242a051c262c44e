// Package location holds the fleet's per-site models: the provisioned
// Location record and the State view the aggregator materializes from
// the event stream.
package location

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/posedge/fleet/internal/domain/device"
)

// Type categorizes a physical site.
type Type string

const (
	TypeGasStation Type = "gas_station"
	TypeFastFood   Type = "fast_food"
	TypeRetail     Type = "retail"
)

// Location is a provisioned physical site. Provisioning is external; the
// aggregator only updates the last-seen bookkeeping on State.
type Location struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            Type   `json:"type"`
	Address         string `json:"address,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	POSCount        int    `json:"pos_count"`
	PumpCount       int    `json:"pump_count"`
	KitchenStations int    `json:"kitchen_stations"`
}

// Status is the aggregator's health verdict for a location.
type Status int32

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusOffline
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) Status {
	switch s {
	case "healthy":
		return StatusHealthy
	case "degraded":
		return StatusDegraded
	case "offline":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// State is the materialized per-location view. One State exists per
// location, created lazily on the first accepted event and mutated only
// by the aggregator worker owning the location's partition.
type State struct {
	LocationID    string                  `json:"location_id"`
	LocationType  Type                    `json:"location_type,omitempty"`
	Status        Status                  `json:"status"`
	LastHeartbeat time.Time               `json:"last_heartbeat"`
	LastSeen      time.Time               `json:"last_seen"`
	OpenAlerts    []string                `json:"open_alerts,omitempty"`
	DeviceStates  map[string]device.State `json:"device_states,omitempty"`
	Counters      map[string]float64      `json:"counters,omitempty"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// NewState returns an empty state for a location.
func NewState(locationID string) *State {
	return &State{
		LocationID:   locationID,
		Status:       StatusUnknown,
		DeviceStates: make(map[string]device.State),
		Counters:     make(map[string]float64),
	}
}

// Clone returns a deep copy so readers never alias worker-owned state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.OpenAlerts = append([]string(nil), s.OpenAlerts...)
	out.DeviceStates = make(map[string]device.State, len(s.DeviceStates))
	for k, v := range s.DeviceStates {
		out.DeviceStates[k] = v.Clone()
	}
	out.Counters = make(map[string]float64, len(s.Counters))
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	return &out
}

// HasOpenAlert reports whether the given alert id is tracked as open.
func (s *State) HasOpenAlert(alertID string) bool {
	for _, id := range s.OpenAlerts {
		if id == alertID {
			return true
		}
	}
	return false
}

// AddOpenAlert records an open alert id if not already present.
func (s *State) AddOpenAlert(alertID string) {
	if !s.HasOpenAlert(alertID) {
		s.OpenAlerts = append(s.OpenAlerts, alertID)
	}
}

// RemoveOpenAlert drops an alert id from the open set.
func (s *State) RemoveOpenAlert(alertID string) {
	for i, id := range s.OpenAlerts {
		if id == alertID {
			s.OpenAlerts = append(s.OpenAlerts[:i], s.OpenAlerts[i+1:]...)
			return
		}
	}
}

// Filter selects locations in fleet queries. Zero values match all.
type Filter struct {
	LocationID string
	Type       Type
	Status     Status
}

// Matches reports whether the state satisfies the filter.
func (f Filter) Matches(s *State) bool {
	if s == nil {
		return false
	}
	if f.LocationID != "" && s.LocationID != f.LocationID {
		return false
	}
	if f.Type != "" && s.LocationType != f.Type {
		return false
	}
	if f.Status != StatusUnknown && s.Status != f.Status {
		return false
	}
	return true
}

// Validate checks filter fields that arrive from the query API.
func (f Filter) Validate() error {
	switch f.Type {
	case "", TypeGasStation, TypeFastFood, TypeRetail:
		return nil
	default:
		return fmt.Errorf("unknown location type %q", f.Type)
	}
}
