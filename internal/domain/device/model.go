// Package device models the last-known state of a physical device (POS
// terminal, pump, tank, kitchen station) within a location.
package device

import "time"

// Kind names the device family an identifier belongs to.
type Kind string

const (
	KindPOS     Kind = "pos"
	KindPump    Kind = "pump"
	KindTank    Kind = "tank"
	KindKitchen Kind = "kitchen"
)

// State is a device's last-known status as derived from the event
// stream. UpdatedAt carries the producer timestamp of the event that set
// the current value, which is what the last-writer-wins comparison uses.
type State struct {
	DeviceID   string             `json:"device_id"`
	Kind       Kind               `json:"kind"`
	Status     string             `json:"status"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
}

// Clone returns a copy with its own attribute map.
func (s State) Clone() State {
	out := s
	out.Attributes = make(map[string]float64, len(s.Attributes))
	for k, v := range s.Attributes {
		out.Attributes[k] = v
	}
	return out
}
