// Package storage defines the persistence interfaces used by the
// command center, with in-memory and Postgres implementations in
// subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StateStore persists the materialized per-location states, keyed by
// location id.
type StateStore interface {
	GetState(ctx context.Context, locationID string) (*location.State, error)
	PutState(ctx context.Context, state *location.State) error
	ListStates(ctx context.Context, filter location.Filter) ([]*location.State, error)
}

// AlertStore persists alerts and their lifecycle.
type AlertStore interface {
	CreateAlert(ctx context.Context, a alert.Alert) (alert.Alert, error)
	UpdateAlert(ctx context.Context, a alert.Alert) (alert.Alert, error)
	GetAlert(ctx context.Context, id string) (alert.Alert, error)
	// FindOpenAlert returns the open or acknowledged alert for a
	// (location, rule) pair, or ErrNotFound. At most one such alert
	// exists at a time.
	FindOpenAlert(ctx context.Context, locationID, ruleType string) (alert.Alert, error)
	ListAlerts(ctx context.Context, locationID string, status *alert.Status) ([]alert.Alert, error)
}

// DeadLetter is an event the aggregator rejected as structurally
// invalid, retained for the operator-facing ingestion problems view.
type DeadLetter struct {
	ID         string          `json:"id"`
	Event      json.RawMessage `json:"event"`
	Reason     string          `json:"reason"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DeadLetterStore persists rejected events.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, d DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
