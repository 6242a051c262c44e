// Package memory is an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended
// for tests and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/storage"
)

// Store holds all command-center state in maps guarded by one RWMutex.
type Store struct {
	mu          sync.RWMutex
	states      map[string]*location.State
	alerts      map[string]alert.Alert
	deadLetters []storage.DeadLetter
	maxDead     int
}

var _ storage.StateStore = (*Store)(nil)
var _ storage.AlertStore = (*Store)(nil)
var _ storage.DeadLetterStore = (*Store)(nil)

// New creates an empty store. Dead letters are capped at 10000 entries,
// oldest first out.
func New() *Store {
	return &Store{
		states:  make(map[string]*location.State),
		alerts:  make(map[string]alert.Alert),
		maxDead: 10000,
	}
}

// StateStore implementation ---------------------------------------------------

func (s *Store) GetState(_ context.Context, locationID string) (*location.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[locationID]
	if !ok {
		return nil, fmt.Errorf("location %s: %w", locationID, storage.ErrNotFound)
	}
	return state.Clone(), nil
}

func (s *Store) PutState(_ context.Context, state *location.State) error {
	if state == nil || state.LocationID == "" {
		return fmt.Errorf("state requires a location id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.LocationID] = state.Clone()
	return nil
}

func (s *Store) ListStates(_ context.Context, filter location.Filter) ([]*location.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*location.State, 0, len(s.states))
	for _, state := range s.states {
		if filter.Matches(state) {
			result = append(result, state.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LocationID < result[j].LocationID
	})
	return result, nil
}

// AlertStore implementation ---------------------------------------------------

func (s *Store) CreateAlert(_ context.Context, a alert.Alert) (alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	} else if _, exists := s.alerts[a.ID]; exists {
		return alert.Alert{}, fmt.Errorf("alert %s already exists", a.ID)
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	s.alerts[a.ID] = a
	return a, nil
}

func (s *Store) UpdateAlert(_ context.Context, a alert.Alert) (alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[a.ID]; !ok {
		return alert.Alert{}, fmt.Errorf("alert %s: %w", a.ID, storage.ErrNotFound)
	}
	s.alerts[a.ID] = a
	return a, nil
}

func (s *Store) GetAlert(_ context.Context, id string) (alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return alert.Alert{}, fmt.Errorf("alert %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) FindOpenAlert(_ context.Context, locationID, ruleType string) (alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.LocationID == locationID && a.RuleType == ruleType && a.IsOpen() {
			return a, nil
		}
	}
	return alert.Alert{}, fmt.Errorf("open alert for %s/%s: %w", locationID, ruleType, storage.ErrNotFound)
}

func (s *Store) ListAlerts(_ context.Context, locationID string, status *alert.Status) ([]alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []alert.Alert
	for _, a := range s.alerts {
		if locationID != "" && a.LocationID != locationID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RaisedAt.Before(result[j].RaisedAt)
	})
	return result, nil
}

// DeadLetterStore implementation ----------------------------------------------

func (s *Store) AddDeadLetter(_ context.Context, d storage.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	s.deadLetters = append(s.deadLetters, d)
	if len(s.deadLetters) > s.maxDead {
		s.deadLetters = s.deadLetters[len(s.deadLetters)-s.maxDead:]
	}
	return nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.deadLetters)
	if limit > 0 && limit < n {
		n = limit
	}
	// Most recent first.
	result := make([]storage.DeadLetter, 0, n)
	for i := len(s.deadLetters) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, s.deadLetters[i])
	}
	return result, nil
}
