package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/storage"
)

func TestStateRoundTripIsIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	state := location.NewState("loc-1")
	state.Counters["transactions_total"] = 3
	if err := s.PutState(ctx, state); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	state.Counters["transactions_total"] = 99

	got, err := s.GetState(ctx, "loc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Counters["transactions_total"] != 3 {
		t.Fatalf("stored counter = %v", got.Counters["transactions_total"])
	}

	// And mutating the returned copy must not either.
	got.Counters["transactions_total"] = 42
	again, err := s.GetState(ctx, "loc-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Counters["transactions_total"] != 3 {
		t.Fatalf("store shares memory with callers: %v", again.Counters["transactions_total"])
	}
}

func TestGetStateNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetState(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListStatesSortedAndFiltered(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"loc-c", "loc-a", "loc-b"} {
		if err := s.PutState(ctx, location.NewState(id)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	all, err := s.ListStates(ctx, location.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].LocationID != "loc-a" || all[2].LocationID != "loc-c" {
		t.Fatalf("list order = %+v", all)
	}

	one, err := s.ListStates(ctx, location.Filter{LocationID: "loc-b"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(one) != 1 || one[0].LocationID != "loc-b" {
		t.Fatalf("filtered = %+v", one)
	}
}

func TestAlertLifecycleRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := s.CreateAlert(ctx, alert.Alert{
		LocationID: "loc-1",
		Severity:   alert.SeverityWarning,
		RuleType:   "tank_low",
		Status:     alert.StatusOpen,
		RaisedAt:   now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("create did not assign an id")
	}

	found, err := s.FindOpenAlert(ctx, "loc-1", "tank_low")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("found %s, want %s", found.ID, created.ID)
	}

	if err := found.Close(now.Add(time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.UpdateAlert(ctx, found); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.FindOpenAlert(ctx, "loc-1", "tank_low"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("closed alert still found open: %v", err)
	}

	open := alert.StatusOpen
	alerts, err := s.ListAlerts(ctx, "loc-1", &open)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("open list after close = %+v", alerts)
	}
}

func TestUpdateAlertNotFound(t *testing.T) {
	s := New()
	_, err := s.UpdateAlert(context.Background(), alert.Alert{ID: "missing"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeadLettersNewestFirstWithLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := s.AddDeadLetter(ctx, storage.DeadLetter{
			ID:         string(rune('a' + i)),
			Reason:     "bad",
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	letters, err := s.ListDeadLetters(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(letters) != 2 || letters[0].ID != "e" || letters[1].ID != "d" {
		t.Fatalf("letters = %+v", letters)
	}
}
