package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/posedge/fleet/internal/events"
)

func TestTopicFor(t *testing.T) {
	cases := []struct {
		eventType events.Type
		prefix    string
		want      string
	}{
		{events.TypeLocationHeartbeat, "", "fleet.location"},
		{events.TypeTankLevel, "", "fleet.tank"},
		{events.TypeTankAlertLow, "", "fleet.tank"},
		{events.TypePumpStatus, "staging", "staging.pump"},
		{events.TypeCommandAlertAcknowledge, "", "fleet.command"},
		{events.Type("pos"), "", "fleet.misc"},
	}
	for _, c := range cases {
		if got := TopicFor(c.eventType, c.prefix); got != c.want {
			t.Errorf("TopicFor(%s, %q) = %q, want %q", c.eventType, c.prefix, got, c.want)
		}
	}
}

func TestTopicsDeduplicatesFamilies(t *testing.T) {
	topics := Topics("",
		events.TypeTankLevel,
		events.TypeTankAlertLow,
		events.TypePumpStatus,
		events.TypePumpTransactionEnd,
	)
	if len(topics) != 2 {
		t.Fatalf("topics = %v", topics)
	}
}

func testEvent(t *testing.T, eventType events.Type) *events.Event {
	t.Helper()
	e, err := events.New(eventType,
		events.Source{LocationID: "loc-1"},
		map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return e
}

func TestMemoryDeliversToSubscribers(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	err := b.Subscribe(ctx, "fleet.tank", func(_ context.Context, e *events.Event) error {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	e := testEvent(t, events.TypeTankLevel)
	if err := b.Publish(ctx, e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Other families do not reach this subscriber.
	if err := b.Publish(ctx, testEvent(t, events.TypePumpStatus)); err != nil {
		t.Fatalf("publish other family: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != e.ID {
		t.Fatalf("deliveries = %v", got)
	}
}

func TestMemoryDuplicatesDeliveries(t *testing.T) {
	b := NewMemory()
	b.Duplicates = 2
	ctx := context.Background()

	count := 0
	if err := b.Subscribe(ctx, "fleet.tank", func(context.Context, *events.Event) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, testEvent(t, events.TypeTankLevel)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 3 {
		t.Fatalf("deliveries = %d, want 3", count)
	}
}

func TestMemoryRedeliversOnTransientError(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	count := 0
	if err := b.Subscribe(ctx, "fleet.tank", func(context.Context, *events.Event) error {
		count++
		if count == 1 {
			return ErrUnavailable
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, testEvent(t, events.TypeTankLevel)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 2 {
		t.Fatalf("deliveries = %d, want 2", count)
	}
}

func TestMemoryRejectsInvalidEvent(t *testing.T) {
	b := NewMemory()
	bad := testEvent(t, events.TypeTankLevel)
	bad.ID = ""
	err := b.Publish(context.Background(), bad)
	if !IsPermanent(err) {
		t.Fatalf("got %v, want PermanentError", err)
	}
}

func TestMemoryClosedPublishIsUnavailable(t *testing.T) {
	b := NewMemory()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := b.Publish(context.Background(), testEvent(t, events.TypeTankLevel))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}
