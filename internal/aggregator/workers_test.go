package aggregator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/posedge/fleet/internal/broker"
	"github.com/posedge/fleet/internal/events"
)

func TestPartitionIsStablePerLocation(t *testing.T) {
	f := newFixture(t)
	p := NewPool(PoolConfig{Workers: 4}, f.agg, nil)

	for i := 0; i < 20; i++ {
		a := f.heartbeat(t, "loc-7", f.now)
		b := f.heartbeat(t, "loc-7", f.now)
		if p.partition(a) != p.partition(b) {
			t.Fatal("same location hashed to different workers")
		}
	}

	spread := make(map[int]struct{})
	for i := 0; i < 32; i++ {
		e := f.heartbeat(t, fmt.Sprintf("loc-%d", i), f.now)
		spread[p.partition(e)] = struct{}{}
	}
	if len(spread) < 2 {
		t.Fatalf("32 locations landed on %d workers", len(spread))
	}
}

func TestSubmitProcessesBeforeReturning(t *testing.T) {
	f := newFixture(t)
	p := NewPool(PoolConfig{Workers: 2, QueueSize: 8}, f.agg, nil)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	if err := p.Submit(ctx, f.heartbeat(t, "loc-1", f.now)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Submit returned, so the state write is already visible.
	s := f.state(t, "loc-1")
	if !s.LastHeartbeat.Equal(f.now) {
		t.Fatalf("state not materialized before Submit returned: %+v", s)
	}
}

func TestSubmitAcksRejectedEvents(t *testing.T) {
	f := newFixture(t)
	p := NewPool(PoolConfig{Workers: 1}, f.agg, nil)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	bad := f.heartbeat(t, "loc-1", f.now)
	bad.Source = "garbage"
	// Dead-lettered events return nil so the broker never redelivers them.
	if err := p.Submit(ctx, bad); err != nil {
		t.Fatalf("submit rejected event: %v", err)
	}

	letters, err := f.store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d", len(letters))
	}
}

func TestPoolConsumesFromBroker(t *testing.T) {
	f := newFixture(t)
	p := NewPool(PoolConfig{Workers: 2}, f.agg, nil)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	b := broker.NewMemory()
	// Duplicate every delivery; dedup must keep ingestion idempotent.
	b.Duplicates = 1
	if err := p.SubscribeAll(ctx, b, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	e := f.event(t, events.TypeTransactionCompleted,
		events.Source{LocationID: "loc-1", DeviceID: "pos-1"}, f.now,
		events.TransactionPayload{TransactionID: "tx-1", POSID: "pos-1", Status: "completed", Total: 10})
	if err := b.Publish(ctx, e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := f.store.GetState(ctx, "loc-1")
		if err == nil && s.Counters["transactions_total"] == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state after duplicated delivery: %v (err %v)", s, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
