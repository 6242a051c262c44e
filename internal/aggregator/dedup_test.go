package aggregator

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDedupMarksOnce(t *testing.T) {
	d := NewMemoryDedup(time.Hour)
	defer d.Close()
	ctx := context.Background()

	seen, err := d.CheckAndMark(ctx, "evt-1")
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if seen {
		t.Fatal("fresh id reported as seen")
	}

	seen, err = d.CheckAndMark(ctx, "evt-1")
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !seen {
		t.Fatal("repeat id not reported as seen")
	}

	if seen, _ := d.CheckAndMark(ctx, "evt-2"); seen {
		t.Fatal("unrelated id reported as seen")
	}
}

func TestMemoryDedupExpiresAfterWindow(t *testing.T) {
	d := NewMemoryDedup(10 * time.Millisecond)
	defer d.Close()
	ctx := context.Background()

	if seen, _ := d.CheckAndMark(ctx, "evt-1"); seen {
		t.Fatal("fresh id reported as seen")
	}
	time.Sleep(20 * time.Millisecond)
	if seen, _ := d.CheckAndMark(ctx, "evt-1"); seen {
		t.Fatal("id still seen after the window elapsed")
	}
}

func TestMemoryDedupForget(t *testing.T) {
	d := NewMemoryDedup(time.Hour)
	defer d.Close()
	ctx := context.Background()

	if _, err := d.CheckAndMark(ctx, "evt-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := d.Forget(ctx, "evt-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if seen, _ := d.CheckAndMark(ctx, "evt-1"); seen {
		t.Fatal("forgotten id still reported as seen")
	}
}
