package alert

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLifecycleTransitions(t *testing.T) {
	now := time.Now()
	a := Alert{ID: "a1", Status: StatusOpen}

	if err := a.Acknowledge("carol", now); err != nil {
		t.Fatalf("acknowledge open alert: %v", err)
	}
	if a.Status != StatusAcknowledged || a.AcknowledgedBy != "carol" {
		t.Fatalf("after ack: %+v", a)
	}

	// Second acknowledge keeps the first operator.
	if err := a.Acknowledge("dave", now.Add(time.Minute)); err != nil {
		t.Fatalf("re-acknowledge: %v", err)
	}
	if a.AcknowledgedBy != "carol" {
		t.Fatalf("acknowledged_by overwritten to %q", a.AcknowledgedBy)
	}

	if err := a.Close(now.Add(2 * time.Minute)); err != nil {
		t.Fatalf("close acknowledged alert: %v", err)
	}
	if a.Status != StatusClosed || a.ClosedAt == nil {
		t.Fatalf("after close: %+v", a)
	}

	err := a.Acknowledge("erin", now.Add(3*time.Minute))
	var te TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("acknowledge closed alert: got %v, want TransitionError", err)
	}

	// Closing twice is idempotent.
	if err := a.Close(now.Add(4 * time.Minute)); err != nil {
		t.Fatalf("re-close: %v", err)
	}
}

func TestOpenAlertClosesDirectly(t *testing.T) {
	a := Alert{ID: "a2", Status: StatusOpen}
	if err := a.Close(time.Now()); err != nil {
		t.Fatalf("close open alert: %v", err)
	}
	if a.IsOpen() {
		t.Fatal("closed alert still reports open")
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.WorseThan(SeverityWarning) {
		t.Fatal("critical should outrank warning")
	}
	if !SeverityWarning.WorseThan(SeverityInfo) {
		t.Fatal("warning should outrank info")
	}
	if SeverityWarning.WorseThan(SeverityCritical) {
		t.Fatal("warning must not outrank critical")
	}
	if SeverityInfo.WorseThan(SeverityInfo) {
		t.Fatal("severity must not outrank itself")
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(StatusAcknowledged)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"acknowledged"` {
		t.Fatalf("marshalled to %s", raw)
	}
	var s Status
	if err := json.Unmarshal([]byte(`"closed"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != StatusClosed {
		t.Fatalf("unmarshalled to %v", s)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
