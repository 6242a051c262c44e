// Package alert models operator-facing anomalies raised by the command
// center's rule evaluation, with their open/acknowledged/closed lifecycle.
package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity ranks how urgently an alert needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank orders severities so rule re-evaluation can escalate but never
// silently downgrade an open alert.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// WorseThan reports whether s is more severe than other.
func (s Severity) WorseThan(other Severity) bool {
	return s.rank() > other.rank()
}

// Status is the lifecycle state of an alert.
type Status int32

const (
	StatusOpen Status = iota
	StatusAcknowledged
	StatusClosed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", s)
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
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a string to Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "acknowledged":
		return StatusAcknowledged, nil
	case "closed":
		return StatusClosed, nil
	default:
		return StatusOpen, fmt.Errorf("unknown alert status %q", s)
	}
}

// ValidTransitions defines the legal lifecycle moves. Both open and
// acknowledged alerts may close automatically when the triggering
// condition clears.
var ValidTransitions = map[Status][]Status{
	StatusOpen:         {StatusAcknowledged, StatusClosed},
	StatusAcknowledged: {StatusClosed},
	StatusClosed:       {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal lifecycle move.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid alert transition: %s -> %s", e.From, e.To)
}

// Alert is an anomaly requiring operator attention. RuleType identifies
// the rule that raised it; one open alert exists per (location, rule).
type Alert struct {
	ID             string     `json:"id"`
	LocationID     string     `json:"location_id"`
	Severity       Severity   `json:"severity"`
	RuleType       string     `json:"rule_type"`
	Message        string     `json:"message"`
	Status         Status     `json:"status"`
	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Acknowledge records the operator action. Acknowledging a closed alert
// is illegal; acknowledging twice keeps the first operator.
func (a *Alert) Acknowledge(operator string, at time.Time) error {
	if a.Status == StatusAcknowledged {
		return nil
	}
	if !CanTransition(a.Status, StatusAcknowledged) {
		return TransitionError{From: a.Status, To: StatusAcknowledged}
	}
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = operator
	return nil
}

// Close marks the alert resolved, either by an operator or by the rule
// condition clearing.
func (a *Alert) Close(at time.Time) error {
	if a.Status == StatusClosed {
		return nil
	}
	if !CanTransition(a.Status, StatusClosed) {
		return TransitionError{From: a.Status, To: StatusClosed}
	}
	a.Status = StatusClosed
	a.ClosedAt = &at
	return nil
}

// IsOpen reports whether the alert still needs attention (open or
// acknowledged but not yet closed).
func (a *Alert) IsOpen() bool {
	return a.Status != StatusClosed
}
