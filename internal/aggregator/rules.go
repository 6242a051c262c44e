package aggregator

import (
	"fmt"
	"time"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/device"
	"github.com/posedge/fleet/internal/domain/location"
)

// Rule type identifiers. One open alert exists per (location, rule type);
// re-evaluation updates it in place instead of raising duplicates.
const (
	RuleNoHeartbeat  = "no_heartbeat"
	RuleTankLow      = "tank_low"
	RuleKitchenQueue = "kitchen_queue"
	RuleKitchenWait  = "kitchen_wait"
	RuleDeviceHealth = "device_health"
	RulePumpOffline  = "pump_offline"
)

// Thresholds are the externally tunable rule trigger points.
type Thresholds struct {
	HeartbeatGrace  time.Duration `yaml:"heartbeat_grace"`
	TankLowPercent  float64       `yaml:"tank_low_percent"`
	TankCritPercent float64       `yaml:"tank_critical_percent"`
	QueueDepth      int           `yaml:"queue_depth"`
	QueueSustained  int           `yaml:"queue_sustained_reports"`
	WaitSeconds     float64       `yaml:"wait_seconds"`
	CPUPercent      float64       `yaml:"cpu_percent"`
	MemoryPercent   float64       `yaml:"memory_percent"`
	DiskPercent     float64       `yaml:"disk_percent"`
}

func (t *Thresholds) applyDefaults() {
	if t.HeartbeatGrace <= 0 {
		t.HeartbeatGrace = 120 * time.Second
	}
	if t.TankLowPercent <= 0 {
		t.TankLowPercent = 20
	}
	if t.TankCritPercent <= 0 {
		t.TankCritPercent = 10
	}
	if t.QueueDepth <= 0 {
		t.QueueDepth = 10
	}
	if t.QueueSustained <= 0 {
		t.QueueSustained = 3
	}
	if t.WaitSeconds <= 0 {
		t.WaitSeconds = 300
	}
	if t.CPUPercent <= 0 {
		t.CPUPercent = 90
	}
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = 90
	}
	if t.DiskPercent <= 0 {
		t.DiskPercent = 95
	}
}

// Finding is a fired rule condition: the severity it warrants right now
// and an operator-facing message. A nil Finding means the condition is
// clear and any open alert for the rule self-heals.
type Finding struct {
	Severity alert.Severity
	Message  string
}

// Rule pairs an identifier with a pure condition over materialized
// state. Conditions never mutate state and never touch storage.
type Rule struct {
	Type     string
	Evaluate func(s *location.State, t Thresholds, now time.Time) *Finding
}

// defaultRules is the evaluation table. Order is not significant; each
// rule is isolated, so one misbehaving condition cannot block the rest.
func defaultRules() []Rule {
	return []Rule{
		{Type: RuleNoHeartbeat, Evaluate: evalNoHeartbeat},
		{Type: RuleTankLow, Evaluate: evalTankLow},
		{Type: RuleKitchenQueue, Evaluate: evalKitchenQueue},
		{Type: RuleKitchenWait, Evaluate: evalKitchenWait},
		{Type: RuleDeviceHealth, Evaluate: evalDeviceHealth},
		{Type: RulePumpOffline, Evaluate: evalPumpOffline},
	}
}

func evalNoHeartbeat(s *location.State, t Thresholds, now time.Time) *Finding {
	if s.LastHeartbeat.IsZero() {
		return nil
	}
	age := now.Sub(s.LastHeartbeat)
	if age <= t.HeartbeatGrace {
		return nil
	}
	return &Finding{
		Severity: alert.SeverityCritical,
		Message:  fmt.Sprintf("no heartbeat for %s (grace %s)", age.Round(time.Second), t.HeartbeatGrace),
	}
}

func evalTankLow(s *location.State, t Thresholds, _ time.Time) *Finding {
	var worst *Finding
	for _, d := range s.DeviceStates {
		if d.Kind != device.KindTank {
			continue
		}
		pct, ok := d.Attributes["level_percent"]
		if !ok {
			continue
		}
		switch {
		case pct < t.TankCritPercent:
			return &Finding{
				Severity: alert.SeverityCritical,
				Message:  fmt.Sprintf("tank %s at %.1f%%, below critical threshold %.0f%%", d.DeviceID, pct, t.TankCritPercent),
			}
		case pct < t.TankLowPercent && worst == nil:
			worst = &Finding{
				Severity: alert.SeverityWarning,
				Message:  fmt.Sprintf("tank %s at %.1f%%, below low threshold %.0f%%", d.DeviceID, pct, t.TankLowPercent),
			}
		}
	}
	return worst
}

func evalKitchenQueue(s *location.State, t Thresholds, _ time.Time) *Finding {
	streak := int(s.Counters["kitchen_queue_breach_streak"])
	if streak < t.QueueSustained {
		return nil
	}
	depth := int(s.Counters["kitchen_queue_depth"])
	return &Finding{
		Severity: alert.SeverityWarning,
		Message:  fmt.Sprintf("kitchen queue depth %d above %d for %d consecutive reports", depth, t.QueueDepth, streak),
	}
}

func evalKitchenWait(s *location.State, t Thresholds, _ time.Time) *Finding {
	wait := s.Counters["kitchen_avg_wait_seconds"]
	if wait <= t.WaitSeconds {
		return nil
	}
	return &Finding{
		Severity: alert.SeverityWarning,
		Message:  fmt.Sprintf("average kitchen wait %.0fs above %.0fs", wait, t.WaitSeconds),
	}
}

func evalDeviceHealth(s *location.State, t Thresholds, _ time.Time) *Finding {
	var worst *Finding
	for _, d := range s.DeviceStates {
		if d.Kind != device.KindPOS {
			continue
		}
		if disk, ok := d.Attributes["disk_percent"]; ok && disk > t.DiskPercent {
			return &Finding{
				Severity: alert.SeverityCritical,
				Message:  fmt.Sprintf("device %s disk at %.1f%%, above %.0f%%", d.DeviceID, disk, t.DiskPercent),
			}
		}
		if worst != nil {
			continue
		}
		if cpu, ok := d.Attributes["cpu_percent"]; ok && cpu > t.CPUPercent {
			worst = &Finding{
				Severity: alert.SeverityWarning,
				Message:  fmt.Sprintf("device %s cpu at %.1f%%, above %.0f%%", d.DeviceID, cpu, t.CPUPercent),
			}
			continue
		}
		if mem, ok := d.Attributes["memory_percent"]; ok && mem > t.MemoryPercent {
			worst = &Finding{
				Severity: alert.SeverityWarning,
				Message:  fmt.Sprintf("device %s memory at %.1f%%, above %.0f%%", d.DeviceID, mem, t.MemoryPercent),
			}
		}
	}
	return worst
}

func evalPumpOffline(s *location.State, _ Thresholds, _ time.Time) *Finding {
	for _, d := range s.DeviceStates {
		if d.Kind == device.KindPump && d.Status == "offline" {
			return &Finding{
				Severity: alert.SeverityWarning,
				Message:  fmt.Sprintf("pump %s reported offline", d.DeviceID),
			}
		}
	}
	return nil
}
