package events

import "time"

// HeartbeatPayload is carried by pos.location.heartbeat. Edge agents emit
// it on a fixed interval even when idle so the command center can tell
// "quiet" from "disconnected".
type HeartbeatPayload struct {
	LocationID   string `json:"location_id"`
	LocationType string `json:"location_type"`
	Status       string `json:"status"`
	POSCount     int    `json:"pos_count"`
	PumpCount    int    `json:"pump_count,omitempty"`
}

// OfflinePayload is carried by pos.location.offline, emitted by the
// command center's stale sweep when heartbeats stop.
type OfflinePayload struct {
	LocationID     string    `json:"location_id"`
	LastSeen       time.Time `json:"last_seen"`
	TimeoutSeconds int       `json:"timeout_seconds"`
}

// TransactionItem is a line item within a POS transaction.
type TransactionItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
	Price    float64 `json:"price"`
}

// TransactionPayload is carried by the pos.transaction.* events.
type TransactionPayload struct {
	TransactionID string            `json:"transaction_id"`
	POSID         string            `json:"pos_id"`
	LocationID    string            `json:"location_id"`
	Status        string            `json:"status"`
	Items         []TransactionItem `json:"items,omitempty"`
	Total         float64           `json:"total"`
	PaymentType   string            `json:"payment_type,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// HealthReportPayload is carried by pos.health.report.
type HealthReportPayload struct {
	LocationID    string  `json:"location_id"`
	DeviceID      string  `json:"device_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	NetworkUp     bool    `json:"network_up"`
}

// KitchenQueuePayload is carried by pos.kitchen.queue.status.
type KitchenQueuePayload struct {
	LocationID       string         `json:"location_id"`
	QueueDepth       int            `json:"queue_depth"`
	AvgWaitSeconds   float64        `json:"avg_wait_seconds"`
	OrdersInProgress int            `json:"orders_in_progress"`
	Stations         map[string]int `json:"stations,omitempty"`
}

// KitchenOrderPayload is carried by the pos.kitchen.order.* events.
type KitchenOrderPayload struct {
	OrderID              string   `json:"order_id"`
	LocationID           string   `json:"location_id"`
	Items                []string `json:"items,omitempty"`
	Priority             int      `json:"priority,omitempty"`
	Station              string   `json:"station,omitempty"`
	EstimatedTimeSeconds int      `json:"estimated_time_seconds,omitempty"`
}

// PumpTransactionPayload is carried by pos.pump.transaction.start/end.
type PumpTransactionPayload struct {
	PumpID     string  `json:"pump_id"`
	LocationID string  `json:"location_id"`
	FuelType   string  `json:"fuel_type"`
	Liters     float64 `json:"liters"`
	Total      float64 `json:"total"`
}

// PumpStatusPayload is carried by pos.pump.status. Status is one of
// available, in_use, reserved, offline, maintenance.
type PumpStatusPayload struct {
	PumpID     string `json:"pump_id"`
	LocationID string `json:"location_id"`
	Status     string `json:"status"`
}

// TankLevelPayload is carried by pos.tank.level and pos.tank.alert.low.
type TankLevelPayload struct {
	TankID       string  `json:"tank_id"`
	LocationID   string  `json:"location_id"`
	FuelType     string  `json:"fuel_type"`
	CurrentLevel float64 `json:"current_level"`
	Capacity     float64 `json:"capacity"`
	LevelPercent float64 `json:"level_percent"`
}

// AlertRaisedPayload is carried by pos.alert.raised when an edge agent
// escalates a locally detected condition.
type AlertRaisedPayload struct {
	AlertID    string                 `json:"alert_id"`
	LocationID string                 `json:"location_id"`
	Source     string                 `json:"source"`
	Severity   string                 `json:"severity"`
	AlertType  string                 `json:"alert_type"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// ConfigPushPayload is carried by pos.command.config.push. Target
// locations may contain the wildcard "all".
type ConfigPushPayload struct {
	TargetLocations []string               `json:"target_locations"`
	Config          map[string]interface{} `json:"config"`
	Version         string                 `json:"version"`
}

// AcknowledgePayload is carried by pos.command.alert.acknowledge.
type AcknowledgePayload struct {
	AlertID  string `json:"alert_id"`
	Operator string `json:"operator"`
}

// MaintenancePayload is carried by pos.command.maintenance.schedule.
type MaintenancePayload struct {
	LocationID  string    `json:"location_id"`
	DeviceID    string    `json:"device_id"`
	Reason      string    `json:"reason,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
