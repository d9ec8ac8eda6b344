package events

import (
	"encoding/json"
)

// EventData is the interface all typed event payloads implement.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// StatusChangedData contains data for GatewayStatusChanged events
type StatusChangedData struct {
	GatewayID      string                 `json:"gateway_id"`
	Protocol       string                 `json:"protocol"`
	PreviousStatus string                 `json:"previous_status"`
	CurrentStatus  string                 `json:"current_status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventType returns the event type for StatusChangedData
func (d *StatusChangedData) EventType() EventType { return GatewayStatusChanged }

// ControlActionData contains data for GatewayControlAction events
type ControlActionData struct {
	GatewayID string                 `json:"gateway_id"`
	Action    string                 `json:"action"` // "start", "stop", "restart", "resubscribe_canary"
	Status    string                 `json:"status"` // "success", "blocked", "failed"
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// EventType returns the event type for ControlActionData
func (d *ControlActionData) EventType() EventType { return GatewayControlAction }

// FailoverExecutedData contains the aggregate report of one failover run
type FailoverExecutedData struct {
	FailedGateway string                 `json:"failed_gateway"`
	BackupGateway string                 `json:"backup_gateway"`
	Symbols       []string               `json:"symbols"`
	MigratedCount int                    `json:"migrated_count"`
	FailedCount   int                    `json:"failed_count"`
	DurationMs    float64                `json:"duration_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventType returns the event type for FailoverExecutedData
func (d *FailoverExecutedData) EventType() EventType { return FailoverExecuted }

// RecoveryEventData is shared by all recovery lifecycle events; the Status
// field determines the concrete event type.
type RecoveryEventData struct {
	GatewayID  string  `json:"gateway_id"`
	Status     string  `json:"status"` // "cooldown_started", "started", "completed", "failed"
	Attempt    int     `json:"attempt"`
	CooldownS  float64 `json:"cooldown_seconds,omitempty"`
	DurationS  float64 `json:"duration_seconds,omitempty"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
	Permanent  bool    `json:"permanent,omitempty"`
	MaxAttempt int     `json:"max_attempts,omitempty"`
}

// EventType returns the event type for RecoveryEventData
func (d *RecoveryEventData) EventType() EventType {
	switch d.Status {
	case "cooldown_started":
		return RecoveryCooldownStarted
	case "started":
		return RecoveryStarted
	case "completed":
		return RecoveryCompleted
	case "failed":
		return RecoveryFailed
	default:
		return RecoveryStarted
	}
}

// SystemLogData contains data for SystemLog events
type SystemLogData struct {
	Level    string                 `json:"level"` // INFO, WARN, ERROR, CRITICAL
	Message  string                 `json:"message"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// EventType returns the event type for SystemLogData
func (d *SystemLogData) EventType() EventType { return SystemLog }

// CanaryTickData contains data for CanaryTick events
type CanaryTickData struct {
	GatewayID        string `json:"gateway_id"`
	ContractSymbol   string `json:"contract_symbol"`
	TickCount1Min    int    `json:"tick_count_1min"`
	LastTickTime     string `json:"last_tick_time"`
	Status           string `json:"status"` // ACTIVE, STALE, INACTIVE
	ThresholdSeconds int    `json:"threshold_seconds"`
}

// EventType returns the event type for CanaryTickData
func (d *CanaryTickData) EventType() EventType { return CanaryTick }

// GetTypedData attempts to convert the Data map to typed EventData.
// Returns nil when the map does not match the event type's payload.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case GatewayStatusChanged:
		var data StatusChangedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case GatewayControlAction:
		var data ControlActionData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case FailoverExecuted:
		var data FailoverExecutedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case RecoveryCooldownStarted, RecoveryStarted, RecoveryCompleted, RecoveryFailed:
		var data RecoveryEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SystemLog:
		var data SystemLogData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case CanaryTick:
		var data CanaryTickData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct via JSON.
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}

// ConvertEventDataToMap converts typed EventData to map[string]interface{}
// for bus transport.
func ConvertEventDataToMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil
	}

	return result
}
