// Package pushhub streams status, control, recovery, log and canary events
// to long-lived websocket UI clients with ping health management and
// rate-limited batching.
package pushhub

import (
	"encoding/json"
	"time"

	"github.com/quantmesh/tickhub/internal/events"
)

// UI-facing event type names.
const (
	MsgStatusChange   = "gateway_status_change"
	MsgRecoveryStatus = "gateway_recovery_status"
	MsgControlAction  = "gateway_control_action"
	MsgSystemLog      = "system_log"
	MsgCanaryTick     = "canary_tick_update"
	MsgConnection     = "connection"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgShutdown       = "shutdown"
)

// Message is one UI-facing frame. Every message carries event_type and
// timestamp; the remaining keys depend on the type.
type Message map[string]interface{}

func newMessage(eventType string, at time.Time) Message {
	return Message{
		"event_type": eventType,
		"timestamp":  at.Format(time.RFC3339Nano),
	}
}

func (m Message) encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

func decodeFrame(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// normalizeStatusChange maps a bus status transition into the UI shape.
func normalizeStatusChange(data *events.StatusChangedData, at time.Time) Message {
	msg := newMessage(MsgStatusChange, at)
	msg["gateway_id"] = data.GatewayID
	msg["gateway_type"] = data.Protocol
	msg["previous_status"] = data.PreviousStatus
	msg["current_status"] = data.CurrentStatus
	msg["metadata"] = orEmpty(data.Metadata)
	return msg
}

// normalizeRecovery maps any recovery lifecycle event into the UI shape.
func normalizeRecovery(data *events.RecoveryEventData, at time.Time) Message {
	metadata := map[string]interface{}{}
	if data.CooldownS > 0 {
		metadata["cooldown_seconds"] = data.CooldownS
	}
	if data.DurationS > 0 {
		metadata["duration_seconds"] = data.DurationS
	}
	if data.Error != "" {
		metadata["error"] = data.Error
	}
	if data.Permanent {
		metadata["permanent"] = true
		metadata["max_attempts"] = data.MaxAttempt
	}

	msg := newMessage(MsgRecoveryStatus, at)
	msg["gateway_id"] = data.GatewayID
	msg["recovery_status"] = data.Status
	msg["attempt"] = data.Attempt
	msg["message"] = data.Message
	msg["metadata"] = metadata
	return msg
}

// normalizeControlAction maps a control-action event into the UI shape.
func normalizeControlAction(data *events.ControlActionData, at time.Time) Message {
	msg := newMessage(MsgControlAction, at)
	msg["gateway_id"] = data.GatewayID
	msg["action"] = data.Action
	msg["status"] = data.Status
	msg["message"] = data.Message
	msg["metadata"] = orEmpty(data.Metadata)
	return msg
}

// normalizeCanaryTick maps a canary heartbeat event into the UI shape.
func normalizeCanaryTick(data *events.CanaryTickData, at time.Time) Message {
	msg := newMessage(MsgCanaryTick, at)
	msg["gateway_id"] = data.GatewayID
	msg["contract_symbol"] = data.ContractSymbol
	msg["tick_count_1min"] = data.TickCount1Min
	msg["last_tick_time"] = data.LastTickTime
	msg["status"] = data.Status
	msg["threshold_seconds"] = data.ThresholdSeconds
	return msg
}

// normalizeSystemLog builds the UI log shape.
func normalizeSystemLog(level, message, source string, metadata map[string]interface{}, at time.Time) Message {
	msg := newMessage(MsgSystemLog, at)
	msg["level"] = level
	msg["message"] = message
	msg["source"] = source
	msg["metadata"] = orEmpty(metadata)
	return msg
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// Log levels accepted by the hub, in severity order. Anything below INFO is
// dropped at intake.
var logLevelRank = map[string]int{
	"TRACE":    -1,
	"DEBUG":    0,
	"INFO":     1,
	"WARN":     2,
	"WARNING":  2,
	"ERROR":    3,
	"CRITICAL": 4,
}

// canonicalLogLevel normalizes a driver level string and reports whether the
// hub keeps it.
func canonicalLogLevel(level string) (string, bool) {
	rank, ok := logLevelRank[level]
	if !ok {
		// Unknown levels pass through as INFO rather than vanish.
		return "INFO", true
	}
	if rank < logLevelRank["INFO"] {
		return "", false
	}
	if level == "WARNING" {
		return "WARN", true
	}
	return level, true
}

// LogEntry is one record in the recent-logs ring.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
