// Package events provides the internal event bus that couples the hub's
// runtime components (supervisor, health monitor, failover, recovery, push
// hub) without direct imports between them.
package events

// EventType represents different event types
type EventType string

const (
	// Gateway lifecycle events
	GatewayStatusChanged EventType = "gateway.status_changed"
	GatewayControlAction EventType = "gateway.control_action"

	// Failover events
	FailoverExecuted EventType = "failover.executed"

	// Recovery lifecycle events
	RecoveryCooldownStarted EventType = "recovery.cooldown_started"
	RecoveryStarted         EventType = "recovery.started"
	RecoveryCompleted       EventType = "recovery.completed"
	RecoveryFailed          EventType = "recovery.failed"

	// Operational events
	SystemLog  EventType = "system.log"
	CanaryTick EventType = "canary.tick"
)

// RecoveryTypes lists every recovery lifecycle event, in the order they can
// occur. Used by consumers that subscribe to the whole recovery stream.
func RecoveryTypes() []EventType {
	return []EventType{
		RecoveryCooldownStarted,
		RecoveryStarted,
		RecoveryCompleted,
		RecoveryFailed,
	}
}
