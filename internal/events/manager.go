package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging. It is a thin layer over the
// Bus that keeps emission call sites one-liners and makes every emitted
// event visible in the structured log.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus, for subscribers.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event with a raw map payload.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.bus.Emit(eventType, module, data)

	eventJSON, _ := json.Marshal(data)
	m.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("data", eventJSON).
		Msg("Event emitted")
}

// EmitTyped emits an event with typed data.
func (m *Manager) EmitTyped(module string, data EventData) {
	m.Emit(data.EventType(), module, ConvertEventDataToMap(data))
}

// EmitError emits a system log event at ERROR level. Used by components to
// surface internal failures to operators without crossing their boundary
// with an exception.
func (m *Manager) EmitError(module string, err error, metadata map[string]interface{}) {
	m.EmitTyped(module, &SystemLogData{
		Level:    "ERROR",
		Message:  err.Error(),
		Source:   module,
		Metadata: metadata,
	})
}
