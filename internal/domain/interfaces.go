package domain

import (
	"context"
	"time"
)

// AccountStore is the read port onto broker account records.
type AccountStore interface {
	// IsAvailable reports whether the store can currently serve reads.
	IsAvailable() bool
	// ListAccounts returns accounts ordered by priority ascending.
	ListAccounts(enabledOnly bool) ([]Account, error)
	// GetAccount returns the account with the given id, or nil when absent.
	GetAccount(id string) (*Account, error)
}

// DriverEvent is pushed by a Driver through its registered callback.
// Exactly one of Conn, Tick, Log is set.
type DriverEvent struct {
	GatewayID string
	Conn      *ConnState
	Tick      *Tick
	Log       *LogRecord
}

// DriverCallback receives driver events. Callbacks must be cheap; drivers
// may invoke them from their own I/O goroutines.
type DriverCallback func(event DriverEvent)

// Driver is one broker adapter session. Exclusively owned by the supervisor.
type Driver interface {
	// Connect starts the session with protocol-native settings.
	Connect(settings map[string]string) error
	// Subscribe requests market data for a symbol on an exchange.
	Subscribe(symbol, exchange string) error
	// Unsubscribe stops market data for a symbol.
	Unsubscribe(symbol, exchange string) error
	// Close tears the session down. Idempotent.
	Close() error
	// ReliableConnSignal reports whether the driver delivers trustworthy
	// conn events. When false the supervisor scans driver logs for login
	// success patterns to synthesize CONNECTED.
	ReliableConnSignal() bool
}

// DriverFactory creates drivers for a protocol. The callback is registered
// before Connect is called.
type DriverFactory interface {
	NewDriver(protocol ProtocolName, gatewayID string, callback DriverCallback) (Driver, error)
}

// TradingHours is the trading-time policy port. The core never computes
// holidays itself.
type TradingHours interface {
	ShouldConnect(protocol ProtocolName, now time.Time) bool
	Status(protocol ProtocolName, now time.Time) TradingStatus
}

// SupervisorPort exposes the supervisor operations the failover and
// recovery engines are allowed to call. Components never reach into the
// supervisor's internals.
type SupervisorPort interface {
	// StatusView returns a copy of every runtime record.
	StatusView() []GatewayStatus
	// MigrateContracts moves symbols from one gateway to another:
	// unsubscribe best-effort on the source, subscribe on the target.
	MigrateContracts(ctx context.Context, from, to string, symbols []string) error
	// TerminateProcess hard-stops a gateway, releasing its driver handle.
	TerminateProcess(id string) error
	// RelaunchProcess recreates and reconnects a gateway with fresh settings.
	RelaunchProcess(id string, settings map[string]string) error
}

// HealthView is the read port onto derived health state.
type HealthView interface {
	// Status returns the current derived status for a gateway.
	Status(gatewayID string) (HealthStatus, bool)
	// Snapshot returns all health records, keyed by gateway id.
	Snapshot() map[string]HealthRecord
}

// HealthRecord is the copying view of one gateway's health state.
type HealthRecord struct {
	GatewayID       string       `json:"gateway_id"`
	Status          HealthStatus `json:"status"`
	LastHeartbeat   *time.Time   `json:"last_heartbeat,omitempty"`
	LastCheckMs     float64      `json:"last_check_duration_ms"`
	ErrorCount      int          `json:"error_count"`
	LastError       string       `json:"last_error,omitempty"`
	LastUpdated     time.Time    `json:"last_updated"`
	CanaryContract  string       `json:"canary_contract,omitempty"`
	RetryCount      int          `json:"retry_count"`
	ProtocolName    ProtocolName `json:"protocol"`
	HeartbeatStale  bool         `json:"heartbeat_stale"`
	GracePeriodUsed bool         `json:"grace_period_used,omitempty"`
}
