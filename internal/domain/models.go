// Package domain holds the pure data model and the ports between the hub's
// components. It has no infrastructure dependencies.
package domain

import (
	"strings"
	"time"
)

// ProtocolName identifies a broker protocol family.
type ProtocolName string

const (
	// ProtocolFutures is the futures/options protocol family (CTP-style).
	ProtocolFutures ProtocolName = "FUTURES"
	// ProtocolStockOptions is the stock-options protocol family.
	ProtocolStockOptions ProtocolName = "STOCK_OPTIONS"
)

// ConnState is the raw connection signal reported by a broker driver.
type ConnState string

const (
	ConnIdle         ConnState = "IDLE"
	ConnConnecting   ConnState = "CONNECTING"
	ConnConnected    ConnState = "CONNECTED"
	ConnDisconnected ConnState = "DISCONNECTED"
)

// HealthStatus is the derived per-gateway health state.
type HealthStatus string

const (
	HealthConnecting   HealthStatus = "CONNECTING"
	HealthHealthy      HealthStatus = "HEALTHY"
	HealthUnhealthy    HealthStatus = "UNHEALTHY"
	HealthDisconnected HealthStatus = "DISCONNECTED"
)

// Account is a broker account record, read from the account store.
// The core never writes accounts.
type Account struct {
	ID          string            `json:"id"`
	Protocol    ProtocolName      `json:"protocol"`
	Settings    map[string]string `json:"settings"`
	Priority    int               `json:"priority"` // lower = preferred
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
}

// Tick is a normalized market-data tick. Field set matches the publisher
// wire format.
type Tick struct {
	Symbol     string    `json:"symbol" msgpack:"symbol"`
	Datetime   time.Time `json:"datetime" msgpack:"-"`
	LastPrice  float64   `json:"last_price" msgpack:"last_price"`
	Volume     int64     `json:"volume" msgpack:"volume"`
	LastVolume int64     `json:"last_volume,omitempty" msgpack:"last_volume,omitempty"`
	BidPrice1  float64   `json:"bid_price_1,omitempty" msgpack:"bid_price_1,omitempty"`
	AskPrice1  float64   `json:"ask_price_1,omitempty" msgpack:"ask_price_1,omitempty"`
	BidVolume1 int64     `json:"bid_volume_1,omitempty" msgpack:"bid_volume_1,omitempty"`
	AskVolume1 int64     `json:"ask_volume_1,omitempty" msgpack:"ask_volume_1,omitempty"`
	VtSymbol   string    `json:"vt_symbol,omitempty" msgpack:"vt_symbol,omitempty"`
}

// LogRecord is a log line emitted by a broker driver.
type LogRecord struct {
	GatewayID string    `json:"gateway_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// GatewayStatus is the copying status view of one gateway runtime record.
// Returned by the supervisor's StatusView; safe to retain.
type GatewayStatus struct {
	ID             string       `json:"id"`
	Protocol       ProtocolName `json:"protocol"`
	Priority       int          `json:"priority"`
	ConnState      ConnState    `json:"conn_state"`
	Attempts       int          `json:"attempts"`
	ConnectedSince *time.Time   `json:"connected_since,omitempty"`
	LastUpdated    time.Time    `json:"last_updated"`
	Subscriptions  []string     `json:"subscriptions"`
	TickCount      uint64       `json:"tick_count"`
	Mock           bool         `json:"mock,omitempty"`
}

// SessionRange is one trading session within a day, minutes from midnight.
// Overnight sessions (start > end) wrap past midnight.
type SessionRange struct {
	Name  string
	Start int
	End   int
}

// Protocol is the per-protocol value object: the only place the two broker
// families differ. Differences are data, not subclasses.
type Protocol struct {
	Name ProtocolName

	// CanaryContracts are liquid symbols subscribed solely for heartbeat.
	CanaryContracts []string
	// CanaryPrimary is the contract the health monitor compares against.
	CanaryPrimary string

	// Sessions are the protocol's trading sessions.
	Sessions []SessionRange

	// SettingsFields maps English settings keys to the native driver field
	// names expected by the protocol's adapter.
	SettingsFields map[string]string

	// ExchangeSuffixes maps symbol prefixes to exchange codes for exchange
	// inference when a bare symbol is subscribed.
	ExchangeSuffixes map[string]string
}

// IsCanary reports whether a symbol is one of the protocol's canaries.
func (p *Protocol) IsCanary(symbol string) bool {
	base := BaseSymbol(symbol)
	for _, c := range p.CanaryContracts {
		if BaseSymbol(c) == base {
			return true
		}
	}
	return false
}

// InferExchange returns the exchange code for a symbol. Symbols of the form
// "rb2510.SHFE" carry their exchange; bare symbols fall back to the
// protocol's prefix table.
func (p *Protocol) InferExchange(symbol string) string {
	if i := strings.LastIndex(symbol, "."); i >= 0 {
		return symbol[i+1:]
	}
	for prefix, exchange := range p.ExchangeSuffixes {
		if strings.HasPrefix(symbol, prefix) {
			return exchange
		}
	}
	return ""
}

// MapSettings translates English settings keys to the native driver field
// names. Keys without a mapping pass through unchanged.
func (p *Protocol) MapSettings(settings map[string]string) map[string]string {
	mapped := make(map[string]string, len(settings))
	for k, v := range settings {
		if native, ok := p.SettingsFields[k]; ok {
			mapped[native] = v
		} else {
			mapped[k] = v
		}
	}
	return mapped
}

// BaseSymbol strips the exchange suffix: "rb2510.SHFE" -> "rb2510".
func BaseSymbol(symbol string) string {
	if i := strings.LastIndex(symbol, "."); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// TradingStatus describes whether a protocol is in session right now and,
// when it is not, when the next session starts.
type TradingStatus struct {
	InSession        bool       `json:"in_session"`
	SessionName      string     `json:"session_name,omitempty"`
	NextSessionStart *time.Time `json:"next_session_start,omitempty"`
	NextSessionName  string     `json:"next_session_name,omitempty"`
}
