// Package broker holds the broker adapter port implementations. The native
// protocol adapters bind vendor libraries that only exist on production
// hosts; the mock driver is the configuration-selected stand-in used in
// development and tests.
package broker

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/domain"
)

// MockScript controls scripted mock behavior for tests and dev degradation.
type MockScript struct {
	// FailConnect makes Connect return a transient error immediately.
	FailConnect bool
	// NeverConnect accepts Connect but never reports CONNECTED.
	NeverConnect bool
	// ConnectDelay precedes the CONNECTED signal. Zero means 50ms.
	ConnectDelay time.Duration
	// TickInterval spaces synthetic ticks per symbol. Zero means 500ms.
	TickInterval time.Duration
	// LogOnlyLogin suppresses the conn event and reports login through
	// log lines only, exercising the supervisor's log scanning.
	LogOnlyLogin bool
}

// MockDriver is a self-contained broker driver: it connects after a short
// delay, reports login through conn events or log lines, and synthesizes
// ticks for every subscribed symbol.
type MockDriver struct {
	gatewayID string
	protocol  domain.ProtocolName
	callback  domain.DriverCallback
	script    MockScript
	log       zerolog.Logger

	mu           sync.Mutex
	connected    bool
	closed       bool
	ticksEnabled bool
	prices       map[string]float64
	volumes      map[string]int64
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewMockDriver creates a mock driver for one gateway.
func NewMockDriver(protocol domain.ProtocolName, gatewayID string, callback domain.DriverCallback, script MockScript, log zerolog.Logger) *MockDriver {
	if script.ConnectDelay == 0 {
		script.ConnectDelay = 50 * time.Millisecond
	}
	if script.TickInterval == 0 {
		script.TickInterval = 500 * time.Millisecond
	}
	return &MockDriver{
		gatewayID:    gatewayID,
		protocol:     protocol,
		callback:     callback,
		script:       script,
		log:          log.With().Str("driver", "mock").Str("gateway", gatewayID).Logger(),
		ticksEnabled: true,
		prices:       make(map[string]float64),
		volumes:      make(map[string]int64),
		stopChan:     make(chan struct{}),
	}
}

// Connect starts the session. Settings are accepted but unused.
func (d *MockDriver) Connect(settings map[string]string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("driver for %s is closed", d.gatewayID)
	}
	if d.script.FailConnect {
		d.mu.Unlock()
		return domain.NewErrorf(domain.ErrDriverTransient, "mock connect refused for %s", d.gatewayID)
	}
	d.mu.Unlock()

	d.emitConn(domain.ConnConnecting)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(d.script.ConnectDelay):
		case <-d.stopChan:
			return
		}
		if d.script.NeverConnect {
			return
		}

		d.mu.Lock()
		d.connected = true
		d.mu.Unlock()

		d.emitLog("INFO", "交易服务器登录成功")
		d.emitLog("INFO", "行情服务器登录成功")
		d.emitLog("INFO", fmt.Sprintf("gateway %s login success", d.gatewayID))
		if !d.script.LogOnlyLogin {
			d.emitConn(domain.ConnConnected)
		}
	}()
	return nil
}

// Subscribe starts the tick synthesizer for a symbol. Idempotent.
func (d *MockDriver) Subscribe(symbol, exchange string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("driver for %s is closed", d.gatewayID)
	}
	if _, exists := d.prices[symbol]; exists {
		return nil
	}
	d.prices[symbol] = 3000 + rand.Float64()*1000

	d.wg.Add(1)
	go d.tickLoop(symbol, exchange)
	return nil
}

// Unsubscribe stops ticks for a symbol.
func (d *MockDriver) Unsubscribe(symbol, exchange string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.prices, symbol)
	return nil
}

// Close tears the session down. Idempotent.
func (d *MockDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.connected = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	d.emitConn(domain.ConnDisconnected)
	return nil
}

// ReliableConnSignal reports whether conn events can be trusted. Scripted
// log-only mode forces the supervisor onto log scanning.
func (d *MockDriver) ReliableConnSignal() bool {
	return !d.script.LogOnlyLogin
}

// SetTicksEnabled pauses or resumes synthetic ticks. Used to simulate a
// stalled market-data feed without dropping the connection.
func (d *MockDriver) SetTicksEnabled(enabled bool) {
	d.mu.Lock()
	d.ticksEnabled = enabled
	d.mu.Unlock()
}

// DropConnection simulates a broker-side disconnect.
func (d *MockDriver) DropConnection() {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.emitConn(domain.ConnDisconnected)
}

func (d *MockDriver) tickLoop(symbol, exchange string) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.script.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.mu.Lock()
			price, subscribed := d.prices[symbol]
			if !subscribed {
				d.mu.Unlock()
				return
			}
			if !d.connected || !d.ticksEnabled {
				d.mu.Unlock()
				continue
			}
			price += (rand.Float64() - 0.5) * 2
			d.prices[symbol] = price
			d.volumes[symbol] += int64(1 + rand.Intn(10))
			volume := d.volumes[symbol]
			d.mu.Unlock()

			vtSymbol := symbol
			if exchange != "" {
				vtSymbol = domain.BaseSymbol(symbol) + "." + exchange
			}
			d.emitTick(&domain.Tick{
				Symbol:     domain.BaseSymbol(symbol),
				Datetime:   time.Now(),
				LastPrice:  price,
				Volume:     volume,
				LastVolume: 1,
				BidPrice1:  price - 1,
				AskPrice1:  price + 1,
				BidVolume1: int64(10 + rand.Intn(90)),
				AskVolume1: int64(10 + rand.Intn(90)),
				VtSymbol:   vtSymbol,
			})
		}
	}
}

func (d *MockDriver) emitConn(state domain.ConnState) {
	if d.callback == nil {
		return
	}
	d.callback(domain.DriverEvent{GatewayID: d.gatewayID, Conn: &state})
}

func (d *MockDriver) emitTick(tick *domain.Tick) {
	if d.callback == nil {
		return
	}
	d.callback(domain.DriverEvent{GatewayID: d.gatewayID, Tick: tick})
}

func (d *MockDriver) emitLog(level, message string) {
	if d.callback == nil {
		return
	}
	d.callback(domain.DriverEvent{GatewayID: d.gatewayID, Log: &domain.LogRecord{
		GatewayID: d.gatewayID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}})
}
