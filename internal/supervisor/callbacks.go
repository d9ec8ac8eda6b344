package supervisor

import (
	"strings"
	"time"

	"github.com/quantmesh/tickhub/internal/domain"
)

// loginSuccessPatterns are the driver log fragments that indicate a
// completed login. Some native adapters never deliver a conn event, so a
// matching log line synthesizes CONNECTED.
var loginSuccessPatterns = []string{
	"交易服务器登录成功",
	"行情服务器登录成功",
	"登录成功",
	"login success",
	"login succeed",
	"logged in successfully",
}

// driverCallback builds the per-gateway event router registered with the
// driver factory. Driver callbacks arrive on driver goroutines and must
// stay cheap.
func (s *Supervisor) driverCallback(id string) domain.DriverCallback {
	return func(event domain.DriverEvent) {
		s.mu.RLock()
		running := s.running
		s.mu.RUnlock()
		if !running {
			return
		}

		switch {
		case event.Conn != nil:
			s.onConn(id, *event.Conn)
		case event.Tick != nil:
			s.onTick(id, event.Tick)
		case event.Log != nil:
			s.onLog(id, event.Log)
		}
	}
}

func (s *Supervisor) onConn(id string, state domain.ConnState) {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	previous := rec.connState
	rec.connState = state
	rec.lastUpdated = time.Now()
	switch state {
	case domain.ConnConnected:
		now := time.Now()
		rec.connectedSince = &now
		rec.attempts = 0
	case domain.ConnDisconnected:
		rec.connectedSince = nil
	}
	s.mu.Unlock()

	if previous == state {
		return
	}
	s.log.Info().Str("gateway", id).
		Str("previous", string(previous)).Str("current", string(state)).
		Msg("Gateway connection state changed")

	switch state {
	case domain.ConnConnected:
		s.onConnected(id)
	case domain.ConnDisconnected:
		s.scheduleSoftRetry(id)
	}
}

// onConnected restores recorded subscriptions and (re)subscribes the
// protocol's canary symbols.
func (s *Supervisor) onConnected(id string) {
	s.mu.RLock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.RUnlock()
		return
	}
	symbols := make([]string, 0, len(rec.subscriptions))
	for symbol := range rec.subscriptions {
		symbols = append(symbols, symbol)
	}
	s.mu.RUnlock()

	if len(symbols) > 0 {
		if err := s.Subscribe(id, symbols); err != nil {
			s.log.Warn().Err(err).Str("gateway", id).Msg("Subscription restore failed")
		}
	}
	s.subscribeCanaries(id)
}

// subscribeCanaries subscribes the gateway protocol's canary contracts.
// Canaries are heartbeat probes, not operator subscriptions, so they are
// recorded alongside regular subscriptions and survive reconnects.
func (s *Supervisor) subscribeCanaries(id string) {
	s.mu.RLock()
	rec, ok := s.gateways[id]
	if !ok || rec.driver == nil {
		s.mu.RUnlock()
		return
	}
	canaries := append([]string(nil), rec.protocol.CanaryContracts...)
	s.mu.RUnlock()

	if len(canaries) == 0 {
		return
	}
	if err := s.Subscribe(id, canaries); err != nil {
		s.log.Warn().Err(err).Str("gateway", id).Msg("Canary subscription failed")
	}
}

// scheduleSoftRetry arms at most one reconnect attempt after the retry
// delay. Repeated failures are the recovery engine's job, and an active
// recovery phase vetoes the retry entirely.
func (s *Supervisor) scheduleSoftRetry(id string) {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok || rec.retryTimer != nil || rec.driver == nil {
		s.mu.Unlock()
		return
	}
	rec.retryTimer = time.AfterFunc(s.retryDelay, func() { s.softRetry(id) })
	s.mu.Unlock()
}

func (s *Supervisor) softRetry(id string) {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.retryTimer = nil
	if !s.running || rec.driver == nil || rec.connState != domain.ConnDisconnected {
		s.mu.Unlock()
		return
	}
	settings := rec.account.Settings
	s.mu.Unlock()

	if s.retryGate != nil && !s.retryGate(id) {
		s.log.Debug().Str("gateway", id).Msg("Soft retry skipped, recovery active")
		return
	}

	s.log.Info().Str("gateway", id).Msg("Soft reconnect attempt")
	if err := s.launch(rec, id, "reconnect", settings); err != nil {
		s.log.Warn().Err(err).Str("gateway", id).Msg("Soft reconnect failed")
	}
}

func (s *Supervisor) onTick(id string, tick *domain.Tick) {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.tickCount++
	protocol := rec.protocol
	s.mu.Unlock()

	if s.tickSink != nil {
		s.tickSink.PublishTick(id, tick)
	}
	if s.canarySink != nil && protocol.IsCanary(tick.Symbol) {
		at := tick.Datetime
		if at.IsZero() {
			at = time.Now()
		}
		s.canarySink.UpdateCanary(id, tick.Symbol, at)
	}
}

func (s *Supervisor) onLog(id string, logRecord *domain.LogRecord) {
	if s.logSink != nil {
		s.logSink.PublishLog(*logRecord)
	}

	s.mu.RLock()
	rec, ok := s.gateways[id]
	scan := ok && rec.driver != nil && !rec.driver.ReliableConnSignal() &&
		rec.connState != domain.ConnConnected
	s.mu.RUnlock()
	if !scan {
		return
	}

	message := strings.ToLower(logRecord.Message)
	for _, pattern := range loginSuccessPatterns {
		if strings.Contains(message, strings.ToLower(pattern)) {
			s.log.Info().Str("gateway", id).Msg("Login success pattern observed, marking CONNECTED")
			s.onConn(id, domain.ConnConnected)
			return
		}
	}
}
