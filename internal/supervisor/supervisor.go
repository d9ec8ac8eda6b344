// Package supervisor owns the lifecycle of all gateway drivers: it loads
// enabled accounts into runtime records, connects and closes drivers,
// routes driver events into the rest of the hub, and exposes the control
// operations used by the REST surface, the failover engine and the
// recovery engine.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

// TickSink receives every tick routed out of driver callbacks.
type TickSink interface {
	PublishTick(gatewayID string, tick *domain.Tick)
}

// CanarySink receives canary heartbeat updates.
type CanarySink interface {
	UpdateCanary(gatewayID, symbol string, at time.Time)
}

// LogSink receives driver log records.
type LogSink interface {
	PublishLog(record domain.LogRecord)
}

// RetryGate lets the recovery engine veto the supervisor's soft reconnect
// while a recovery phase is active for the gateway.
type RetryGate func(gatewayID string) bool

const defaultRetryDelay = 10 * time.Second

// record is one gateway's runtime state. Guarded by Supervisor.mu.
type record struct {
	account        domain.Account
	protocol       *domain.Protocol
	driver         domain.Driver
	connState      domain.ConnState
	attempts       int
	connectedSince *time.Time
	lastUpdated    time.Time
	subscriptions  map[string]string // symbol -> exchange
	tickCount      uint64
	mock           bool
	retryTimer     *time.Timer
}

// Supervisor implements the gateway supervisor and the domain.SupervisorPort.
type Supervisor struct {
	cfg       *config.Config
	store     domain.AccountStore
	factory   domain.DriverFactory
	hours     domain.TradingHours
	protocols map[domain.ProtocolName]*domain.Protocol
	manager   *events.Manager
	log       zerolog.Logger

	tickSink   TickSink
	canarySink CanarySink
	logSink    LogSink
	retryGate  RetryGate
	retryDelay time.Duration

	mu       sync.RWMutex
	gateways map[string]*record
	order    []string
	running  bool
}

// New creates a supervisor. Sinks are optional and wired after construction.
func New(cfg *config.Config, store domain.AccountStore, factory domain.DriverFactory, hours domain.TradingHours, manager *events.Manager, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		factory: factory,
		hours:   hours,
		protocols: domain.DefaultProtocols(
			cfg.Protocols.Futures.Contracts, cfg.Protocols.Futures.Primary,
			cfg.Protocols.StockOptions.Contracts, cfg.Protocols.StockOptions.Primary,
		),
		manager:    manager,
		log:        log.With().Str("component", "supervisor").Logger(),
		retryDelay: defaultRetryDelay,
		gateways:   make(map[string]*record),
	}
}

// SetTickSink wires the tick publisher.
func (s *Supervisor) SetTickSink(sink TickSink) { s.tickSink = sink }

// SetCanarySink wires the health monitor.
func (s *Supervisor) SetCanarySink(sink CanarySink) { s.canarySink = sink }

// SetLogSink wires the push hub.
func (s *Supervisor) SetLogSink(sink LogSink) { s.logSink = sink }

// SetRetryGate wires the recovery engine's veto on soft reconnects.
func (s *Supervisor) SetRetryGate(gate RetryGate) { s.retryGate = gate }

// SetRetryDelay overrides the soft reconnect delay. Test surface.
func (s *Supervisor) SetRetryDelay(d time.Duration) { s.retryDelay = d }

// Protocol returns the protocol value object for a name.
func (s *Supervisor) Protocol(name domain.ProtocolName) *domain.Protocol {
	return s.protocols[name]
}

// Start loads enabled accounts ordered by priority, creates one runtime
// record per account and initiates a connection attempt for each.
// Per-gateway failures never abort the start of peers.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.NewError(domain.ErrAlreadyRunning, "supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	accounts, err := s.store.ListAccounts(true)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	s.mu.Lock()
	for _, account := range accounts {
		protocol, ok := s.protocols[account.Protocol]
		if !ok {
			s.log.Warn().Str("gateway", account.ID).
				Str("protocol", string(account.Protocol)).
				Msg("Skipping account with unknown protocol")
			continue
		}
		s.gateways[account.ID] = &record{
			account:       account,
			protocol:      protocol,
			connState:     domain.ConnIdle,
			lastUpdated:   time.Now(),
			subscriptions: make(map[string]string),
		}
		s.order = append(s.order, account.ID)
	}
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	s.log.Info().Int("total", len(ids)).Msg("Supervisor started")

	if !s.cfg.EnableGateway {
		s.log.Warn().Msg("Gateway connections disabled by configuration")
		return nil
	}

	for _, id := range ids {
		if err := s.StartGateway(id); err != nil {
			// Trading-hours blocks are normal here; anything else is logged
			// and left to recovery.
			if domain.KindOf(err) == domain.ErrTradingHoursBlocked {
				s.log.Info().Str("gateway", id).Msg("Gateway start deferred until next session")
			} else {
				s.log.Error().Err(err).Str("gateway", id).Msg("Gateway start failed")
			}
		}
	}
	return nil
}

// Stop closes every driver and frees resources. After Stop returns no more
// events are emitted to the bus.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	var drivers []domain.Driver
	for _, rec := range s.gateways {
		if rec.retryTimer != nil {
			rec.retryTimer.Stop()
			rec.retryTimer = nil
		}
		if rec.driver != nil {
			drivers = append(drivers, rec.driver)
			rec.driver = nil
		}
		rec.connState = domain.ConnIdle
		rec.connectedSince = nil
	}
	s.mu.Unlock()

	for _, driver := range drivers {
		if err := driver.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Driver close failed during shutdown")
		}
	}
	s.log.Info().Msg("Supervisor stopped")
}

// StartGateway connects one gateway. Operator-driven; also used by Start.
func (s *Supervisor) StartGateway(id string) error {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrNotFound, "gateway %s not found", id)
	}
	if rec.connState == domain.ConnConnecting || rec.connState == domain.ConnConnected {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrAlreadyRunning, "gateway %s is already running", id)
	}
	protocol := rec.protocol
	account := rec.account
	s.mu.Unlock()

	now := time.Now()
	if !s.hours.ShouldConnect(protocol.Name, now) {
		status := s.hours.Status(protocol.Name, now)
		s.emitControl(id, "start", "blocked", "outside trading hours", map[string]interface{}{
			"trading_status": status,
		})
		err := domain.NewErrorf(domain.ErrTradingHoursBlocked, "gateway %s blocked outside trading hours", id)
		details := map[string]interface{}{"in_session": status.InSession}
		if status.NextSessionStart != nil {
			details["next_session_start"] = status.NextSessionStart.Format(time.RFC3339)
			details["next_session_name"] = status.NextSessionName
		}
		return err.WithDetails(details)
	}

	return s.launch(rec, id, "start", account.Settings)
}

// launch creates a driver if needed and initiates its connection attempt.
func (s *Supervisor) launch(rec *record, id, action string, settings map[string]string) error {
	s.mu.Lock()
	driver := rec.driver
	protocol := rec.protocol
	s.mu.Unlock()

	if driver == nil {
		created, err := s.factory.NewDriver(protocol.Name, id, s.driverCallback(id))
		if err != nil {
			s.emitControl(id, action, "failed", err.Error(), nil)
			return err
		}
		s.mu.Lock()
		rec.driver = created
		rec.mock = !created.ReliableConnSignal() || s.cfg.MockDriver
		s.mu.Unlock()
		driver = created
	}

	if err := driver.Connect(protocol.MapSettings(settings)); err != nil {
		s.emitControl(id, action, "failed", err.Error(), nil)
		if domain.KindOf(err) == domain.ErrDriverTransient {
			return err
		}
		return domain.WrapError(domain.ErrInitFailed, err, "driver connect failed")
	}

	s.mu.Lock()
	rec.connState = domain.ConnConnecting
	rec.attempts++
	rec.lastUpdated = time.Now()
	s.mu.Unlock()

	s.emitControl(id, action, "success", "", nil)
	return nil
}

// StopGateway closes one gateway's driver. Stopping an idle gateway is a
// no-op, not an error.
func (s *Supervisor) StopGateway(id string) error {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrNotFound, "gateway %s not found", id)
	}
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
		rec.retryTimer = nil
	}
	driver := rec.driver
	rec.driver = nil
	rec.connState = domain.ConnIdle
	rec.connectedSince = nil
	rec.lastUpdated = time.Now()
	s.mu.Unlock()

	if driver != nil {
		if err := driver.Close(); err != nil {
			s.log.Warn().Err(err).Str("gateway", id).Msg("Driver close failed")
		}
	}
	s.emitControl(id, "stop", "success", "", nil)
	return nil
}

// RestartGateway stops and starts a gateway. The trading-hours gate is
// re-checked on the start leg.
func (s *Supervisor) RestartGateway(id string) error {
	if err := s.StopGateway(id); err != nil {
		return err
	}
	if err := s.StartGateway(id); err != nil {
		return err
	}
	s.emitControl(id, "restart", "success", "", nil)
	return nil
}

// Subscribe requests market data for symbols on a gateway and records them
// in the canonical subscription map.
func (s *Supervisor) Subscribe(gatewayID string, symbols []string) error {
	s.mu.Lock()
	rec, ok := s.gateways[gatewayID]
	if !ok {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrNotFound, "gateway %s not found", gatewayID)
	}
	driver := rec.driver
	protocol := rec.protocol
	s.mu.Unlock()

	if driver == nil {
		return domain.NewErrorf(domain.ErrInternal, "gateway %s has no driver", gatewayID)
	}

	var failed []string
	for _, symbol := range symbols {
		exchange := protocol.InferExchange(symbol)
		if err := driver.Subscribe(domain.BaseSymbol(symbol), exchange); err != nil {
			s.log.Warn().Err(err).Str("gateway", gatewayID).Str("symbol", symbol).
				Msg("Subscribe failed")
			failed = append(failed, symbol)
			continue
		}
		s.mu.Lock()
		rec.subscriptions[symbol] = exchange
		s.mu.Unlock()
	}
	if len(failed) > 0 {
		return domain.NewErrorf(domain.ErrDriverTransient, "subscribe failed on %s for %s",
			gatewayID, strings.Join(failed, ","))
	}
	return nil
}

// Unsubscribe stops market data for symbols on a gateway. Best-effort.
func (s *Supervisor) Unsubscribe(gatewayID string, symbols []string) error {
	s.mu.Lock()
	rec, ok := s.gateways[gatewayID]
	if !ok {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrNotFound, "gateway %s not found", gatewayID)
	}
	driver := rec.driver
	protocol := rec.protocol
	for _, symbol := range symbols {
		delete(rec.subscriptions, symbol)
	}
	s.mu.Unlock()

	if driver == nil {
		return nil
	}
	for _, symbol := range symbols {
		if err := driver.Unsubscribe(domain.BaseSymbol(symbol), protocol.InferExchange(symbol)); err != nil {
			s.log.Warn().Err(err).Str("gateway", gatewayID).Str("symbol", symbol).
				Msg("Unsubscribe failed")
		}
	}
	return nil
}

// MigrateContracts moves symbols from one gateway to another: unsubscribe
// is best-effort on the source, subscribe on the target must not fail
// silently.
func (s *Supervisor) MigrateContracts(ctx context.Context, from, to string, symbols []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Unsubscribe(from, symbols); err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("Source unsubscribe failed during migration")
	}
	if err := s.Subscribe(to, symbols); err != nil {
		return fmt.Errorf("target subscribe on %s failed: %w", to, err)
	}
	return nil
}

// TerminateProcess hard-stops a gateway and releases its driver handle
// before returning. Recovery engine primitive.
func (s *Supervisor) TerminateProcess(id string) error {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrNotFound, "gateway %s not found", id)
	}
	if rec.retryTimer != nil {
		rec.retryTimer.Stop()
		rec.retryTimer = nil
	}
	driver := rec.driver
	rec.driver = nil
	rec.connState = domain.ConnIdle
	rec.connectedSince = nil
	rec.lastUpdated = time.Now()
	s.mu.Unlock()

	if driver != nil {
		if err := driver.Close(); err != nil {
			s.log.Warn().Err(err).Str("gateway", id).Msg("Driver close failed during terminate")
		}
	}
	return nil
}

// RelaunchProcess recreates and reconnects a gateway with fresh settings.
// Recovery engine primitive; the trading-hours gate does not apply.
func (s *Supervisor) RelaunchProcess(id string, settings map[string]string) error {
	s.mu.Lock()
	rec, ok := s.gateways[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrNotFound, "gateway %s not found", id)
	}
	if rec.driver != nil {
		s.mu.Unlock()
		return domain.NewErrorf(domain.ErrAlreadyRunning, "gateway %s still holds a driver", id)
	}
	if settings == nil {
		settings = rec.account.Settings
	}
	s.mu.Unlock()

	return s.launch(rec, id, "relaunch", settings)
}

// StatusView returns a copy of every runtime record, priority-ordered.
func (s *Supervisor) StatusView() []domain.GatewayStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.GatewayStatus, 0, len(s.order))
	for _, id := range s.order {
		rec := s.gateways[id]
		subs := make([]string, 0, len(rec.subscriptions))
		for symbol := range rec.subscriptions {
			subs = append(subs, symbol)
		}
		sort.Strings(subs)

		var connectedSince *time.Time
		if rec.connectedSince != nil {
			t := *rec.connectedSince
			connectedSince = &t
		}
		out = append(out, domain.GatewayStatus{
			ID:             id,
			Protocol:       rec.protocol.Name,
			Priority:       rec.account.Priority,
			ConnState:      rec.connState,
			Attempts:       rec.attempts,
			ConnectedSince: connectedSince,
			LastUpdated:    rec.lastUpdated,
			Subscriptions:  subs,
			TickCount:      rec.tickCount,
			Mock:           rec.mock,
		})
	}
	return out
}

// driverFor returns the live driver handle for a gateway, or nil.
func (s *Supervisor) driverFor(id string) domain.Driver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.gateways[id]; ok {
		return rec.driver
	}
	return nil
}

// ResubscribeCanaries forces a canary re-subscription across all connected
// gateways. Operator surface.
func (s *Supervisor) ResubscribeCanaries() int {
	s.mu.RLock()
	var connected []string
	for _, id := range s.order {
		if s.gateways[id].connState == domain.ConnConnected {
			connected = append(connected, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range connected {
		s.subscribeCanaries(id)
		s.emitControl(id, "resubscribe_canary", "success", "", nil)
	}
	return len(connected)
}

// emitControl publishes a gateway.control_action event unless stopped.
func (s *Supervisor) emitControl(id, action, status, message string, metadata map[string]interface{}) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return
	}
	s.manager.EmitTyped("supervisor", &events.ControlActionData{
		GatewayID: id,
		Action:    action,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
	})
}
