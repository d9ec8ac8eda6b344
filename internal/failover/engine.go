// Package failover migrates subscriptions off a gateway that turned
// unhealthy onto the best healthy peer. It reacts to gateway.status_changed
// events and only ever talks to the supervisor through its port.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

// FailoverState is the per-gateway failover lifecycle.
type FailoverState string

const (
	StateIdle       FailoverState = "IDLE"
	StateInProgress FailoverState = "IN_PROGRESS"
	StateCompleted  FailoverState = "COMPLETED"
	StateFailed     FailoverState = "FAILED"
)

// HealthReader is the slice of the health monitor the engine reads.
type HealthReader interface {
	Status(gatewayID string) (domain.HealthStatus, bool)
}

// gatewayRecord tracks one gateway's failover history. Guarded by Engine.mu.
type gatewayRecord struct {
	state         FailoverState
	cooldownUntil time.Time
	lastBackup    string
	lastSymbols   []string
	lastError     string
}

// subscription is a shadow record of where a symbol lives.
type subscription struct {
	Symbol    string
	GatewayID string
	Active    bool
	MovedAt   time.Time
}

// Engine is the failover engine.
type Engine struct {
	cfg        config.FailoverConfig
	supervisor domain.SupervisorPort
	health     HealthReader
	manager    *events.Manager
	log        zerolog.Logger

	mu            sync.Mutex
	gateways      map[string]*gatewayRecord
	subscriptions []subscription
	running       bool
	subKey        uint64

	bus *events.Bus
	wg  sync.WaitGroup
}

// NewEngine creates a failover engine.
func NewEngine(cfg config.FailoverConfig, supervisor domain.SupervisorPort, health HealthReader, bus *events.Bus, manager *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		supervisor: supervisor,
		health:     health,
		manager:    manager,
		bus:        bus,
		log:        log.With().Str("component", "failover").Logger(),
		gateways:   make(map[string]*gatewayRecord),
	}
}

// Start subscribes to health transitions.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.subKey = e.bus.Subscribe(events.GatewayStatusChanged, e.onStatusChanged)
	e.log.Info().Bool("enabled", e.cfg.Enabled).Msg("Failover engine started")
}

// Stop unsubscribes and waits for in-flight failovers to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.bus.UnsubscribeKey(events.GatewayStatusChanged, e.subKey)
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info().Msg("Failover engine stopped")
}

// Records returns a copy of the per-gateway failover records.
func (e *Engine) Records() map[string]map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(e.gateways))
	for id, rec := range e.gateways {
		entry := map[string]interface{}{
			"state":       string(rec.state),
			"last_backup": rec.lastBackup,
		}
		if !rec.cooldownUntil.IsZero() {
			entry["cooldown_until"] = rec.cooldownUntil.Format(time.RFC3339)
		}
		if rec.lastError != "" {
			entry["last_error"] = rec.lastError
		}
		if len(rec.lastSymbols) > 0 {
			entry["last_symbols"] = append([]string(nil), rec.lastSymbols...)
		}
		out[id] = entry
	}
	return out
}

// onStatusChanged reacts to UNHEALTHY transitions. Failovers run in parallel
// across gateways but serialized per gateway by the IN_PROGRESS guard.
func (e *Engine) onStatusChanged(event *events.Event) {
	data, ok := event.GetTypedData().(*events.StatusChangedData)
	if !ok || data.CurrentStatus != string(domain.HealthUnhealthy) {
		return
	}
	if !e.cfg.Enabled {
		return
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	rec := e.record(data.GatewayID)
	if rec.state == StateInProgress {
		e.mu.Unlock()
		e.log.Debug().Str("gateway", data.GatewayID).Msg("Failover already in progress")
		return
	}
	if time.Now().Before(rec.cooldownUntil) {
		e.mu.Unlock()
		e.log.Debug().Str("gateway", data.GatewayID).
			Time("cooldown_until", rec.cooldownUntil).Msg("Failover in cooldown")
		return
	}
	rec.state = StateInProgress
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.execute(data.GatewayID)
	}()
}

// record returns (creating if needed) the gateway's failover record.
// Caller holds mu.
func (e *Engine) record(id string) *gatewayRecord {
	rec, ok := e.gateways[id]
	if !ok {
		rec = &gatewayRecord{state: StateIdle}
		e.gateways[id] = rec
	}
	return rec
}

// execute runs one failover for a gateway marked IN_PROGRESS.
func (e *Engine) execute(failedID string) {
	started := time.Now()

	backup, symbols := e.plan(failedID)
	if backup == "" {
		e.mu.Lock()
		rec := e.record(failedID)
		rec.state = StateFailed
		rec.lastError = "no healthy backup gateway available"
		e.mu.Unlock()
		e.log.Warn().Str("gateway", failedID).Msg("No healthy backup gateway, failover deferred")
		return
	}
	if len(symbols) == 0 {
		e.finish(failedID, backup, nil, 0, 0, started)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	// Per-symbol migrations fan out concurrently; the aggregate is
	// reported only after every one has settled.
	results := make([]error, len(symbols))
	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			results[i] = e.supervisor.MigrateContracts(ctx, failedID, backup, []string{symbol})
		}(i, symbol)
	}
	wg.Wait()

	migrated, failed := 0, 0
	now := time.Now()
	e.mu.Lock()
	for i, symbol := range symbols {
		if results[i] != nil {
			failed++
			e.log.Warn().Err(results[i]).Str("gateway", failedID).
				Str("symbol", symbol).Msg("Symbol migration failed")
			continue
		}
		migrated++
		for j := range e.subscriptions {
			if e.subscriptions[j].Symbol == symbol && e.subscriptions[j].GatewayID == failedID {
				e.subscriptions[j].Active = false
			}
		}
		e.subscriptions = append(e.subscriptions, subscription{
			Symbol: symbol, GatewayID: backup, Active: true, MovedAt: now,
		})
	}
	e.mu.Unlock()

	e.finish(failedID, backup, symbols, migrated, failed, started)
}

// plan selects the backup gateway and the affected symbols.
func (e *Engine) plan(failedID string) (string, []string) {
	view := e.supervisor.StatusView()

	var failedProtocol domain.ProtocolName
	var symbols []string
	for _, g := range view {
		if g.ID == failedID {
			failedProtocol = g.Protocol
			symbols = append([]string(nil), g.Subscriptions...)
		}
	}

	// Candidates are healthy peers, priority ascending; same protocol wins.
	best := ""
	bestPriority := 0
	sameProtocol := false
	for _, g := range view {
		if g.ID == failedID {
			continue
		}
		status, ok := e.health.Status(g.ID)
		if !ok || status != domain.HealthHealthy {
			continue
		}
		matches := g.Protocol == failedProtocol
		if best == "" ||
			(matches && !sameProtocol) ||
			(matches == sameProtocol && g.Priority < bestPriority) {
			best = g.ID
			bestPriority = g.Priority
			sameProtocol = matches
		}
	}
	return best, symbols
}

// finish stamps the cooldown, records the outcome and publishes the
// aggregate failover.executed event. The cooldown is set on total failure
// too, to avoid thrash.
func (e *Engine) finish(failedID, backup string, symbols []string, migrated, failed int, started time.Time) {
	durationMs := float64(time.Since(started).Microseconds()) / 1000

	e.mu.Lock()
	rec := e.record(failedID)
	rec.cooldownUntil = time.Now().Add(e.cfg.Cooldown)
	rec.lastBackup = backup
	rec.lastSymbols = append([]string(nil), symbols...)
	if migrated == 0 && failed > 0 {
		rec.state = StateFailed
		rec.lastError = "all symbol migrations failed"
	} else {
		rec.state = StateCompleted
		rec.lastError = ""
	}
	running := e.running
	e.mu.Unlock()

	e.log.Info().Str("failed", failedID).Str("backup", backup).
		Int("migrated", migrated).Int("failed", failed).
		Float64("duration_ms", durationMs).Msg("Failover finished")

	if !running {
		return
	}
	e.manager.EmitTyped("failover", &events.FailoverExecutedData{
		FailedGateway: failedID,
		BackupGateway: backup,
		Symbols:       symbols,
		MigratedCount: migrated,
		FailedCount:   failed,
		DurationMs:    durationMs,
		Metadata: map[string]interface{}{
			"cooldown_seconds": e.cfg.Cooldown.Seconds(),
		},
	})
}
