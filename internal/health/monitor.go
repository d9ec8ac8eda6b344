// Package health derives per-gateway health from two signals: the driver's
// connection state and the freshness of canary-contract ticks. Transitions
// are published as gateway.status_changed events; the failover engine and
// the push hub both consume them.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

// StatusViewer is the slice of the supervisor the monitor reads.
type StatusViewer interface {
	StatusView() []domain.GatewayStatus
}

// gatewayHealth is one gateway's derived state. Guarded by Monitor.mu.
type gatewayHealth struct {
	protocol    domain.ProtocolName
	status      domain.HealthStatus
	lastCheckMs float64
	errorCount  int
	lastError   string
	lastUpdated time.Time
	retryCount  int
	looping     bool
}

// Monitor runs one check loop per gateway and owns the canary timestamp
// table.
type Monitor struct {
	cfg       config.HealthConfig
	view      StatusViewer
	manager   *events.Manager
	protocols map[domain.ProtocolName]*domain.Protocol
	log       zerolog.Logger

	mu        sync.RWMutex
	gateways  map[string]*gatewayHealth
	canary    map[string]map[string]time.Time // gateway -> symbol -> last tick
	tickTimes map[string][]time.Time          // gateway -> recent canary tick instants
	running   bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg config.HealthConfig, view StatusViewer, protocols map[domain.ProtocolName]*domain.Protocol, manager *events.Manager, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		view:      view,
		manager:   manager,
		protocols: protocols,
		log:       log.With().Str("component", "health_monitor").Logger(),
		gateways:  make(map[string]*gatewayHealth),
		canary:    make(map[string]map[string]time.Time),
		tickTimes: make(map[string][]time.Time),
		stopChan:  make(chan struct{}),
	}
}

// Start launches one check loop per known gateway plus a sync loop that
// picks up gateways registered later.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.syncGateways()
	m.wg.Add(1)
	go m.syncLoop()
	m.log.Info().Dur("check_interval", m.cfg.CheckInterval).Msg("Health monitor started")
}

// Stop terminates every loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info().Msg("Health monitor stopped")
}

// UpdateCanary records the latest canary tick for a gateway+symbol pair.
func (m *Monitor) UpdateCanary(gatewayID, symbol string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.canary[gatewayID] == nil {
		m.canary[gatewayID] = make(map[string]time.Time)
	}
	if at.After(m.canary[gatewayID][symbol]) {
		m.canary[gatewayID][symbol] = at
	}
	m.tickTimes[gatewayID] = pruneTickTimes(append(m.tickTimes[gatewayID], at), time.Now())
}

// pruneTickTimes drops instants older than a minute, keeping the slice
// bounded.
func pruneTickTimes(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Status returns the current derived status for a gateway.
func (m *Monitor) Status(gatewayID string) (domain.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gh, ok := m.gateways[gatewayID]
	if !ok {
		return "", false
	}
	return gh.status, true
}

// Snapshot returns all health records, keyed by gateway id.
func (m *Monitor) Snapshot() map[string]domain.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]domain.HealthRecord, len(m.gateways))
	for id, gh := range m.gateways {
		record := domain.HealthRecord{
			GatewayID:    id,
			Status:       gh.status,
			LastCheckMs:  gh.lastCheckMs,
			ErrorCount:   gh.errorCount,
			LastError:    gh.lastError,
			LastUpdated:  gh.lastUpdated,
			RetryCount:   gh.retryCount,
			ProtocolName: gh.protocol,
		}
		if protocol := m.protocols[gh.protocol]; protocol != nil {
			record.CanaryContract = protocol.CanaryPrimary
		}
		if last, ok := m.latestCanaryLocked(id); ok {
			t := last
			record.LastHeartbeat = &t
			record.HeartbeatStale = time.Since(last) > m.cfg.HeartbeatTimeout
		}
		out[id] = record
	}
	return out
}

// syncLoop starts check loops for gateways that appear after Start.
func (m *Monitor) syncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.syncGateways()
		}
	}
}

func (m *Monitor) syncGateways() {
	for _, status := range m.view.StatusView() {
		m.mu.Lock()
		gh, exists := m.gateways[status.ID]
		if !exists {
			gh = &gatewayHealth{
				protocol:    status.Protocol,
				status:      domain.HealthConnecting,
				lastUpdated: time.Now(),
			}
			m.gateways[status.ID] = gh
		}
		start := !gh.looping && m.running
		if start {
			gh.looping = true
		}
		m.mu.Unlock()

		if start {
			m.wg.Add(1)
			go m.checkLoop(status.ID)
		}
	}
}

// checkLoop runs the periodic health check for one gateway. Check failures
// never terminate the loop.
func (m *Monitor) checkLoop(gatewayID string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.safeCheck(gatewayID)
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.safeCheck(gatewayID)
		}
	}
}

func (m *Monitor) safeCheck(gatewayID string) {
	defer func() {
		if r := recover(); r != nil {
			m.recordCheckError(gatewayID, fmt.Sprintf("panic: %v", r))
		}
	}()
	if err := m.check(gatewayID); err != nil {
		m.recordCheckError(gatewayID, err.Error())
	}
}

// check derives and applies the gateway's status once.
func (m *Monitor) check(gatewayID string) error {
	started := time.Now()

	var gateway *domain.GatewayStatus
	for _, status := range m.view.StatusView() {
		if status.ID == gatewayID {
			s := status
			gateway = &s
			break
		}
	}
	if gateway == nil {
		return fmt.Errorf("gateway %s missing from status view", gatewayID)
	}

	newStatus := m.derive(gateway, time.Now())
	m.apply(gatewayID, newStatus, time.Since(started))
	m.emitCanaryTick(gatewayID, gateway)
	return nil
}

// derive implements the two-signal algorithm.
func (m *Monitor) derive(gateway *domain.GatewayStatus, now time.Time) domain.HealthStatus {
	switch gateway.ConnState {
	case domain.ConnConnected:
	case domain.ConnConnecting:
		return domain.HealthConnecting
	default:
		return domain.HealthDisconnected
	}

	if m.heartbeatOK(gateway, now) {
		return domain.HealthHealthy
	}
	return domain.HealthUnhealthy
}

func (m *Monitor) heartbeatOK(gateway *domain.GatewayStatus, now time.Time) bool {
	if m.cfg.FallbackMode == "SKIP_CANARY" {
		return true
	}

	protocol := m.protocols[gateway.Protocol]
	if protocol == nil || len(protocol.CanaryContracts) == 0 {
		return m.cfg.FallbackMode == "CONNECTION_ONLY"
	}

	m.mu.RLock()
	last, hasTick := m.latestCanaryLocked(gateway.ID)
	m.mu.RUnlock()

	if !hasTick {
		// Grace period: freshly (re)connected gateways have not produced a
		// canary tick yet.
		return now.Sub(gateway.LastUpdated) < m.cfg.HeartbeatTimeout
	}
	return now.Sub(last) <= m.cfg.HeartbeatTimeout
}

// latestCanaryLocked returns the freshest canary tick across symbols.
// Caller holds mu.
func (m *Monitor) latestCanaryLocked(gatewayID string) (time.Time, bool) {
	var latest time.Time
	for _, t := range m.canary[gatewayID] {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero()
}

// apply stores the derived status and publishes exactly one
// gateway.status_changed on transition.
func (m *Monitor) apply(gatewayID string, status domain.HealthStatus, took time.Duration) {
	m.mu.Lock()
	gh, ok := m.gateways[gatewayID]
	if !ok {
		m.mu.Unlock()
		return
	}
	previous := gh.status
	gh.lastCheckMs = float64(took.Microseconds()) / 1000
	if previous == status {
		m.mu.Unlock()
		return
	}
	gh.status = status
	gh.lastUpdated = time.Now()
	protocol := gh.protocol
	retryCount := gh.retryCount
	lastError := gh.lastError
	checkMs := gh.lastCheckMs
	last, hasTick := m.latestCanaryLocked(gatewayID)
	m.mu.Unlock()

	metadata := map[string]interface{}{
		"check_duration_ms": checkMs,
		"retry_count":       retryCount,
	}
	if p := m.protocols[protocol]; p != nil {
		metadata["canary"] = p.CanaryPrimary
	}
	if hasTick {
		metadata["last_heartbeat"] = last.Format(time.RFC3339Nano)
	}
	if lastError != "" {
		metadata["error"] = lastError
	}

	m.log.Info().Str("gateway", gatewayID).
		Str("previous", string(previous)).Str("current", string(status)).
		Msg("Gateway health transition")

	m.manager.EmitTyped("health_monitor", &events.StatusChangedData{
		GatewayID:      gatewayID,
		Protocol:       string(protocol),
		PreviousStatus: string(previous),
		CurrentStatus:  string(status),
		Metadata:       metadata,
	})
}

// recordCheckError increments error_count and forces UNHEALTHY when the
// gateway was previously healthy.
func (m *Monitor) recordCheckError(gatewayID, message string) {
	m.mu.Lock()
	gh, ok := m.gateways[gatewayID]
	if !ok {
		m.mu.Unlock()
		return
	}
	gh.errorCount++
	gh.lastError = message
	force := gh.status == domain.HealthHealthy
	m.mu.Unlock()

	m.log.Warn().Str("gateway", gatewayID).Str("error", message).Msg("Health check failed")
	if force {
		m.apply(gatewayID, domain.HealthUnhealthy, 0)
	}
}

// emitCanaryTick publishes the per-check canary heartbeat summary consumed
// by the push hub.
func (m *Monitor) emitCanaryTick(gatewayID string, gateway *domain.GatewayStatus) {
	if gateway.ConnState != domain.ConnConnected {
		return
	}
	protocol := m.protocols[gateway.Protocol]
	if protocol == nil || protocol.CanaryPrimary == "" {
		return
	}

	m.mu.Lock()
	m.tickTimes[gatewayID] = pruneTickTimes(m.tickTimes[gatewayID], time.Now())
	count := len(m.tickTimes[gatewayID])
	last, hasTick := m.latestCanaryLocked(gatewayID)
	m.mu.Unlock()

	status := "INACTIVE"
	lastTick := ""
	if hasTick {
		lastTick = last.Format(time.RFC3339Nano)
		if time.Since(last) <= m.cfg.HeartbeatTimeout {
			status = "ACTIVE"
		} else {
			status = "STALE"
		}
	}

	m.manager.EmitTyped("health_monitor", &events.CanaryTickData{
		GatewayID:        gatewayID,
		ContractSymbol:   protocol.CanaryPrimary,
		TickCount1Min:    count,
		LastTickTime:     lastTick,
		Status:           status,
		ThresholdSeconds: int(m.cfg.HeartbeatTimeout.Seconds()),
	})
}
