// Package recovery performs hard process-level gateway restarts after
// health failures: cooldown with exponential backoff, terminate, relaunch
// with fresh settings, then confirmation through the health monitor. After
// the retry budget is spent the gateway is parked until an operator reset.
package recovery

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

// Phase is the per-gateway recovery lifecycle.
type Phase string

const (
	PhaseIdle              Phase = "IDLE"
	PhaseCoolingDown       Phase = "COOLING_DOWN"
	PhaseRestarting        Phase = "RESTARTING"
	PhasePermanentlyFailed Phase = "PERMANENTLY_FAILED"
)

const historySize = 20

// HealthReader is the slice of the health monitor the engine polls.
type HealthReader interface {
	Status(gatewayID string) (domain.HealthStatus, bool)
}

// Outcome is one completed recovery attempt.
type Outcome struct {
	Attempt  int       `json:"attempt"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Duration float64   `json:"duration_seconds"`
	At       time.Time `json:"at"`
}

// gatewayState tracks one gateway. Guarded by Engine.mu.
type gatewayState struct {
	phase         Phase
	attempts      int
	cooldownTimer *time.Timer
	cooldownUntil time.Time
	history       []Outcome
	lastError     string
}

// Engine is the recovery engine.
type Engine struct {
	cfg        config.RecoveryConfig
	supervisor domain.SupervisorPort
	store      domain.AccountStore
	health     HealthReader
	bus        *events.Bus
	manager    *events.Manager
	log        zerolog.Logger

	graceDelay   time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	gateways map[string]*gatewayState
	running  bool
	subKey   uint64
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a recovery engine.
func NewEngine(cfg config.RecoveryConfig, supervisor domain.SupervisorPort, store domain.AccountStore, health HealthReader, bus *events.Bus, manager *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		supervisor:   supervisor,
		store:        store,
		health:       health,
		bus:          bus,
		manager:      manager,
		log:          log.With().Str("component", "recovery").Logger(),
		graceDelay:   2 * time.Second,
		pollInterval: 5 * time.Second,
		gateways:     make(map[string]*gatewayState),
		stopChan:     make(chan struct{}),
	}
}

// SetTimings overrides the terminate grace and health poll interval.
// Test surface.
func (e *Engine) SetTimings(grace, poll time.Duration) {
	e.graceDelay = grace
	e.pollInterval = poll
}

// Start subscribes to health transitions.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.subKey = e.bus.Subscribe(events.GatewayStatusChanged, e.onStatusChanged)
	e.log.Info().Bool("enabled", e.cfg.Enabled).
		Dur("cooldown", e.cfg.Cooldown).Int("max_attempts", e.cfg.MaxRetryAttempts).
		Msg("Recovery engine started")
}

// Stop cancels all cooldown timers and in-flight recovery tasks.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.bus.UnsubscribeKey(events.GatewayStatusChanged, e.subKey)
	close(e.stopChan)
	for _, st := range e.gateways {
		if st.cooldownTimer != nil {
			if st.cooldownTimer.Stop() {
				e.wg.Done()
			}
			st.cooldownTimer = nil
		}
		if st.phase == PhaseCoolingDown {
			st.phase = PhaseIdle
		}
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info().Msg("Recovery engine stopped")
}

// Active reports whether a recovery phase is in flight for a gateway. The
// supervisor consults this before its own soft reconnect.
func (e *Engine) Active(gatewayID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.gateways[gatewayID]
	return ok && (st.phase == PhaseCoolingDown || st.phase == PhaseRestarting)
}

// Reset clears a gateway's attempts and phase. Operator surface; the only
// way out of PERMANENTLY_FAILED.
func (e *Engine) Reset(gatewayID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.gateways[gatewayID]
	if !ok {
		return domain.NewErrorf(domain.ErrNotFound, "no recovery state for gateway %s", gatewayID)
	}
	if st.cooldownTimer != nil {
		if st.cooldownTimer.Stop() {
			e.wg.Done()
		}
		st.cooldownTimer = nil
	}
	st.phase = PhaseIdle
	st.attempts = 0
	st.lastError = ""
	e.log.Info().Str("gateway", gatewayID).Msg("Recovery state reset")
	return nil
}

// Status returns per-gateway recovery state for the API.
func (e *Engine) Status() map[string]map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(e.gateways))
	for id, st := range e.gateways {
		entry := map[string]interface{}{
			"phase":        string(st.phase),
			"attempts":     st.attempts,
			"max_attempts": e.cfg.MaxRetryAttempts,
			"history":      append([]Outcome(nil), st.history...),
		}
		if st.phase == PhaseCoolingDown {
			entry["cooldown_until"] = st.cooldownUntil.Format(time.RFC3339)
		}
		if st.lastError != "" {
			entry["last_error"] = st.lastError
		}
		out[id] = entry
	}
	return out
}

// onStatusChanged arms a cooldown for gateways that turned UNHEALTHY or
// DISCONNECTED while IDLE.
func (e *Engine) onStatusChanged(event *events.Event) {
	data, ok := event.GetTypedData().(*events.StatusChangedData)
	if !ok || !e.cfg.Enabled {
		return
	}
	current := domain.HealthStatus(data.CurrentStatus)
	if current != domain.HealthUnhealthy && current != domain.HealthDisconnected {
		return
	}
	e.arm(data.GatewayID)
}

// arm schedules one recovery after the backoff cooldown. A gateway already
// COOLING_DOWN or RESTARTING never gets a second task; PERMANENTLY_FAILED
// never re-arms.
func (e *Engine) arm(gatewayID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	st, ok := e.gateways[gatewayID]
	if !ok {
		st = &gatewayState{phase: PhaseIdle}
		e.gateways[gatewayID] = st
	}
	if st.phase != PhaseIdle {
		return
	}

	cooldown := e.cooldownFor(st.attempts)
	st.phase = PhaseCoolingDown
	st.cooldownUntil = time.Now().Add(cooldown)
	e.wg.Add(1)
	st.cooldownTimer = time.AfterFunc(cooldown, func() {
		defer e.wg.Done()
		e.run(gatewayID)
	})

	e.log.Info().Str("gateway", gatewayID).Dur("cooldown", cooldown).
		Int("attempts", st.attempts).Msg("Recovery cooldown started")
	e.emit(&events.RecoveryEventData{
		GatewayID: gatewayID,
		Status:    "cooldown_started",
		Attempt:   st.attempts,
		CooldownS: cooldown.Seconds(),
	})
}

// cooldownFor computes the backoff for the given pre-increment attempt
// count.
func (e *Engine) cooldownFor(attempts int) time.Duration {
	if !e.cfg.ExponentialBackoff {
		return e.cfg.Cooldown
	}
	scaled := float64(e.cfg.Cooldown) * math.Pow(e.cfg.BackoffFactor, float64(attempts))
	return time.Duration(scaled)
}

// run executes one recovery attempt after the cooldown elapsed.
func (e *Engine) run(gatewayID string) {
	e.mu.Lock()
	st, ok := e.gateways[gatewayID]
	if !ok || !e.running || st.phase != PhaseCoolingDown {
		e.mu.Unlock()
		return
	}
	st.cooldownTimer = nil
	st.attempts++
	st.phase = PhaseRestarting
	attempt := st.attempts
	e.mu.Unlock()

	e.log.Info().Str("gateway", gatewayID).Int("attempt", attempt).Msg("Recovery started")
	e.emit(&events.RecoveryEventData{
		GatewayID: gatewayID,
		Status:    "started",
		Attempt:   attempt,
	})

	started := time.Now()
	err := e.restart(gatewayID)
	duration := time.Since(started)

	if err == nil {
		err = e.awaitHealthy(gatewayID)
		duration = time.Since(started)
	}

	e.settle(gatewayID, attempt, duration, err)
}

// restart terminates, waits a short grace, then relaunches with fresh
// settings from the account store.
func (e *Engine) restart(gatewayID string) error {
	if err := e.supervisor.TerminateProcess(gatewayID); err != nil {
		return fmt.Errorf("terminate failed: %w", err)
	}

	select {
	case <-time.After(e.graceDelay):
	case <-e.stopChan:
		return fmt.Errorf("recovery engine stopped")
	}

	account, err := e.store.GetAccount(gatewayID)
	if err != nil {
		return fmt.Errorf("account lookup failed: %w", err)
	}
	if account == nil {
		return fmt.Errorf("account %s not found in store", gatewayID)
	}

	if err := e.supervisor.RelaunchProcess(gatewayID, account.Settings); err != nil {
		return fmt.Errorf("relaunch failed: %w", err)
	}
	return nil
}

// awaitHealthy polls the health monitor until the gateway reports HEALTHY
// or the recovery timeout elapses.
func (e *Engine) awaitHealthy(gatewayID string) error {
	deadline := time.Now().Add(e.cfg.Timeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if status, ok := e.health.Status(gatewayID); ok && status == domain.HealthHealthy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gateway %s did not turn healthy within %s", gatewayID, e.cfg.Timeout)
		}
		select {
		case <-ticker.C:
		case <-e.stopChan:
			return fmt.Errorf("recovery engine stopped")
		}
	}
}

// settle records the outcome, moves the state machine and publishes the
// terminal event for the attempt.
func (e *Engine) settle(gatewayID string, attempt int, duration time.Duration, err error) {
	e.mu.Lock()
	st, ok := e.gateways[gatewayID]
	if !ok {
		e.mu.Unlock()
		return
	}
	outcome := Outcome{
		Attempt:  attempt,
		Success:  err == nil,
		Duration: duration.Seconds(),
		At:       time.Now(),
	}
	if err != nil {
		outcome.Error = err.Error()
		st.lastError = err.Error()
	} else {
		st.lastError = ""
	}
	st.history = append(st.history, outcome)
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}

	permanent := false
	if err == nil {
		st.attempts = 0
		st.phase = PhaseIdle
	} else if st.attempts >= e.cfg.MaxRetryAttempts {
		st.phase = PhasePermanentlyFailed
		permanent = true
	} else {
		st.phase = PhaseIdle
	}
	e.mu.Unlock()

	if err == nil {
		e.log.Info().Str("gateway", gatewayID).Int("attempt", attempt).
			Float64("duration_s", duration.Seconds()).Msg("Recovery completed")
		e.emit(&events.RecoveryEventData{
			GatewayID: gatewayID,
			Status:    "completed",
			Attempt:   attempt,
			DurationS: duration.Seconds(),
			Message:   "gateway healthy",
		})
		return
	}

	e.log.Warn().Err(err).Str("gateway", gatewayID).Int("attempt", attempt).
		Bool("permanent", permanent).Msg("Recovery failed")
	e.emit(&events.RecoveryEventData{
		GatewayID:  gatewayID,
		Status:     "failed",
		Attempt:    attempt,
		DurationS:  duration.Seconds(),
		Error:      err.Error(),
		Permanent:  permanent,
		MaxAttempt: e.cfg.MaxRetryAttempts,
	})
}

func (e *Engine) emit(data *events.RecoveryEventData) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	e.manager.EmitTyped("recovery", data)
}
