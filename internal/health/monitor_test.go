package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

// fakeView is a mutable supervisor status view.
type fakeView struct {
	mu       sync.Mutex
	gateways []domain.GatewayStatus
}

func (f *fakeView) StatusView() []domain.GatewayStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.GatewayStatus(nil), f.gateways...)
}

func (f *fakeView) set(id string, state domain.ConnState, lastUpdated time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.gateways {
		if f.gateways[i].ID == id {
			f.gateways[i].ConnState = state
			f.gateways[i].LastUpdated = lastUpdated
			return
		}
	}
	f.gateways = append(f.gateways, domain.GatewayStatus{
		ID: id, Protocol: domain.ProtocolFutures, ConnState: state, LastUpdated: lastUpdated,
	})
}

type healthFixture struct {
	monitor *Monitor
	view    *fakeView
	bus     *events.Bus

	mu          sync.Mutex
	transitions []*events.StatusChangedData
}

func newHealthFixture(t *testing.T, cfg config.HealthConfig) *healthFixture {
	t.Helper()
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 20 * time.Millisecond
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 100 * time.Millisecond
	}
	if cfg.FallbackMode == "" {
		cfg.FallbackMode = "FULL"
	}

	bus := events.NewBus(zerolog.Nop())
	bus.Start()
	t.Cleanup(func() { bus.Stop() })

	view := &fakeView{}
	protocols := domain.DefaultProtocols([]string{"rb2510.SHFE"}, "rb2510.SHFE", nil, "")
	monitor := NewMonitor(cfg, view, protocols, events.NewManager(bus, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(monitor.Stop)

	f := &healthFixture{monitor: monitor, view: view, bus: bus}
	bus.Subscribe(events.GatewayStatusChanged, func(event *events.Event) {
		if data, ok := event.GetTypedData().(*events.StatusChangedData); ok {
			f.mu.Lock()
			f.transitions = append(f.transitions, data)
			f.mu.Unlock()
		}
	})
	return f
}

func (f *healthFixture) transitionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transitions)
}

func (f *healthFixture) lastTransition() *events.StatusChangedData {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transitions) == 0 {
		return nil
	}
	return f.transitions[len(f.transitions)-1]
}

func waitStatus(t *testing.T, m *Monitor, id string, want domain.HealthStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := m.Status(id); ok && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := m.Status(id)
	t.Fatalf("gateway %s never reached %s (last %s)", id, want, got)
}

func TestMonitor_HealthyWithFreshCanary(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{})
	f.view.set("ctp_main", domain.ConnConnected, time.Now())
	f.monitor.UpdateCanary("ctp_main", "rb2510", time.Now())

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthHealthy)

	last := f.lastTransition()
	require.NotNil(t, last)
	assert.Equal(t, string(domain.HealthConnecting), last.PreviousStatus)
	assert.Equal(t, string(domain.HealthHealthy), last.CurrentStatus)
	assert.Contains(t, last.Metadata, "check_duration_ms")
}

func TestMonitor_StaleCanaryGoesUnhealthy(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{HeartbeatTimeout: 50 * time.Millisecond})
	f.view.set("ctp_main", domain.ConnConnected, time.Now().Add(-time.Minute))
	f.monitor.UpdateCanary("ctp_main", "rb2510", time.Now())

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthHealthy)
	// Canary goes silent past the heartbeat timeout.
	waitStatus(t, f.monitor, "ctp_main", domain.HealthUnhealthy)

	last := f.lastTransition()
	require.NotNil(t, last)
	assert.Equal(t, string(domain.HealthHealthy), last.PreviousStatus)
	assert.Equal(t, string(domain.HealthUnhealthy), last.CurrentStatus)
}

func TestMonitor_GracePeriodBeforeFirstTick(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{HeartbeatTimeout: time.Minute})
	f.view.set("ctp_main", domain.ConnConnected, time.Now())

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthHealthy)
}

func TestMonitor_DisconnectedConnState(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{})
	f.view.set("ctp_main", domain.ConnDisconnected, time.Now())

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthDisconnected)
}

func TestMonitor_AtMostOneTransitionPerChange(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{HeartbeatTimeout: time.Minute})
	f.view.set("ctp_main", domain.ConnConnected, time.Now())
	f.monitor.UpdateCanary("ctp_main", "rb2510", time.Now())

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthHealthy)

	// Several further check cycles with an unchanged derivation.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.transitionCount(), "steady state must not re-emit status_changed")
}

func TestMonitor_NoCanaryFallbackModes(t *testing.T) {
	// STOCK_OPTIONS has no canaries in this fixture's protocol table.
	connOnly := newHealthFixture(t, config.HealthConfig{FallbackMode: "CONNECTION_ONLY"})
	connOnly.view.mu.Lock()
	connOnly.view.gateways = append(connOnly.view.gateways, domain.GatewayStatus{
		ID: "sopt_main", Protocol: domain.ProtocolStockOptions,
		ConnState: domain.ConnConnected, LastUpdated: time.Now(),
	})
	connOnly.view.mu.Unlock()
	connOnly.monitor.Start()
	waitStatus(t, connOnly.monitor, "sopt_main", domain.HealthHealthy)

	full := newHealthFixture(t, config.HealthConfig{HeartbeatTimeout: 30 * time.Millisecond})
	full.view.mu.Lock()
	full.view.gateways = append(full.view.gateways, domain.GatewayStatus{
		ID: "sopt_main", Protocol: domain.ProtocolStockOptions,
		ConnState: domain.ConnConnected, LastUpdated: time.Now().Add(-time.Minute),
	})
	full.view.mu.Unlock()
	full.monitor.Start()
	waitStatus(t, full.monitor, "sopt_main", domain.HealthUnhealthy)
}

func TestMonitor_SkipCanaryMode(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{
		FallbackMode:     "SKIP_CANARY",
		HeartbeatTimeout: 10 * time.Millisecond,
	})
	f.view.set("ctp_main", domain.ConnConnected, time.Now().Add(-time.Hour))

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthHealthy)
}

func TestMonitor_SnapshotCarriesHeartbeat(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{})
	f.view.set("ctp_main", domain.ConnConnected, time.Now())
	tickAt := time.Now()
	f.monitor.UpdateCanary("ctp_main", "rb2510", tickAt)

	f.monitor.Start()
	waitStatus(t, f.monitor, "ctp_main", domain.HealthHealthy)

	snapshot := f.monitor.Snapshot()
	record, ok := snapshot["ctp_main"]
	require.True(t, ok)
	assert.Equal(t, domain.HealthHealthy, record.Status)
	require.NotNil(t, record.LastHeartbeat)
	assert.WithinDuration(t, tickAt, *record.LastHeartbeat, time.Millisecond)
	assert.Equal(t, "rb2510.SHFE", record.CanaryContract)
}

func TestMonitor_CanaryTickEvents(t *testing.T) {
	f := newHealthFixture(t, config.HealthConfig{})
	f.view.set("ctp_main", domain.ConnConnected, time.Now())
	f.monitor.UpdateCanary("ctp_main", "rb2510", time.Now())

	received := make(chan *events.CanaryTickData, 8)
	f.bus.Subscribe(events.CanaryTick, func(event *events.Event) {
		if data, ok := event.GetTypedData().(*events.CanaryTickData); ok {
			select {
			case received <- data:
			default:
			}
		}
	})

	f.monitor.Start()

	select {
	case data := <-received:
		assert.Equal(t, "ctp_main", data.GatewayID)
		assert.Equal(t, "rb2510.SHFE", data.ContractSymbol)
		assert.Equal(t, "ACTIVE", data.Status)
		assert.GreaterOrEqual(t, data.TickCount1Min, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("canary.tick event never published")
	}
}
