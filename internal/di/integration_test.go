package di

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmesh/tickhub/internal/broker"
	"github.com/quantmesh/tickhub/internal/domain"
)

// TestWiredStack_AccountToHealthyGateway drives the full wired stack: an
// account in the store, the supervisor launching a mock driver, canary
// ticks flowing into the health monitor and the derived status reaching
// HEALTHY.
func TestWiredStack_AccountToHealthyGateway(t *testing.T) {
	cfg := wireConfig(t)
	cfg.TradingTime.Enabled = false
	cfg.Health.CheckInterval = 50 * time.Millisecond
	cfg.Health.HeartbeatTimeout = 5 * time.Second

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.DB.Close() })

	require.NoError(t, c.Accounts.Upsert(domain.Account{
		ID:       "ctp_main",
		Protocol: domain.ProtocolFutures,
		Settings: map[string]string{"userid": "u1", "password": "p1"},
		Priority: 1,
		Enabled:  true,
	}))

	// Fast mock ticks so the canary heartbeat lands well inside the
	// timeout.
	c.Factory.ScriptGateway("ctp_main", broker.MockScript{
		ConnectDelay: 10 * time.Millisecond,
		TickInterval: 20 * time.Millisecond,
	})

	c.Bus.Start()
	t.Cleanup(func() { c.Bus.Stop() })
	c.Health.Start()
	t.Cleanup(c.Health.Stop)
	require.NoError(t, c.Supervisor.Start())
	t.Cleanup(c.Supervisor.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.Health.Status("ctp_main"); ok && status == domain.HealthHealthy {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	status, ok := c.Health.Status("ctp_main")
	require.True(t, ok, "health monitor never saw the gateway")
	assert.Equal(t, domain.HealthHealthy, status)

	view := c.Supervisor.StatusView()
	require.Len(t, view, 1)
	assert.Equal(t, domain.ConnConnected, view[0].ConnState)
	assert.Contains(t, view[0].Subscriptions, "rb2510.SHFE")
	assert.True(t, view[0].Mock)
	assert.Greater(t, view[0].TickCount, uint64(0))
}
