package pushhub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/events"
)

func testHubConfig() config.PushHubConfig {
	return config.PushHubConfig{
		PingInterval:       50 * time.Millisecond,
		PingTimeout:        30 * time.Millisecond,
		RateLimitWindow:    30 * time.Millisecond,
		RateLimitMaxEvents: 5,
		BufferSize:         20,
		LogRingSize:        5,
	}
}

type hubFixture struct {
	bus *events.Bus
	hub *Hub
	srv *httptest.Server
}

func newHubFixture(t *testing.T, cfg config.PushHubConfig) *hubFixture {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	bus.Start()
	t.Cleanup(func() { bus.Stop() })

	hub := New(cfg, bus, zerolog.Nop())
	hub.Start()
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/status", hub.HandleStatus)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &hubFixture{bus: bus, hub: hub, srv: srv}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readEvent reads frames until one matches the wanted event type, skipping
// pings and unrelated traffic.
func readEvent(t *testing.T, conn *websocket.Conn, eventType string, timeout time.Duration) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %s", eventType)
		var msg Message
		require.NoError(t, decodeFrame(data, &msg))
		if msg["event_type"] == eventType {
			return msg
		}
	}
}

func TestHub_ConnectSendsWelcome(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	conn := f.dial(t)

	msg := readEvent(t, conn, MsgConnection, 2*time.Second)
	assert.Equal(t, "connected", msg["status"])
	assert.NotEmpty(t, msg["client_id"])
	assert.Equal(t, 1, f.hub.ClientCount())
}

func TestHub_StatusChangeDeliveredInUIShape(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	f.bus.Emit(events.GatewayStatusChanged, "health_monitor",
		events.ConvertEventDataToMap(&events.StatusChangedData{
			GatewayID:      "ctp_main",
			Protocol:       "FUTURES",
			PreviousStatus: "HEALTHY",
			CurrentStatus:  "UNHEALTHY",
			Metadata:       map[string]interface{}{"error": "canary stale"},
		}))

	msg := readEvent(t, conn, MsgStatusChange, 2*time.Second)
	assert.Equal(t, "ctp_main", msg["gateway_id"])
	assert.Equal(t, "FUTURES", msg["gateway_type"])
	assert.Equal(t, "HEALTHY", msg["previous_status"])
	assert.Equal(t, "UNHEALTHY", msg["current_status"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestHub_RecoveryEventsDelivered(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	f.bus.Emit(events.RecoveryCooldownStarted, "recovery_engine",
		events.ConvertEventDataToMap(&events.RecoveryEventData{
			GatewayID: "ctp_main",
			Status:    "cooldown_started",
			Attempt:   2,
			CooldownS: 60,
			Message:   "cooling down before restart",
		}))

	msg := readEvent(t, conn, MsgRecoveryStatus, 2*time.Second)
	assert.Equal(t, "ctp_main", msg["gateway_id"])
	assert.Equal(t, "cooldown_started", msg["recovery_status"])
	assert.Equal(t, float64(2), msg["attempt"])
}

func TestHub_ControlActionBypassesRateLimiter(t *testing.T) {
	cfg := testHubConfig()
	cfg.RateLimitWindow = 10 * time.Second // batched events would wait this long
	f := newHubFixture(t, cfg)
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	f.bus.Emit(events.GatewayControlAction, "supervisor",
		events.ConvertEventDataToMap(&events.ControlActionData{
			GatewayID: "ctp_main",
			Action:    "start",
			Status:    "success",
		}))

	msg := readEvent(t, conn, MsgControlAction, 2*time.Second)
	assert.Equal(t, "start", msg["action"])
	assert.Equal(t, "success", msg["status"])
}

func TestHub_CanaryTickBypassesRateLimiter(t *testing.T) {
	cfg := testHubConfig()
	cfg.RateLimitWindow = 10 * time.Second
	f := newHubFixture(t, cfg)
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	f.hub.PublishCanaryTick(&events.CanaryTickData{
		GatewayID:        "ctp_main",
		ContractSymbol:   "rb2510.SHFE",
		TickCount1Min:    42,
		Status:           "ACTIVE",
		ThresholdSeconds: 60,
	})

	msg := readEvent(t, conn, MsgCanaryTick, 2*time.Second)
	assert.Equal(t, "rb2510.SHFE", msg["contract_symbol"])
	assert.Equal(t, "ACTIVE", msg["status"])
	assert.Equal(t, float64(42), msg["tick_count_1min"])
}

func TestHub_BufferThresholdForcesEarlyFlush(t *testing.T) {
	cfg := testHubConfig()
	cfg.RateLimitWindow = 10 * time.Second
	cfg.RateLimitMaxEvents = 3
	f := newHubFixture(t, cfg)
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	for i := 0; i < 3; i++ {
		f.hub.PublishSystemLog("INFO", "buffered", "test", nil)
	}

	// With a 10s window only the threshold can have flushed these.
	msg := readEvent(t, conn, MsgSystemLog, 2*time.Second)
	assert.Equal(t, "buffered", msg["message"])
}

func TestHub_BufferedBurstCappedPerWindow(t *testing.T) {
	cfg := testHubConfig()
	cfg.RateLimitWindow = 10 * time.Second
	cfg.RateLimitMaxEvents = 5
	cfg.BufferSize = 50
	f := newHubFixture(t, cfg)
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	for i := 0; i < 30; i++ {
		f.hub.PublishSystemLog("INFO", "burst", "test", nil)
	}

	// The threshold flush delivers one capped batch; the rest of the burst
	// stays buffered until the next window, which is 10s away.
	got := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			break
		}
		var msg Message
		require.NoError(t, decodeFrame(data, &msg))
		if msg["event_type"] == MsgSystemLog {
			got++
		}
	}
	assert.Greater(t, got, 0, "threshold flush must deliver a batch")
	assert.LessOrEqual(t, got, 5, "one window must not deliver more than the event cap")
}

func TestHub_FilterAppliesToBufferedEvents(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	conn := f.dial(t)
	welcome := readEvent(t, conn, MsgConnection, 2*time.Second)
	clientID := welcome["client_id"].(string)

	f.hub.SetClientFilter(clientID, MsgStatusChange, false)
	f.hub.SetClientFilter(clientID, MsgSystemLog, true)

	f.bus.Emit(events.GatewayStatusChanged, "health_monitor",
		events.ConvertEventDataToMap(&events.StatusChangedData{
			GatewayID:     "ctp_main",
			CurrentStatus: "UNHEALTHY",
		}))
	f.hub.PublishSystemLog("INFO", "kept", "test", nil)

	// Both go through the buffered path. The allowed log arrives; the
	// filtered status change never does.
	sawLog := false
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			break
		}
		var msg Message
		require.NoError(t, decodeFrame(data, &msg))
		switch msg["event_type"] {
		case MsgStatusChange:
			t.Fatal("filtered status change delivered to client")
		case MsgSystemLog:
			sawLog = true
		}
	}
	assert.True(t, sawLog, "allowed buffered event must still be delivered")
}

func TestHub_LogIntakeDropsBelowInfo(t *testing.T) {
	f := newHubFixture(t, testHubConfig())

	f.hub.PublishSystemLog("DEBUG", "noise", "test", nil)
	f.hub.PublishLog(domain.LogRecord{GatewayID: "ctp_main", Level: "WARNING", Message: "slow login"})
	f.hub.PublishSystemLog("ERROR", "boom", "test", nil)

	logs := f.hub.RecentLogs(0)
	require.Len(t, logs, 2)
	assert.Equal(t, "WARN", logs[0].Level)
	assert.Equal(t, "ctp_main", logs[0].Source)
	assert.Equal(t, "ERROR", logs[1].Level)
}

func TestHub_LogRingBounded(t *testing.T) {
	f := newHubFixture(t, testHubConfig()) // ring size 5

	for i := 0; i < 12; i++ {
		f.hub.PublishSystemLog("INFO", "entry", "test", map[string]interface{}{"n": i})
	}

	logs := f.hub.RecentLogs(0)
	require.Len(t, logs, 5)
	assert.Equal(t, 11, logs[4].Metadata["n"])
}

func TestHub_FilterNarrowsStream(t *testing.T) {
	cfg := testHubConfig()
	cfg.RateLimitWindow = 10 * time.Second
	f := newHubFixture(t, cfg)
	conn := f.dial(t)
	welcome := readEvent(t, conn, MsgConnection, 2*time.Second)
	clientID := welcome["client_id"].(string)

	f.hub.SetClientFilter(clientID, MsgCanaryTick, false)
	f.hub.SetClientFilter(clientID, MsgControlAction, true)

	f.hub.PublishCanaryTick(&events.CanaryTickData{GatewayID: "ctp_main", Status: "ACTIVE"})
	f.bus.Emit(events.GatewayControlAction, "supervisor",
		events.ConvertEventDataToMap(&events.ControlActionData{GatewayID: "ctp_main", Action: "stop", Status: "success"}))

	// The control action arrives; the canary event must not precede it.
	msg := readEvent(t, conn, MsgControlAction, 2*time.Second)
	assert.Equal(t, "stop", msg["action"])
}

func TestHub_StopSendsShutdown(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	go f.hub.Stop()

	msg := readEvent(t, conn, MsgShutdown, 2*time.Second)
	assert.Equal(t, MsgShutdown, msg["event_type"])
}

func TestHub_UnresponsiveClientDisconnected(t *testing.T) {
	cfg := testHubConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.PingTimeout = 10 * time.Millisecond
	f := newHubFixture(t, cfg)

	conn := f.dial(t)
	readEvent(t, conn, MsgConnection, 2*time.Second)

	// Stop reading so pongs never flow back; lastSeen goes stale and the
	// ping loop evicts the client.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.hub.ClientCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestHub_DisconnectIdempotent(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	conn := f.dial(t)
	welcome := readEvent(t, conn, MsgConnection, 2*time.Second)
	clientID := welcome["client_id"].(string)

	f.hub.Disconnect(clientID)
	f.hub.Disconnect(clientID)
	f.hub.Disconnect("no-such-client")
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestHub_AuthGateRejects(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	bus.Start()
	t.Cleanup(func() { bus.Stop() })

	hub := New(testHubConfig(), bus, zerolog.Nop())
	hub.SetAuth(func(r *http.Request) error {
		if r.Header.Get("X-Api-Token") == "" {
			return errors.New("missing token")
		}
		return nil
	})
	hub.Start()
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/status", hub.HandleStatus)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
