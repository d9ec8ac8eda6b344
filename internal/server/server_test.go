package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/publisher"
	"github.com/quantmesh/tickhub/internal/pushhub"
	"github.com/quantmesh/tickhub/internal/validator"
)

type fakeSupervisor struct {
	view    []domain.GatewayStatus
	errFor  map[string]error
	actions []string
}

func (f *fakeSupervisor) control(action, id string) error {
	f.actions = append(f.actions, action+":"+id)
	if err, ok := f.errFor[id]; ok {
		return err
	}
	return nil
}

func (f *fakeSupervisor) StartGateway(id string) error   { return f.control("start", id) }
func (f *fakeSupervisor) StopGateway(id string) error    { return f.control("stop", id) }
func (f *fakeSupervisor) RestartGateway(id string) error { return f.control("restart", id) }
func (f *fakeSupervisor) StatusView() []domain.GatewayStatus {
	return f.view
}
func (f *fakeSupervisor) ResubscribeCanaries() int { return 3 }

type fakeHealth struct {
	records map[string]domain.HealthRecord
}

func (f *fakeHealth) Snapshot() map[string]domain.HealthRecord { return f.records }

type fakeRecovery struct {
	resetErr error
	resets   []string
}

func (f *fakeRecovery) Status() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"ctp_main": {"phase": "IDLE", "attempts": 0},
	}
}

func (f *fakeRecovery) Reset(id string) error {
	f.resets = append(f.resets, id)
	return f.resetErr
}

type fakeFailover struct{}

func (f *fakeFailover) Records() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"ctp_main": {"state": "IDLE"},
	}
}

type fakePublisher struct{}

func (f *fakePublisher) Metrics() publisher.Report {
	return publisher.Report{Published: 100, SuccessRate: 99.9}
}
func (f *fakePublisher) Grade() publisher.Grade { return publisher.GradeExcellent }

type fakeLogs struct {
	entries []pushhub.LogEntry
}

func (f *fakeLogs) RecentLogs(limit int) []pushhub.LogEntry {
	if limit <= 0 || limit > len(f.entries) {
		return f.entries
	}
	return f.entries[len(f.entries)-limit:]
}

type fakeValidator struct {
	result *validator.Result
	err    error
}

func (f *fakeValidator) Validate(ctx context.Context, account domain.Account) (*validator.Result, error) {
	return f.result, f.err
}

type fakeAccounts struct {
	accounts map[string]domain.Account
}

func (f *fakeAccounts) IsAvailable() bool { return true }
func (f *fakeAccounts) ListAccounts(enabledOnly bool) ([]domain.Account, error) {
	out := make([]domain.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}
func (f *fakeAccounts) GetAccount(id string) (*domain.Account, error) {
	if a, ok := f.accounts[id]; ok {
		return &a, nil
	}
	return nil, nil
}

type serverFixture struct {
	supervisor *fakeSupervisor
	recovery   *fakeRecovery
	validator  *fakeValidator
	srv        *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		supervisor: &fakeSupervisor{
			view: []domain.GatewayStatus{
				{ID: "ctp_main", Protocol: domain.ProtocolFutures, ConnState: domain.ConnConnected},
			},
			errFor: map[string]error{},
		},
		recovery:  &fakeRecovery{},
		validator: &fakeValidator{result: &validator.Result{Success: true, Message: "ok"}},
	}

	s := New(Config{
		Log:        zerolog.Nop(),
		Port:       0,
		DevMode:    true,
		Supervisor: f.supervisor,
		Health: &fakeHealth{records: map[string]domain.HealthRecord{
			"ctp_main": {GatewayID: "ctp_main", Status: domain.HealthHealthy},
		}},
		Recovery:  f.recovery,
		Failover:  &fakeFailover{},
		Publisher: &fakePublisher{},
		Logs: &fakeLogs{entries: []pushhub.LogEntry{
			{Level: "INFO", Message: "first", Source: "test"},
			{Level: "ERROR", Message: "second", Source: "test"},
		}},
		Validator: f.validator,
		Accounts: &fakeAccounts{accounts: map[string]domain.Account{
			"ctp_main": {ID: "ctp_main", Protocol: domain.ProtocolFutures, Enabled: true},
		}},
	})

	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestServer_Health(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "tickhub", body["service"])
}

func TestServer_SystemStatus(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/api/system/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), float64(0))
	assert.Greater(t, body["goroutines"].(float64), float64(0))
}

func TestServer_GatewayList(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/api/gateways", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestServer_StartGatewaySuccess(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodPost, "/api/gateways/ctp_main/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ctp_main", body["gateway_id"])
	assert.Equal(t, "start", body["action"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Contains(t, f.supervisor.actions, "start:ctp_main")
}

func TestServer_StartUnknownGatewayIs404(t *testing.T) {
	f := newServerFixture(t)
	f.supervisor.errFor["ghost"] = domain.NewErrorf(domain.ErrNotFound, "gateway ghost not found")
	resp, body := f.request(t, http.MethodPost, "/api/gateways/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestServer_StartRunningGatewayIs409(t *testing.T) {
	f := newServerFixture(t)
	f.supervisor.errFor["ctp_main"] = domain.NewErrorf(domain.ErrAlreadyRunning, "gateway ctp_main already running")
	resp, _ := f.request(t, http.MethodPost, "/api/gateways/ctp_main/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_TradingHoursBlockIs423WithStatus(t *testing.T) {
	f := newServerFixture(t)
	next := time.Date(2025, 6, 2, 21, 0, 0, 0, time.Local).Format(time.RFC3339)
	f.supervisor.errFor["ctp_main"] = domain.NewError(domain.ErrTradingHoursBlocked,
		"outside trading hours").WithDetails(map[string]interface{}{
		"in_session":         false,
		"next_session_start": next,
		"next_session_name":  "session_3",
	})

	resp, body := f.request(t, http.MethodPost, "/api/gateways/ctp_main/start", nil)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	status, ok := body["trading_status"].(map[string]interface{})
	require.True(t, ok, "423 must carry trading_status")
	assert.Equal(t, false, status["in_session"])
	assert.Equal(t, next, status["next_session_start"])
}

func TestServer_CanaryResubscribe(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodPost, "/api/gateways/canary/resubscribe", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["resubscribe"])
}

func TestServer_HealthGateways(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/api/health/gateways", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	gateways := body["gateways"].(map[string]interface{})
	assert.Contains(t, gateways, "ctp_main")
}

func TestServer_RecoveryStatusAndReset(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/recovery/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["gateways"].(map[string]interface{}), "ctp_main")

	resp, body = f.request(t, http.MethodPost, "/api/recovery/ctp_main/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"ctp_main"}, f.recovery.resets)
}

func TestServer_RecoveryResetUnknownIs404(t *testing.T) {
	f := newServerFixture(t)
	f.recovery.resetErr = domain.NewErrorf(domain.ErrNotFound, "gateway ghost not found")
	resp, _ := f.request(t, http.MethodPost, "/api/recovery/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_PublisherMetrics(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodGet, "/api/publisher/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "EXCELLENT", body["grade"])
	metrics := body["metrics"].(map[string]interface{})
	assert.Equal(t, float64(100), metrics["published"])
}

func TestServer_RecentLogs(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/logs/recent", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, body = f.request(t, http.MethodGet, "/api/logs/recent?limit=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = f.request(t, http.MethodGet, "/api/logs/recent?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ValidateAccount(t *testing.T) {
	f := newServerFixture(t)
	resp, body := f.request(t, http.MethodPost, "/api/accounts/validate",
		map[string]string{"account_id": "ctp_main"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
}

func TestServer_ValidateUnknownAccountIs404(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/api/accounts/validate",
		map[string]string{"account_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ValidateLockedIs409(t *testing.T) {
	f := newServerFixture(t)
	f.validator.result = nil
	f.validator.err = domain.NewError(domain.ErrValidationLocked, "another validation is already running")
	resp, _ := f.request(t, http.MethodPost, "/api/accounts/validate",
		map[string]string{"account_id": "ctp_main"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ValidateBadBodyIs400(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/api/accounts/validate",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
