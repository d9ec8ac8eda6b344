package validator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmesh/tickhub/internal/domain"
)

func testAccount(settings map[string]string) domain.Account {
	return domain.Account{
		ID:       "ctp_main",
		Protocol: domain.ProtocolFutures,
		Settings: settings,
		Priority: 1,
		Enabled:  true,
	}
}

// reachable starts a TCP listener so pre-flight probes succeed.
func reachable(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return listener.Addr().String()
}

func shellChild(script string) []string {
	return []string{"sh", "-c", script}
}

func TestValidate_SuccessResponse(t *testing.T) {
	addr := reachable(t)
	runner := NewRunner(shellChild(
		`cat >/dev/null; echo '{"success":true,"message":"login verified"}'`),
		5*time.Second, zerolog.Nop())

	result, err := runner.Validate(context.Background(), testAccount(map[string]string{
		"td_address": "tcp://" + addr,
		"md_address": "tcp://" + addr,
	}))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "login verified", result.Message)
	assert.Greater(t, result.DurationMs, 0.0)
}

func TestValidate_RejectedCredentials(t *testing.T) {
	runner := NewRunner(shellChild(
		`cat >/dev/null; echo '{"success":false,"message":"bad password"}'; exit 1`),
		5*time.Second, zerolog.Nop())

	result, err := runner.Validate(context.Background(), testAccount(nil))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "bad password", result.Message)
}

func TestValidate_ResponseIsLastLine(t *testing.T) {
	runner := NewRunner(shellChild(
		`cat >/dev/null; echo 'loading driver'; echo '{"success":true,"message":"ok"}'`),
		5*time.Second, zerolog.Nop())

	result, err := runner.Validate(context.Background(), testAccount(nil))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestValidate_TimeoutKillsSubprocess(t *testing.T) {
	runner := NewRunner(shellChild(`cat >/dev/null; sleep 30`),
		30*time.Millisecond, zerolog.Nop())
	runner.SetGrace(50 * time.Millisecond)

	started := time.Now()
	_, err := runner.Validate(context.Background(), testAccount(nil))
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidationTimeout, domain.KindOf(err))
	assert.Less(t, time.Since(started), 5*time.Second)

	details := domain.DetailsOf(err)
	require.NotNil(t, details)
	assert.Equal(t, "ctp_main", details["account_id"])
}

func TestValidate_GlobalMutexLocksOut(t *testing.T) {
	runner := NewRunner(shellChild(
		`cat >/dev/null; sleep 0.3; echo '{"success":true,"message":"ok"}'`),
		5*time.Second, zerolog.Nop())

	first := make(chan error, 1)
	go func() {
		_, err := runner.Validate(context.Background(), testAccount(nil))
		first <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := runner.Validate(context.Background(), testAccount(nil))
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidationLocked, domain.KindOf(err))

	require.NoError(t, <-first)
}

func TestValidate_UnreachableServerFailsPreflight(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing accepts
	// on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := listener.Addr().String()
	require.NoError(t, listener.Close())

	runner := NewRunner(shellChild(`cat >/dev/null; echo '{"success":true}'`),
		5*time.Second, zerolog.Nop())

	_, err = runner.Validate(context.Background(), testAccount(map[string]string{
		"td_address": "tcp://" + dead,
	}))
	require.Error(t, err)
	assert.Equal(t, domain.ErrNetworkUnreachable, domain.KindOf(err))

	details := domain.DetailsOf(err)
	require.NotNil(t, details)
	assert.Equal(t, dead, details["address"])
	assert.Equal(t, "td_address", details["setting"])
}

func TestValidate_GarbageOutputIsInternalError(t *testing.T) {
	runner := NewRunner(shellChild(`cat >/dev/null; echo 'not json at all'`),
		5*time.Second, zerolog.Nop())

	_, err := runner.Validate(context.Background(), testAccount(nil))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInternal, domain.KindOf(err))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "180.168.146.187:10211", stripScheme("tcp://180.168.146.187:10211"))
	assert.Equal(t, "127.0.0.1:5555", stripScheme("127.0.0.1:5555"))
}
