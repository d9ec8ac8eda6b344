// Package validator runs pre-flight account credential checks in a child
// process. The native broker libraries cannot be loaded twice into the
// same host process, so validation is a subprocess RPC: one JSON request
// on stdin, one JSON response on stdout, exit code 0/1.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/domain"
)

const (
	// killGrace is added to the caller's timeout for the wall clock on
	// the child process.
	killGrace = 10 * time.Second
	probeWait = 10 * time.Second
)

// Request is the JSON document written to the child's stdin.
type Request struct {
	AccountID      string            `json:"account_id"`
	Protocol       string            `json:"protocol"`
	Settings       map[string]string `json:"settings"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// Result is the JSON document read from the child's stdout.
type Result struct {
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
	DurationMs float64                `json:"duration_ms,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Runner dispatches validation subprocesses. A single global mutex
// serializes runs so two broker-driver processes never coexist.
type Runner struct {
	command []string
	timeout time.Duration
	grace   time.Duration
	log     zerolog.Logger

	mu sync.Mutex
}

// NewRunner creates a validator runner. command is the child argv, e.g.
// []string{"tickhub-validate"}; timeout is the per-run budget the child is
// told about (the kill deadline adds a grace on top).
func NewRunner(command []string, timeout time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		command: command,
		timeout: timeout,
		grace:   killGrace,
		log:     log.With().Str("component", "account_validator").Logger(),
	}
}

// SetGrace overrides the kill grace. Test surface.
func (r *Runner) SetGrace(grace time.Duration) { r.grace = grace }

func dialTCP(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Validate runs the pre-flight checks and then the subprocess for one
// account. Concurrent calls fail fast with ValidationLocked.
func (r *Runner) Validate(ctx context.Context, account domain.Account) (*Result, error) {
	if !r.mu.TryLock() {
		return nil, domain.NewError(domain.ErrValidationLocked,
			"another validation is already running").
			WithDetails(map[string]interface{}{"account_id": account.ID})
	}
	defer r.mu.Unlock()

	if err := r.probeServers(ctx, account); err != nil {
		return nil, err
	}
	return r.runSubprocess(ctx, account)
}

// probeServers TCP-dials every server address in the account settings
// before paying for a subprocess launch.
func (r *Runner) probeServers(ctx context.Context, account domain.Account) error {
	for _, key := range []string{"td_address", "md_address"} {
		raw, ok := account.Settings[key]
		if !ok || raw == "" {
			continue
		}
		address := stripScheme(raw)
		probeCtx, cancel := context.WithTimeout(ctx, probeWait)
		err := dialTCP(probeCtx, address)
		cancel()
		if err != nil {
			r.log.Warn().Str("account", account.ID).Str("address", address).
				Err(err).Msg("Pre-flight probe failed")
			return domain.WrapError(domain.ErrNetworkUnreachable, err,
				"broker server unreachable").WithDetails(map[string]interface{}{
				"account_id": account.ID,
				"setting":    key,
				"address":    address,
			})
		}
	}
	return nil
}

// stripScheme drops the tcp:// prefix native settings carry.
func stripScheme(address string) string {
	if idx := strings.Index(address, "://"); idx >= 0 {
		return address[idx+3:]
	}
	return address
}

// runSubprocess launches the child, feeds the request and parses the
// response. The child gets timeout seconds to work with; the wall clock
// kills it at timeout + grace.
func (r *Runner) runSubprocess(ctx context.Context, account domain.Account) (*Result, error) {
	request := Request{
		AccountID:      account.ID,
		Protocol:       string(account.Protocol),
		Settings:       account.Settings,
		TimeoutSeconds: int(r.timeout.Seconds()),
	}
	input, err := json.Marshal(request)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInternal, err, "validation request encode failed")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout+r.grace)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned grandchildren must not keep Wait blocked on the output
	// pipes after the kill.
	cmd.WaitDelay = time.Second

	started := time.Now()
	err = cmd.Run()
	elapsed := time.Since(started)

	if runCtx.Err() == context.DeadlineExceeded {
		r.log.Error().Str("account", account.ID).Dur("elapsed", elapsed).
			Msg("Validation subprocess killed on timeout")
		return nil, domain.NewError(domain.ErrValidationTimeout,
			"validation subprocess exceeded wall clock").
			WithDetails(map[string]interface{}{
				"account_id":      account.ID,
				"timeout_seconds": r.timeout.Seconds(),
				"elapsed_seconds": elapsed.Seconds(),
			})
	}

	result, parseErr := parseResult(stdout.Bytes())
	if parseErr != nil {
		if err != nil {
			return nil, domain.WrapError(domain.ErrInitFailed, err,
				"validation subprocess failed").WithDetails(map[string]interface{}{
				"account_id": account.ID,
				"stderr":     truncate(stderr.String(), 512),
			})
		}
		return nil, domain.WrapError(domain.ErrInternal, parseErr,
			"validation subprocess produced no parseable response")
	}

	// Exit code 1 with a parseable body is a clean "credentials rejected".
	result.DurationMs = float64(elapsed.Nanoseconds()) / 1e6
	r.log.Info().Str("account", account.ID).Bool("success", result.Success).
		Dur("elapsed", elapsed).Msg("Validation finished")
	return result, nil
}

func parseResult(output []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	// The child may log lines before the response document; the response
	// is the last line.
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = bytes.TrimSpace(trimmed[idx+1:])
	}
	var result Result
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return nil, fmt.Errorf("response decode failed: %w", err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
