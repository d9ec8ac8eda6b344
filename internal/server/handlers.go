package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/quantmesh/tickhub/internal/domain"
)

// controlResponse is the shape every gateway control action returns.
type controlResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	GatewayID string `json:"gateway_id"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "tickhub",
	})
}

// handleGatewayList returns the supervisor's status view.
func (s *Server) handleGatewayList(w http.ResponseWriter, r *http.Request) {
	view := s.supervisor.StatusView()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": view,
		"count":    len(view),
	})
}

// gatewayControl wraps one supervisor action into a handler.
func (s *Server) gatewayControl(action string, fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(id); err != nil {
			s.writeControlError(w, id, action, err)
			return
		}
		s.writeJSON(w, http.StatusOK, controlResponse{
			Success:   true,
			Message:   action + " succeeded",
			GatewayID: id,
			Action:    action,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
}

// handleCanaryResubscribe re-subscribes canary contracts on every running
// gateway.
func (s *Server) handleCanaryResubscribe(w http.ResponseWriter, r *http.Request) {
	count := s.supervisor.ResubscribeCanaries()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"resubscribe": count,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

// handleHealthGateways returns the health monitor's records.
func (s *Server) handleHealthGateways(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": s.health.Snapshot(),
	})
}

// handleRecoveryStatus returns per-gateway recovery state.
func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": s.recovery.Status(),
	})
}

// handleRecoveryReset clears a permanently failed gateway so recovery can
// run again.
func (s *Server) handleRecoveryReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.recovery.Reset(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"gateway_id": id,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// handleFailoverStatus returns per-gateway failover records.
func (s *Server) handleFailoverStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": s.failover.Records(),
	})
}

// handlePublisherMetrics returns the tick publisher report and its grade.
func (s *Server) handlePublisherMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": s.publisher.Metrics(),
		"grade":   s.publisher.Grade(),
	})
}

// handleRecentLogs returns the newest entries of the push hub log ring.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}
	logs := s.logs.RecentLogs(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// validateRequest is the body of POST /api/accounts/validate.
type validateRequest struct {
	AccountID string `json:"account_id"`
}

// handleAccountValidate runs the pre-flight credential check for one
// account.
func (s *Server) handleAccountValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "body must be {\"account_id\": \"...\"}",
		})
		return
	}

	account, err := s.accounts.GetAccount(req.AccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if account == nil {
		s.writeError(w, domain.NewErrorf(domain.ErrNotFound, "account %s not found", req.AccountID))
		return
	}

	result, err := s.validator.Validate(r.Context(), *account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleSystemStatus returns process-level vitals for the hub itself.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			body["memory_rss_mb"] = float64(mem.RSS) / 1024 / 1024
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			body["cpu_percent"] = cpu
		}
	}

	s.writeJSON(w, http.StatusOK, body)
}

// writeControlError maps a supervisor error into the control response
// shape. Trading-hours blocks carry the structured trading_status.
func (s *Server) writeControlError(w http.ResponseWriter, id, action string, err error) {
	kind := domain.KindOf(err)
	body := map[string]interface{}{
		"success":    false,
		"message":    err.Error(),
		"gateway_id": id,
		"action":     action,
		"timestamp":  time.Now().Format(time.RFC3339),
	}
	if kind == domain.ErrTradingHoursBlocked {
		if details := domain.DetailsOf(err); details != nil {
			body["trading_status"] = details
		}
	}
	s.writeJSON(w, statusForKind(kind), body)
}

// writeError maps a domain error onto a plain JSON error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  string(kind),
	}
	if details := domain.DetailsOf(err); details != nil {
		body["details"] = details
	}
	s.writeJSON(w, statusForKind(kind), body)
}

// statusForKind maps the error taxonomy onto HTTP status codes.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrAlreadyRunning, domain.ErrValidationLocked:
		return http.StatusConflict
	case domain.ErrTradingHoursBlocked:
		return http.StatusLocked
	case domain.ErrValidationTimeout:
		return http.StatusRequestTimeout
	case domain.ErrNetworkUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
