// Package tradinghours implements the trading-time policy: whether a
// protocol's gateways should be connected right now, and when the next
// session opens. Weekends are closed; overnight sessions that begin on a
// trading day run past midnight into the following morning.
package tradinghours

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/config"
	"github.com/quantmesh/tickhub/internal/domain"
)

const minutesPerDay = 24 * 60

// Policy implements the domain.TradingHours port from configured session
// strings. It never computes holidays; operators encode those upstream.
type Policy struct {
	cfg      config.TradingTimeConfig
	sessions map[domain.ProtocolName][]domain.SessionRange
	log      zerolog.Logger
}

// NewPolicy parses the configured session strings for both protocols.
func NewPolicy(cfg config.TradingTimeConfig, log zerolog.Logger) (*Policy, error) {
	futures, err := ParseSessions(cfg.FuturesHours)
	if err != nil {
		return nil, fmt.Errorf("invalid FUTURES_TRADING_HOURS: %w", err)
	}
	stockOpts, err := ParseSessions(cfg.StockOptsHours)
	if err != nil {
		return nil, fmt.Errorf("invalid STOCK_OPTIONS_TRADING_HOURS: %w", err)
	}

	return &Policy{
		cfg: cfg,
		sessions: map[domain.ProtocolName][]domain.SessionRange{
			domain.ProtocolFutures:      futures,
			domain.ProtocolStockOptions: stockOpts,
		},
		log: log.With().Str("component", "trading_hours").Logger(),
	}, nil
}

// ParseSessions parses "HH:MM-HH:MM,HH:MM-HH:MM" into session ranges.
// A range whose end precedes its start wraps past midnight.
func ParseSessions(spec string) ([]domain.SessionRange, error) {
	parts := strings.Split(spec, ",")
	sessions := make([]domain.SessionRange, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.Split(part, "-")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("session %q must be HH:MM-HH:MM", part)
		}
		start, err := parseMinutes(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", part, err)
		}
		end, err := parseMinutes(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", part, err)
		}
		if start == end {
			return nil, fmt.Errorf("session %q is empty", part)
		}
		sessions = append(sessions, domain.SessionRange{
			Name:  fmt.Sprintf("session_%d", i+1),
			Start: start,
			End:   end,
		})
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no sessions in %q", spec)
	}
	return sessions, nil
}

func parseMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	hm := strings.Split(s, ":")
	if len(hm) != 2 {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	hour, err := strconv.Atoi(hm[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err := strconv.Atoi(hm[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour*60 + minute, nil
}

// ShouldConnect reports whether gateways for the protocol should be
// connected at the given instant. Disabled checks and forced connection
// both bypass the session calendar.
func (p *Policy) ShouldConnect(protocol domain.ProtocolName, now time.Time) bool {
	if !p.cfg.Enabled || p.cfg.ForceConnection {
		return true
	}
	return p.Status(protocol, now).InSession
}

// Sessions returns the configured session ranges for a protocol.
func (p *Policy) Sessions(protocol domain.ProtocolName) []domain.SessionRange {
	sessions := p.sessions[protocol]
	out := make([]domain.SessionRange, len(sessions))
	copy(out, sessions)
	return out
}

// Status returns whether the protocol is in session and, when it is not,
// when the next session starts. The configured buffer opens sessions early.
func (p *Policy) Status(protocol domain.ProtocolName, now time.Time) domain.TradingStatus {
	sessions := p.sessions[protocol]
	if len(sessions) == 0 {
		return domain.TradingStatus{InSession: false}
	}

	for _, s := range sessions {
		if p.inSession(s, now) {
			return domain.TradingStatus{InSession: true, SessionName: s.Name}
		}
	}

	nextStart, nextName := p.nextSessionStart(sessions, now)
	return domain.TradingStatus{
		InSession:        false,
		NextSessionStart: nextStart,
		NextSessionName:  nextName,
	}
}

// inSession checks a single range against the instant. The buffer widens
// the window at the start only. Weekend days never open a session, but an
// overnight range opened on Friday still covers Saturday morning.
func (p *Policy) inSession(s domain.SessionRange, now time.Time) bool {
	minute := now.Hour()*60 + now.Minute()
	start := s.Start - p.cfg.BufferMinutes
	if start < 0 {
		start += minutesPerDay
	}

	if start < s.End {
		return isTradingDay(now.Weekday()) && minute >= start && minute < s.End
	}

	// Wrapping range: tail belongs to the day the session opened on.
	if minute >= start {
		return isTradingDay(now.Weekday())
	}
	if minute < s.End {
		return isTradingDay(now.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// nextSessionStart finds the earliest buffered session open after now on a
// trading day, scanning up to a week ahead.
func (p *Policy) nextSessionStart(sessions []domain.SessionRange, now time.Time) (*time.Time, string) {
	var (
		best     *time.Time
		bestName string
	)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for offset := 0; offset <= 7; offset++ {
		day := midnight.AddDate(0, 0, offset)
		if !isTradingDay(day.Weekday()) {
			continue
		}
		for _, s := range sessions {
			start := day.Add(time.Duration(s.Start-p.cfg.BufferMinutes) * time.Minute)
			if !start.After(now) {
				continue
			}
			if best == nil || start.Before(*best) {
				candidate := start
				best = &candidate
				bestName = s.Name
			}
		}
		if best != nil {
			return best, bestName
		}
	}
	return best, bestName
}

func isTradingDay(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}
