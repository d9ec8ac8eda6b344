package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/domain"
	"github.com/quantmesh/tickhub/internal/publisher"
)

// CanaryController is the supervisor surface the resubscribe job needs.
type CanaryController interface {
	ResubscribeCanaries() int
}

// CanaryResubscribeJob refreshes canary subscriptions on running gateways.
// Scheduled at each session open so stale subscriptions from the previous
// session never mute the heartbeat.
type CanaryResubscribeJob struct {
	Supervisor CanaryController
	Log        zerolog.Logger
}

func (j *CanaryResubscribeJob) Name() string { return "canary_resubscribe" }

func (j *CanaryResubscribeJob) Run() error {
	count := j.Supervisor.ResubscribeCanaries()
	j.Log.Info().Int("gateways", count).Msg("Canary contracts resubscribed")
	return nil
}

// SessionCronSpecs builds one cron spec per session start, weekdays only.
func SessionCronSpecs(sessions []domain.SessionRange) []string {
	specs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		hour := s.Start / 60
		minute := s.Start % 60
		specs = append(specs, fmt.Sprintf("0 %d %d * * MON-FRI", minute, hour))
	}
	return specs
}

// MetricsSource exposes the publisher report and grade.
type MetricsSource interface {
	Metrics() publisher.Report
	Grade() publisher.Grade
}

// PublisherSummaryJob logs the publisher's daily performance summary.
type PublisherSummaryJob struct {
	Publisher MetricsSource
	Log       zerolog.Logger
}

func (j *PublisherSummaryJob) Name() string { return "publisher_summary" }

func (j *PublisherSummaryJob) Run() error {
	report := j.Publisher.Metrics()
	j.Log.Info().
		Uint64("published", report.Published).
		Uint64("failed", report.Failed).
		Uint64("dropped_queue", report.DroppedQueue).
		Float64("p95_ms", report.P95Ms).
		Float64("rate_per_second", report.RatePerSecond).
		Float64("success_rate", report.SuccessRate).
		Str("grade", string(j.Publisher.Grade())).
		Msg("Daily publisher summary")
	return nil
}

// StoreProbeJob verifies the account store still answers.
type StoreProbeJob struct {
	Store domain.AccountStore
	Log   zerolog.Logger
}

func (j *StoreProbeJob) Name() string { return "account_store_probe" }

func (j *StoreProbeJob) Run() error {
	if !j.Store.IsAvailable() {
		j.Log.Warn().Msg("Account store unavailable")
		return fmt.Errorf("account store probe failed")
	}
	return nil
}
