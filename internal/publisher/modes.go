package publisher

import "github.com/rs/zerolog"

// Grade is the validator's verdict on a metrics report.
type Grade string

const (
	GradeExcellent  Grade = "EXCELLENT"
	GradeGood       Grade = "GOOD"
	GradeAcceptable Grade = "ACCEPTABLE"
	GradeFailed     Grade = "FAILED"
)

// Thresholds are the per-mode performance gates. Each metric has a green
// and a yellow bound; beyond yellow is red.
type Thresholds struct {
	Mode string

	P95GreenMs  float64
	P95YellowMs float64

	RateGreen  float64
	RateYellow float64

	MemGreenMB  float64
	MemYellowMB float64

	SuccessGreen  float64
	SuccessYellow float64
}

// ThresholdsFor returns the gates for a performance mode. Production
// carries the reference numbers; development relaxes them for laptops and
// CI, extreme tightens them for dedicated hosts.
func ThresholdsFor(mode string) Thresholds {
	switch mode {
	case "development":
		return Thresholds{
			Mode:          mode,
			P95GreenMs:    0.4,
			P95YellowMs:   0.45,
			RateGreen:     100,
			RateYellow:    50,
			MemGreenMB:    50,
			MemYellowMB:   80,
			SuccessGreen:  95,
			SuccessYellow: 90,
		}
	case "extreme":
		return Thresholds{
			Mode:          mode,
			P95GreenMs:    0.02,
			P95YellowMs:   0.03,
			RateGreen:     10000,
			RateYellow:    9000,
			MemGreenMB:    4,
			MemYellowMB:   6,
			SuccessGreen:  99.9,
			SuccessYellow: 99.8,
		}
	default:
		return Thresholds{
			Mode:          "production",
			P95GreenMs:    0.04,
			P95YellowMs:   0.045,
			RateGreen:     4500,
			RateYellow:    4050,
			MemGreenMB:    8,
			MemYellowMB:   9,
			SuccessGreen:  99.6,
			SuccessYellow: 99.5,
		}
	}
}

// Validate grades a report against the thresholds: all metrics green is
// EXCELLENT, any red is FAILED, otherwise GOOD or ACCEPTABLE by how many
// gates stayed green. Yellow findings are warned, red findings alerted.
func Validate(report Report, t Thresholds, log zerolog.Logger) Grade {
	greens, reds := 0, 0
	check := func(name string, green, yellow bool) {
		switch {
		case green:
			greens++
		case yellow:
			log.Warn().Str("metric", name).Str("mode", t.Mode).Msg("Publisher metric in yellow band")
		default:
			reds++
			log.Error().Str("metric", name).Str("mode", t.Mode).Msg("Publisher metric in red band")
		}
	}

	check("p95_serialization",
		report.P95Ms <= t.P95GreenMs,
		report.P95Ms <= t.P95YellowMs)
	check("memory_overhead",
		report.MemoryOverheadMB <= t.MemGreenMB,
		report.MemoryOverheadMB <= t.MemYellowMB)
	check("success_rate",
		report.SuccessRate >= t.SuccessGreen,
		report.SuccessRate >= t.SuccessYellow)

	// The rate gate only applies once a full window of samples exists;
	// a quiet feed is not a failing one.
	rateGated := report.Published >= metricsWindow
	if rateGated {
		check("sustained_rate",
			report.RatePerSecond >= t.RateGreen,
			report.RatePerSecond >= t.RateYellow)
	} else {
		greens++
	}

	switch {
	case reds > 0:
		return GradeFailed
	case greens == 4:
		return GradeExcellent
	case greens >= 2:
		return GradeGood
	default:
		return GradeAcceptable
	}
}
