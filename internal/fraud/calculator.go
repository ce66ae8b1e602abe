package fraud

import (
	"time"

	"vouch/internal/platform/config"
	"vouch/internal/verification/models"
)

// Fixed point values per check. The total is clamped to MaxScore so a single
// pathological record cannot overflow threshold comparisons.
const (
	PointsYoungAccount   = 25
	PointsSharedDevice   = 30
	PointsSharedIP       = 20
	PointsFastCompletion = 15
	PointsCoordinated    = 40
	PointsTemplated      = 20

	MaxScore = 100

	// FastCompletionWindow is how quickly finishing the whole checklist
	// after referral reads as scripted rather than organic.
	FastCompletionWindow = 48 * time.Hour
)

// Input carries the derived facts the calculator weighs. Building Input from
// stores is the Scorer's job; Calculate itself performs no I/O and no clock
// reads, which keeps the score reproducible.
type Input struct {
	// AccountAgeAtReferral is how old the referee's account was when the
	// referral was redeemed.
	AccountAgeAtReferral time.Duration

	SharedDeviceWithReferrer bool
	SharedIPWithReferrer     bool

	// CompletionTime is referral-to-checklist-completion time; nil while the
	// checklist is incomplete.
	CompletionTime *time.Duration

	Verdict Verdict
}

// Check is one weighted signal with its outcome.
type Check struct {
	Name      string `json:"name"`
	Flag      string `json:"flag"`
	Points    int    `json:"points"`
	Triggered bool   `json:"triggered"`
}

// Score is the calculator result: the clamped total, the flags of triggered
// checks, and the full per-check breakdown for admin inspection.
type Score struct {
	Total  int      `json:"total"`
	Flags  []string `json:"flags"`
	Checks []Check  `json:"checks"`
}

// Calculate composes the independently-weighted checks into a score.
// Deterministic: identical input always produces an identical result.
func Calculate(in Input, cfg config.Pipeline) Score {
	minAge := time.Duration(cfg.Requirements.MinAccountAgeDays) * 24 * time.Hour

	checks := []Check{
		{
			Name:      "account_age_below_minimum",
			Flag:      models.FlagYoungAccount,
			Points:    PointsYoungAccount,
			Triggered: in.AccountAgeAtReferral < minAge,
		},
		{
			Name:      "device_shared_with_referrer",
			Flag:      models.FlagSharedDeviceReferrer,
			Points:    PointsSharedDevice,
			Triggered: in.SharedDeviceWithReferrer,
		},
		{
			Name:      "ip_shared_with_referrer",
			Flag:      models.FlagSharedIPReferrer,
			Points:    PointsSharedIP,
			Triggered: in.SharedIPWithReferrer,
		},
		{
			Name:      "completion_anomalously_fast",
			Flag:      models.FlagFastCompletion,
			Points:    PointsFastCompletion,
			Triggered: in.CompletionTime != nil && *in.CompletionTime < FastCompletionWindow,
		},
		{
			Name:      "coordinated_cluster",
			Flag:      models.FlagCoordinatedCluster,
			Points:    PointsCoordinated,
			Triggered: in.Verdict.IsCoordinated,
		},
		{
			Name:      "templated_signup",
			Flag:      models.FlagTemplatedProfile,
			Points:    PointsTemplated,
			Triggered: in.Verdict.MatchesTemplate,
		},
	}

	score := Score{Flags: []string{}, Checks: checks}
	for _, c := range checks {
		if c.Triggered {
			score.Total += c.Points
			score.Flags = append(score.Flags, c.Flag)
		}
	}
	score.Total = min(score.Total, MaxScore)
	return score
}

// TopFlags returns up to n flags of the highest-weighted triggered checks,
// used as the auto-block reason.
func (s Score) TopFlags(n int) []string {
	type weighted struct {
		flag   string
		points int
	}
	var triggered []weighted
	for _, c := range s.Checks {
		if c.Triggered {
			triggered = append(triggered, weighted{c.Flag, c.Points})
		}
	}
	// Insertion sort by points descending; the check list is tiny. Ties keep
	// check order so the result stays deterministic.
	for i := 1; i < len(triggered); i++ {
		for j := i; j > 0 && triggered[j].points > triggered[j-1].points; j-- {
			triggered[j], triggered[j-1] = triggered[j-1], triggered[j]
		}
	}
	if n > len(triggered) {
		n = len(triggered)
	}
	out := make([]string, 0, n)
	for _, w := range triggered[:n] {
		out = append(out, w.flag)
	}
	return out
}

// ScoringFlags lists every flag the calculator can produce. The scorer
// replaces exactly these on each recompute, leaving state-machine flags
// (needs_manual_review) untouched.
func ScoringFlags() []string {
	return []string{
		models.FlagYoungAccount,
		models.FlagSharedDeviceReferrer,
		models.FlagSharedIPReferrer,
		models.FlagFastCompletion,
		models.FlagCoordinatedCluster,
		models.FlagTemplatedProfile,
	}
}
