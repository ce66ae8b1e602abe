package config

// Pipeline is the versioned configuration value governing verification
// requirements, fraud thresholds, and reward sizing. A snapshot is loaded at
// the start of every evaluation and never mutated in place: config changes
// apply to subsequent evaluations only, never retroactively.
type Pipeline struct {
	// Version identifies the config revision an evaluation ran under. It is
	// recorded nowhere else, so audit replay pairs entries with the config
	// history out of band.
	Version string

	Requirements Requirements
	Thresholds   Thresholds
	Rewards      Rewards
	Detector     Detector
}

// Requirements are the targets behind the five checklist items.
type Requirements struct {
	MinAccountAgeDays    int
	MinForumPosts        int
	MinInteractions      int
	MinGroupMessages     int
	MinActivitiesStarted int
}

// Thresholds partition the fraud score. The ordering LowRisk <= HighRisk <
// AutoBlock is assumed by the state machine.
type Thresholds struct {
	LowRisk   int
	HighRisk  int
	AutoBlock int
}

// Rewards sizes the subscription credit a referrer earns per verified referee.
type Rewards struct {
	// UsersPerMonth is how many verified referrals add up to one month of
	// subscription time.
	UsersPerMonth int
	// PaidConversionBonusWeeks is extra credit when a verified referee later
	// converts to a paid plan.
	PaidConversionBonusWeeks int
}

// Detector bounds the cross-referee pattern scan.
type Detector struct {
	// ClusterThreshold is how many referees may share one device or IP
	// before the cohort counts as coordinated.
	ClusterThreshold int
	// PageSize bounds each page of the referrer-keyed index scan.
	PageSize int
}

// DefaultPipeline returns the shipped configuration.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Version: "v1",
		Requirements: Requirements{
			MinAccountAgeDays:    7,
			MinForumPosts:        3,
			MinInteractions:      5,
			MinGroupMessages:     3,
			MinActivitiesStarted: 1,
		},
		Thresholds: Thresholds{
			LowRisk:   20,
			HighRisk:  40,
			AutoBlock: 71,
		},
		Rewards: Rewards{
			UsersPerMonth:            3,
			PaidConversionBonusWeeks: 2,
		},
		Detector: Detector{
			ClusterThreshold: 3,
			PageSize:         100,
		},
	}
}

// RewardDays is the subscription credit for one verified referral, derived
// from UsersPerMonth. Defaults keep this at 10 days.
func (r Rewards) RewardDays() int {
	if r.UsersPerMonth <= 0 {
		return 0
	}
	return 30 / r.UsersPerMonth
}

// BonusDays is the paid conversion bonus expressed in days.
func (r Rewards) BonusDays() int {
	if r.PaidConversionBonusWeeks <= 0 {
		return 0
	}
	return r.PaidConversionBonusWeeks * 7
}
