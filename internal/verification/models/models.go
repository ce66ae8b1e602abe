// Package models holds the referral verification domain types shared by the
// tracker, the fraud engine, the state machine, and admin tooling.
package models

import (
	"slices"
	"time"

	"vouch/internal/platform/config"
)

// Status is the verification lifecycle state. Transitions are monotonic
// except for the explicit admin reset (verified/blocked -> pending) and
// approve (any -> verified).
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusBlocked  Status = "blocked"
)

// IsValid checks if the status is one of the supported enum values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusBlocked:
		return true
	}
	return false
}

// Requirement names one of the five fixed checklist items.
type Requirement string

const (
	ReqAccountAge       Requirement = "account_age"
	ReqForumPosts       Requirement = "forum_posts"
	ReqInteractions     Requirement = "interactions"
	ReqGroupActivity    Requirement = "group_activity"
	ReqRecoveryActivity Requirement = "recovery_activity"
)

// Requirements lists all checklist items in evaluation order.
func Requirements() []Requirement {
	return []Requirement{
		ReqAccountAge,
		ReqForumPosts,
		ReqInteractions,
		ReqGroupActivity,
		ReqRecoveryActivity,
	}
}

// IsValid checks if the requirement is one of the five fixed items.
func (r Requirement) IsValid() bool {
	return slices.Contains(Requirements(), r)
}

// ChecklistItem tracks progress toward a single requirement. Once Completed
// flips true it stays true until an explicit admin reset.
type ChecklistItem struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Count       int        `json:"count"`
	Target      int        `json:"target"`
}

// Fraud flag names produced by the score calculator and the state machine.
const (
	FlagYoungAccount         = "young_account"
	FlagSharedDeviceReferrer = "shared_device_referrer"
	FlagSharedIPReferrer     = "shared_ip_referrer"
	FlagFastCompletion       = "fast_completion"
	FlagCoordinatedCluster   = "coordinated_cluster"
	FlagTemplatedProfile     = "templated_profile"
	FlagNeedsManualReview    = "needs_manual_review"
)

// Verification is the per-referee record the whole pipeline revolves around.
// All writers go through a conditional write keyed on Version so concurrent
// handlers can never race-corrupt it.
type Verification struct {
	RefereeID  string `json:"referee_id"`
	ReferrerID string `json:"referrer_id"` // immutable after creation

	Status    Status                         `json:"status"`
	Checklist map[Requirement]*ChecklistItem `json:"checklist"`

	FraudScore int      `json:"fraud_score"`
	FraudFlags []string `json:"fraud_flags"`

	Blocked       bool       `json:"blocked"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	BlockedAt     *time.Time `json:"blocked_at,omitempty"`

	// VerifiedAt is the permanent double-reward guard: it is stamped on the
	// first verified transition and survives admin resets.
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	// Version backs optimistic concurrency in the stores.
	Version int64 `json:"version"`
}

// New creates a pending verification with a zero-initialized checklist sized
// from the active config snapshot.
func New(refereeID, referrerID string, cfg config.Pipeline, now time.Time) *Verification {
	req := cfg.Requirements
	return &Verification{
		RefereeID:  refereeID,
		ReferrerID: referrerID,
		Status:     StatusPending,
		Checklist: map[Requirement]*ChecklistItem{
			ReqAccountAge:       {Target: 1},
			ReqForumPosts:       {Target: max(req.MinForumPosts, 1)},
			ReqInteractions:     {Target: max(req.MinInteractions, 1)},
			ReqGroupActivity:    {Target: max(req.MinGroupMessages, 1)},
			ReqRecoveryActivity: {Target: max(req.MinActivitiesStarted, 1)},
		},
		FraudFlags: []string{},
		CreatedAt:  now,
	}
}

// ChecklistComplete reports whether every checklist item is completed.
func (v *Verification) ChecklistComplete() bool {
	for _, r := range Requirements() {
		item, ok := v.Checklist[r]
		if !ok || !item.Completed {
			return false
		}
	}
	return true
}

// HasFlag reports whether the given fraud flag is present.
func (v *Verification) HasFlag(flag string) bool {
	return slices.Contains(v.FraudFlags, flag)
}

// AddFlag adds a fraud flag, keeping set semantics.
func (v *Verification) AddFlag(flag string) {
	if !v.HasFlag(flag) {
		v.FraudFlags = append(v.FraudFlags, flag)
	}
}

// RemoveFlag drops a fraud flag if present.
func (v *Verification) RemoveFlag(flag string) {
	v.FraudFlags = slices.DeleteFunc(v.FraudFlags, func(f string) bool {
		return f == flag
	})
}

// Clone returns a deep copy so stores can hand out records without aliasing
// the caller's mutations.
func (v *Verification) Clone() *Verification {
	cp := *v
	cp.Checklist = make(map[Requirement]*ChecklistItem, len(v.Checklist))
	for r, item := range v.Checklist {
		itemCopy := *item
		cp.Checklist[r] = &itemCopy
	}
	cp.FraudFlags = slices.Clone(v.FraudFlags)
	return &cp
}

// Stats is the per-referrer aggregate. Counters are maintained incrementally
// as a best-effort cache and repaired by the reconciler from the verification
// records, which remain the source of truth.
type Stats struct {
	ReferrerID           string     `json:"referrer_id"`
	TotalReferred        int        `json:"total_referred"`
	TotalVerified        int        `json:"total_verified"`
	PendingVerifications int        `json:"pending_verifications"`
	BlockedReferrals     int        `json:"blocked_referrals"`
	RewardDays           int        `json:"reward_days"`
	LastUpdatedAt        *time.Time `json:"last_updated_at,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a copy safe to mutate.
func (s *Stats) Clone() *Stats {
	cp := *s
	return &cp
}
