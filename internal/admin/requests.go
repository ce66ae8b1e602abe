package admin

import (
	"strings"

	dErrors "vouch/pkg/domain-errors"
)

// ApproveRequest is the body for the approve command. Notes are optional;
// an approve needs no body at all.
type ApproveRequest struct {
	Notes string `json:"notes"`
}

func (r *ApproveRequest) Validate() error {
	r.Notes = strings.TrimSpace(r.Notes)
	if len(r.Notes) > 1000 {
		return dErrors.New(dErrors.CodeValidation, "notes must be at most 1000 characters")
	}
	return nil
}

// CommandRequest is the shared body for block and reset commands, which
// require a reason.
type CommandRequest struct {
	Reason string `json:"reason"`
}

func (r *CommandRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(r.Reason) > 1000 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 1000 characters")
	}
	return nil
}

// AdjustRewardsRequest is the HTTP request body for reward adjustments.
type AdjustRewardsRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (r *AdjustRewardsRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if r.Delta == 0 {
		return dErrors.New(dErrors.CodeValidation, "delta must be non-zero")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

// UpdateStatsRequest is the HTTP request body for absolute stats overrides.
// Omitted fields are left untouched.
type UpdateStatsRequest struct {
	TotalReferred        *int   `json:"total_referred,omitempty"`
	TotalVerified        *int   `json:"total_verified,omitempty"`
	PendingVerifications *int   `json:"pending_verifications,omitempty"`
	BlockedReferrals     *int   `json:"blocked_referrals,omitempty"`
	RewardDays           *int   `json:"reward_days,omitempty"`
	Reason               string `json:"reason"`
}

func (r *UpdateStatsRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if r.Override().empty() {
		return dErrors.New(dErrors.CodeValidation, "at least one field to update is required")
	}
	return nil
}

// Override maps the request onto the service's allow-listed override set.
func (r *UpdateStatsRequest) Override() StatsOverride {
	return StatsOverride{
		TotalReferred:        r.TotalReferred,
		TotalVerified:        r.TotalVerified,
		PendingVerifications: r.PendingVerifications,
		BlockedReferrals:     r.BlockedReferrals,
		RewardDays:           r.RewardDays,
	}
}
