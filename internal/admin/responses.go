package admin

import (
	"time"

	"vouch/internal/audit"
	"vouch/internal/verification/models"
)

// VerificationResponse is the HTTP response DTO for a verification record.
type VerificationResponse struct {
	RefereeID     string                                       `json:"referee_id"`
	ReferrerID    string                                       `json:"referrer_id"`
	Status        models.Status                                `json:"status"`
	Checklist     map[models.Requirement]*models.ChecklistItem `json:"checklist"`
	FraudScore    int                                          `json:"fraud_score"`
	FraudFlags    []string                                     `json:"fraud_flags"`
	Blocked       bool                                         `json:"blocked"`
	BlockedReason string                                       `json:"blocked_reason,omitempty"`
	VerifiedAt    *time.Time                                   `json:"verified_at,omitempty"`
	CreatedAt     time.Time                                    `json:"created_at"`
}

// FromVerification maps a record to its response DTO.
func FromVerification(rec *models.Verification) *VerificationResponse {
	return &VerificationResponse{
		RefereeID:     rec.RefereeID,
		ReferrerID:    rec.ReferrerID,
		Status:        rec.Status,
		Checklist:     rec.Checklist,
		FraudScore:    rec.FraudScore,
		FraudFlags:    rec.FraudFlags,
		Blocked:       rec.Blocked,
		BlockedReason: rec.BlockedReason,
		VerifiedAt:    rec.VerifiedAt,
		CreatedAt:     rec.CreatedAt,
	}
}

// FlaggedListResponse wraps the manual review queue.
type FlaggedListResponse struct {
	Users []*VerificationResponse `json:"users"`
	Total int                     `json:"total"`
}

// StatsResponse is the HTTP response DTO for referrer stats.
type StatsResponse struct {
	ReferrerID           string     `json:"referrer_id"`
	TotalReferred        int        `json:"total_referred"`
	TotalVerified        int        `json:"total_verified"`
	PendingVerifications int        `json:"pending_verifications"`
	BlockedReferrals     int        `json:"blocked_referrals"`
	RewardDays           int        `json:"reward_days"`
	LastUpdatedAt        *time.Time `json:"last_updated_at,omitempty"`
}

// FromStats maps a stats record to its response DTO.
func FromStats(st *models.Stats) *StatsResponse {
	return &StatsResponse{
		ReferrerID:           st.ReferrerID,
		TotalReferred:        st.TotalReferred,
		TotalVerified:        st.TotalVerified,
		PendingVerifications: st.PendingVerifications,
		BlockedReferrals:     st.BlockedReferrals,
		RewardDays:           st.RewardDays,
		LastUpdatedAt:        st.LastUpdatedAt,
	}
}

// UpdateStatsResponse reports the corrected stats together with which
// counters the override actually touched.
type UpdateStatsResponse struct {
	Stats         *StatsResponse `json:"stats"`
	UpdatedFields []string       `json:"updated_fields"`
}

// FraudDetailsResponse pairs a record with its audit history.
type FraudDetailsResponse struct {
	Record  *VerificationResponse `json:"record"`
	History []audit.Entry         `json:"history"`
}
