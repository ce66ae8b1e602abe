// Package events consumes referral lifecycle events from Kafka and routes
// them into the tracker. Delivery is at-least-once; the action ledger
// downstream makes redelivery harmless.
package events

import (
	"strings"
	"time"

	"vouch/internal/verification/models"
	dErrors "vouch/pkg/domain-errors"
)

// Kind names one event type on the progress topic.
type Kind string

const (
	KindReferralRedeemed  Kind = "referral_redeemed"
	KindAccountAgeReached Kind = "account_age_reached"
	KindForumPost         Kind = "forum_post_created"
	KindInteraction       Kind = "direct_interaction"
	KindGroupMessage      Kind = "group_message_posted"
	KindRecoveryActivity  Kind = "recovery_activity_started"
	KindFingerprint       Kind = "fingerprint_observed"
	KindPaidConversion    Kind = "paid_conversion"
)

// requirementFor maps progress event kinds onto checklist requirements.
// Lifecycle kinds (redeemed, fingerprint) have no requirement.
func requirementFor(kind Kind) (models.Requirement, bool) {
	switch kind {
	case KindAccountAgeReached:
		return models.ReqAccountAge, true
	case KindForumPost:
		return models.ReqForumPosts, true
	case KindInteraction:
		return models.ReqInteractions, true
	case KindGroupMessage:
		return models.ReqGroupActivity, true
	case KindRecoveryActivity:
		return models.ReqRecoveryActivity, true
	}
	return "", false
}

// FingerprintPayload is the device and profile signal snapshot attached to
// fingerprint_observed events.
type FingerprintPayload struct {
	DeviceIDs        []string  `json:"device_ids,omitempty"`
	IPs              []string  `json:"ips,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	ProfileBio       string    `json:"profile_bio,omitempty"`
	AccountCreatedAt time.Time `json:"account_created_at"`
}

// Envelope is the wire format of one event on the progress topic.
type Envelope struct {
	EventID    string              `json:"event_id"`
	Kind       Kind                `json:"kind"`
	UserID     string              `json:"user_id"`
	ReferrerID string              `json:"referrer_id,omitempty"`
	Count      int                 `json:"count,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
	Signals    *FingerprintPayload `json:"signals,omitempty"`
}

// Validate checks the envelope's required fields for its kind.
func (e *Envelope) Validate() error {
	e.EventID = strings.TrimSpace(e.EventID)
	e.UserID = strings.TrimSpace(e.UserID)
	if e.EventID == "" {
		return dErrors.New(dErrors.CodeValidation, "event_id is required")
	}
	if e.UserID == "" {
		return dErrors.New(dErrors.CodeValidation, "user_id is required")
	}
	switch e.Kind {
	case KindReferralRedeemed, KindPaidConversion:
		if strings.TrimSpace(e.ReferrerID) == "" {
			return dErrors.Newf(dErrors.CodeValidation, "referrer_id is required for %s", e.Kind)
		}
	case KindFingerprint:
		if e.Signals == nil {
			return dErrors.New(dErrors.CodeValidation, "signals are required for fingerprint_observed")
		}
	case KindAccountAgeReached, KindForumPost, KindInteraction, KindGroupMessage, KindRecoveryActivity:
	default:
		return dErrors.Newf(dErrors.CodeValidation, "unknown event kind %q", e.Kind)
	}
	return nil
}
