// Package engine is the verification state machine. It owns every automatic
// status transition: progress events and fraud rescoring feed it a record,
// and it decides whether the referee verifies, gets blocked, or gets flagged
// for manual review.
package engine

import (
	"fmt"
	"strings"

	"vouch/internal/platform/config"
	"vouch/internal/verification/models"
)

// Outcome is the state machine's decision for one evaluation pass.
type Outcome string

const (
	// OutcomeNone leaves the record untouched.
	OutcomeNone Outcome = "none"
	// OutcomeVerify transitions pending -> verified.
	OutcomeVerify Outcome = "verify"
	// OutcomeAutoBlock transitions pending -> blocked on an extreme score.
	OutcomeAutoBlock Outcome = "auto_block"
	// OutcomeFlag marks the record needs_manual_review without a transition.
	OutcomeFlag Outcome = "flag"
)

// Decide is the pure transition rule. Only pending records move; verified
// and blocked records are terminal for automatic evaluation, admins override
// through their own path.
//
// Rule order matters: an auto-block score wins even when the checklist is
// complete, so a cluster caught between completion and evaluation never
// slips through to verified.
func Decide(rec *models.Verification, cfg config.Pipeline) Outcome {
	if rec == nil || rec.Status != models.StatusPending {
		return OutcomeNone
	}
	if rec.FraudScore >= cfg.Thresholds.AutoBlock {
		return OutcomeAutoBlock
	}
	if rec.ChecklistComplete() {
		return OutcomeVerify
	}
	if rec.FraudScore >= cfg.Thresholds.HighRisk && !rec.HasFlag(models.FlagNeedsManualReview) {
		return OutcomeFlag
	}
	return OutcomeNone
}

// blockReason renders the human-readable cause recorded on an auto-block.
func blockReason(rec *models.Verification) string {
	flags := make([]string, 0, len(rec.FraudFlags))
	for _, f := range rec.FraudFlags {
		if f != models.FlagNeedsManualReview {
			flags = append(flags, f)
		}
	}
	if len(flags) == 0 {
		return fmt.Sprintf("fraud score %d", rec.FraudScore)
	}
	return fmt.Sprintf("fraud score %d: %s", rec.FraudScore, strings.Join(flags, ", "))
}
