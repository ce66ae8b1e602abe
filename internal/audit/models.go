package audit

import (
	"encoding/json"
	"time"
)

// Action names a state-changing event on the verification pipeline.
type Action string

const (
	ActionAutoBlock         Action = "auto_block"
	ActionFlagged           Action = "flagged"
	ActionManualBlock       Action = "manual_block"
	ActionApproved          Action = "approved"
	ActionResetVerification Action = "reset_verification"
	ActionUpdateStats       Action = "update_stats"
	ActionAdjustRewards     Action = "adjust_rewards"
)

// SystemActor identifies automatic transitions in the audit trail. Admin
// overrides carry the admin's id instead.
const SystemActor = "system"

// Entry is one append-only audit record. Entries are never mutated or
// deleted; the trail plus the config history is enough to replay any
// automatic decision.
type Entry struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	ActorID   string          `json:"actor_id"`
	UserID    string          `json:"user_id"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Score     int             `json:"score"`
	Timestamp time.Time       `json:"timestamp"`
}
