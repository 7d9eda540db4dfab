package models

import "time"

// TokenStatus represents the lifecycle state of a token
type TokenStatus string

const (
	TokenPending        TokenStatus = "pending"
	TokenRunning        TokenStatus = "running"
	TokenWaitingAtFanIn TokenStatus = "waiting_at_fan_in"
	TokenCompleted      TokenStatus = "completed"
	TokenFailed         TokenStatus = "failed"
	TokenCancelled      TokenStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tokens are
// immutable; no status transition away from them is admitted.
func (s TokenStatus) Terminal() bool {
	return s == TokenCompleted || s == TokenFailed || s == TokenCancelled
}

// validTokenTransitions is the closed set of admitted status moves.
// running -> pending covers dispatcher retries; waiting_at_fan_in ->
// completed covers arrival tokens consumed by a ready fan-in. Any
// non-terminal status may move to cancelled.
var validTokenTransitions = map[TokenStatus]map[TokenStatus]bool{
	TokenPending: {
		TokenRunning:        true,
		TokenWaitingAtFanIn: true,
		TokenCancelled:      true,
	},
	TokenRunning: {
		TokenCompleted: true,
		TokenFailed:    true,
		TokenPending:   true,
		TokenCancelled: true,
	},
	TokenWaitingAtFanIn: {
		TokenRunning:   true,
		TokenCompleted: true,
		TokenCancelled: true,
	},
}

// ValidTokenTransition reports whether from -> to is admitted
func ValidTokenTransition(from, to TokenStatus) bool {
	return validTokenTransitions[from][to]
}

// Token is one in-flight or historical occupant of a node for a run.
// Lineage and sibling membership are carried as opaque ids, never pointers;
// the token store is the arena.
// Maps to: tokens table.
type Token struct {
	ID                  string      `db:"token_id" json:"id"`
	RunID               string      `db:"run_id" json:"run_id"`
	NodeRef             string      `db:"node_ref" json:"node_ref"`
	Status              TokenStatus `db:"status" json:"status"`
	ParentTokenID       string      `db:"parent_token_id" json:"parent_token_id,omitempty"`
	SiblingGroupID      string      `db:"sibling_group_id" json:"sibling_group_id,omitempty"`
	FanOutTransitionRef string      `db:"fan_out_transition_ref" json:"fan_out_transition_ref,omitempty"`
	BranchIndex         int         `db:"branch_index" json:"branch_index,omitempty"`
	BranchTotal         int         `db:"branch_total" json:"branch_total,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// InSiblingGroup reports whether the token belongs to a sibling group
func (t *Token) InSiblingGroup() bool {
	return t.SiblingGroupID != ""
}
