package models

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// ApprovalDecision encodes the tri-state approval value.
type ApprovalDecision int

const (
	// ApprovalPending means no human has responded yet
	ApprovalPending ApprovalDecision = 0
	// ApprovalGranted means the command may execute
	ApprovalGranted ApprovalDecision = 1
	// ApprovalDenied means the command must not execute
	ApprovalDenied ApprovalDecision = -1
)

// IsValid checks if the decision is one of the three legal values
func (d ApprovalDecision) IsValid() bool {
	return d == ApprovalPending || d == ApprovalGranted || d == ApprovalDenied
}

// String returns the wire name of the decision.
func (d ApprovalDecision) String() string {
	switch d {
	case ApprovalGranted:
		return "granted"
	case ApprovalDenied:
		return "denied"
	default:
		return "pending"
	}
}

// Approval is a persisted terminal-command approval request, keyed by
// (run_id, command_hash).
type Approval struct {
	RunID       string           `json:"run_id"`
	CommandHash string           `json:"command_hash"`
	CommandText string           `json:"command_text"`
	Approved    ApprovalDecision `json:"approved"`
	ConsumedAt  *time.Time       `json:"consumed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// CommandHash returns the stable hash used to key approvals for a command.
func CommandHash(command string) string {
	sum := md5.Sum([]byte(command))
	return hex.EncodeToString(sum[:])
}

// RespondApprovalRequest is the client approval response body.
type RespondApprovalRequest struct {
	Approved *bool `json:"approved"`
}

// ApprovalListResponse contains pending approvals for a run
type ApprovalListResponse struct {
	Approvals []*Approval `json:"approvals"`
}
