package models

import "time"

// RunStatus defines the lifecycle states of a research run
type RunStatus string

const (
	// RunStatusActive means a driver is (or should be) advancing the run
	RunStatusActive RunStatus = "active"
	// RunStatusPaused means the user paused the run at a node boundary
	RunStatusPaused RunStatus = "paused"
	// RunStatusAwaitingConfirmation means the run is suspended on plan approval
	RunStatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	// RunStatusCompleted means the reporter finished and a report exists
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the driver stopped with an error or was cancelled
	RunStatusFailed RunStatus = "failed"
	// RunStatusInterrupted means the process died mid-flight; set at boot
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsValid checks if the run status is valid
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusActive, RunStatusPaused, RunStatusAwaitingConfirmation,
		RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further execution.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Resumable reports whether a run in this status can be resumed from its
// latest checkpoint.
func (s RunStatus) Resumable() bool {
	return s == RunStatusPaused || s == RunStatusInterrupted
}

// Run is the metadata record for one research request.
type Run struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Status      RunStatus `json:"status"`
	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateRunRequest contains fields for creating a new run
type CreateRunRequest struct {
	Title string `json:"title"`
}

// UpdateRunRequest contains fields for patching a run. Status accepts only
// "paused" and "active" (pause / resume); everything else is rejected.
type UpdateRunRequest struct {
	Title  *string `json:"title,omitempty"`
	Status *string `json:"status,omitempty"`
}

// RunListResponse contains a user's runs
type RunListResponse struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
}
