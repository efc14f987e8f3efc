package api

// StartResearchRequest is the body for POST /api/v1/research/start. An
// empty Message falls back to the run title as the research question.
type StartResearchRequest struct {
	RunID   string `json:"run_id"`
	Message string `json:"message,omitempty"`
}

// SendMessageRequest is the body for POST /api/v1/research/message.
type SendMessageRequest struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// RunActionRequest is the body for the pause/resume/cancel verbs.
type RunActionRequest struct {
	RunID string `json:"run_id"`
}
