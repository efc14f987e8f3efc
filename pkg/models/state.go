package models

import (
	"encoding/json"
	"time"
)

// Phase is the engine-visible position of a run inside the graph.
type Phase string

const (
	PhasePlanning              Phase = "planning"
	PhaseAwaitingConfirmation  Phase = "awaiting_confirmation"
	PhaseIdentifyingThemes     Phase = "identifying_themes"
	PhaseSearching             Phase = "searching"
	PhaseExecuting             Phase = "executing"
	PhaseAwaitingTerminal      Phase = "awaiting_terminal"
	PhaseEvaluating            Phase = "evaluating"
	PhaseRecovering            Phase = "recovering"
	PhaseReporting             Phase = "reporting"
	PhaseDone                  Phase = "done"
)

// StepStatus defines plan step states
type StepStatus string

const (
	StepStatusTODO       StepStatus = "TODO"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusDone       StepStatus = "DONE"
	StepStatusFailed     StepStatus = "FAILED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

// SubstepStatus defines recovery attempt states
type SubstepStatus string

const (
	SubstepStatusDone   SubstepStatus = "DONE"
	SubstepStatusFailed SubstepStatus = "FAILED"
)

// MessageRole tags entries in the run's message log
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Message is one entry in the append-only message log.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Substep records one recovery attempt within a plan step.
type Substep struct {
	ID            int           `json:"id"`
	SearchQueries []string      `json:"search_queries,omitempty"`
	Findings      []string      `json:"findings,omitempty"`
	Status        SubstepStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
}

// PlanStep is one item of the research plan.
type PlanStep struct {
	ID                  string     `json:"id"`
	Description         string     `json:"description"`
	Status              StepStatus `json:"status"`
	Result              string     `json:"result,omitempty"`
	Error               string     `json:"error,omitempty"`
	Substeps            []Substep  `json:"substeps,omitempty"`
	CurrentSubstepIndex int        `json:"current_substep_index"`
	MaxSubsteps         int        `json:"max_substeps"`
	AccumulatedFindings []string   `json:"accumulated_findings,omitempty"`
}

// ToolCallRecord is a uniform record of one tool invocation within the
// current step. ID is monotonic within the step.
type ToolCallRecord struct {
	ID      int             `json:"id"`
	Tool    string          `json:"tool"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  string          `json:"result,omitempty"`
	Sources []string        `json:"sources,omitempty"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
}

// SearchResult is the outcome of one search worker. A cancelled or failed
// worker reports empty findings with Error set.
type SearchResult struct {
	Query    string   `json:"query"`
	Findings string   `json:"findings"`
	Sources  []string `json:"sources,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Decision tool tags as the decision prompt emits them. DecisionDone is not
// a tool: it ends the executor loop.
const (
	DecisionWebSearch = "web_search"
	DecisionTerminal  = "terminal"
	DecisionReadFile  = "read_file"
	DecisionKnowledge = "knowledge"
	DecisionDone      = "DONE"
)

// Decision is the executor router output: which tool to run next and why.
type Decision struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// PendingTerminal describes a shell command awaiting human approval.
// Non-nil exactly while Phase == awaiting_terminal.
type PendingTerminal struct {
	Command        string `json:"command"`
	Hash           string `json:"hash"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RunState is the single mutable value the graph operates on. It must stay
// JSON-serializable and self-contained: loading the latest checkpoint and
// replaying zero nodes is a correct resume.
type RunState struct {
	OriginalQuery    string     `json:"original_query"`
	Plan             []PlanStep `json:"plan,omitempty"`
	CurrentStepIndex int        `json:"current_step_index"`
	Phase            Phase      `json:"phase"`
	Messages         []Message  `json:"messages,omitempty"`

	ExecutorToolHistory []ToolCallRecord `json:"executor_tool_history,omitempty"`
	ExecutorCallCount   int              `json:"executor_call_count"`
	MaxExecutorCalls    int              `json:"max_executor_calls"`
	ExecutorDecision    *Decision        `json:"executor_decision,omitempty"`
	ExecutorSufficient  bool             `json:"executor_sufficient"`

	SearchThemes          []string       `json:"search_themes,omitempty"`
	ParallelSearchResults []SearchResult `json:"parallel_search_results,omitempty"`
	StepFindings          []string       `json:"step_findings,omitempty"`

	PendingTerminal *PendingTerminal `json:"pending_terminal,omitempty"`

	LastError    string `json:"last_error,omitempty"`
	NeedsReplan  bool   `json:"needs_replan"`
	UserResponse string `json:"user_response,omitempty"`
}

// NewRunState builds the initial state for a run.
func NewRunState(query string, maxExecutorCalls int) *RunState {
	return &RunState{
		OriginalQuery:    query,
		Phase:            PhasePlanning,
		MaxExecutorCalls: maxExecutorCalls,
	}
}

// CurrentStep returns the step at CurrentStepIndex, or nil when the index is
// out of range.
func (s *RunState) CurrentStep() *PlanStep {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Plan) {
		return nil
	}
	return &s.Plan[s.CurrentStepIndex]
}

// HasRemainingTODO reports whether any step at or after CurrentStepIndex is
// still TODO or IN_PROGRESS.
func (s *RunState) HasRemainingTODO() bool {
	for i := s.CurrentStepIndex; i < len(s.Plan); i++ {
		if s.Plan[i].Status == StepStatusTODO || s.Plan[i].Status == StepStatusInProgress {
			return true
		}
	}
	return false
}

// AppendMessage adds a role-tagged entry to the message log.
func (s *RunState) AppendMessage(role MessageRole, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}

// ResetExecutor clears the per-step executor fields at subgraph entry.
// SearchThemes survive on purpose: they carry the planner or strategist
// handoff into the first decision.
func (s *RunState) ResetExecutor() {
	s.ExecutorToolHistory = nil
	s.ExecutorCallCount = 0
	s.ExecutorDecision = nil
	s.ExecutorSufficient = false
	s.ParallelSearchResults = nil
	s.PendingTerminal = nil
}

// NextToolCallID returns the next monotonic tool call id for the current step.
func (s *RunState) NextToolCallID() int {
	return len(s.ExecutorToolHistory) + 1
}

// Clone deep-copies the state via its JSON form. Used when a snapshot must
// not alias the live value.
func (s *RunState) Clone() (*RunState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out RunState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StateSnapshot is the client-facing view of a run's state.
type StateSnapshot struct {
	Phase            Phase      `json:"phase"`
	Plan             []PlanStep `json:"plan"`
	CurrentStepIndex int        `json:"current_step_index"`
	Messages         []Message  `json:"messages"`
	IsRunning        bool       `json:"is_running"`
	Status           RunStatus  `json:"status"`
}
