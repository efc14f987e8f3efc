// Package tools implements the adapters the research engine can call:
// web search, terminal execution, file reading and knowledge recall. Every
// adapter satisfies the same contract so the executor can dispatch them
// uniformly from a decision.
package tools

import (
	"context"
	"encoding/json"
)

// Adapter names as they appear in run tool history.
const (
	ToolWebSearch = "web_search"
	ToolTerminal  = "terminal_execute"
	ToolFileRead  = "file_read"
	ToolKnowledge = "knowledge"
)

// Result is the outcome of a tool call. Tool-level failures are legal
// results, not Go errors: a failed command or an unreachable page comes back
// with Err set so the engine can record it and keep the run moving.
type Result struct {
	// Content is the tool output shown to the model.
	Content string
	// Sources lists URLs or paths that contributed to Content.
	Sources []string
	// Err describes a tool-level failure. Empty on success.
	Err string
}

// Failed reports whether the call produced a tool-level failure.
func (r Result) Failed() bool {
	return r.Err != ""
}

// Tool is a single adapter the executor can invoke. Params is the raw JSON
// object from the decision; each adapter documents the fields it reads.
// Implementations must honor ctx cancellation and must not panic on
// malformed params.
type Tool interface {
	// Name returns the tool's dispatch name.
	Name() string
	// Execute runs the tool. It never returns a Go error: failures are
	// reported through Result.Err.
	Execute(ctx context.Context, params json.RawMessage) Result
}
