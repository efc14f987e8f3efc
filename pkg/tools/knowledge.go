package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Knowledge lets the model answer from its own training instead of reaching
// for an external tool. The adapter just echoes the provided answer so it
// lands in the tool history like any other result.
type Knowledge struct{}

// NewKnowledge builds the knowledge adapter.
func NewKnowledge() *Knowledge { return &Knowledge{} }

// Name implements Tool.
func (k *Knowledge) Name() string { return ToolKnowledge }

type knowledgeParams struct {
	Answer string `json:"answer"`
}

// Execute echoes the answer. Params: {"answer": "..."}.
func (k *Knowledge) Execute(_ context.Context, params json.RawMessage) Result {
	var p knowledgeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Result{Err: fmt.Sprintf("invalid knowledge params: %v", err)}
		}
	}
	if strings.TrimSpace(p.Answer) == "" {
		return Result{Err: "answer is required"}
	}
	return Result{Content: p.Answer}
}
