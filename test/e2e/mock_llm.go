package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarrylabs/quarry/pkg/llm"
)

// ScriptEntry defines a single scripted completion.
type ScriptEntry struct {
	Text string // completion text to return
	Err  error  // return an error instead of a completion

	// Test control
	BlockUntilCancelled bool            // block Complete() until ctx is cancelled, then return ctx.Err()
	OnBlock             chan<- struct{} // notified when Complete() enters its blocking path
}

// ScriptedLLM implements llm.Client with an ordered script. The engine's
// node order is deterministic for a given plan, so a flat per-call script
// covers every flow; entries are consumed one per Complete call.
type ScriptedLLM struct {
	mu       sync.Mutex
	entries  []ScriptEntry
	index    int
	captured []llm.Request
}

// NewScriptedLLM creates an empty scripted client.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{}
}

// Add appends plain-text completions consumed in call order.
func (c *ScriptedLLM) Add(texts ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, text := range texts {
		c.entries = append(c.entries, ScriptEntry{Text: text})
	}
}

// AddEntry appends one fully specified script entry.
func (c *ScriptedLLM) AddEntry(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

// Complete implements llm.Client.
func (c *ScriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.captured = append(c.captured, req)
	if c.index >= len(c.entries) {
		n := c.index
		c.mu.Unlock()
		return nil, fmt.Errorf("scripted llm exhausted by request %d", n+1)
	}
	entry := c.entries[c.index]
	c.index++
	c.mu.Unlock()

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if entry.Err != nil {
		return nil, entry.Err
	}
	return &llm.Response{
		Text:  entry.Text,
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

// CallCount returns the number of Complete calls made so far.
func (c *ScriptedLLM) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// Captured returns a snapshot of every request seen so far, in call order.
func (c *ScriptedLLM) Captured() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// RequestText flattens one captured request into a single searchable string:
// the system prompt followed by every message body.
func (c *ScriptedLLM) RequestText(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.captured[i]
	text := req.System
	for _, msg := range req.Messages {
		text += "\n" + msg.Content
	}
	return text
}
