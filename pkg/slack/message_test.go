package slack

import (
	"strings"
	"testing"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStartedMessage(t *testing.T) {
	blocks := BuildStartedMessage("run-123", "Why is the sky blue?", "https://quarry.example.com")

	require.Len(t, blocks, 1)

	section, ok := blocks[0].(*goslack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":mag:")
	assert.Contains(t, section.Text.Text, "Research started")
	assert.Contains(t, section.Text.Text, "Why is the sky blue?")
	assert.Contains(t, section.Text.Text, "https://quarry.example.com/runs/run-123")
}

func TestBuildStartedMessage_NoTitle(t *testing.T) {
	blocks := BuildStartedMessage("run-456", "", "https://quarry.example.com")

	require.Len(t, blocks, 1)
	section := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, section.Text.Text, "*Research started*")
	assert.Contains(t, section.Text.Text, "/runs/run-456")
}

func TestBuildTerminalMessage_Completed(t *testing.T) {
	input := RunCompletedInput{
		RunID:  "run-1",
		Status: "completed",
		Report: "# Findings\n\nThe sky scatters blue light.",
	}
	blocks := BuildTerminalMessage(input, "https://dash.example.com")

	require.GreaterOrEqual(t, len(blocks), 3)

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":white_check_mark:")
	assert.Contains(t, header.Text.Text, "Research Complete")

	content := blocks[1].(*goslack.SectionBlock)
	assert.Contains(t, content.Text.Text, "The sky scatters blue light.")

	action := blocks[2].(*goslack.ActionBlock)
	require.Len(t, action.Elements.ElementSet, 1)
	btn, ok := action.Elements.ElementSet[0].(*goslack.ButtonBlockElement)
	require.True(t, ok)
	assert.Equal(t, "View Full Report", btn.Text.Text)
	assert.Contains(t, btn.URL, "https://dash.example.com/runs/run-1")
}

func TestBuildTerminalMessage_CompletedNoReport(t *testing.T) {
	input := RunCompletedInput{
		RunID:  "run-2",
		Status: "completed",
	}
	blocks := BuildTerminalMessage(input, "https://dash.example.com")

	require.Len(t, blocks, 2)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, "Research Complete")
}

func TestBuildTerminalMessage_Failed(t *testing.T) {
	input := RunCompletedInput{
		RunID:        "run-3",
		Status:       "failed",
		ErrorMessage: "node planner: completion timed out",
	}
	blocks := BuildTerminalMessage(input, "https://dash.example.com")

	require.GreaterOrEqual(t, len(blocks), 2)

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":x:")
	assert.Contains(t, header.Text.Text, "Research Failed")
	assert.Contains(t, header.Text.Text, "node planner: completion timed out")

	action := blocks[1].(*goslack.ActionBlock)
	btn := action.Elements.ElementSet[0].(*goslack.ButtonBlockElement)
	assert.Equal(t, "View Details", btn.Text.Text)
}

func TestBuildTerminalMessage_UnknownStatus(t *testing.T) {
	input := RunCompletedInput{
		RunID:  "run-4",
		Status: "interrupted",
	}
	blocks := BuildTerminalMessage(input, "https://dash.example.com")

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":question:")
	assert.Contains(t, header.Text.Text, "Research interrupted")
}

func TestTruncateForSlack(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "hello", truncateForSlack("hello"))
	})

	t.Run("exact limit unchanged", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength)
		assert.Equal(t, text, truncateForSlack(text))
	})

	t.Run("over limit truncated", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength+100)
		result := truncateForSlack(text)
		assert.True(t, len(result) < len(text))
		assert.Contains(t, result, "truncated")
	})

	t.Run("multi-byte runes not split", func(t *testing.T) {
		text := strings.Repeat("🔥", maxBlockTextLength+10)
		result := truncateForSlack(text)
		assert.Contains(t, result, "truncated")
		// Verify it's valid UTF-8 by ensuring no broken runes.
		assert.True(t, utf8.ValidString(result), "result should be valid UTF-8")
		// Should contain exactly maxBlockTextLength runes before the suffix.
		prefix := strings.Split(result, "\n\n_...")[0]
		assert.Equal(t, maxBlockTextLength, utf8.RuneCountInString(prefix))
	})
}
