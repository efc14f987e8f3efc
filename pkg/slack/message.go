package slack

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"completed": ":white_check_mark:",
	"failed":    ":x:",
}

var statusLabel = map[string]string{
	"completed": "Research Complete",
	"failed":    "Research Failed",
}

func runURL(runID, dashboardURL string) string {
	return fmt.Sprintf("%s/runs/%s", dashboardURL, runID)
}

// BuildStartedMessage creates Block Kit blocks for a run start notification.
// The embedded run link doubles as the marker FindRunMessage matches when it
// recovers a thread after a restart.
func BuildStartedMessage(runID, title, dashboardURL string) []goslack.Block {
	url := runURL(runID, dashboardURL)
	headline := "*Research started*"
	if title != "" {
		headline = fmt.Sprintf("*Research started:* %s", title)
	}
	text := fmt.Sprintf(":mag: %s\n<%s|Open in Quarry>", headline, url)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks for a terminal run notification.
func BuildTerminalMessage(input RunCompletedInput, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[input.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[input.Status]
	if label == "" {
		label = "Research " + input.Status
	}

	var blocks []goslack.Block

	headerText := fmt.Sprintf("%s *%s*", emoji, label)
	if input.Status == "completed" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
		if input.Report != "" {
			blocks = append(blocks, goslack.NewSectionBlock(
				goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(input.Report), false, false),
				nil, nil,
			))
		}
	} else {
		if input.ErrorMessage != "" {
			headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(input.ErrorMessage))
		}
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		))
	}

	url := runURL(input.RunID, dashboardURL)
	buttonText := "View Full Report"
	if input.Status != "completed" {
		buttonText = "View Details"
	}

	btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, buttonText, false, false))
	btn.URL = url
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

// truncateForSlack trims text to the block limit on a rune boundary so
// multi-byte content is never split mid-character.
func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated, full report in Quarry)_"
}
