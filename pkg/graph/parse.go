package graph

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Parsing of LLM output is forgiving by contract: every parser has a
// deterministic fallback so a sloppy completion degrades the run instead of
// crashing it.

var (
	stepLineRe   = regexp.MustCompile(`^\s*(?:\d+[.):]|-)\s+(.+)$`)
	inlineStepRe = regexp.MustCompile(`\s+(\d+)[.):]\s+`)
)

// parsePlanSteps extracts step descriptions from a numbered or bulleted
// list. Accepted markers: "N.", "N)", "N:", "- ". Lists squeezed onto a
// single line ("1. First. 2. Second.") are split too.
func parsePlanSteps(text string) []string {
	steps := scanStepLines(text)
	if len(steps) > 1 {
		return steps
	}
	// Inline list: break before each interior "N." marker and rescan.
	expanded := inlineStepRe.ReplaceAllString(text, "\n$1. ")
	if inline := scanStepLines(expanded); len(inline) > len(steps) {
		return inline
	}
	return steps
}

func scanStepLines(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		m := stepLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		step := strings.TrimSpace(m[1])
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}

// parseSearchQueries collects "SEARCH:"-prefixed lines, up to max. Bullet
// prefixes in front of the marker are tolerated.
func parseSearchQueries(text string, max int) []string {
	var queries []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-* \t")
		rest, ok := cutPrefixFold(line, "SEARCH:")
		if !ok {
			continue
		}
		q := strings.TrimSpace(rest)
		if q == "" {
			continue
		}
		queries = append(queries, q)
		if max > 0 && len(queries) == max {
			break
		}
	}
	return queries
}

// decisionOutput is the parsed REASONING / DECISION / PARAMS triple.
type decisionOutput struct {
	Reasoning string
	Tool      string
	Params    json.RawMessage
}

// parseDecision parses the decision triple. An unrecognized or missing
// DECISION leaves Tool empty (the caller decides what that means); malformed
// PARAMS become the empty object.
func parseDecision(text string) decisionOutput {
	out := decisionOutput{Params: json.RawMessage("{}")}

	var reasoning, params []string
	section := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case hasPrefixFold(trimmed, "REASONING:"):
			section = "reasoning"
			rest, _ := cutPrefixFold(trimmed, "REASONING:")
			reasoning = append(reasoning, strings.TrimSpace(rest))
		case hasPrefixFold(trimmed, "DECISION:"):
			section = ""
			rest, _ := cutPrefixFold(trimmed, "DECISION:")
			out.Tool = normalizeDecisionTool(rest)
		case hasPrefixFold(trimmed, "PARAMS:"):
			section = "params"
			rest, _ := cutPrefixFold(trimmed, "PARAMS:")
			params = append(params, strings.TrimSpace(rest))
		default:
			switch section {
			case "reasoning":
				reasoning = append(reasoning, trimmed)
			case "params":
				params = append(params, line)
			}
		}
	}

	out.Reasoning = strings.TrimSpace(strings.Join(reasoning, "\n"))

	raw := stripCodeFence(strings.TrimSpace(strings.Join(params, "\n")))
	if raw != "" && strings.HasPrefix(raw, "{") && json.Valid([]byte(raw)) {
		out.Params = json.RawMessage(raw)
	}
	return out
}

// normalizeDecisionTool maps the DECISION value onto the known tags.
func normalizeDecisionTool(s string) string {
	v := strings.ToLower(strings.Trim(strings.TrimSpace(s), "`\"'.,"))
	switch v {
	case "web_search", "terminal", "read_file", "knowledge":
		return v
	case "done":
		return "DONE"
	default:
		return ""
	}
}

// parseVerdict parses the evaluator output: first line "DECISION:
// APPROVE|FAIL|SKIP", remainder reasoning. Anything else defaults to
// APPROVE with the whole text as reasoning.
func parseVerdict(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	first, rest, _ := strings.Cut(trimmed, "\n")

	v, ok := cutPrefixFold(strings.TrimSpace(first), "DECISION:")
	if ok {
		fields := strings.Fields(v)
		if len(fields) > 0 {
			verdict := strings.ToUpper(strings.Trim(fields[0], ".,;:!"))
			switch verdict {
			case "APPROVE", "FAIL", "SKIP":
				tail := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), fields[0]))
				reasoning := strings.TrimSpace(tail + "\n" + strings.TrimSpace(rest))
				return verdict, reasoning
			}
		}
	}
	return "APPROVE", trimmed
}

type sufficiencyOutput struct {
	Reasoning string `json:"reasoning"`
	Decision  string `json:"decision"`
}

// parseSufficiency parses the structured sufficiency verdict. Parse failure
// means CONTINUE.
func parseSufficiency(text string) (bool, string) {
	raw := stripCodeFence(strings.TrimSpace(text))
	// Tolerate prose around the object: take the outermost braces.
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}
	var out sufficiencyOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return false, ""
	}
	return strings.EqualFold(strings.TrimSpace(out.Decision), "SUFFICIENT"), out.Reasoning
}

// stripCodeFence removes a surrounding markdown code fence, language tag
// included.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func hasPrefixFold(s, prefix string) bool {
	_, ok := cutPrefixFold(s, prefix)
	return ok
}
