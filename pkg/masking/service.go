package masking

import (
	"fmt"
	"log/slog"
)

// RedactionNotice replaces tool output wholesale when masking itself fails.
// Failing closed loses the output but never leaks it.
const RedactionNotice = "[REDACTED: masking failed, tool output withheld]"

// Service applies credential masking to tool output before it reaches the
// checkpoint store and the event stream. Created once at startup.
// Thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns []*CompiledPattern
	maskers  []Masker
}

// NewService compiles the built-in patterns and registers the code-based
// maskers. Invalid patterns are logged and skipped.
func NewService() *Service {
	s := &Service{
		patterns: compilePatterns(),
		maskers:  []Masker{&DotenvMasker{}},
	}

	slog.Info("Masking service initialized",
		"patterns", len(s.patterns),
		"code_maskers", len(s.maskers))

	return s
}

// Mask scrubs credentials from content. On masking failure the whole output
// is replaced with RedactionNotice (fail-closed).
func (s *Service) Mask(content string) string {
	if content == "" {
		return content
	}

	masked, err := s.apply(content)
	if err != nil {
		slog.Error("Masking failed, redacting tool output", "error", err)
		return RedactionNotice
	}
	return masked
}

// apply runs both masking phases, converting a panic from a misbehaving
// masker into an error so Mask can fail closed.
func (s *Service) apply(content string) (masked string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("masker panic: %v", r)
		}
	}()

	masked = content

	// Phase 1: code-based maskers (structural awareness).
	for _, m := range s.maskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}

	// Phase 2: regex patterns (general sweep).
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}

	return masked, nil
}
