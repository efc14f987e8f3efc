package masking

import (
	"regexp"
	"strings"
)

// MaskedEnvValue is the replacement string for masked dotenv variable values.
const MaskedEnvValue = "[MASKED_ENV_VALUE]"

var (
	// envAssignPattern recognizes one dotenv assignment line: optional
	// indentation and export prefix, the variable name, the assignment
	// operator with its surrounding whitespace, and the value.
	envAssignPattern = regexp.MustCompile(`^([ \t]*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_]*)(\s*=\s*)(.*)$`)

	// sensitiveEnvName marks variable names whose values get masked.
	sensitiveEnvName = regexp.MustCompile(`(?i)secret|token|password|passwd|credential|api[_-]?key|private[_-]?key|access[_-]?key|auth`)
)

// DotenvMasker masks the values of secret-looking variables in dotenv-style
// content (.env files, `env` output, shell exports) while leaving ordinary
// variables readable. Variable references like ${OTHER} are placeholders,
// not secrets, and stay visible.
type DotenvMasker struct{}

// Name returns the unique identifier for this masker.
func (m *DotenvMasker) Name() string { return "dotenv" }

// AppliesTo performs a lightweight check on whether this masker should
// process the content.
func (m *DotenvMasker) AppliesTo(content string) bool {
	if !strings.Contains(content, "=") {
		return false
	}
	return sensitiveEnvName.MatchString(content)
}

// Mask rewrites secret-looking assignment lines, preserving the export
// prefix, the variable name and the quoting style. Lines that do not parse
// as assignments pass through untouched.
func (m *DotenvMasker) Mask(content string) string {
	lines := strings.Split(content, "\n")
	anyMasked := false

	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		cr := line[len(trimmed):]
		parts := envAssignPattern.FindStringSubmatch(trimmed)
		if parts == nil {
			continue
		}
		name, value := parts[2], parts[4]
		if !sensitiveEnvName.MatchString(name) {
			continue
		}

		quote := ""
		if len(value) > 0 && (value[0] == '"' || value[0] == '\'') {
			quote = string(value[0])
		}
		bare := strings.Trim(value, `"'`)
		if bare == "" || strings.HasPrefix(bare, "${") {
			continue
		}

		lines[i] = parts[1] + name + parts[3] + quote + MaskedEnvValue + quote + cr
		anyMasked = true
	}

	if !anyMasked {
		return content
	}
	return strings.Join(lines, "\n")
}
