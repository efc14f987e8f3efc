package masking

import (
	"log/slog"
	"regexp"
)

// Pattern is one built-in masking rule: a regex and the replacement that
// stands in for whatever it matched.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// CompiledPattern pairs a pattern with its compiled regex.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns returns the credential patterns in application order.
// Order matters: block patterns run first so the assignment patterns cannot
// partially consume a PEM body, and key-specific assignments run before the
// generic key and password sweeps so masked values keep an accurate label.
// Assignment patterns keep the variable name and mask only the value.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "pem_block",
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `[MASKED_PEM_BLOCK]`,
			Description: "PEM-encoded keys and certificates",
		},
		{
			Name:        "ssh_key",
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `[MASKED_SSH_KEY]`,
			Description: "SSH public keys",
		},
		{
			Name:        "password_url",
			Pattern:     `([A-Za-z][A-Za-z0-9+.\-]*://[^:/?#@\s]+):[^@/\s]+@`,
			Replacement: `${1}:[MASKED_PASSWORD]@`,
			Description: "Credentials embedded in URLs",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `[MASKED_AWS_ACCESS_KEY]`,
			Description: "AWS access key ids",
		},
		{
			Name:        "aws_secret_key",
			Pattern:     `(?i)(aws[_-]?secret[_-]?access[_-]?key["']?\s*[:=]\s*["']?)[A-Za-z0-9/+=]{40}`,
			Replacement: `${1}[MASKED_AWS_SECRET_KEY]`,
			Description: "AWS secret keys",
		},
		{
			Name:        "github_token",
			Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
			Replacement: `[MASKED_GITHUB_TOKEN]`,
			Description: "GitHub tokens",
		},
		{
			Name:        "slack_token",
			Pattern:     `\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`,
			Replacement: `[MASKED_SLACK_TOKEN]`,
			Description: "Slack tokens",
		},
		{
			Name:        "jwt",
			Pattern:     `\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{5,}\.[A-Za-z0-9_\-]*`,
			Replacement: `[MASKED_JWT]`,
			Description: "JSON web tokens",
		},
		{
			Name:        "bearer_token",
			Pattern:     `(?i)(bearer\s+)[A-Za-z0-9_\-.=]{20,}`,
			Replacement: `${1}[MASKED_TOKEN]`,
			Description: "Bearer tokens in headers",
		},
		{
			Name:        "token",
			Pattern:     `(?i)((?:token|jwt)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-.]{20,}`,
			Replacement: `${1}[MASKED_TOKEN]`,
			Description: "Token assignments",
		},
		{
			Name:        "secret_key",
			Pattern:     `(?i)((?:secret|private)[_-]?key["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-.]{16,}`,
			Replacement: `${1}[MASKED_SECRET_KEY]`,
			Description: "Secret and private key assignments",
		},
		{
			Name:        "api_key",
			Pattern:     `(?i)((?:api[_-]?key|apikey|access[_-]?key|key)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-]{20,}`,
			Replacement: `${1}[MASKED_API_KEY]`,
			Description: "API key assignments",
		},
		{
			// The value class excludes '[' so already-masked placeholders
			// are not masked a second time under a different label.
			Name:        "password",
			Pattern:     `(?i)((?:password|passwd|pwd)["']?\s*[:=]\s*["']?)[^"'\s\[]{6,}`,
			Replacement: `${1}[MASKED_PASSWORD]`,
			Description: "Password assignments",
		},
	}
}

// compilePatterns compiles the built-in table, preserving order. Invalid
// patterns are logged and skipped.
func compilePatterns() []*CompiledPattern {
	patterns := builtinPatterns()
	compiled := make([]*CompiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		compiled = append(compiled, &CompiledPattern{
			Name:        p.Name,
			Regex:       re,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
	return compiled
}
