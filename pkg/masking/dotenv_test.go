package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDotenvAppliesTo(t *testing.T) {
	m := &DotenvMasker{}

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"secret assignment", "DB_PASSWORD=hunter42", true},
		{"token assignment", "export API_TOKEN=abc", true},
		{"ordinary assignment", "PORT=8080\nHOST=localhost", false},
		{"no assignment at all", "a password is required to log in", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.AppliesTo(tt.content))
		})
	}
}

func TestDotenvMasksSecretValues(t *testing.T) {
	m := &DotenvMasker{}

	content := `# database
export DB_PASSWORD="hunter42"
DB_HOST=localhost
API_TOKEN=abc123def456
AUTH_SECRET='s3cr3t'
`
	masked := m.Mask(content)

	assert.NotContains(t, masked, "hunter42")
	assert.NotContains(t, masked, "abc123def456")
	assert.NotContains(t, masked, "s3cr3t")

	// Names, export prefixes and quoting styles survive.
	assert.Contains(t, masked, `export DB_PASSWORD="[MASKED_ENV_VALUE]"`)
	assert.Contains(t, masked, "API_TOKEN=[MASKED_ENV_VALUE]")
	assert.Contains(t, masked, "AUTH_SECRET='[MASKED_ENV_VALUE]'")

	// Ordinary variables and comments stay readable.
	assert.Contains(t, masked, "DB_HOST=localhost")
	assert.Contains(t, masked, "# database")
}

func TestDotenvSkipsPlaceholders(t *testing.T) {
	m := &DotenvMasker{}

	content := `EMPTY_SECRET=
QUOTED_EMPTY_SECRET=""
REF_SECRET=${VAULT_SECRET}
QUOTED_REF_TOKEN="${VAULT_TOKEN}"`

	assert.Equal(t, content, m.Mask(content), "placeholders are not secrets")
}

func TestDotenvLeavesNonAssignmentContentAlone(t *testing.T) {
	m := &DotenvMasker{}

	content := "the secret to good soup = patience\nremember: rotate TOKEN values monthly"
	assert.Equal(t, content, m.Mask(content))
}

func TestDotenvMasksIndentedAssignments(t *testing.T) {
	m := &DotenvMasker{}

	masked := m.Mask("settings:\n  export SESSION_SECRET=abcdef\n  DEBUG=true")

	assert.NotContains(t, masked, "abcdef")
	assert.Contains(t, masked, "  export SESSION_SECRET=[MASKED_ENV_VALUE]")
	assert.Contains(t, masked, "  DEBUG=true")
}

func TestDotenvPreservesSurroundingLines(t *testing.T) {
	m := &DotenvMasker{}

	content := "PORT=8080\nSESSION_SECRET=abcdef\nDEBUG=true"
	masked := m.Mask(content)

	assert.Equal(t, "PORT=8080\nSESSION_SECRET=[MASKED_ENV_VALUE]\nDEBUG=true", masked)
}
