// Package masking scrubs credentials out of tool output before the engine
// persists or broadcasts it. Terminal commands and file reads run on the
// operator's host, so their output can carry anything the host knows: API
// keys in dotfiles, tokens in process environments, passwords in connection
// strings. The service applies structural maskers first and a regex sweep
// second, and fails closed: output that cannot be safely masked is withheld
// entirely.
package masking

// Masker is a code-based masker with structural awareness beyond regex
// matching. It parses the content and decides from context what is a secret
// (mask the values of secret-looking dotenv variables, leave ordinary
// variables readable).
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker should
	// process the content. Should be fast (string contains, not parsing).
	AppliesTo(content string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return the original content on parse errors.
	Mask(content string) string
}
