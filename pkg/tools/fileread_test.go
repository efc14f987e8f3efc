package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
)

func testFileRead() *FileRead {
	return NewFileRead(config.EngineConfig{MaxFileReadChars: 8000})
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fileParams(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func TestFileReadWholeFile(t *testing.T) {
	path := writeTestFile(t, "notes.txt", "first\nsecond\nthird\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{"path": path}))

	require.False(t, result.Failed(), result.Err)
	// Whole-file reads come back without line-number prefixes.
	assert.Equal(t, "first\nsecond\nthird\n", result.Content)
	assert.Equal(t, []string{path}, result.Sources)
}

func TestFileReadLineRange(t *testing.T) {
	path := writeTestFile(t, "notes.txt", "one\ntwo\nthree\nfour\nfive\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path":       path,
		"start_line": 2,
		"end_line":   4,
	}))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, "2: two\n3: three\n4: four", result.Content)
}

func TestFileReadShorthandRange(t *testing.T) {
	path := writeTestFile(t, "notes.txt", "one\ntwo\nthree\nfour\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path": path + ":2-3",
	}))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, "2: two\n3: three", result.Content)
	assert.Equal(t, []string{path}, result.Sources)
}

func TestFileReadShorthandSingleLine(t *testing.T) {
	path := writeTestFile(t, "notes.txt", "one\ntwo\nthree\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path": path + ":2",
	}))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, "2: two", result.Content)
}

func TestFileReadExplicitRangeIgnoresShorthand(t *testing.T) {
	// An explicit range wins; the path is taken literally and fails to
	// resolve.
	path := writeTestFile(t, "notes.txt", "one\ntwo\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path":       path + ":9",
		"start_line": 1,
		"end_line":   1,
	}))

	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "NotFound")
}

func TestFileReadClampsRangeToFile(t *testing.T) {
	path := writeTestFile(t, "notes.txt", "one\ntwo\nthree\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path":       path,
		"start_line": 2,
		"end_line":   100,
	}))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, "2: two\n3: three", result.Content)
}

func TestFileReadStartBeyondEOF(t *testing.T) {
	path := writeTestFile(t, "notes.txt", "one\ntwo\n")
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path":       path,
		"start_line": 10,
		"end_line":   20,
	}))

	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "beyond the end of the file")
}

func TestFileReadNotFound(t *testing.T) {
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{
		"path": filepath.Join(t.TempDir(), "missing.txt"),
	}))

	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "NotFound: ")
}

func TestFileReadDirectoryIsNotAFile(t *testing.T) {
	dir := t.TempDir()
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{"path": dir}))

	require.True(t, result.Failed())
	assert.Equal(t, "NotAFile: "+dir, result.Err)
}

func TestFileReadReplacesInvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary.txt")
	require.NoError(t, os.WriteFile(path, []byte{'o', 'k', 0xff, 0xfe, '!'}, 0o644))
	fr := testFileRead()

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{"path": path}))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, "ok�!", result.Content)
}

func TestFileReadTruncates(t *testing.T) {
	path := writeTestFile(t, "big.txt", strings.Repeat("x", 100))
	fr := NewFileRead(config.EngineConfig{MaxFileReadChars: 10})

	result := fr.Execute(context.Background(), fileParams(t, map[string]any{"path": path}))

	require.False(t, result.Failed(), result.Err)
	assert.Equal(t, strings.Repeat("x", 10)+"\n... (truncated)", result.Content)
}

func TestFileReadRequiresPath(t *testing.T) {
	fr := testFileRead()

	result := fr.Execute(context.Background(), json.RawMessage(`{}`))
	require.True(t, result.Failed())
	assert.Equal(t, "path is required", result.Err)
}

func TestFileReadMalformedParams(t *testing.T) {
	fr := testFileRead()

	result := fr.Execute(context.Background(), json.RawMessage(`{"path":`))
	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "invalid file_read params")
}

func TestParseLineShorthand(t *testing.T) {
	tests := []struct {
		in    string
		path  string
		start int
		end   int
	}{
		{"notes.txt:10-20", "notes.txt", 10, 20},
		{"notes.txt:7", "notes.txt", 7, 7},
		{"notes.txt", "notes.txt", 0, 0},
		{"/abs/path/notes.txt:3-4", "/abs/path/notes.txt", 3, 4},
		{"notes.txt:", "notes.txt:", 0, 0},
		{"notes.txt:abc", "notes.txt:abc", 0, 0},
		{"notes.txt:0", "notes.txt:0", 0, 0},
		{"notes.txt:5-", "notes.txt:5-", 0, 0},
		{":7", ":7", 0, 0},
	}
	for _, tc := range tests {
		path, start, end := parseLineShorthand(tc.in)
		assert.Equal(t, tc.path, path, "path for %q", tc.in)
		assert.Equal(t, tc.start, start, "start for %q", tc.in)
		assert.Equal(t, tc.end, end, "end for %q", tc.in)
	}
}
