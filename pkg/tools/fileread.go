package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/quarrylabs/quarry/pkg/config"
)

// FileRead reads files from the host filesystem as UTF-8, optionally slicing
// a 1-indexed inclusive line range. Sliced output carries line-number
// prefixes so the model can cite exact locations.
type FileRead struct {
	maxChars int
}

// NewFileRead builds the file reader from engine configuration.
func NewFileRead(cfg config.EngineConfig) *FileRead {
	return &FileRead{maxChars: cfg.MaxFileReadChars}
}

// Name implements Tool.
func (f *FileRead) Name() string { return ToolFileRead }

type fileReadParams struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Execute reads one file. Params: {"path": "...", "start_line": N,
// "end_line": M}. When the explicit range is absent, the shorthand
// "path:start-end" or "path:N" is parsed out of the path itself.
func (f *FileRead) Execute(ctx context.Context, params json.RawMessage) Result {
	var p fileReadParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Result{Err: fmt.Sprintf("invalid file_read params: %v", err)}
		}
	}
	p.Path = strings.TrimSpace(p.Path)
	if p.Path == "" {
		return Result{Err: "path is required"}
	}
	if err := ctx.Err(); err != nil {
		return Result{Err: fmt.Sprintf("file read cancelled: %v", err)}
	}

	path := p.Path
	start, end := p.StartLine, p.EndLine
	if start == 0 && end == 0 {
		path, start, end = parseLineShorthand(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return Result{Err: fmt.Sprintf("NotFound: %s", path)}
		case errors.Is(err, fs.ErrPermission):
			return Result{Err: fmt.Sprintf("Denied: %s", path)}
		default:
			return Result{Err: fmt.Sprintf("failed to stat %s: %v", path, err)}
		}
	}
	if info.IsDir() {
		return Result{Err: fmt.Sprintf("NotAFile: %s", path)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Result{Err: fmt.Sprintf("Denied: %s", path)}
		}
		return Result{Err: fmt.Sprintf("failed to read %s: %v", path, err)}
	}

	// Invalid bytes become the replacement character rather than failing
	// the read.
	text := strings.ToValidUTF8(string(data), "�")

	if start == 0 && end == 0 {
		return Result{
			Content: truncate(text, f.maxChars),
			Sources: []string{path},
		}
	}

	sliced, err := sliceLines(text, start, end)
	if err != nil {
		return Result{Err: err.Error()}
	}
	return Result{
		Content: truncate(sliced, f.maxChars),
		Sources: []string{path},
	}
}

// parseLineShorthand splits a trailing ":start-end" or ":N" range off the
// path. Paths whose suffix is not a line range pass through unchanged.
func parseLineShorthand(path string) (string, int, int) {
	idx := strings.LastIndex(path, ":")
	if idx <= 0 || idx == len(path)-1 {
		return path, 0, 0
	}
	spec := path[idx+1:]

	lo, hi, found := strings.Cut(spec, "-")
	start, err := strconv.Atoi(lo)
	if err != nil || start <= 0 {
		return path, 0, 0
	}
	if !found {
		return path[:idx], start, start
	}
	end, err := strconv.Atoi(hi)
	if err != nil || end <= 0 {
		return path, 0, 0
	}
	return path[:idx], start, end
}

// sliceLines returns lines [start, end] (1-indexed, inclusive) with
// line-number prefixes. Bounds are clamped to the file; a range entirely
// past the end is an error.
func sliceLines(text string, start, end int) (string, error) {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return "", fmt.Errorf("start_line %d is beyond the end of the file (%d lines)", start, len(lines))
	}
	if start > end {
		return "", fmt.Errorf("invalid line range: start %d after end %d", start, end)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
