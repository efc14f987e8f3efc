package config

import (
	"errors"
	"fmt"
)

// ErrConfigNotFound indicates the config file does not exist at the path.
var ErrConfigNotFound = errors.New("config file not found")

// ErrInvalidYAML indicates the config file could not be parsed.
var ErrInvalidYAML = errors.New("invalid YAML")

// LoadError wraps a failure while loading a specific config file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}
