package destination

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the destination does not exist.
	ErrNotFound = errors.New("destination not found")

	// ErrProfileNotFound indicates the profile is missing or unreadable.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidDescriptor indicates the descriptor document is malformed.
	ErrInvalidDescriptor = errors.New("invalid destination descriptor")

	// ErrValidationFailed indicates settings failed schema validation.
	ErrValidationFailed = errors.New("settings validation failed")
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Field is the setting key (or "artifact_name").
	Field string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("settings validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Fields returns the offending keys in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Field)
	}
	return out
}
