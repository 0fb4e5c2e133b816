package ingest

import (
	"fmt"
	"strings"
)

// Violation describes a single rejected field. Path addresses the field inside
// the payload, e.g. ["metadata", "user_id"].
type Violation struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// ValidationError is returned when a payload is malformed or breaks the
// allow-listed schema. It always carries every violation found, not just the
// first one.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.Join(v.Path, "."), v.Message))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// Allowlist returns the accepted top-level keys, for error responses.
func (e *ValidationError) Allowlist() []string {
	return AllowedKeys()
}

func (e *ValidationError) add(message string, path ...string) {
	e.Violations = append(e.Violations, Violation{Path: path, Message: message})
}

func (e *ValidationError) has(path ...string) bool {
	for _, v := range e.Violations {
		if strings.Join(v.Path, ".") == strings.Join(path, ".") {
			return true
		}
	}
	return false
}

func (e *ValidationError) empty() bool {
	return len(e.Violations) == 0
}

// PayloadTooLargeError is returned when the body exceeds the configured ceiling.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}
