package content

import (
	"fmt"
	"strings"
)

// Issue is one structural problem found in a payload.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError is returned when a payload cannot be repaired into a valid one.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	switch len(e.Issues) {
	case 0:
		return "content: invalid payload"
	case 1:
		return "content: invalid payload: " + e.Issues[0].String()
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("content: invalid payload (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Issues: []Issue{{Path: path, Message: fmt.Sprintf(format, args...)}}}
}

// Report is the result of Validate.
type Report struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}
