package backup

import (
	"fmt"
	"strings"
)

// ValidationError represents one invalid manifest field
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(e), strings.Join(msgs, "; "))
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Problem is one finding about one artifact of a backup set
type Problem struct {
	Artifact string `json:"artifact"`
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal"`
	Cause    error  `json:"-"`
}

// Error implements the error interface
func (p Problem) Error() string {
	if p.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", p.Artifact, p.Message, p.Cause)
	}
	return fmt.Sprintf("%s: %s", p.Artifact, p.Message)
}

// Unwrap returns the underlying cause
func (p Problem) Unwrap() error {
	return p.Cause
}
