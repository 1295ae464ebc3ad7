package errors

import (
	"fmt"
	"strings"
)

// Issue is a single field-level validation failure.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a request fails validation before any
// store mutation happens. It matches ErrInvalidRequest under errors.Is.
type ValidationError struct {
	Operation string  `json:"operation"`
	Issues    []Issue `json:"issues"`
}

// NewValidationError starts an empty ValidationError for operation.
// Call Add for each failure and Err to obtain a nil-or-error result.
func NewValidationError(operation string) *ValidationError {
	return &ValidationError{Operation: operation}
}

// Add records a failure for field.
func (v *ValidationError) Add(field, format string, args ...interface{}) {
	v.Issues = append(v.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns v when it holds at least one issue, nil otherwise.
func (v *ValidationError) Err() error {
	if v == nil || len(v.Issues) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Issues))
	for _, issue := range v.Issues {
		parts = append(parts, issue.Field+": "+issue.Message)
	}
	if v.Operation == "" {
		return "validation failed: " + strings.Join(parts, "; ")
	}
	return v.Operation + " validation failed: " + strings.Join(parts, "; ")
}

// Is lets errors.Is(err, ErrInvalidRequest) match validation failures.
func (v *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// AsValidationError extracts a ValidationError from err's chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	if As(err, &v) {
		return v, true
	}
	return nil, false
}
