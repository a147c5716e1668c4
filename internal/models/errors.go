package models

import (
	"fmt"
	"strings"
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when caller input is malformed or violates a
// catalog invariant.
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Message: fmt.Sprintf("%s %s", field, message),
		Fields:  []FieldError{{Field: field, Message: message}},
	}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ForbiddenError is returned when the caller lacks the role for an operation.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return "forbidden: " + e.Reason
}

// InvalidStateError is returned when an operation is not permitted in the
// entity's current status.
type InvalidStateError struct {
	Entity    string
	State     string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %s", e.Operation, e.Entity, e.State)
}

// ImportError is a per-record failure accumulated during an import. It is
// reported in the import result, never returned on its own.
type ImportError struct {
	Record string `json:"record"`
	Error  string `json:"error"`
}
