package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError means a required field is missing or invalid.
// It is always surfaced inline to the user and never treated as fatal.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Message == "" {
			return "validation failed"
		}
		return e.Message
	}

	prefix := e.Message
	if prefix == "" {
		prefix = "validation failed"
	}
	return prefix + ": " + FlattenFields(e.Fields)
}

// MissingFieldError is the validation failure for a single required field
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// NotFoundError means the id is stale; callers should refresh their list
type NotFoundError struct {
	ID      string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("visit %s not found", e.ID)
}

// NetworkError wraps a transport failure
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is any other non-success response from the service
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("service error (status %d)", e.Status)
	}
	return fmt.Sprintf("service error (status %d): %s", e.Status, e.Message)
}

// IsValidation reports whether err is a ValidationError or MissingFieldError
func IsValidation(err error) bool {
	var ve *ValidationError
	var mf *MissingFieldError
	return errors.As(err, &ve) || errors.As(err, &mf)
}

// IsMissingField reports whether err is a MissingFieldError for field
func IsMissingField(err error, field string) bool {
	var mf *MissingFieldError
	return errors.As(err, &mf) && mf.Field == field
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// FieldErrors returns the flat field -> message map carried by a validation failure, or nil
func FieldErrors(err error) map[string]string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	var mf *MissingFieldError
	if errors.As(err, &mf) {
		return map[string]string{mf.Field: "is required"}
	}
	return nil
}

// FlattenFields renders a field map as "a: msg; b: msg" sorted by field
func FlattenFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			parts = append(parts, fields[k])
			continue
		}
		parts = append(parts, k+": "+fields[k])
	}
	return strings.Join(parts, "; ")
}
