package procurement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-procure/internal/platform/httpx"
)

var (
	// ErrNotFound indicates the requested procurement record does not exist.
	ErrNotFound = fmt.Errorf("procurement: %w", httpx.ErrNotFound)
	// ErrValidation marks every user-correctable rejection.
	ErrValidation = fmt.Errorf("procurement: %w", httpx.ErrValidation)
	// ErrConsistency marks references that do not belong to their claimed parent.
	ErrConsistency = fmt.Errorf("procurement: %w", httpx.ErrConflict)
	// ErrDuplicateSubmission is returned when an idempotency key was already used.
	ErrDuplicateSubmission = fmt.Errorf("procurement: %w", httpx.ErrDuplicate)

	ErrInvalidTransition     = errors.New("procurement: invalid state transition")
	ErrUnauthorizedActor     = errors.New("procurement: actor not permitted")
	ErrFullyShipped          = errors.New("procurement: line fully shipped")
	ErrInsufficientRemaining = errors.New("procurement: insufficient remaining quantity")
	ErrAlreadyDelivered      = errors.New("procurement: shipment already delivered")
	ErrCurrencyMismatch      = errors.New("procurement: currency mismatch")
	ErrNumberExhausted       = errors.New("procurement: unable to allocate unique number")
)

// ValidationError carries field-keyed messages. It matches ErrValidation and,
// when set, the more specific cause.
type ValidationError struct {
	Fields map[string]string
	cause  error
}

func newValidation(cause error, field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}, cause: cause}
}

// Error implements error.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes both ErrValidation and the specific cause.
func (e *ValidationError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.cause}
}

// FieldErrors returns the field map for HTTP rendering.
func (e *ValidationError) FieldErrors() map[string]string {
	return e.Fields
}

// ConsistencyError reports a reference that does not belong to its parent.
type ConsistencyError struct {
	Message string
}

// Error implements error.
func (e *ConsistencyError) Error() string {
	return "consistency violation: " + e.Message
}

// Unwrap lets errors.Is match ErrConsistency.
func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}

func inconsistent(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Message: fmt.Sprintf(format, args...)}
}

// unauthorized hides whether the record exists from callers of another company.
func unauthorized() *ValidationError {
	return newValidation(ErrUnauthorizedActor, "purchase_order", "purchase order not found")
}

// fieldErrors accumulates messages and produces a ValidationError when non-empty.
type fieldErrors struct {
	fields map[string]string
	cause  error
}

func (f *fieldErrors) add(cause error, field, message string) {
	if f.fields == nil {
		f.fields = make(map[string]string)
	}
	if _, exists := f.fields[field]; exists {
		return
	}
	if f.cause == nil {
		f.cause = cause
	}
	f.fields[field] = message
}

func (f *fieldErrors) err() error {
	if len(f.fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: f.fields, cause: f.cause}
}
