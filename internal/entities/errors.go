package entities

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed input. It is returned before any state
// change happens, so a caller seeing it knows the store was not touched.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CycleError reports a structural write rejected because committing it would
// close a loop. Edge carries the offending edge in display form and Path the
// witness chain that already connects its endpoints.
type CycleError struct {
	Edge string
	Path []string
}

// NewCycleError creates a cycle error for the given edge and witness path.
func NewCycleError(edge string, path []string) *CycleError {
	return &CycleError{Edge: edge, Path: path}
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("cycle detected: %s", e.Edge)
	}
	return fmt.Sprintf("cycle detected: %s would close loop %s", e.Edge, strings.Join(e.Path, " -> "))
}

// IsCycleError reports whether err is (or wraps) a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// SelfImplicationError reports a hierarchy rule whose permission implies
// itself, which is rejected outright without consulting storage.
type SelfImplicationError struct {
	Namespace  string
	EntityType string
	Permission string
}

func (e *SelfImplicationError) Error() string {
	return fmt.Sprintf("permission %q on %s/%s cannot imply itself",
		e.Permission, e.Namespace, e.EntityType)
}

// IsSelfImplicationError reports whether err is (or wraps) a SelfImplicationError.
func IsSelfImplicationError(err error) bool {
	var se *SelfImplicationError
	return errors.As(err, &se)
}

// NotFoundError reports a missing record on an explicit ID lookup. Permission
// queries never return it; absence there is false or an empty result.
type NotFoundError struct {
	Resource string
	Key      string
}

// NewNotFoundError creates a not-found error for the given resource and key.
func NewNotFoundError(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// IsNotFoundError reports whether err is (or wraps) a NotFoundError.
func IsNotFoundError(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// AccessDeniedError reports an operation outside the caller's namespace
// scope, such as a tenant context touching another namespace or writing
// global hierarchy rules without platform scope.
type AccessDeniedError struct {
	Namespace string
	Reason    string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access to namespace %q denied: %s", e.Namespace, e.Reason)
}

// IsAccessDeniedError reports whether err is (or wraps) an AccessDeniedError.
func IsAccessDeniedError(err error) bool {
	var ae *AccessDeniedError
	return errors.As(err, &ae)
}
