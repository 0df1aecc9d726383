package entities

import (
	"fmt"
	"strings"
)

// NamespaceGlobal is the reserved namespace for platform-wide permission
// hierarchy rules. Relationship edges never live here; only hierarchy rules
// do, and writing them requires a platform-scoped access context.
const NamespaceGlobal = "global"

const (
	maxNameLength = 64
	maxIDLength   = 256
)

// ValidateTypeName checks an entity or subject type name.
// Type names are limited to letters, digits, underscore and hyphen.
func ValidateTypeName(field, name string) error {
	if name == "" {
		return NewValidationError(field, "is required")
	}
	if len(name) > maxNameLength {
		return NewValidationError(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if !isNameChars(name) {
		return NewValidationError(field, fmt.Sprintf("%q contains invalid characters", name))
	}
	return nil
}

// ValidateRelationName checks a relation or permission name.
// The character rules match type names.
func ValidateRelationName(field, name string) error {
	if name == "" {
		return NewValidationError(field, "is required")
	}
	if len(name) > maxNameLength {
		return NewValidationError(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if !isNameChars(name) {
		return NewValidationError(field, fmt.Sprintf("%q contains invalid characters", name))
	}
	return nil
}

// ValidateNamespace checks a tenant namespace name. The reserved "global"
// namespace passes validation; callers that must exclude it check separately.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return NewValidationError("namespace", "is required")
	}
	if len(namespace) > maxNameLength {
		return NewValidationError("namespace", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if !isNameChars(namespace) {
		return NewValidationError("namespace", fmt.Sprintf("%q contains invalid characters", namespace))
	}
	return nil
}

// ValidateID checks an entity or subject ID. IDs are freer than names: any
// printable characters except whitespace and the reference delimiters.
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "is required")
	}
	if len(id) > maxIDLength {
		return NewValidationError(field, fmt.Sprintf("must be at most %d characters", maxIDLength))
	}
	if strings.ContainsAny(id, " \t\n\r#:") {
		return NewValidationError(field, fmt.Sprintf("%q contains invalid characters", id))
	}
	return nil
}

func isNameChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
