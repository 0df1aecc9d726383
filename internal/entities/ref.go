package entities

import (
	"fmt"
	"strings"
)

// EntityRef identifies a single entity by type and ID.
// Example: repo:acme
type EntityRef struct {
	Type string
	ID   string
}

// String returns the type:id form of the reference.
func (e EntityRef) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// Validate checks if the reference is well formed
func (e EntityRef) Validate() error {
	if err := ValidateTypeName("entity type", e.Type); err != nil {
		return err
	}
	return ValidateID("entity ID", e.ID)
}

// ParseEntityRef parses a type:id string into an EntityRef.
func ParseEntityRef(s string) (EntityRef, error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return EntityRef{}, NewValidationError("entity reference", fmt.Sprintf("%q must be in type:id form", s))
	}
	ref := EntityRef{Type: s[:idx], ID: s[idx+1:]}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// SubjectRef identifies the subject side of an edge. A non-empty Relation
// makes it a userset reference (type:id#relation) instead of a literal
// principal.
type SubjectRef struct {
	Type     string
	ID       string
	Relation string
}

// String returns type:id or type:id#relation for userset references.
func (s SubjectRef) String() string {
	if s.Relation != "" {
		return fmt.Sprintf("%s:%s#%s", s.Type, s.ID, s.Relation)
	}
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// Validate checks if the reference is well formed
func (s SubjectRef) Validate() error {
	if err := ValidateTypeName("subject type", s.Type); err != nil {
		return err
	}
	if err := ValidateID("subject ID", s.ID); err != nil {
		return err
	}
	if s.Relation != "" {
		return ValidateRelationName("subject relation", s.Relation)
	}
	return nil
}

// IsUserset reports whether the reference names a userset rather than a
// literal principal.
func (s SubjectRef) IsUserset() bool {
	return s.Relation != ""
}

// Entity returns the reference with any userset relation stripped.
func (s SubjectRef) Entity() EntityRef {
	return EntityRef{Type: s.Type, ID: s.ID}
}
