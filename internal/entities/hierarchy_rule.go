package entities

import (
	"fmt"
	"time"
)

// HierarchyRule represents one permission implication edge.
// Example: namespace "acme", entity type "repo", admin ⇒ write
// This means: holding "admin" on any repo in "acme" also grants "write".
//
// Rules in the reserved "global" namespace apply to every tenant; tenant
// rules are private extensions layered on top of the global set.
type HierarchyRule struct {
	ID         string // Rule ID (UUIDv7), assigned on insert
	Namespace  string // Tenant namespace or "global"
	EntityType string // Resource type the rule applies to (e.g., "repo")
	Permission string // Permission that is held (e.g., "admin")
	Implies    string // Permission that follows from it (e.g., "write")
	CreatedAt  time.Time
}

// String returns a string representation of the hierarchy rule
// Format: namespace/entity_type: permission => implies
func (hr *HierarchyRule) String() string {
	return fmt.Sprintf("%s/%s: %s => %s", hr.Namespace, hr.EntityType, hr.Permission, hr.Implies)
}

// Validate checks if the hierarchy rule is well formed
func (hr *HierarchyRule) Validate() error {
	if err := ValidateNamespace(hr.Namespace); err != nil {
		return err
	}
	if err := ValidateTypeName("entity type", hr.EntityType); err != nil {
		return err
	}
	if err := ValidateRelationName("permission", hr.Permission); err != nil {
		return err
	}
	if err := ValidateRelationName("implies", hr.Implies); err != nil {
		return err
	}
	if hr.Permission == hr.Implies {
		return &SelfImplicationError{
			Namespace:  hr.Namespace,
			EntityType: hr.EntityType,
			Permission: hr.Permission,
		}
	}
	return nil
}
