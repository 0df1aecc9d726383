package repositories

import (
	"context"

	"github.com/orthrus-authz/orthrus/internal/entities"
)

// HierarchyRepository defines the interface for permission hierarchy rule
// data access. Rules live either in a tenant namespace or in the reserved
// global namespace; visibility composition (global plus tenant) is the
// caller's concern, the repository only ever sees one namespace at a time.
type HierarchyRepository interface {
	// Write inserts a rule and returns its ID. Writing a rule that already
	// exists returns the existing ID without modifying anything.
	Write(ctx context.Context, namespace string, rule *entities.HierarchyRule) (string, error)

	// Delete removes the rule matching the given coordinates. Returns true
	// if a rule was removed, false if none matched.
	Delete(ctx context.Context, namespace string, entityType, permission, implies string) (bool, error)

	// GetByID retrieves a single rule by its ID. Returns NotFoundError when
	// no rule has that ID.
	GetByID(ctx context.Context, namespace string, id string) (*entities.HierarchyRule, error)

	// List retrieves every rule in the namespace.
	List(ctx context.Context, namespace string) ([]*entities.HierarchyRule, error)

	// ListByEntityType retrieves the namespace's rules for one entity type.
	ListByEntityType(ctx context.Context, namespace string, entityType string) ([]*entities.HierarchyRule, error)

	// ClearByEntityType removes every rule for the entity type and returns
	// the number removed.
	ClearByEntityType(ctx context.Context, namespace string, entityType string) (int, error)

	// Namespaces lists every namespace holding at least one rule, sorted.
	Namespaces(ctx context.Context) ([]string, error)
}
