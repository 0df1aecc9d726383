package repositories

import (
	"context"

	"github.com/orthrus-authz/orthrus/internal/entities"
)

// RelationFilter defines filter criteria for querying relationship edges.
// Zero-valued fields are ignored; list fields match any of their values.
type RelationFilter struct {
	EntityType      string   // Filter by entity type (optional)
	EntityID        string   // Filter by entity ID (optional)
	EntityIDs       []string // Filter by a set of entity IDs (optional)
	Relation        string   // Filter by relation name (optional)
	Relations       []string // Filter by a set of relation names (optional)
	SubjectType     string   // Filter by subject type (optional)
	SubjectID       string   // Filter by subject ID (optional)
	SubjectRelation string   // Filter by subject relation (optional)

	// IncludeExpired makes logically expired edges visible. Only maintenance
	// paths set it; every permission query leaves it false.
	IncludeExpired bool
}

// RelationRepository defines the interface for relationship edge data access.
// Every method is scoped to one namespace; reads exclude expired edges unless
// the filter says otherwise.
type RelationRepository interface {
	// Write inserts an edge and returns its ID. Writing an edge that already
	// exists (same endpoints, relation and subject relation) is idempotent:
	// the stored edge's expiry is refreshed to the new value and the existing
	// ID is returned.
	Write(ctx context.Context, namespace string, tuple *entities.RelationTuple) (string, error)

	// Delete removes the edge matching the tuple's endpoints. Returns true
	// if an edge was removed, false if none matched.
	Delete(ctx context.Context, namespace string, tuple *entities.RelationTuple) (bool, error)

	// DeleteByFilter removes every edge matching the filter and returns the
	// number removed. At least one filter field must be set.
	DeleteByFilter(ctx context.Context, namespace string, filter *RelationFilter) (int, error)

	// DeleteExpired physically removes edges whose expiry passed before now.
	// Returns the number removed.
	DeleteExpired(ctx context.Context, namespace string) (int, error)

	// Read retrieves edges matching the filter.
	Read(ctx context.Context, namespace string, filter *RelationFilter) ([]*entities.RelationTuple, error)

	// GetByID retrieves a single edge by its ID. Returns NotFoundError when
	// no live edge has that ID.
	GetByID(ctx context.Context, namespace string, id string) (*entities.RelationTuple, error)

	// CheckExists checks if an edge with the tuple's endpoints exists.
	CheckExists(ctx context.Context, namespace string, tuple *entities.RelationTuple) (bool, error)

	// DistinctEntityIDs lists the distinct IDs of entities of the given type
	// appearing on the resource side of any live edge.
	DistinctEntityIDs(ctx context.Context, namespace string, entityType string) ([]string, error)

	// Count returns the number of live edges in the namespace.
	Count(ctx context.Context, namespace string) (int, error)

	// Namespaces lists every namespace holding at least one edge, expired
	// ones included, sorted. Maintenance passes iterate this.
	Namespaces(ctx context.Context) ([]string, error)
}
