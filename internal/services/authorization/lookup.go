package authorization

import (
	"context"
	"fmt"
	"sort"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// DefaultSubjectType is the principal type lookups expand toward when the
// request does not name one.
const DefaultSubjectType = "user"

// Lookup answers the two enumeration questions: which resources can this
// subject reach, and which subjects can reach this resource.
type Lookup struct {
	relationRepo repositories.RelationRepository
	hierarchy    HierarchyResolver
	evaluator    *Evaluator
}

// NewLookup creates a new Lookup sharing the checker's evaluator.
func NewLookup(relationRepo repositories.RelationRepository, hierarchy HierarchyResolver, evaluator *Evaluator) *Lookup {
	return &Lookup{
		relationRepo: relationRepo,
		hierarchy:    hierarchy,
		evaluator:    evaluator,
	}
}

// ListResourcesRequest contains the parameters for listing resources a
// subject has a permission on.
type ListResourcesRequest struct {
	Context     entities.AccessContext
	EntityType  string // Resource type to search (e.g., "repo")
	Permission  string // Permission to check (e.g., "read")
	SubjectType string // Subject type (e.g., "user")
	SubjectID   string // Subject ID (e.g., "alice")
	Limit       int    // Maximum number of results (0 = unlimited)
}

// ListResourcesResponse contains the matching resource IDs, sorted.
type ListResourcesResponse struct {
	EntityIDs []string
}

// ListUsersRequest contains the parameters for listing subjects holding a
// permission on a resource.
type ListUsersRequest struct {
	Context     entities.AccessContext
	EntityType  string // Resource type (e.g., "repo")
	EntityID    string // Resource ID (e.g., "api")
	Permission  string // Permission to check (e.g., "read")
	SubjectType string // Principal type to collect (empty = "user")
	Limit       int    // Maximum number of results (0 = unlimited)
}

// ListUsersResponse contains the matching subject IDs, sorted.
type ListUsersResponse struct {
	SubjectIDs []string
}

// ListResources finds every resource of the requested type the subject
// holds the permission on. Candidates are the IDs appearing on the resource
// side of any live edge; each one is answered by the same traversal a check
// would run, with the memo shared across candidates.
func (l *Lookup) ListResources(ctx context.Context, req *ListResourcesRequest) (*ListResourcesResponse, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return nil, err
	}
	if err := validateListResourcesRequest(req); err != nil {
		return nil, fmt.Errorf("invalid list resources request: %w", err)
	}

	closure, err := l.hierarchy.PermissionClosure(ctx, namespace, req.EntityType, req.Permission)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permission closure: %w", err)
	}

	candidateIDs, err := l.relationRepo.DistinctEntityIDs(ctx, namespace, req.EntityType)
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate entities: %w", err)
	}
	sort.Strings(candidateIDs)

	query := l.evaluator.NewQuery(namespace, req.SubjectType, req.SubjectID)
	allowedIDs := make([]string, 0)
	for _, entityID := range candidateIDs {
		entity := entities.EntityRef{Type: req.EntityType, ID: entityID}
		for _, relation := range closure {
			allowed, err := query.Connected(ctx, entity, relation)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate %s: %w", relation, err)
			}
			if allowed {
				allowedIDs = append(allowedIDs, entityID)
				break
			}
		}
		if req.Limit > 0 && len(allowedIDs) >= req.Limit {
			break
		}
	}

	return &ListResourcesResponse{EntityIDs: allowedIDs}, nil
}

// ListUsers finds every subject of the requested type holding the
// permission on the resource by expanding the edge graph outward from it.
// The expansion follows the same clauses as a check, so a subject appears
// here exactly when its check would allow.
func (l *Lookup) ListUsers(ctx context.Context, req *ListUsersRequest) (*ListUsersResponse, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return nil, err
	}
	subjectType := req.SubjectType
	if subjectType == "" {
		subjectType = DefaultSubjectType
	}
	if err := validateListUsersRequest(req, subjectType); err != nil {
		return nil, fmt.Errorf("invalid list users request: %w", err)
	}

	closure, err := l.hierarchy.PermissionClosure(ctx, namespace, req.EntityType, req.Permission)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permission closure: %w", err)
	}

	x := &expansion{
		l:           l,
		namespace:   namespace,
		subjectType: subjectType,
		visited:     make(map[visitKey]bool),
		found:       make(map[string]bool),
	}
	entity := entities.EntityRef{Type: req.EntityType, ID: req.EntityID}
	for _, relation := range closure {
		if _, err := x.expand(ctx, entity, relation, 0); err != nil {
			return nil, err
		}
	}

	subjectIDs := make([]string, 0, len(x.found))
	for id := range x.found {
		subjectIDs = append(subjectIDs, id)
	}
	sort.Strings(subjectIDs)
	if req.Limit > 0 && len(subjectIDs) > req.Limit {
		subjectIDs = subjectIDs[:req.Limit]
	}

	return &ListUsersResponse{SubjectIDs: subjectIDs}, nil
}

// expansion walks outward from a resource collecting principals. It mirrors
// Query.expand clause for clause, in the opposite direction.
type expansion struct {
	l           *Lookup
	namespace   string
	subjectType string
	visited     map[visitKey]bool
	found       map[string]bool
}

// expand collects the principals connected to (entity, relation). The bool
// result reports whether the walk was cut short by the depth bound.
func (x *expansion) expand(ctx context.Context, entity entities.EntityRef, relation string, depth int) (bool, error) {
	key := visitKey{entity: entity, relation: relation}
	if x.visited[key] {
		return false, nil
	}
	if depth >= x.l.evaluator.maxDepth {
		return true, nil
	}
	x.visited[key] = true

	edges, err := x.l.relationRepo.Read(ctx, x.namespace, &repositories.RelationFilter{
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Relation:   relation,
	})
	if err != nil {
		return false, fmt.Errorf("failed to read %s edges: %w", relation, err)
	}

	var truncated bool
	for _, edge := range edges {
		if edge.SubjectRelation != "" {
			trunc, err := x.expand(ctx, edge.SubjectEntity(), edge.SubjectRelation, depth+1)
			if err != nil {
				return false, err
			}
			truncated = truncated || trunc
			continue
		}

		if edge.SubjectType == x.subjectType {
			x.found[edge.SubjectID] = true
		}

		// The grant also reaches everything nested inside the subject.
		trunc, err := x.expand(ctx, edge.SubjectEntity(), entities.RelationMember, depth+1)
		if err != nil {
			return false, err
		}
		truncated = truncated || trunc
	}

	if relation != entities.RelationParent && x.l.evaluator.cascades(entity.Type) {
		parents, err := x.l.relationRepo.Read(ctx, x.namespace, &repositories.RelationFilter{
			EntityType: entity.Type,
			EntityID:   entity.ID,
			Relation:   entities.RelationParent,
		})
		if err != nil {
			return false, fmt.Errorf("failed to read parent edges: %w", err)
		}
		for _, edge := range parents {
			trunc, err := x.expand(ctx, edge.SubjectEntity(), relation, depth+1)
			if err != nil {
				return false, err
			}
			truncated = truncated || trunc
		}
	}

	// A truncated walk is not settled; a shallower revisit may reach more.
	if truncated {
		delete(x.visited, key)
	}
	return truncated, nil
}

// validateListResourcesRequest validates the list resources request
func validateListResourcesRequest(req *ListResourcesRequest) error {
	if err := entities.ValidateTypeName("entity type", req.EntityType); err != nil {
		return err
	}
	if err := entities.ValidateRelationName("permission", req.Permission); err != nil {
		return err
	}
	if err := entities.ValidateTypeName("subject type", req.SubjectType); err != nil {
		return err
	}
	return entities.ValidateID("subject ID", req.SubjectID)
}

// validateListUsersRequest validates the list users request
func validateListUsersRequest(req *ListUsersRequest, subjectType string) error {
	if err := entities.ValidateTypeName("entity type", req.EntityType); err != nil {
		return err
	}
	if err := entities.ValidateID("entity ID", req.EntityID); err != nil {
		return err
	}
	if err := entities.ValidateRelationName("permission", req.Permission); err != nil {
		return err
	}
	return entities.ValidateTypeName("subject type", subjectType)
}
