package authorization

import (
	"context"
	"fmt"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// DefaultMaxDepth is the traversal depth bound used when none is configured.
const DefaultMaxDepth = 32

// HierarchyResolver provides the permission implication view the checker
// needs. The interface is defined here to avoid a circular dependency on
// the services package.
type HierarchyResolver interface {
	// PermissionClosure returns the permission plus every permission that
	// transitively implies it, the permission itself first.
	PermissionClosure(ctx context.Context, namespace, entityType, permission string) ([]string, error)

	// ImplicationPath returns the implies chain [from, ..., to], or nil
	// when to is not reachable from from.
	ImplicationPath(ctx context.Context, namespace, entityType, from, to string) ([]string, error)
}

// Traversal clauses. Each hop of a witness path names the clause that
// admitted it.
const (
	ViaDirect  = "direct"  // Edge subject is the checked principal
	ViaGroup   = "group"   // Edge subject is a container the principal is inside
	ViaUserset = "userset" // Edge subject is a userset reference, resolved recursively
	ViaParent  = "parent"  // Relation inherited from a parent resource
)

// Hop is one traversal step of a witness path: the edge that carried the
// step and the clause that admitted it.
type Hop struct {
	Edge string // Edge in display form, e.g. "repo:api#read@team:eng#member"
	Via  string // One of the Via constants
}

func (h Hop) String() string {
	return fmt.Sprintf("%s (%s)", h.Edge, h.Via)
}

// Evaluator answers relation connectivity over the edge graph. It is
// stateless; per-query state lives in Query.
type Evaluator struct {
	relationRepo repositories.RelationRepository
	maxDepth     int
	cascade      func(entityType string) bool
}

// NewEvaluator creates a new Evaluator. cascade controls which entity types
// inherit relations from their parent resource; nil means all of them do.
func NewEvaluator(relationRepo repositories.RelationRepository, maxDepth int, cascade func(entityType string) bool) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Evaluator{
		relationRepo: relationRepo,
		maxDepth:     maxDepth,
		cascade:      cascade,
	}
}

func (e *Evaluator) cascades(entityType string) bool {
	return e.cascade == nil || e.cascade(entityType)
}

// visitKey identifies one (entity, relation) node of the traversal.
type visitKey struct {
	entity   entities.EntityRef
	relation string
}

type visitState struct {
	inProgress bool
	connected  bool
	path       []Hop
}

// Query evaluates connectivity questions for one subject in one namespace.
// The visited memo is shared across every relation evaluated on the query,
// so overlapping permission closures walk each node once. A Query is not
// safe for concurrent use.
type Query struct {
	e           *Evaluator
	namespace   string
	subjectType string
	subjectID   string
	trace       bool
	visited     map[visitKey]*visitState
}

// NewQuery creates a query that answers yes/no connectivity.
func (e *Evaluator) NewQuery(namespace, subjectType, subjectID string) *Query {
	return &Query{
		e:           e,
		namespace:   namespace,
		subjectType: subjectType,
		subjectID:   subjectID,
		visited:     make(map[visitKey]*visitState),
	}
}

// NewTracedQuery creates a query that additionally records the witness path
// for every connected node, for explain output.
func (e *Evaluator) NewTracedQuery(namespace, subjectType, subjectID string) *Query {
	q := e.NewQuery(namespace, subjectType, subjectID)
	q.trace = true
	return q
}

// Connected reports whether the subject holds the relation on the entity,
// directly or through group membership, userset references or parent
// inheritance. Unknown entities and subjects yield false, never an error.
func (q *Query) Connected(ctx context.Context, entity entities.EntityRef, relation string) (bool, error) {
	connected, _, _, err := q.connected(ctx, entity, relation, 0)
	return connected, err
}

// ConnectedPath is Connected plus the witness path. The path is only
// recorded on traced queries; on others it is always nil.
func (q *Query) ConnectedPath(ctx context.Context, entity entities.EntityRef, relation string) (bool, []Hop, error) {
	connected, path, _, err := q.connected(ctx, entity, relation, 0)
	return connected, path, err
}

func (q *Query) connected(ctx context.Context, entity entities.EntityRef, relation string, depth int) (bool, []Hop, bool, error) {
	key := visitKey{entity: entity, relation: relation}
	if st, ok := q.visited[key]; ok {
		// Re-entering a node still being expanded means the walk looped.
		// The loop itself cannot make the node connected, but the false is
		// provisional: it assumes the ancestor is false while the ancestor
		// is still being decided.
		if st.inProgress {
			return false, nil, true, nil
		}
		return st.connected, st.path, false, nil
	}
	if depth >= q.e.maxDepth {
		return false, nil, true, nil
	}

	st := &visitState{inProgress: true}
	q.visited[key] = st

	connected, path, truncated, err := q.expand(ctx, entity, relation, depth)
	if err != nil {
		delete(q.visited, key)
		return false, nil, false, err
	}

	st.inProgress = false
	st.connected = connected
	st.path = path

	// A false cut short by the depth bound, or computed while an ancestor
	// was still in progress, is not settled; a later revisit may still get
	// through.
	if !connected && truncated {
		delete(q.visited, key)
	}
	return connected, path, truncated, nil
}

// expand tries the clauses in order: direct edge, then group and userset
// edges, then parent inheritance.
func (q *Query) expand(ctx context.Context, entity entities.EntityRef, relation string, depth int) (bool, []Hop, bool, error) {
	edges, err := q.e.relationRepo.Read(ctx, q.namespace, &repositories.RelationFilter{
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Relation:   relation,
	})
	if err != nil {
		return false, nil, false, fmt.Errorf("failed to read %s edges: %w", relation, err)
	}

	for _, edge := range edges {
		if edge.SubjectRelation == "" && edge.SubjectType == q.subjectType && edge.SubjectID == q.subjectID {
			return true, q.step(ViaDirect, edge, nil), false, nil
		}
	}

	var truncated bool
	for _, edge := range edges {
		if edge.SubjectRelation != "" {
			// Userset: the grant goes to whoever holds subject_relation on
			// the subject entity.
			ok, sub, trunc, err := q.connected(ctx, edge.SubjectEntity(), edge.SubjectRelation, depth+1)
			if err != nil {
				return false, nil, false, err
			}
			if ok {
				return true, q.step(ViaUserset, edge, sub), false, nil
			}
			truncated = truncated || trunc
			continue
		}

		// Group: the grant names some other entity; the subject holds the
		// relation if it is (transitively) a member of that entity.
		ok, sub, trunc, err := q.connected(ctx, edge.SubjectEntity(), entities.RelationMember, depth+1)
		if err != nil {
			return false, nil, false, err
		}
		if ok {
			return true, q.step(ViaGroup, edge, sub), false, nil
		}
		truncated = truncated || trunc
	}

	// Parent inheritance: relations granted on a parent resource cascade to
	// its children. The parent relation itself never cascades.
	if relation != entities.RelationParent && q.e.cascades(entity.Type) {
		parents, err := q.e.relationRepo.Read(ctx, q.namespace, &repositories.RelationFilter{
			EntityType: entity.Type,
			EntityID:   entity.ID,
			Relation:   entities.RelationParent,
		})
		if err != nil {
			return false, nil, false, fmt.Errorf("failed to read parent edges: %w", err)
		}
		for _, edge := range parents {
			ok, sub, trunc, err := q.connected(ctx, edge.SubjectEntity(), relation, depth+1)
			if err != nil {
				return false, nil, false, err
			}
			if ok {
				return true, q.step(ViaParent, edge, sub), false, nil
			}
			truncated = truncated || trunc
		}
	}

	return false, nil, truncated, nil
}

// step prepends the hop for edge to the sub-path, or records nothing on
// untraced queries.
func (q *Query) step(via string, edge *entities.RelationTuple, sub []Hop) []Hop {
	if !q.trace {
		return nil
	}
	path := make([]Hop, 0, len(sub)+1)
	path = append(path, Hop{Edge: edge.String(), Via: via})
	return append(path, sub...)
}
