package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
	"github.com/orthrus-authz/orthrus/pkg/keylock"
)

// DefaultMaxTraversalDepth bounds ancestor walks and cycle sweeps when no
// depth is configured.
const DefaultMaxTraversalDepth = 32

// CycleGuard is the write path for structural edges (member and parent
// relations). It serializes writers touching the same entity pair with
// keyed locks acquired in a fixed order, re-checks for cycles while the
// locks are held, and only then inserts. The loser of a race between two
// reciprocal writes therefore sees the winner's committed edge and is
// rejected instead of closing a loop.
type CycleGuard struct {
	relationRepo repositories.RelationRepository
	locks        *keylock.KeyLock
	maxDepth     int
}

// NewCycleGuard creates a cycle guard over the given repository. locks may
// be shared with other services; nil creates a private lock set.
func NewCycleGuard(relationRepo repositories.RelationRepository, locks *keylock.KeyLock, maxDepth int) *CycleGuard {
	if locks == nil {
		locks = keylock.New(keylock.DefaultStripes)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxTraversalDepth
	}
	return &CycleGuard{
		relationRepo: relationRepo,
		locks:        locks,
		maxDepth:     maxDepth,
	}
}

// GuardedWrite inserts an edge. Structural edges pass through the cycle
// check under paired endpoint locks; all other edges are written directly.
func (g *CycleGuard) GuardedWrite(ctx context.Context, namespace string, tuple *entities.RelationTuple) (string, error) {
	if !tuple.IsStructural() {
		return g.relationRepo.Write(ctx, namespace, tuple)
	}

	entity := tuple.Entity()
	subject := tuple.SubjectEntity()

	unlock := g.locks.LockPair(lockKey(namespace, entity), lockKey(namespace, subject))
	defer unlock()

	path, err := g.cyclePath(ctx, namespace, tuple.Relation, entity, subject)
	if err != nil {
		return "", err
	}
	if path != nil {
		return "", entities.NewCycleError(tuple.String(), path)
	}

	return g.relationRepo.Write(ctx, namespace, tuple)
}

// WouldCreateCycle reports whether inserting a structural edge of the given
// relation between entity and subject would close a loop, and returns the
// witness path when it would. It takes no locks; GuardedWrite is the racing
// writers' entry point.
func (g *CycleGuard) WouldCreateCycle(ctx context.Context, namespace, relation string, entity, subject entities.EntityRef) (bool, []string, error) {
	path, err := g.cyclePath(ctx, namespace, relation, entity, subject)
	if err != nil {
		return false, nil, err
	}
	return path != nil, path, nil
}

// cyclePath returns the loop that inserting (entity, relation, subject)
// would close, or nil when the edge is safe.
//
// Direction differs between the two structural graphs: a member edge makes
// the subject a descendant of the entity, a parent edge makes the entity a
// descendant of the subject. Either way the edge is unsafe exactly when the
// descendant already sits somewhere above the ancestor.
func (g *CycleGuard) cyclePath(ctx context.Context, namespace, relation string, entity, subject entities.EntityRef) ([]string, error) {
	ancestor, descendant := entity, subject
	if relation == entities.RelationParent {
		ancestor, descendant = subject, entity
	}

	if ancestor == descendant {
		return []string{descendant.String(), descendant.String()}, nil
	}

	visited := map[entities.EntityRef]bool{ancestor: true}
	chain, err := g.walkUp(ctx, namespace, relation, ancestor, descendant, 0, visited)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, nil
	}

	// The loop reads downward from the descendant: through the proposed
	// edge into the ancestor, then up the existing chain back to itself.
	path := make([]string, 0, len(chain)+2)
	path = append(path, descendant.String(), ancestor.String())
	for _, ref := range chain {
		path = append(path, ref.String())
	}
	return path, nil
}

// walkUp follows the ancestor chain from node and returns the refs between
// node (exclusive) and target (inclusive) when target is reachable. The walk
// gives up silently at the depth bound; a chain that deep is treated as
// acyclic rather than failing the write.
func (g *CycleGuard) walkUp(ctx context.Context, namespace, relation string, node, target entities.EntityRef, depth int, visited map[entities.EntityRef]bool) ([]entities.EntityRef, error) {
	if depth >= g.maxDepth {
		return nil, nil
	}

	ancestors, err := g.directAncestors(ctx, namespace, relation, node)
	if err != nil {
		return nil, err
	}

	for _, ancestor := range ancestors {
		if ancestor == target {
			return []entities.EntityRef{ancestor}, nil
		}
		if visited[ancestor] {
			continue
		}
		visited[ancestor] = true

		chain, err := g.walkUp(ctx, namespace, relation, ancestor, target, depth+1, visited)
		if err != nil {
			return nil, err
		}
		if chain != nil {
			return append([]entities.EntityRef{ancestor}, chain...), nil
		}
	}

	return nil, nil
}

// directAncestors returns the entities one step up from node: the groups
// containing it for the member graph, its parent resources for the parent
// graph. Member edges are followed for literal and member-userset subjects;
// a userset over any other relation does not place node inside the entity.
func (g *CycleGuard) directAncestors(ctx context.Context, namespace, relation string, node entities.EntityRef) ([]entities.EntityRef, error) {
	var filter *repositories.RelationFilter
	if relation == entities.RelationMember {
		filter = &repositories.RelationFilter{
			Relation:    entities.RelationMember,
			SubjectType: node.Type,
			SubjectID:   node.ID,
		}
	} else {
		filter = &repositories.RelationFilter{
			EntityType: node.Type,
			EntityID:   node.ID,
			Relation:   entities.RelationParent,
		}
	}

	tuples, err := g.relationRepo.Read(ctx, namespace, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s edges: %w", relation, err)
	}

	refs := make([]entities.EntityRef, 0, len(tuples))
	for _, tuple := range tuples {
		if relation == entities.RelationMember {
			if tuple.SubjectRelation != "" && tuple.SubjectRelation != entities.RelationMember {
				continue
			}
			refs = append(refs, tuple.Entity())
		} else {
			refs = append(refs, tuple.SubjectEntity())
		}
	}
	return refs, nil
}

// DetectCycles enumerates cycles already present in the namespace's member
// and parent graphs. The guarded write path never admits one, so anything
// found here entered through imports or direct storage writes.
func (g *CycleGuard) DetectCycles(ctx context.Context, namespace string) ([][]string, error) {
	var cycles [][]string
	for _, relation := range []string{entities.RelationMember, entities.RelationParent} {
		found, err := g.detectCyclesInGraph(ctx, namespace, relation)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, found...)
	}
	return cycles, nil
}

// detectCyclesInGraph runs a coloring DFS over one structural graph and
// collects every cycle path it finds.
func (g *CycleGuard) detectCyclesInGraph(ctx context.Context, namespace, relation string) ([][]string, error) {
	tuples, err := g.relationRepo.Read(ctx, namespace, &repositories.RelationFilter{Relation: relation})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s edges: %w", relation, err)
	}

	// Edges point from descendant to ancestor, matching the walk direction
	// the guard uses.
	adjacency := make(map[entities.EntityRef][]entities.EntityRef)
	for _, tuple := range tuples {
		if relation == entities.RelationMember {
			if tuple.SubjectRelation != "" && tuple.SubjectRelation != entities.RelationMember {
				continue
			}
			adjacency[tuple.SubjectEntity()] = append(adjacency[tuple.SubjectEntity()], tuple.Entity())
		} else {
			adjacency[tuple.Entity()] = append(adjacency[tuple.Entity()], tuple.SubjectEntity())
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[entities.EntityRef]int)
	var stack []entities.EntityRef
	var cycles [][]string

	var visit func(node entities.EntityRef)
	visit = func(node entities.EntityRef) {
		color[node] = gray
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: the cycle is the stack segment from next onward.
				start := 0
				for i, ref := range stack {
					if ref == next {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(stack)-start+1)
				for _, ref := range stack[start:] {
					cycle = append(cycle, ref.String())
				}
				cycle = append(cycle, next.String())
				cycles = append(cycles, cycle)
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
	}

	nodes := lo.Keys(adjacency)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
	for _, node := range nodes {
		if color[node] == white {
			visit(node)
		}
	}

	return cycles, nil
}

// lockKey canonicalizes an entity identity for lock acquisition.
func lockKey(namespace string, ref entities.EntityRef) string {
	return namespace + "/" + ref.String()
}
