package memory

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// RelationStore is the in-memory implementation of RelationRepository,
// backed by a shared Store.
type RelationStore struct {
	s *Store
}

var _ repositories.RelationRepository = (*RelationStore)(nil)

// Write inserts an edge and returns its ID. Duplicate writes refresh the
// stored expiry and return the existing ID.
func (r *RelationStore) Write(ctx context.Context, namespace string, tuple *entities.RelationTuple) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nd := r.s.ns(namespace, true)
	key := keyOf(tuple)

	if existing, ok := nd.edges[key]; ok {
		existing.ExpiresAt = copyTime(tuple.ExpiresAt)
		r.s.version++
		return existing.ID, nil
	}

	id, err := newID()
	if err != nil {
		return "", err
	}

	stored := copyTuple(tuple)
	stored.ID = id
	stored.CreatedAt = time.Now().UTC()

	nd.edges[key] = stored
	nd.edgesByID[id] = key
	addIndex(nd.forward, stored.Entity(), key)
	addIndex(nd.reverse, stored.SubjectEntity(), key)
	r.s.version++

	return id, nil
}

// Delete removes the edge matching the tuple's endpoints.
func (r *RelationStore) Delete(ctx context.Context, namespace string, tuple *entities.RelationTuple) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return false, nil
	}

	key := keyOf(tuple)
	stored, ok := nd.edges[key]
	if !ok {
		return false, nil
	}

	removeEdge(nd, key, stored)
	r.s.version++
	return true, nil
}

// DeleteByFilter removes every edge matching the filter, expired ones
// included, and returns the number removed.
func (r *RelationStore) DeleteByFilter(ctx context.Context, namespace string, filter *repositories.RelationFilter) (int, error) {
	if isEmptyFilter(filter) {
		return 0, entities.NewValidationError("filter", "must set at least one field")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return 0, nil
	}

	var doomed []tupleKey
	for key, t := range nd.edges {
		if matchesFilter(filter, t) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		removeEdge(nd, key, nd.edges[key])
	}
	if len(doomed) > 0 {
		r.s.version++
	}
	return len(doomed), nil
}

// DeleteExpired physically removes edges whose expiry has passed.
func (r *RelationStore) DeleteExpired(ctx context.Context, namespace string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return 0, nil
	}

	now := time.Now()
	var doomed []tupleKey
	for key, t := range nd.edges {
		if t.IsExpired(now) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		removeEdge(nd, key, nd.edges[key])
	}
	if len(doomed) > 0 {
		r.s.version++
	}
	return len(doomed), nil
}

// Read retrieves edges matching the filter, ordered by insertion.
func (r *RelationStore) Read(ctx context.Context, namespace string, filter *repositories.RelationFilter) ([]*entities.RelationTuple, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return nil, nil
	}
	if filter == nil {
		filter = &repositories.RelationFilter{}
	}

	now := time.Now()
	var out []*entities.RelationTuple
	for _, key := range candidates(nd, filter) {
		t := nd.edges[key]
		if t == nil {
			continue
		}
		if !filter.IncludeExpired && t.IsExpired(now) {
			continue
		}
		if matchesFilter(filter, t) {
			out = append(out, copyTuple(t))
		}
	}

	// Edge IDs are UUIDv7, so sorting by ID restores insertion order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// candidates narrows the scan using the adjacency indexes when the filter
// pins down an entity or a subject; otherwise it is everything.
func candidates(nd *namespaceData, filter *repositories.RelationFilter) []tupleKey {
	if filter.EntityType != "" && filter.EntityID != "" {
		return lo.Keys(nd.forward[entities.EntityRef{Type: filter.EntityType, ID: filter.EntityID}])
	}
	if filter.SubjectType != "" && filter.SubjectID != "" {
		return lo.Keys(nd.reverse[entities.EntityRef{Type: filter.SubjectType, ID: filter.SubjectID}])
	}
	return lo.Keys(nd.edges)
}

// GetByID retrieves a single edge by ID. Expired edges count as absent.
func (r *RelationStore) GetByID(ctx context.Context, namespace string, id string) (*entities.RelationTuple, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	nd := r.s.ns(namespace, false)
	if nd != nil {
		if key, ok := nd.edgesByID[id]; ok {
			if t := nd.edges[key]; t != nil && !t.IsExpired(time.Now()) {
				return copyTuple(t), nil
			}
		}
	}
	return nil, entities.NewNotFoundError("relationship", id)
}

// CheckExists checks if a live edge with the tuple's endpoints exists.
func (r *RelationStore) CheckExists(ctx context.Context, namespace string, tuple *entities.RelationTuple) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return false, nil
	}
	t, ok := nd.edges[keyOf(tuple)]
	if !ok || t.IsExpired(time.Now()) {
		return false, nil
	}
	return true, nil
}

// DistinctEntityIDs lists the distinct IDs of entities of the given type that
// appear on the resource side of a live edge, sorted.
func (r *RelationStore) DistinctEntityIDs(ctx context.Context, namespace string, entityType string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return nil, nil
	}

	now := time.Now()
	seen := make(map[string]struct{})
	for ref, keys := range nd.forward {
		if ref.Type != entityType {
			continue
		}
		for key := range keys {
			if t := nd.edges[key]; t != nil && !t.IsExpired(now) {
				seen[ref.ID] = struct{}{}
				break
			}
		}
	}

	ids := lo.Keys(seen)
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of live edges in the namespace.
func (r *RelationStore) Count(ctx context.Context, namespace string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	nd := r.s.ns(namespace, false)
	if nd == nil {
		return 0, nil
	}

	now := time.Now()
	count := 0
	for _, t := range nd.edges {
		if !t.IsExpired(now) {
			count++
		}
	}
	return count, nil
}

// Namespaces lists every namespace with at least one edge, expired ones
// included so maintenance can reach them.
func (r *RelationStore) Namespaces(ctx context.Context) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []string
	for ns, nd := range r.s.namespaces {
		if len(nd.edges) > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func removeEdge(nd *namespaceData, key tupleKey, t *entities.RelationTuple) {
	delete(nd.edges, key)
	delete(nd.edgesByID, t.ID)
	dropIndex(nd.forward, t.Entity(), key)
	dropIndex(nd.reverse, t.SubjectEntity(), key)
}

func matchesFilter(f *repositories.RelationFilter, t *entities.RelationTuple) bool {
	if f.EntityType != "" && t.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && t.EntityID != f.EntityID {
		return false
	}
	if len(f.EntityIDs) > 0 && !lo.Contains(f.EntityIDs, t.EntityID) {
		return false
	}
	if f.Relation != "" && t.Relation != f.Relation {
		return false
	}
	if len(f.Relations) > 0 && !lo.Contains(f.Relations, t.Relation) {
		return false
	}
	if f.SubjectType != "" && t.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && t.SubjectID != f.SubjectID {
		return false
	}
	if f.SubjectRelation != "" && t.SubjectRelation != f.SubjectRelation {
		return false
	}
	return true
}

func isEmptyFilter(f *repositories.RelationFilter) bool {
	if f == nil {
		return true
	}
	return f.EntityType == "" && f.EntityID == "" && len(f.EntityIDs) == 0 &&
		f.Relation == "" && len(f.Relations) == 0 &&
		f.SubjectType == "" && f.SubjectID == "" && f.SubjectRelation == ""
}
