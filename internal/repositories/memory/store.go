package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// tupleKey is the uniqueness key of a relationship edge within a namespace.
type tupleKey struct {
	entityType      string
	entityID        string
	relation        string
	subjectType     string
	subjectID       string
	subjectRelation string
}

func keyOf(t *entities.RelationTuple) tupleKey {
	return tupleKey{
		entityType:      t.EntityType,
		entityID:        t.EntityID,
		relation:        t.Relation,
		subjectType:     t.SubjectType,
		subjectID:       t.SubjectID,
		subjectRelation: t.SubjectRelation,
	}
}

// ruleKey is the uniqueness key of a hierarchy rule within a namespace.
type ruleKey struct {
	entityType string
	permission string
	implies    string
}

// namespaceData holds one namespace's edges and rules plus the adjacency
// indexes used to answer forward (by resource) and inverse (by subject)
// queries without scanning everything.
type namespaceData struct {
	edges     map[tupleKey]*entities.RelationTuple
	edgesByID map[string]tupleKey
	forward   map[entities.EntityRef]map[tupleKey]struct{}
	reverse   map[entities.EntityRef]map[tupleKey]struct{}

	rules     map[ruleKey]*entities.HierarchyRule
	rulesByID map[string]ruleKey
}

func newNamespaceData() *namespaceData {
	return &namespaceData{
		edges:     make(map[tupleKey]*entities.RelationTuple),
		edgesByID: make(map[string]tupleKey),
		forward:   make(map[entities.EntityRef]map[tupleKey]struct{}),
		reverse:   make(map[entities.EntityRef]map[tupleKey]struct{}),
		rules:     make(map[ruleKey]*entities.HierarchyRule),
		rulesByID: make(map[string]ruleKey),
	}
}

// Store is an in-memory backend suitable for tests and embedded use. It holds
// every namespace's edges and hierarchy rules behind one RWMutex and hands
// out repository views over the shared data via Relations and Hierarchies.
// A version counter bumped on every mutation doubles as the snapshot token.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceData
	version    uint64
}

var _ repositories.SnapshotProvider = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{namespaces: make(map[string]*namespaceData)}
}

// Relations returns the relationship edge repository view.
func (s *Store) Relations() *RelationStore {
	return &RelationStore{s: s}
}

// Hierarchies returns the hierarchy rule repository view.
func (s *Store) Hierarchies() *HierarchyStore {
	return &HierarchyStore{s: s}
}

// SnapshotToken returns a token that changes on every mutation.
func (s *Store) SnapshotToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return "mem-" + strconv.FormatUint(s.version, 10), nil
}

// ns returns the namespace data, creating it when create is set.
// Callers hold the store mutex.
func (s *Store) ns(namespace string, create bool) *namespaceData {
	nd, ok := s.namespaces[namespace]
	if !ok && create {
		nd = newNamespaceData()
		s.namespaces[namespace] = nd
	}
	return nd
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

func addIndex(idx map[entities.EntityRef]map[tupleKey]struct{}, ref entities.EntityRef, key tupleKey) {
	set, ok := idx[ref]
	if !ok {
		set = make(map[tupleKey]struct{})
		idx[ref] = set
	}
	set[key] = struct{}{}
}

func dropIndex(idx map[entities.EntityRef]map[tupleKey]struct{}, ref entities.EntityRef, key tupleKey) {
	if set, ok := idx[ref]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(idx, ref)
		}
	}
}

func copyTuple(t *entities.RelationTuple) *entities.RelationTuple {
	cp := *t
	cp.ExpiresAt = copyTime(t.ExpiresAt)
	return &cp
}

func copyRule(r *entities.HierarchyRule) *entities.HierarchyRule {
	cp := *r
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
