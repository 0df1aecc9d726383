package memory

import (
	"context"
	"sort"
	"time"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// HierarchyStore is the in-memory implementation of HierarchyRepository,
// backed by a shared Store.
type HierarchyStore struct {
	s *Store
}

var _ repositories.HierarchyRepository = (*HierarchyStore)(nil)

// Write inserts a rule and returns its ID. Writing an existing rule returns
// the existing ID without modifying anything.
func (h *HierarchyStore) Write(ctx context.Context, namespace string, rule *entities.HierarchyRule) (string, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	nd := h.s.ns(namespace, true)
	key := ruleKey{entityType: rule.EntityType, permission: rule.Permission, implies: rule.Implies}

	if existing, ok := nd.rules[key]; ok {
		return existing.ID, nil
	}

	id, err := newID()
	if err != nil {
		return "", err
	}

	stored := copyRule(rule)
	stored.ID = id
	stored.Namespace = namespace
	stored.CreatedAt = time.Now().UTC()

	nd.rules[key] = stored
	nd.rulesByID[id] = key
	h.s.version++

	return id, nil
}

// Delete removes the rule matching the given coordinates.
func (h *HierarchyStore) Delete(ctx context.Context, namespace string, entityType, permission, implies string) (bool, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	nd := h.s.ns(namespace, false)
	if nd == nil {
		return false, nil
	}

	key := ruleKey{entityType: entityType, permission: permission, implies: implies}
	stored, ok := nd.rules[key]
	if !ok {
		return false, nil
	}

	delete(nd.rules, key)
	delete(nd.rulesByID, stored.ID)
	h.s.version++
	return true, nil
}

// GetByID retrieves a single rule by ID.
func (h *HierarchyStore) GetByID(ctx context.Context, namespace string, id string) (*entities.HierarchyRule, error) {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	nd := h.s.ns(namespace, false)
	if nd != nil {
		if key, ok := nd.rulesByID[id]; ok {
			if r := nd.rules[key]; r != nil {
				return copyRule(r), nil
			}
		}
	}
	return nil, entities.NewNotFoundError("hierarchy rule", id)
}

// List retrieves every rule in the namespace, ordered by insertion.
func (h *HierarchyStore) List(ctx context.Context, namespace string) ([]*entities.HierarchyRule, error) {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	nd := h.s.ns(namespace, false)
	if nd == nil {
		return nil, nil
	}

	var out []*entities.HierarchyRule
	for _, r := range nd.rules {
		out = append(out, copyRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByEntityType retrieves the namespace's rules for one entity type,
// ordered by insertion.
func (h *HierarchyStore) ListByEntityType(ctx context.Context, namespace string, entityType string) ([]*entities.HierarchyRule, error) {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	nd := h.s.ns(namespace, false)
	if nd == nil {
		return nil, nil
	}

	var out []*entities.HierarchyRule
	for _, r := range nd.rules {
		if r.EntityType == entityType {
			out = append(out, copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClearByEntityType removes every rule for the entity type.
func (h *HierarchyStore) ClearByEntityType(ctx context.Context, namespace string, entityType string) (int, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	nd := h.s.ns(namespace, false)
	if nd == nil {
		return 0, nil
	}

	removed := 0
	for key, stored := range nd.rules {
		if stored.EntityType != entityType {
			continue
		}
		delete(nd.rules, key)
		delete(nd.rulesByID, stored.ID)
		removed++
	}
	if removed > 0 {
		h.s.version++
	}
	return removed, nil
}

// Namespaces lists every namespace with at least one rule.
func (h *HierarchyStore) Namespaces(ctx context.Context) ([]string, error) {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	var out []string
	for ns, nd := range h.s.namespaces {
		if len(nd.rules) > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}
