package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/audit"
	"github.com/orthrus-authz/orthrus/internal/repositories"
	"github.com/orthrus-authz/orthrus/pkg/keylock"
)

// DefaultMaxHierarchyDepth bounds implication-closure walks when no depth is
// configured. Real hierarchies are a handful of levels deep.
const DefaultMaxHierarchyDepth = 16

// HierarchyService owns the permission implication rules. Writes are
// validated against the union of global and tenant rules, so a tenant rule
// that would only close a loop together with global edges is still caught.
type HierarchyService struct {
	hierarchyRepo repositories.HierarchyRepository
	locks         *keylock.KeyLock
	auditSink     audit.Sink
	maxDepth      int
}

// NewHierarchyService creates a new HierarchyService. locks may be shared
// with other services; auditSink may be nil.
func NewHierarchyService(hierarchyRepo repositories.HierarchyRepository, locks *keylock.KeyLock, auditSink audit.Sink, maxDepth int) *HierarchyService {
	if locks == nil {
		locks = keylock.New(keylock.DefaultStripes)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxHierarchyDepth
	}
	return &HierarchyService{
		hierarchyRepo: hierarchyRepo,
		locks:         locks,
		auditSink:     auditSink,
		maxDepth:      maxDepth,
	}
}

// AddHierarchyRequest contains the parameters for adding an implication rule.
type AddHierarchyRequest struct {
	Context    entities.AccessContext
	EntityType string // Resource type the rule applies to (e.g., "repo")
	Permission string // Permission that is held (e.g., "admin")
	Implies    string // Permission that follows from it (e.g., "write")
}

// RemoveHierarchyRequest contains the parameters for removing a rule.
type RemoveHierarchyRequest struct {
	Context    entities.AccessContext
	EntityType string
	Permission string
	Implies    string
}

// ClearHierarchyRequest removes every rule for one entity type.
type ClearHierarchyRequest struct {
	Context    entities.AccessContext
	EntityType string
}

// AddHierarchy inserts an implication rule and returns its ID. It fails
// with SelfImplicationError when permission and implies are equal, and with
// CycleError when the new edge would let implies lead back to permission
// through existing global or tenant rules. Duplicate insertion returns the
// existing ID.
func (s *HierarchyService) AddHierarchy(ctx context.Context, req *AddHierarchyRequest) (string, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return "", err
	}

	rule := &entities.HierarchyRule{
		Namespace:  namespace,
		EntityType: req.EntityType,
		Permission: req.Permission,
		Implies:    req.Implies,
	}
	if err := rule.Validate(); err != nil {
		return "", err
	}

	// One lock per entity type across all namespaces: two writers racing to
	// add reciprocal rules serialize here, and the loser re-validates
	// against the winner's committed rule.
	unlock := s.locks.Lock("hierarchy/" + req.EntityType)
	defer unlock()

	rules, err := s.EffectiveRules(ctx, namespace, req.EntityType)
	if err != nil {
		return "", err
	}
	if chain := implicationChain(rules, req.Implies, req.Permission, s.maxDepth); chain != nil {
		path := append([]string{req.Permission}, chain...)
		return "", entities.NewCycleError(rule.String(), path)
	}

	id, err := s.hierarchyRepo.Write(ctx, namespace, rule)
	if err != nil {
		return "", err
	}

	s.emitRuleEvent(ctx, req.Context, audit.EventAddHierarchy, req.EntityType, req.Permission, req.Implies, 0)
	return id, nil
}

// RemoveHierarchy removes an implication rule. Returns true if a rule was
// removed, false if none matched.
func (s *HierarchyService) RemoveHierarchy(ctx context.Context, req *RemoveHierarchyRequest) (bool, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return false, err
	}
	if err := entities.ValidateTypeName("entity type", req.EntityType); err != nil {
		return false, err
	}

	removed, err := s.hierarchyRepo.Delete(ctx, namespace, req.EntityType, req.Permission, req.Implies)
	if err != nil {
		return false, fmt.Errorf("failed to remove hierarchy rule: %w", err)
	}

	if removed {
		s.emitRuleEvent(ctx, req.Context, audit.EventRemoveHierarchy, req.EntityType, req.Permission, req.Implies, 0)
	}
	return removed, nil
}

// ClearHierarchy removes every rule for the entity type and returns the
// number removed.
func (s *HierarchyService) ClearHierarchy(ctx context.Context, req *ClearHierarchyRequest) (int, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return 0, err
	}
	if err := entities.ValidateTypeName("entity type", req.EntityType); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock("hierarchy/" + req.EntityType)
	defer unlock()

	count, err := s.hierarchyRepo.ClearByEntityType(ctx, namespace, req.EntityType)
	if err != nil {
		return 0, fmt.Errorf("failed to clear hierarchy rules: %w", err)
	}

	if count > 0 {
		s.emitRuleEvent(ctx, req.Context, audit.EventClearHierarchy, req.EntityType, "", "", count)
	}
	return count, nil
}

// ListHierarchy retrieves the namespace's own rules, optionally narrowed to
// one entity type. Global rules are not included; EffectiveRules composes
// the two views.
func (s *HierarchyService) ListHierarchy(ctx context.Context, accessCtx entities.AccessContext, entityType string) ([]*entities.HierarchyRule, error) {
	namespace := accessCtx.TenantID
	if err := accessCtx.Authorize(namespace); err != nil {
		return nil, err
	}

	if entityType == "" {
		return s.hierarchyRepo.List(ctx, namespace)
	}
	return s.hierarchyRepo.ListByEntityType(ctx, namespace, entityType)
}

// GetHierarchyRule retrieves a single rule by ID. Returns NotFoundError
// when no rule has that ID.
func (s *HierarchyService) GetHierarchyRule(ctx context.Context, accessCtx entities.AccessContext, id string) (*entities.HierarchyRule, error) {
	namespace := accessCtx.TenantID
	if err := accessCtx.Authorize(namespace); err != nil {
		return nil, err
	}
	return s.hierarchyRepo.GetByID(ctx, namespace, id)
}

// EffectiveRules returns the rules visible to the namespace for one entity
// type: the global set plus the namespace's own.
func (s *HierarchyService) EffectiveRules(ctx context.Context, namespace, entityType string) ([]*entities.HierarchyRule, error) {
	rules, err := s.hierarchyRepo.ListByEntityType(ctx, entities.NamespaceGlobal, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list global hierarchy rules: %w", err)
	}

	if namespace != entities.NamespaceGlobal {
		tenantRules, err := s.hierarchyRepo.ListByEntityType(ctx, namespace, entityType)
		if err != nil {
			return nil, fmt.Errorf("failed to list hierarchy rules: %w", err)
		}
		rules = append(rules, tenantRules...)
	}
	return rules, nil
}

// PermissionClosure returns the permission itself plus every permission
// that transitively implies it over the effective rule set. Holding any
// member of the closure grants the permission. The requested permission is
// always first; the rest are in breadth order.
func (s *HierarchyService) PermissionClosure(ctx context.Context, namespace, entityType, permission string) ([]string, error) {
	rules, err := s.EffectiveRules(ctx, namespace, entityType)
	if err != nil {
		return nil, err
	}

	reverse := make(map[string][]string)
	for _, rule := range rules {
		reverse[rule.Implies] = append(reverse[rule.Implies], rule.Permission)
	}

	closure := []string{permission}
	seen := map[string]bool{permission: true}
	frontier := []string{permission}

	for depth := 0; depth < s.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, p := range frontier {
			for _, q := range reverse[p] {
				if !seen[q] {
					seen[q] = true
					next = append(next, q)
				}
			}
		}
		sort.Strings(next)
		closure = append(closure, next...)
		frontier = next
	}

	return closure, nil
}

// ImplicationPath returns the chain [from, ..., to] when to is reachable
// from from through implies edges, or nil when it is not. Explain uses it
// to render the hierarchy step of a witness path.
func (s *HierarchyService) ImplicationPath(ctx context.Context, namespace, entityType, from, to string) ([]string, error) {
	rules, err := s.EffectiveRules(ctx, namespace, entityType)
	if err != nil {
		return nil, err
	}
	if from == to {
		return []string{from}, nil
	}
	return implicationChain(rules, from, to, s.maxDepth), nil
}

// DetectCycles enumerates implication cycles in the namespace's effective
// rule set, per entity type. Guarded writes never admit one; this is the
// diagnostic for data that bypassed them.
func (s *HierarchyService) DetectCycles(ctx context.Context, accessCtx entities.AccessContext) ([][]string, error) {
	namespace := accessCtx.TenantID
	if err := accessCtx.Authorize(namespace); err != nil {
		return nil, err
	}

	rules, err := s.hierarchyRepo.List(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchy rules: %w", err)
	}
	if namespace != entities.NamespaceGlobal {
		globalRules, err := s.hierarchyRepo.List(ctx, entities.NamespaceGlobal)
		if err != nil {
			return nil, fmt.Errorf("failed to list global hierarchy rules: %w", err)
		}
		rules = append(rules, globalRules...)
	}

	byType := lo.GroupBy(rules, func(rule *entities.HierarchyRule) string { return rule.EntityType })
	types := lo.Keys(byType)
	sort.Strings(types)

	var cycles [][]string
	for _, entityType := range types {
		cycles = append(cycles, detectRuleCycles(entityType, byType[entityType])...)
	}
	return cycles, nil
}

func (s *HierarchyService) emitRuleEvent(ctx context.Context, accessCtx entities.AccessContext, eventType, entityType, permission, implies string, count int) {
	if s.auditSink == nil {
		return
	}
	event := audit.NewEvent(eventType)
	event.Namespace = accessCtx.TenantID
	event.Actor = accessCtx.ActorID
	event.RequestID = accessCtx.RequestID
	event.EntityType = entityType
	if permission != "" {
		event.Relation = permission + "=>" + implies
	}
	event.Count = count
	s.auditSink.Emit(ctx, event)
}

// implicationChain returns the permission chain [from, ..., to] when to is
// reachable from from by following implies edges, or nil.
func implicationChain(rules []*entities.HierarchyRule, from, to string, maxDepth int) []string {
	adjacency := make(map[string][]string)
	for _, rule := range rules {
		adjacency[rule.Permission] = append(adjacency[rule.Permission], rule.Implies)
	}

	parent := make(map[string]string)
	seen := map[string]bool{from: true}
	frontier := []string{from}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, p := range frontier {
			for _, q := range adjacency[p] {
				if seen[q] {
					continue
				}
				seen[q] = true
				parent[q] = p
				if q == to {
					chain := []string{to}
					for cur := to; cur != from; {
						cur = parent[cur]
						chain = append([]string{cur}, chain...)
					}
					return chain
				}
				next = append(next, q)
			}
		}
		frontier = next
	}
	return nil
}

// detectRuleCycles runs a coloring DFS over one entity type's implication
// graph and collects every cycle path.
func detectRuleCycles(entityType string, rules []*entities.HierarchyRule) [][]string {
	adjacency := make(map[string][]string)
	for _, rule := range rules {
		adjacency[rule.Permission] = append(adjacency[rule.Permission], rule.Implies)
	}
	for _, targets := range adjacency {
		sort.Strings(targets)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				start := 0
				for i, p := range stack {
					if p == next {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(stack)-start+1)
				for _, p := range stack[start:] {
					cycle = append(cycle, entityType+"/"+p)
				}
				cycle = append(cycle, entityType+"/"+next)
				cycles = append(cycles, cycle)
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
	}

	nodes := lo.Keys(adjacency)
	sort.Strings(nodes)
	for _, node := range nodes {
		if color[node] == white {
			visit(node)
		}
	}

	return cycles
}
