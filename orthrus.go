// Package orthrus is an embeddable relationship-based authorization engine.
//
// Authorization state is a set of relationship edges (who holds which
// relation on which resource) plus a set of permission hierarchy rules
// (which permission implies which). An Engine answers permission checks by
// walking the edge graph under the checked permission and every permission
// that transitively implies it, through group membership, userset references
// and parent resource inheritance.
//
// Construct an Engine with NewMemoryEngine or NewPostgresEngine and call
// its methods directly. All state is namespaced by tenant; operations carry
// an AccessContext naming the acting tenant and actor, and a request is
// only served inside the tenant it is authorized for.
package orthrus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/audit"
	infracache "github.com/orthrus-authz/orthrus/internal/infrastructure/cache"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/metrics"
	"github.com/orthrus-authz/orthrus/internal/repositories"
	"github.com/orthrus-authz/orthrus/internal/repositories/memory"
	"github.com/orthrus-authz/orthrus/internal/repositories/postgres"
	"github.com/orthrus-authz/orthrus/internal/services"
	"github.com/orthrus-authz/orthrus/internal/services/authorization"
	"github.com/orthrus-authz/orthrus/pkg/cache"
	"github.com/orthrus-authz/orthrus/pkg/keylock"
)

// Aliases for the request, response and entity types of the engine, so that
// callers never import internal packages.
type (
	AccessContext = entities.AccessContext
	EntityRef     = entities.EntityRef
	RelationTuple = entities.RelationTuple
	HierarchyRule = entities.HierarchyRule

	RelationFilter   = repositories.RelationFilter
	SnapshotProvider = repositories.SnapshotProvider

	GrantRequest                = services.GrantRequest
	RevokeRequest               = services.RevokeRequest
	RevokeSubjectGrantsRequest  = services.RevokeSubjectGrantsRequest
	RevokeResourceGrantsRequest = services.RevokeResourceGrantsRequest
	ReadRelationshipsRequest    = services.ReadRelationshipsRequest
	AddHierarchyRequest         = services.AddHierarchyRequest
	RemoveHierarchyRequest      = services.RemoveHierarchyRequest
	ClearHierarchyRequest       = services.ClearHierarchyRequest

	CheckRequest          = authorization.CheckRequest
	CheckResponse         = authorization.CheckResponse
	ExplainRequest        = authorization.ExplainRequest
	ExplainResponse       = authorization.ExplainResponse
	ListResourcesRequest  = authorization.ListResourcesRequest
	ListResourcesResponse = authorization.ListResourcesResponse
	ListUsersRequest      = authorization.ListUsersRequest
	ListUsersResponse     = authorization.ListUsersResponse
	Hop                   = authorization.Hop

	AuditEvent      = audit.Event
	AuditSink       = audit.Sink
	MemoryAuditSink = audit.MemorySink

	SnapshotManager = infracache.SnapshotManager

	MetricsRecorder  = metrics.Recorder
	MetricsCollector = metrics.Collector
	OpMetrics        = metrics.OpMetrics
	CacheMetrics     = metrics.CacheMetrics
)

// NamespaceGlobal is the reserved namespace for platform-wide hierarchy
// rules. Rules written here apply in every tenant unless the tenant
// overrides the same (entity type, permission) pair.
const NamespaceGlobal = entities.NamespaceGlobal

// Traversal clauses reported in explain paths.
const (
	ViaDirect  = authorization.ViaDirect
	ViaGroup   = authorization.ViaGroup
	ViaUserset = authorization.ViaUserset
	ViaParent  = authorization.ViaParent
)

// Audit event types, as reported in AuditEvent.Type.
const (
	EventGrant                = audit.EventGrant
	EventRevoke               = audit.EventRevoke
	EventRevokeSubjectGrants  = audit.EventRevokeSubjectGrants
	EventRevokeResourceGrants = audit.EventRevokeResourceGrants
	EventAddHierarchy         = audit.EventAddHierarchy
	EventRemoveHierarchy      = audit.EventRemoveHierarchy
	EventClearHierarchy       = audit.EventClearHierarchy
)

// IsValidationError reports whether err was caused by a malformed request.
func IsValidationError(err error) bool { return entities.IsValidationError(err) }

// IsCycleError reports whether err was caused by a write that would create
// a membership or implication cycle.
func IsCycleError(err error) bool { return entities.IsCycleError(err) }

// IsSelfImplicationError reports whether err was caused by a hierarchy rule
// implying itself.
func IsSelfImplicationError(err error) bool { return entities.IsSelfImplicationError(err) }

// IsNotFoundError reports whether err means the requested record does not
// exist.
func IsNotFoundError(err error) bool { return entities.IsNotFoundError(err) }

// IsAccessDeniedError reports whether err means the access context is not
// authorized for the namespace it addressed.
func IsAccessDeniedError(err error) bool { return entities.IsAccessDeniedError(err) }

// NewSlogAuditSink returns an AuditSink that writes events as structured
// log records. A nil logger means slog.Default.
func NewSlogAuditSink(logger *slog.Logger) AuditSink {
	return audit.NewSlogSink(logger)
}

// NewMemoryAuditSink returns an in-memory AuditSink for tests.
func NewMemoryAuditSink() *MemoryAuditSink {
	return audit.NewMemorySink()
}

// NewSnapshotManager returns a snapshot provider that serves tokens from
// memory, refreshed by the database's snapshot_changed notifications with a
// TTL fallback. Call Start before use and Stop when done. connStr is the
// connection string the LISTEN session dials.
func NewSnapshotManager(db *sql.DB, connStr string, refreshTTL time.Duration) *SnapshotManager {
	return infracache.NewSnapshotManager(db, connStr, refreshTTL)
}

// NewMetricsRecorder returns a recorder that aggregates in-process counters
// only. Inspect them through Collector.
func NewMetricsRecorder() *MetricsRecorder {
	return metrics.NewRecorder(metrics.NewCollector(), nil)
}

// NewPrometheusRecorder returns a recorder that additionally exports to the
// default Prometheus registry. Registration is global, so call this at most
// once per process.
func NewPrometheusRecorder() *MetricsRecorder {
	collector := metrics.NewCollector()
	return metrics.NewRecorder(collector, metrics.NewPrometheusExporter(collector))
}

type options struct {
	auditSink         audit.Sink
	cache             cache.Cache
	cacheTTL          time.Duration
	snapshots         repositories.SnapshotProvider
	recorder          *metrics.Recorder
	maxTraversalDepth int
	maxHierarchyDepth int
	cascade           func(entityType string) bool
}

// Option configures an Engine.
type Option func(*options)

// WithAudit emits an audit event for every mutation to the graph.
func WithAudit(sink AuditSink) Option {
	return func(o *options) { o.auditSink = sink }
}

// WithCache caches check results in c for ttl, keyed on a store snapshot
// token so that a mutation invalidates every previously cached result.
// A non-positive ttl falls back to the cache's default.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithSnapshotProvider overrides where cached checks obtain their snapshot
// tokens. The default asks the store directly on every check; a started
// SnapshotManager serves tokens from memory instead. Only meaningful
// together with WithCache.
func WithSnapshotProvider(p SnapshotProvider) Option {
	return func(o *options) { o.snapshots = p }
}

// WithMetrics records every engine operation on rec.
func WithMetrics(rec *MetricsRecorder) Option {
	return func(o *options) { o.recorder = rec }
}

// WithMaxTraversalDepth bounds edge graph walks. Non-positive means the
// default.
func WithMaxTraversalDepth(depth int) Option {
	return func(o *options) { o.maxTraversalDepth = depth }
}

// WithMaxHierarchyDepth bounds permission implication walks. Non-positive
// means the default.
func WithMaxHierarchyDepth(depth int) Option {
	return func(o *options) { o.maxHierarchyDepth = depth }
}

// WithParentCascade restricts which entity types inherit relations from
// their parent resource. By default every type inherits.
func WithParentCascade(cascade func(entityType string) bool) Option {
	return func(o *options) { o.cascade = cascade }
}

// WithParentCascadeTypes is WithParentCascade for a fixed set of entity
// types.
func WithParentCascadeTypes(types ...string) Option {
	return WithParentCascade(func(entityType string) bool {
		return lo.Contains(types, entityType)
	})
}

// Engine bundles the relationship, hierarchy and query services over one
// store.
type Engine struct {
	relationships *services.RelationshipService
	hierarchy     *services.HierarchyService
	checker       *authorization.Checker
	lookup        *authorization.Lookup
	explainer     *authorization.Explainer

	relationRepo  repositories.RelationRepository
	hierarchyRepo repositories.HierarchyRepository

	recorder *metrics.Recorder
}

// NewMemoryEngine builds an Engine over an in-memory store. The engine
// starts empty and the store lives as long as the engine; it suits tests
// and single-process embedding.
func NewMemoryEngine(opts ...Option) *Engine {
	store := memory.NewStore()
	return newEngine(store.Relations(), store.Hierarchies(), store, opts)
}

// NewPostgresEngine builds an Engine over PostgreSQL repositories. The
// caller owns db and closes it once the engine is no longer in use.
func NewPostgresEngine(db *sql.DB, opts ...Option) *Engine {
	return newEngine(
		postgres.NewPostgresRelationRepository(db),
		postgres.NewPostgresHierarchyRepository(db),
		postgres.NewPostgresSnapshotProvider(db),
		opts,
	)
}

func newEngine(
	relationRepo repositories.RelationRepository,
	hierarchyRepo repositories.HierarchyRepository,
	snapshots repositories.SnapshotProvider,
	opts []Option,
) *Engine {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Hierarchy writes and edge writes guard against cycles under the same
	// striped locks, so reciprocal writes racing across the two services
	// still serialize per key.
	locks := keylock.New(keylock.DefaultStripes)
	guard := services.NewCycleGuard(relationRepo, locks, o.maxTraversalDepth)
	relationships := services.NewRelationshipService(relationRepo, guard, o.auditSink)
	hierarchy := services.NewHierarchyService(hierarchyRepo, locks, o.auditSink, o.maxHierarchyDepth)
	evaluator := authorization.NewEvaluator(relationRepo, o.maxTraversalDepth, o.cascade)

	if o.snapshots != nil {
		snapshots = o.snapshots
	}
	checker := authorization.NewChecker(hierarchy, evaluator)
	if o.cache != nil {
		checker = authorization.NewCheckerWithCache(hierarchy, evaluator, o.cache, snapshots, o.cacheTTL)
	}

	if o.recorder != nil && o.cache != nil {
		o.recorder.Collector().SetCache(o.cache)
	}

	return &Engine{
		relationships: relationships,
		hierarchy:     hierarchy,
		checker:       checker,
		lookup:        authorization.NewLookup(relationRepo, hierarchy, evaluator),
		explainer:     authorization.NewExplainer(hierarchy, evaluator),
		relationRepo:  relationRepo,
		hierarchyRepo: hierarchyRepo,
		recorder:      o.recorder,
	}
}

// Metrics returns the recorder the engine was built with, or nil.
func (e *Engine) Metrics() *MetricsRecorder {
	return e.recorder
}

// Grant writes a relationship edge. Granting an edge that already exists
// updates its expiry and returns the existing edge's ID. Membership edges
// that would make two containers contain each other are rejected with a
// cycle error.
func (e *Engine) Grant(ctx context.Context, req *GrantRequest) (id string, err error) {
	done := e.recorder.Begin("grant")
	defer func() { done(err) }()
	return e.relationships.Grant(ctx, req)
}

// Revoke removes a single relationship edge. It reports whether the edge
// existed.
func (e *Engine) Revoke(ctx context.Context, req *RevokeRequest) (existed bool, err error) {
	done := e.recorder.Begin("revoke")
	defer func() { done(err) }()
	return e.relationships.Revoke(ctx, req)
}

// RevokeSubjectGrants removes every edge held by a subject, optionally
// restricted to one resource type. It returns the number of edges removed.
func (e *Engine) RevokeSubjectGrants(ctx context.Context, req *RevokeSubjectGrantsRequest) (removed int, err error) {
	done := e.recorder.Begin("revoke_subject_grants")
	defer func() { done(err) }()
	return e.relationships.RevokeSubjectGrants(ctx, req)
}

// RevokeResourceGrants removes every edge on a resource, optionally
// restricted to one relation. It returns the number of edges removed.
func (e *Engine) RevokeResourceGrants(ctx context.Context, req *RevokeResourceGrantsRequest) (removed int, err error) {
	done := e.recorder.Begin("revoke_resource_grants")
	defer func() { done(err) }()
	return e.relationships.RevokeResourceGrants(ctx, req)
}

// ReadRelationships returns the live edges matching the filter, in
// insertion order.
func (e *Engine) ReadRelationships(ctx context.Context, req *ReadRelationshipsRequest) (tuples []*RelationTuple, err error) {
	done := e.recorder.Begin("read_relationships")
	defer func() { done(err) }()
	return e.relationships.ReadRelationships(ctx, req)
}

// GetRelationship returns one edge by ID.
func (e *Engine) GetRelationship(ctx context.Context, accessCtx AccessContext, id string) (tuple *RelationTuple, err error) {
	done := e.recorder.Begin("get_relationship")
	defer func() { done(err) }()
	return e.relationships.GetRelationship(ctx, accessCtx, id)
}

// SweepExpired physically removes the expired edges of the context's
// namespace and returns how many were removed. Expired edges are already
// invisible to every read; sweeping only reclaims storage.
func (e *Engine) SweepExpired(ctx context.Context, accessCtx AccessContext) (removed int, err error) {
	done := e.recorder.Begin("sweep_expired")
	defer func() { done(err) }()
	removed, err = e.relationships.SweepExpired(ctx, accessCtx)
	e.recorder.SweptEdges(removed)
	return removed, err
}

// SweepAllExpired runs SweepExpired in every namespace holding edges,
// acting as the platform actor named by actorID. It returns the total
// number of edges removed.
func (e *Engine) SweepAllExpired(ctx context.Context, actorID string) (int, error) {
	namespaces, err := e.relationRepo.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list namespaces: %w", err)
	}

	total := 0
	for _, namespace := range namespaces {
		accessCtx := AccessContext{TenantID: namespace, ActorID: actorID, Platform: true}
		removed, err := e.SweepExpired(ctx, accessCtx)
		if err != nil {
			return total, fmt.Errorf("sweep failed in namespace %s: %w", namespace, err)
		}
		total += removed
	}
	return total, nil
}

// DetectEdgeCycles reports membership and parent cycles among the live
// edges of the context's namespace. Writes reject cycles up front, so a
// non-empty result means edges were loaded from an uncontrolled source.
func (e *Engine) DetectEdgeCycles(ctx context.Context, accessCtx AccessContext) (cycles [][]string, err error) {
	done := e.recorder.Begin("detect_edge_cycles")
	defer func() { done(err) }()
	return e.relationships.DetectCycles(ctx, accessCtx)
}

// DetectAllEdgeCycles runs DetectEdgeCycles in every namespace holding
// edges, acting as the platform actor named by actorID. Namespaces without
// cycles are omitted from the result.
func (e *Engine) DetectAllEdgeCycles(ctx context.Context, actorID string) (map[string][][]string, error) {
	namespaces, err := e.relationRepo.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	found := make(map[string][][]string)
	for _, namespace := range namespaces {
		accessCtx := AccessContext{TenantID: namespace, ActorID: actorID, Platform: true}
		cycles, err := e.DetectEdgeCycles(ctx, accessCtx)
		if err != nil {
			return nil, fmt.Errorf("cycle detection failed in namespace %s: %w", namespace, err)
		}
		if len(cycles) > 0 {
			found[namespace] = cycles
		}
	}
	return found, nil
}

// AddHierarchy writes a permission hierarchy rule. Rules that would make a
// permission imply itself, directly or transitively, are rejected with a
// cycle error.
func (e *Engine) AddHierarchy(ctx context.Context, req *AddHierarchyRequest) (id string, err error) {
	done := e.recorder.Begin("add_hierarchy")
	defer func() { done(err) }()
	return e.hierarchy.AddHierarchy(ctx, req)
}

// RemoveHierarchy removes a single hierarchy rule. It reports whether the
// rule existed.
func (e *Engine) RemoveHierarchy(ctx context.Context, req *RemoveHierarchyRequest) (existed bool, err error) {
	done := e.recorder.Begin("remove_hierarchy")
	defer func() { done(err) }()
	return e.hierarchy.RemoveHierarchy(ctx, req)
}

// ClearHierarchy removes every hierarchy rule for an entity type and
// returns how many were removed.
func (e *Engine) ClearHierarchy(ctx context.Context, req *ClearHierarchyRequest) (removed int, err error) {
	done := e.recorder.Begin("clear_hierarchy")
	defer func() { done(err) }()
	return e.hierarchy.ClearHierarchy(ctx, req)
}

// ListHierarchy returns the rules written in the context's namespace for an
// entity type, or all of its entity types when entityType is empty.
func (e *Engine) ListHierarchy(ctx context.Context, accessCtx AccessContext, entityType string) (rules []*HierarchyRule, err error) {
	done := e.recorder.Begin("list_hierarchy")
	defer func() { done(err) }()
	return e.hierarchy.ListHierarchy(ctx, accessCtx, entityType)
}

// GetHierarchyRule returns one rule by ID.
func (e *Engine) GetHierarchyRule(ctx context.Context, accessCtx AccessContext, id string) (rule *HierarchyRule, err error) {
	done := e.recorder.Begin("get_hierarchy_rule")
	defer func() { done(err) }()
	return e.hierarchy.GetHierarchyRule(ctx, accessCtx, id)
}

// EffectiveRules returns the rules that govern an entity type in the
// context's namespace: the tenant's own rules plus the global rules the
// tenant does not override.
func (e *Engine) EffectiveRules(ctx context.Context, accessCtx AccessContext, entityType string) (rules []*HierarchyRule, err error) {
	done := e.recorder.Begin("effective_rules")
	defer func() { done(err) }()
	if err = accessCtx.Authorize(accessCtx.TenantID); err != nil {
		return nil, err
	}
	return e.hierarchy.EffectiveRules(ctx, accessCtx.TenantID, entityType)
}

// PermissionClosure returns the permission plus every permission that
// transitively implies it under the effective rules, the permission itself
// first.
func (e *Engine) PermissionClosure(ctx context.Context, accessCtx AccessContext, entityType, permission string) (closure []string, err error) {
	done := e.recorder.Begin("permission_closure")
	defer func() { done(err) }()
	if err = accessCtx.Authorize(accessCtx.TenantID); err != nil {
		return nil, err
	}
	return e.hierarchy.PermissionClosure(ctx, accessCtx.TenantID, entityType, permission)
}

// ImplicationPath returns the implies chain [from, ..., to] under the
// effective rules, or nil when holding from does not confer to.
func (e *Engine) ImplicationPath(ctx context.Context, accessCtx AccessContext, entityType, from, to string) (path []string, err error) {
	done := e.recorder.Begin("implication_path")
	defer func() { done(err) }()
	if err = accessCtx.Authorize(accessCtx.TenantID); err != nil {
		return nil, err
	}
	return e.hierarchy.ImplicationPath(ctx, accessCtx.TenantID, entityType, from, to)
}

// DetectRuleCycles reports implication cycles among the effective rules of
// the context's namespace. Writes reject cycles up front, so a non-empty
// result means rules were loaded from an uncontrolled source.
func (e *Engine) DetectRuleCycles(ctx context.Context, accessCtx AccessContext) (cycles [][]string, err error) {
	done := e.recorder.Begin("detect_rule_cycles")
	defer func() { done(err) }()
	return e.hierarchy.DetectCycles(ctx, accessCtx)
}

// DetectAllRuleCycles runs DetectRuleCycles in every namespace holding
// rules, acting as the platform actor named by actorID. Namespaces without
// cycles are omitted from the result.
func (e *Engine) DetectAllRuleCycles(ctx context.Context, actorID string) (map[string][][]string, error) {
	namespaces, err := e.hierarchyRepo.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	found := make(map[string][][]string)
	for _, namespace := range namespaces {
		accessCtx := AccessContext{TenantID: namespace, ActorID: actorID, Platform: true}
		cycles, err := e.DetectRuleCycles(ctx, accessCtx)
		if err != nil {
			return nil, fmt.Errorf("cycle detection failed in namespace %s: %w", namespace, err)
		}
		if len(cycles) > 0 {
			found[namespace] = cycles
		}
	}
	return found, nil
}

// Check answers whether the subject holds the permission on the resource.
// Unknown resources, subjects and permissions yield a denied response,
// never an error.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) (resp *CheckResponse, err error) {
	done := e.recorder.Begin("check")
	defer func() { done(err) }()
	return e.checker.Check(ctx, req)
}

// CheckMultiple answers one check per permission against the same resource
// and subject. Permissions whose individual check fails come back denied.
func (e *Engine) CheckMultiple(ctx context.Context, req *CheckRequest, permissions []string) (results map[string]bool, err error) {
	done := e.recorder.Begin("check_multiple")
	defer func() { done(err) }()
	return e.checker.CheckMultiple(ctx, req, permissions)
}

// Explain answers a check and reports the witness: which closure member
// held, through which implication chain, over which edges. Its verdict
// always matches what Check returns for the same request.
func (e *Engine) Explain(ctx context.Context, req *ExplainRequest) (resp *ExplainResponse, err error) {
	done := e.recorder.Begin("explain")
	defer func() { done(err) }()
	return e.explainer.Explain(ctx, req)
}

// ListResources returns the IDs of every resource of the requested type the
// subject holds the permission on, sorted.
func (e *Engine) ListResources(ctx context.Context, req *ListResourcesRequest) (resp *ListResourcesResponse, err error) {
	done := e.recorder.Begin("list_resources")
	defer func() { done(err) }()
	return e.lookup.ListResources(ctx, req)
}

// ListUsers returns the IDs of every subject of the requested type holding
// the permission on the resource, sorted.
func (e *Engine) ListUsers(ctx context.Context, req *ListUsersRequest) (resp *ListUsersResponse, err error) {
	done := e.recorder.Begin("list_users")
	defer func() { done(err) }()
	return e.lookup.ListUsers(ctx, req)
}
