package authorization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
	"github.com/orthrus-authz/orthrus/pkg/cache"
)

// CheckerInterface defines the interface for permission checking
type CheckerInterface interface {
	Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error)
	CheckMultiple(ctx context.Context, req *CheckRequest, permissions []string) (map[string]bool, error)
}

// Checker answers permission checks. A permission is held when the subject
// is connected to the resource under the permission itself or under any
// permission that transitively implies it.
type Checker struct {
	hierarchy HierarchyResolver
	evaluator *Evaluator
	cache     cache.Cache                   // Optional cache for check results
	snapshots repositories.SnapshotProvider // Optional snapshot provider for cache consistency
	cacheTTL  time.Duration                 // TTL for cached results
}

// CheckRequest contains the parameters for a permission check
type CheckRequest struct {
	Context     entities.AccessContext
	EntityType  string // Resource entity type (e.g., "repo")
	EntityID    string // Resource entity ID (e.g., "api")
	Permission  string // Permission to check (e.g., "read")
	SubjectType string // Subject type (e.g., "user")
	SubjectID   string // Subject ID (e.g., "alice")

	// SnapshotToken pins the cache key to a previously observed snapshot.
	// Empty means the current snapshot.
	SnapshotToken string
}

// CheckResponse contains the result of a permission check
type CheckResponse struct {
	Allowed bool // Whether the subject has the permission
}

// NewChecker creates a new Checker without caching
func NewChecker(hierarchy HierarchyResolver, evaluator *Evaluator) *Checker {
	return &Checker{
		hierarchy: hierarchy,
		evaluator: evaluator,
	}
}

// NewCheckerWithCache creates a new Checker with caching enabled. Results
// are keyed to a storage snapshot token, so any mutation makes older entries
// unreachable. Edge expiry does not move the snapshot; a result computed
// before an edge lapsed can be served for up to cacheTTL afterwards.
func NewCheckerWithCache(
	hierarchy HierarchyResolver,
	evaluator *Evaluator,
	c cache.Cache,
	snapshots repositories.SnapshotProvider,
	cacheTTL time.Duration,
) *Checker {
	return &Checker{
		hierarchy: hierarchy,
		evaluator: evaluator,
		cache:     c,
		snapshots: snapshots,
		cacheTTL:  cacheTTL,
	}
}

// generateCacheKey generates a cache key for the check request
func (c *Checker) generateCacheKey(req *CheckRequest, snapshotToken string) string {
	keyData := fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		req.Context.TenantID,
		req.EntityType,
		req.EntityID,
		req.Permission,
		req.SubjectType,
		req.SubjectID,
		snapshotToken,
	)
	// Hash the key to keep it short
	hash := sha256.Sum256([]byte(keyData))
	return hex.EncodeToString(hash[:])
}

// Check performs a permission check. Unknown resources, subjects and
// permissions yield a denied response, never an error; errors are reserved
// for malformed requests and infrastructure failures.
func (c *Checker) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return nil, err
	}
	if err := validateCheckTarget(req.EntityType, req.EntityID, req.Permission, req.SubjectType, req.SubjectID); err != nil {
		return nil, fmt.Errorf("invalid check request: %w", err)
	}

	useCache := c.cache != nil && c.snapshots != nil

	var snapshotToken string
	var cacheKey string

	if useCache {
		if req.SnapshotToken != "" {
			snapshotToken = req.SnapshotToken
		} else {
			token, err := c.snapshots.SnapshotToken(ctx)
			if err != nil {
				// A missing token only costs the cache, not the check.
				useCache = false
			} else {
				snapshotToken = token
			}
		}

		if useCache {
			cacheKey = c.generateCacheKey(req, snapshotToken)
			if cached, found := c.cache.Get(ctx, cacheKey); found {
				if allowed, ok := cached.(bool); ok {
					return &CheckResponse{Allowed: allowed}, nil
				}
			}
		}
	}

	allowed, err := c.check(ctx, namespace, req)
	if err != nil {
		return nil, err
	}

	if useCache && cacheKey != "" {
		_ = c.cache.Set(ctx, cacheKey, allowed, c.cacheTTL)
	}

	return &CheckResponse{Allowed: allowed}, nil
}

// check resolves the permission closure and walks the edge graph once per
// closure member, sharing one traversal memo across all of them.
func (c *Checker) check(ctx context.Context, namespace string, req *CheckRequest) (bool, error) {
	closure, err := c.hierarchy.PermissionClosure(ctx, namespace, req.EntityType, req.Permission)
	if err != nil {
		return false, fmt.Errorf("failed to resolve permission closure: %w", err)
	}

	entity := entities.EntityRef{Type: req.EntityType, ID: req.EntityID}
	query := c.evaluator.NewQuery(namespace, req.SubjectType, req.SubjectID)

	for _, relation := range closure {
		allowed, err := query.Connected(ctx, entity, relation)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate %s: %w", relation, err)
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// CheckMultiple performs multiple permission checks in a single call.
// Returns a map of permission name to whether it is allowed; a permission
// whose check fails is reported as denied.
func (c *Checker) CheckMultiple(ctx context.Context, req *CheckRequest, permissions []string) (map[string]bool, error) {
	results := make(map[string]bool)

	for _, permission := range permissions {
		checkReq := &CheckRequest{
			Context:       req.Context,
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			Permission:    permission,
			SubjectType:   req.SubjectType,
			SubjectID:     req.SubjectID,
			SnapshotToken: req.SnapshotToken,
		}

		resp, err := c.Check(ctx, checkReq)
		if err != nil {
			results[permission] = false
			continue
		}
		results[permission] = resp.Allowed
	}

	return results, nil
}

// validateCheckTarget validates the resource, permission and subject
// coordinates shared by check, explain and the lookup operations.
func validateCheckTarget(entityType, entityID, permission, subjectType, subjectID string) error {
	if err := entities.ValidateTypeName("entity type", entityType); err != nil {
		return err
	}
	if err := entities.ValidateID("entity ID", entityID); err != nil {
		return err
	}
	if err := entities.ValidateRelationName("permission", permission); err != nil {
		return err
	}
	if err := entities.ValidateTypeName("subject type", subjectType); err != nil {
		return err
	}
	if err := entities.ValidateID("subject ID", subjectID); err != nil {
		return err
	}
	return nil
}
