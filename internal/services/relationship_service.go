package services

import (
	"context"
	"fmt"
	"time"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/audit"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// RelationshipService owns the lifecycle of relationship edges: grants,
// revocations, bulk cleanup and the expired-edge sweep. Structural edges go
// through the cycle guard; every committed mutation is reported to the
// audit sink.
type RelationshipService struct {
	relationRepo repositories.RelationRepository
	guard        *CycleGuard
	auditSink    audit.Sink
}

// NewRelationshipService creates a new RelationshipService. auditSink may
// be nil to disable audit emission.
func NewRelationshipService(relationRepo repositories.RelationRepository, guard *CycleGuard, auditSink audit.Sink) *RelationshipService {
	return &RelationshipService{
		relationRepo: relationRepo,
		guard:        guard,
		auditSink:    auditSink,
	}
}

// GrantRequest contains the parameters for granting a relationship.
type GrantRequest struct {
	Context         entities.AccessContext
	EntityType      string     // Resource type (e.g., "repo")
	EntityID        string     // Resource ID (e.g., "acme")
	Relation        string     // Relation name (e.g., "read")
	SubjectType     string     // Subject type (e.g., "user")
	SubjectID       string     // Subject ID (e.g., "alice")
	SubjectRelation string     // Optional userset relation on the subject
	ExpiresAt       *time.Time // Optional logical expiry
}

// RevokeRequest contains the parameters for revoking a single relationship.
type RevokeRequest struct {
	Context         entities.AccessContext
	EntityType      string
	EntityID        string
	Relation        string
	SubjectType     string
	SubjectID       string
	SubjectRelation string
}

// RevokeSubjectGrantsRequest removes every grant held by one subject,
// optionally narrowed to a single resource type.
type RevokeSubjectGrantsRequest struct {
	Context     entities.AccessContext
	SubjectType string
	SubjectID   string
	EntityType  string // Optional filter
}

// RevokeResourceGrantsRequest removes every grant on one resource,
// optionally narrowed to a single relation.
type RevokeResourceGrantsRequest struct {
	Context    entities.AccessContext
	EntityType string
	EntityID   string
	Relation   string // Optional filter
}

// ReadRelationshipsRequest retrieves edges matching a filter.
type ReadRelationshipsRequest struct {
	Context entities.AccessContext
	Filter  repositories.RelationFilter
}

// Grant inserts a relationship edge and returns its ID. Granting an edge
// that already exists refreshes its expiry and returns the existing ID.
// Member and parent edges are rejected with a CycleError when inserting
// them would close a loop.
func (s *RelationshipService) Grant(ctx context.Context, req *GrantRequest) (string, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return "", err
	}
	// Edges are tenant data. The global namespace only holds hierarchy rules.
	if namespace == entities.NamespaceGlobal {
		return "", entities.NewValidationError("namespace", "cannot hold relationship edges")
	}

	tuple := &entities.RelationTuple{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Relation:        req.Relation,
		SubjectType:     req.SubjectType,
		SubjectID:       req.SubjectID,
		SubjectRelation: req.SubjectRelation,
		ExpiresAt:       req.ExpiresAt,
	}
	if err := tuple.Validate(); err != nil {
		return "", err
	}

	id, err := s.guard.GuardedWrite(ctx, namespace, tuple)
	if err != nil {
		return "", err
	}

	s.emitEdgeEvent(ctx, req.Context, audit.EventGrant, tuple)
	return id, nil
}

// Revoke removes a relationship edge. Returns true if an edge was removed,
// false if none matched; absence is not an error.
func (s *RelationshipService) Revoke(ctx context.Context, req *RevokeRequest) (bool, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return false, err
	}

	tuple := &entities.RelationTuple{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Relation:        req.Relation,
		SubjectType:     req.SubjectType,
		SubjectID:       req.SubjectID,
		SubjectRelation: req.SubjectRelation,
	}
	if err := tuple.Validate(); err != nil {
		return false, err
	}

	removed, err := s.relationRepo.Delete(ctx, namespace, tuple)
	if err != nil {
		return false, fmt.Errorf("failed to revoke relationship: %w", err)
	}

	if removed {
		s.emitEdgeEvent(ctx, req.Context, audit.EventRevoke, tuple)
	}
	return removed, nil
}

// RevokeSubjectGrants removes every grant held by the subject and returns
// the number removed. Used for cleanup when a principal is deleted upstream.
func (s *RelationshipService) RevokeSubjectGrants(ctx context.Context, req *RevokeSubjectGrantsRequest) (int, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return 0, err
	}
	if err := entities.ValidateTypeName("subject type", req.SubjectType); err != nil {
		return 0, err
	}
	if err := entities.ValidateID("subject ID", req.SubjectID); err != nil {
		return 0, err
	}
	if req.EntityType != "" {
		if err := entities.ValidateTypeName("entity type", req.EntityType); err != nil {
			return 0, err
		}
	}

	count, err := s.relationRepo.DeleteByFilter(ctx, namespace, &repositories.RelationFilter{
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		EntityType:  req.EntityType,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revoke subject grants: %w", err)
	}

	if count > 0 {
		event := s.newEvent(req.Context, audit.EventRevokeSubjectGrants)
		event.SubjectType = req.SubjectType
		event.SubjectID = req.SubjectID
		event.EntityType = req.EntityType
		event.Count = count
		s.emit(ctx, event)
	}
	return count, nil
}

// RevokeResourceGrants removes every grant on the resource and returns the
// number removed. Used for cleanup when a resource is deleted upstream.
func (s *RelationshipService) RevokeResourceGrants(ctx context.Context, req *RevokeResourceGrantsRequest) (int, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return 0, err
	}
	if err := entities.ValidateTypeName("entity type", req.EntityType); err != nil {
		return 0, err
	}
	if err := entities.ValidateID("entity ID", req.EntityID); err != nil {
		return 0, err
	}
	if req.Relation != "" {
		if err := entities.ValidateRelationName("relation", req.Relation); err != nil {
			return 0, err
		}
	}

	count, err := s.relationRepo.DeleteByFilter(ctx, namespace, &repositories.RelationFilter{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Relation:   req.Relation,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revoke resource grants: %w", err)
	}

	if count > 0 {
		event := s.newEvent(req.Context, audit.EventRevokeResourceGrants)
		event.EntityType = req.EntityType
		event.EntityID = req.EntityID
		event.Relation = req.Relation
		event.Count = count
		s.emit(ctx, event)
	}
	return count, nil
}

// ReadRelationships retrieves edges matching the filter.
func (s *RelationshipService) ReadRelationships(ctx context.Context, req *ReadRelationshipsRequest) ([]*entities.RelationTuple, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return nil, err
	}

	tuples, err := s.relationRepo.Read(ctx, namespace, &req.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read relationships: %w", err)
	}
	return tuples, nil
}

// GetRelationship retrieves a single edge by ID. Returns NotFoundError when
// no live edge has that ID.
func (s *RelationshipService) GetRelationship(ctx context.Context, accessCtx entities.AccessContext, id string) (*entities.RelationTuple, error) {
	namespace := accessCtx.TenantID
	if err := accessCtx.Authorize(namespace); err != nil {
		return nil, err
	}
	return s.relationRepo.GetByID(ctx, namespace, id)
}

// SweepExpired physically removes the namespace's logically expired edges
// and returns the number removed. Queries already treat those edges as
// absent, so skipping the sweep costs storage, never correctness.
func (s *RelationshipService) SweepExpired(ctx context.Context, accessCtx entities.AccessContext) (int, error) {
	namespace := accessCtx.TenantID
	if err := accessCtx.Authorize(namespace); err != nil {
		return 0, err
	}

	count, err := s.relationRepo.DeleteExpired(ctx, namespace)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired edges: %w", err)
	}
	return count, nil
}

// DetectCycles enumerates cycles present in the namespace's structural
// graphs. Diagnostic; a clean guarded history returns nothing.
func (s *RelationshipService) DetectCycles(ctx context.Context, accessCtx entities.AccessContext) ([][]string, error) {
	namespace := accessCtx.TenantID
	if err := accessCtx.Authorize(namespace); err != nil {
		return nil, err
	}
	return s.guard.DetectCycles(ctx, namespace)
}

func (s *RelationshipService) newEvent(accessCtx entities.AccessContext, eventType string) audit.Event {
	event := audit.NewEvent(eventType)
	event.Namespace = accessCtx.TenantID
	event.Actor = accessCtx.ActorID
	event.RequestID = accessCtx.RequestID
	return event
}

func (s *RelationshipService) emitEdgeEvent(ctx context.Context, accessCtx entities.AccessContext, eventType string, tuple *entities.RelationTuple) {
	if s.auditSink == nil {
		return
	}
	event := s.newEvent(accessCtx, eventType)
	event.EntityType = tuple.EntityType
	event.EntityID = tuple.EntityID
	event.Relation = tuple.Relation
	event.SubjectType = tuple.SubjectType
	event.SubjectID = tuple.SubjectID
	event.SubjectRelation = tuple.SubjectRelation
	s.emit(ctx, event)
}

func (s *RelationshipService) emit(ctx context.Context, event audit.Event) {
	if s.auditSink == nil {
		return
	}
	s.auditSink.Emit(ctx, event)
}
