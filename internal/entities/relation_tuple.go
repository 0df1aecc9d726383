package entities

import (
	"fmt"
	"time"
)

// Structural relations. Edges carrying these relations form the two nesting
// graphs (group membership and resource hierarchy) and are validated against
// cycles before insertion.
const (
	// RelationMember links a group to one of its members: group:eng#member@user:alice.
	// The member may itself be a group, which is how groups nest.
	RelationMember = "member"

	// RelationParent links a child resource to its parent: repo:acme#parent@org:initech.
	// Relations granted on the parent cascade down to the child.
	RelationParent = "parent"
)

// RelationTuple represents one relationship edge.
// Example: repo:acme#read@user:alice
// This means: user "alice" has "read" relation with repo "acme".
//
// A non-empty SubjectRelation turns the subject into a userset reference:
// repo:acme#read@team:eng#member grants read to anyone holding "member" on
// team:eng rather than to a literal principal.
type RelationTuple struct {
	ID              string     // Edge ID (UUIDv7), assigned on insert
	EntityType      string     // Resource type (e.g., "repo")
	EntityID        string     // Resource ID (e.g., "acme")
	Relation        string     // Relation name (e.g., "read")
	SubjectType     string     // Subject type (e.g., "user")
	SubjectID       string     // Subject ID (e.g., "alice")
	SubjectRelation string     // Subject relation (optional, userset reference)
	ExpiresAt       *time.Time // Optional logical expiry; expired edges are invisible to reads
	CreatedAt       time.Time
}

// String returns a string representation of the relation tuple
// Format: entity_type:entity_id#relation@subject_type:subject_id[#subject_relation]
func (rt *RelationTuple) String() string {
	if rt.SubjectRelation != "" {
		return fmt.Sprintf("%s:%s#%s@%s:%s#%s",
			rt.EntityType, rt.EntityID, rt.Relation,
			rt.SubjectType, rt.SubjectID, rt.SubjectRelation)
	}
	return fmt.Sprintf("%s:%s#%s@%s:%s",
		rt.EntityType, rt.EntityID, rt.Relation,
		rt.SubjectType, rt.SubjectID)
}

// Validate checks if the relation tuple is well formed before it reaches storage
func (rt *RelationTuple) Validate() error {
	if err := ValidateTypeName("entity type", rt.EntityType); err != nil {
		return err
	}
	if err := ValidateID("entity ID", rt.EntityID); err != nil {
		return err
	}
	if err := ValidateRelationName("relation", rt.Relation); err != nil {
		return err
	}
	if err := ValidateTypeName("subject type", rt.SubjectType); err != nil {
		return err
	}
	if err := ValidateID("subject ID", rt.SubjectID); err != nil {
		return err
	}
	if rt.SubjectRelation != "" {
		if err := ValidateRelationName("subject relation", rt.SubjectRelation); err != nil {
			return err
		}
	}
	// Parent edges name a concrete parent entity, never a userset.
	if rt.Relation == RelationParent && rt.SubjectRelation != "" {
		return NewValidationError("subject relation", "must be empty on parent edges")
	}
	return nil
}

// IsStructural reports whether this edge belongs to the group-membership or
// resource hierarchy graph and therefore passes through the cycle guard.
func (rt *RelationTuple) IsStructural() bool {
	return rt.Relation == RelationMember || rt.Relation == RelationParent
}

// IsExpired reports whether the edge is logically expired at the given time.
// Expired edges stay in storage until a maintenance sweep removes them, but
// every read path treats them as absent.
func (rt *RelationTuple) IsExpired(now time.Time) bool {
	return rt.ExpiresAt != nil && !rt.ExpiresAt.After(now)
}

// Entity returns the resource endpoint of the edge.
func (rt *RelationTuple) Entity() EntityRef {
	return EntityRef{Type: rt.EntityType, ID: rt.EntityID}
}

// Subject returns the subject endpoint of the edge.
func (rt *RelationTuple) Subject() SubjectRef {
	return SubjectRef{Type: rt.SubjectType, ID: rt.SubjectID, Relation: rt.SubjectRelation}
}

// SubjectEntity returns the subject endpoint with any userset relation stripped.
func (rt *RelationTuple) SubjectEntity() EntityRef {
	return EntityRef{Type: rt.SubjectType, ID: rt.SubjectID}
}
