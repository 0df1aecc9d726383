package authorization

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
	"github.com/orthrus-authz/orthrus/internal/repositories/memory"
)

// countingRepo counts Read calls so tests can observe memoization.
type countingRepo struct {
	repositories.RelationRepository
	reads int
}

func (c *countingRepo) Read(ctx context.Context, namespace string, filter *repositories.RelationFilter) ([]*entities.RelationTuple, error) {
	c.reads++
	return c.RelationRepository.Read(ctx, namespace, filter)
}

// edge builds a tuple from its display parts: entity "type:id", relation,
// subject "type:id" with optional subject relation.
func edge(entity, relation, subject, subjectRelation string) *entities.RelationTuple {
	e, err := entities.ParseEntityRef(entity)
	if err != nil {
		panic(err)
	}
	s, err := entities.ParseEntityRef(subject)
	if err != nil {
		panic(err)
	}
	return &entities.RelationTuple{
		EntityType:      e.Type,
		EntityID:        e.ID,
		Relation:        relation,
		SubjectType:     s.Type,
		SubjectID:       s.ID,
		SubjectRelation: subjectRelation,
	}
}

func seedEdges(t *testing.T, repo repositories.RelationRepository, namespace string, edges ...*entities.RelationTuple) {
	t.Helper()
	for _, tuple := range edges {
		if _, err := repo.Write(context.Background(), namespace, tuple); err != nil {
			t.Fatalf("failed to seed edge %s: %v", tuple, err)
		}
	}
}

func ref(s string) entities.EntityRef {
	r, err := entities.ParseEntityRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

func TestQuery_Connected_Direct(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "user:alice", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	tests := []struct {
		name        string
		entity      string
		relation    string
		subjectType string
		subjectID   string
		expected    bool
	}{
		{
			name:   "edge exists - should return true",
			entity: "repo:api", relation: "read", subjectType: "user", subjectID: "alice",
			expected: true,
		},
		{
			name:   "different subject - should return false",
			entity: "repo:api", relation: "read", subjectType: "user", subjectID: "bob",
			expected: false,
		},
		{
			name:   "different relation - should return false",
			entity: "repo:api", relation: "write", subjectType: "user", subjectID: "alice",
			expected: false,
		},
		{
			name:   "unknown entity - should return false",
			entity: "repo:ghost", relation: "read", subjectType: "user", subjectID: "alice",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := evaluator.NewQuery("acme", tt.subjectType, tt.subjectID)
			result, err := query.Connected(context.Background(), ref(tt.entity), tt.relation)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestQuery_Connected_Group(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "group:eng", ""),
		edge("group:eng", "member", "user:alice", ""),
		edge("group:eng", "member", "group:backend", ""),
		edge("group:backend", "member", "user:carol", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	tests := []struct {
		name      string
		subjectID string
		expected  bool
	}{
		{name: "direct member gets the grant", subjectID: "alice", expected: true},
		{name: "member of nested group gets the grant", subjectID: "carol", expected: true},
		{name: "non-member does not", subjectID: "mallory", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := evaluator.NewQuery("acme", "user", tt.subjectID)
			result, err := query.Connected(context.Background(), ref("repo:api"), "read")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestQuery_Connected_GroupEntityItself(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "group:eng", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	// The grant names the group entity, so the group itself is connected.
	query := evaluator.NewQuery("acme", "group", "eng")
	result, err := query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Error("expected the named entity itself to be connected")
	}
}

func TestQuery_Connected_Userset(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "team:eng", "member"),
		edge("team:eng", "member", "user:alice", ""),
		// Usersets may reference any relation, not just member.
		edge("doc:spec", "view", "repo:api", "read"),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	tests := []struct {
		name      string
		entity    string
		relation  string
		subjectID string
		expected  bool
	}{
		{name: "userset member holds the relation", entity: "repo:api", relation: "read", subjectID: "alice", expected: true},
		{name: "non-member does not", entity: "repo:api", relation: "read", subjectID: "bob", expected: false},
		{name: "userset over a non-member relation chains", entity: "doc:spec", relation: "view", subjectID: "alice", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := evaluator.NewQuery("acme", "user", tt.subjectID)
			result, err := query.Connected(context.Background(), ref(tt.entity), tt.relation)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestQuery_Connected_UsersetSubjectNotLiteral(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "team:eng", "member"),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	// The userset edge names team:eng#member, not the team entity itself.
	query := evaluator.NewQuery("acme", "team", "eng")
	result, err := query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result {
		t.Error("expected the userset base entity not to be connected")
	}
}

func TestQuery_Connected_Parent(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "parent", "org:initech", ""),
		edge("org:initech", "parent", "org:root", ""),
		edge("org:initech", "read", "user:alice", ""),
		edge("org:root", "audit", "user:eve", ""),
		edge("repo:api", "deploy", "user:dana", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	tests := []struct {
		name        string
		entity      string
		relation    string
		subjectType string
		subjectID   string
		expected    bool
	}{
		{
			name:   "relation on parent cascades to child",
			entity: "repo:api", relation: "read", subjectType: "user", subjectID: "alice",
			expected: true,
		},
		{
			name:   "relation cascades through two levels",
			entity: "repo:api", relation: "audit", subjectType: "user", subjectID: "eve",
			expected: true,
		},
		{
			name:   "relation on parent reaches the middle of the chain",
			entity: "org:initech", relation: "audit", subjectType: "user", subjectID: "eve",
			expected: true,
		},
		{
			name:   "relation on child does not flow up",
			entity: "org:initech", relation: "deploy", subjectType: "user", subjectID: "dana",
			expected: false,
		},
		{
			name:   "the parent relation itself never cascades",
			entity: "repo:api", relation: "parent", subjectType: "org", subjectID: "root",
			expected: false,
		},
		{
			name:   "direct parent edge is still readable as a relation",
			entity: "repo:api", relation: "parent", subjectType: "org", subjectID: "initech",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := evaluator.NewQuery("acme", tt.subjectType, tt.subjectID)
			result, err := query.Connected(context.Background(), ref(tt.entity), tt.relation)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestQuery_Connected_CascadePredicate(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "parent", "org:initech", ""),
		edge("doc:spec", "parent", "org:initech", ""),
		edge("org:initech", "read", "user:alice", ""),
	)
	cascade := func(entityType string) bool { return entityType == "doc" }
	evaluator := NewEvaluator(repo, 0, cascade)

	query := evaluator.NewQuery("acme", "user", "alice")
	result, err := query.Connected(context.Background(), ref("doc:spec"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Error("expected doc to inherit from its parent")
	}

	result, err = query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result {
		t.Error("expected repo to be excluded from parent inheritance")
	}
}

func TestQuery_Connected_ExpiredEdge(t *testing.T) {
	repo := memory.NewStore().Relations()
	past := time.Now().Add(-time.Minute)
	expired := edge("repo:api", "read", "user:alice", "")
	expired.ExpiresAt = &past
	seedEdges(t, repo, "acme", expired)
	evaluator := NewEvaluator(repo, 0, nil)

	query := evaluator.NewQuery("acme", "user", "alice")
	result, err := query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result {
		t.Error("expected expired edge to be invisible")
	}
}

func TestQuery_Connected_GrantLoop(t *testing.T) {
	repo := memory.NewStore().Relations()
	// Mutually recursive usersets. Grant edges are not cycle guarded, so
	// the traversal has to terminate on its own.
	seedEdges(t, repo, "acme",
		edge("doc:a", "read", "doc:b", "read"),
		edge("doc:b", "read", "doc:a", "read"),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	query := evaluator.NewQuery("acme", "user", "alice")
	result, err := query.Connected(context.Background(), ref("doc:a"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result {
		t.Error("expected loop with no principals to deny")
	}

	// Adding a principal anywhere in the loop connects both documents.
	seedEdges(t, repo, "acme", edge("doc:b", "read", "user:alice", ""))
	query = evaluator.NewQuery("acme", "user", "alice")
	for _, entity := range []string{"doc:a", "doc:b"} {
		result, err := query.Connected(context.Background(), ref(entity), "read")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result {
			t.Errorf("expected %s to be connected through the loop", entity)
		}
	}
}

func TestQuery_Connected_DepthBound(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "group:g1", ""),
		edge("group:g1", "member", "group:g2", ""),
		edge("group:g2", "member", "group:g3", ""),
		edge("group:g3", "member", "user:alice", ""),
	)

	// Reaching alice takes four hops; a bound of 2 stops short.
	shallow := NewEvaluator(repo, 2, nil)
	query := shallow.NewQuery("acme", "user", "alice")
	result, err := query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result {
		t.Error("expected depth bound to cut the walk short")
	}

	deep := NewEvaluator(repo, 8, nil)
	query = deep.NewQuery("acme", "user", "alice")
	result, err = query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Error("expected walk to reach alice within the bound")
	}
}

func TestQuery_Connected_Memoization(t *testing.T) {
	store := memory.NewStore()
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "read", "group:eng", ""),
		edge("group:eng", "member", "user:alice", ""),
	)
	counting := &countingRepo{RelationRepository: store.Relations()}
	evaluator := NewEvaluator(counting, 0, nil)

	query := evaluator.NewQuery("acme", "user", "alice")
	if _, err := query.Connected(context.Background(), ref("repo:api"), "read"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The same question on the same query is answered from the memo.
	before := counting.reads
	result, err := query.Connected(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result {
		t.Error("expected memoized result to be connected")
	}
	if counting.reads != before {
		t.Errorf("expected no additional reads, got %d", counting.reads-before)
	}
}

func TestQuery_ConnectedPath(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "user:alice", ""),
		edge("repo:api", "read", "group:eng", ""),
		edge("group:eng", "member", "user:bob", ""),
		edge("repo:api", "write", "team:core", "member"),
		edge("team:core", "member", "user:carol", ""),
		edge("repo:api", "parent", "org:initech", ""),
		edge("org:initech", "audit", "user:eve", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	tests := []struct {
		name      string
		relation  string
		subjectID string
		want      []Hop
	}{
		{
			name:     "direct hop",
			relation: "read", subjectID: "alice",
			want: []Hop{{Edge: "repo:api#read@user:alice", Via: ViaDirect}},
		},
		{
			name:     "group hop then membership",
			relation: "read", subjectID: "bob",
			want: []Hop{
				{Edge: "repo:api#read@group:eng", Via: ViaGroup},
				{Edge: "group:eng#member@user:bob", Via: ViaDirect},
			},
		},
		{
			name:     "userset hop then membership",
			relation: "write", subjectID: "carol",
			want: []Hop{
				{Edge: "repo:api#write@team:core#member", Via: ViaUserset},
				{Edge: "team:core#member@user:carol", Via: ViaDirect},
			},
		},
		{
			name:     "parent hop then direct",
			relation: "audit", subjectID: "eve",
			want: []Hop{
				{Edge: "repo:api#parent@org:initech", Via: ViaParent},
				{Edge: "org:initech#audit@user:eve", Via: ViaDirect},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := evaluator.NewTracedQuery("acme", "user", tt.subjectID)
			connected, path, err := query.ConnectedPath(context.Background(), ref("repo:api"), tt.relation)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !connected {
				t.Fatal("expected subject to be connected")
			}
			if !reflect.DeepEqual(path, tt.want) {
				t.Errorf("path mismatch:\n got %v\nwant %v", path, tt.want)
			}
		})
	}
}

func TestQuery_ConnectedPath_Untraced(t *testing.T) {
	repo := memory.NewStore().Relations()
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "user:alice", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	query := evaluator.NewQuery("acme", "user", "alice")
	connected, path, err := query.ConnectedPath(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !connected {
		t.Fatal("expected subject to be connected")
	}
	if path != nil {
		t.Errorf("expected no path on untraced query, got %v", path)
	}
}

func TestQuery_ConnectedPath_PrefersDirect(t *testing.T) {
	repo := memory.NewStore().Relations()
	// alice can reach read both through the group and directly; the direct
	// edge wins regardless of insertion order.
	seedEdges(t, repo, "acme",
		edge("repo:api", "read", "group:eng", ""),
		edge("group:eng", "member", "user:alice", ""),
		edge("repo:api", "read", "user:alice", ""),
	)
	evaluator := NewEvaluator(repo, 0, nil)

	query := evaluator.NewTracedQuery("acme", "user", "alice")
	connected, path, err := query.ConnectedPath(context.Background(), ref("repo:api"), "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !connected {
		t.Fatal("expected subject to be connected")
	}
	want := []Hop{{Edge: "repo:api#read@user:alice", Via: ViaDirect}}
	if !reflect.DeepEqual(path, want) {
		t.Errorf("path mismatch: got %v, want %v", path, want)
	}
}
