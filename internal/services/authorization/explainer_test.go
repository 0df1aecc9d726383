package authorization

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories/memory"
	"github.com/orthrus-authz/orthrus/internal/services"
)

func newExplainFixture(t *testing.T) (*Explainer, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	hierarchy := services.NewHierarchyService(store.Hierarchies(), nil, nil, 0)
	evaluator := NewEvaluator(store.Relations(), 0, nil)
	return NewExplainer(hierarchy, evaluator), store
}

func explainRequest(permission, subjectID string) *ExplainRequest {
	return &ExplainRequest{
		Context:     checkContext(),
		EntityType:  "repo",
		EntityID:    "api",
		Permission:  permission,
		SubjectType: "user",
		SubjectID:   subjectID,
	}
}

func TestExplainer_Explain_Direct(t *testing.T) {
	explainer, store := newExplainFixture(t)
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "read", "user:alice", ""),
	)

	resp, err := explainer.Explain(context.Background(), explainRequest("read", "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected allowed")
	}
	if resp.Relation != "read" {
		t.Errorf("expected relation read, got %q", resp.Relation)
	}
	if !reflect.DeepEqual(resp.Implication, []string{"read"}) {
		t.Errorf("expected implication [read], got %v", resp.Implication)
	}
	if resp.Text != "repo:api#read@user:alice (direct)" {
		t.Errorf("unexpected text: %q", resp.Text)
	}
}

func TestExplainer_Explain_Hierarchy(t *testing.T) {
	explainer, store := newExplainFixture(t)
	writeRule(t, store.Hierarchies(), "acme", "repo", "admin", "write")
	writeRule(t, store.Hierarchies(), "acme", "repo", "write", "read")
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "admin", "user:alice", ""),
	)

	resp, err := explainer.Explain(context.Background(), explainRequest("read", "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected allowed")
	}
	if resp.Relation != "admin" {
		t.Errorf("expected relation admin, got %q", resp.Relation)
	}
	if !reflect.DeepEqual(resp.Implication, []string{"admin", "write", "read"}) {
		t.Errorf("expected implication [admin write read], got %v", resp.Implication)
	}
	want := strings.Join([]string{
		"hierarchy: admin -> write -> read",
		"repo:api#admin@user:alice (direct)",
	}, "\n")
	if resp.Text != want {
		t.Errorf("unexpected text:\n got %q\nwant %q", resp.Text, want)
	}
}

func TestExplainer_Explain_DirectBeatsImplied(t *testing.T) {
	explainer, store := newExplainFixture(t)
	writeRule(t, store.Hierarchies(), "acme", "repo", "admin", "read")
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "admin", "user:alice", ""),
		edge("repo:api", "read", "user:alice", ""),
	)

	// The checked permission itself is tried before anything that implies
	// it, so the direct grant is the witness.
	resp, err := explainer.Explain(context.Background(), explainRequest("read", "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected allowed")
	}
	if resp.Relation != "read" {
		t.Errorf("expected relation read, got %q", resp.Relation)
	}
	if !reflect.DeepEqual(resp.Implication, []string{"read"}) {
		t.Errorf("expected implication [read], got %v", resp.Implication)
	}
}

func TestExplainer_Explain_MultiHop(t *testing.T) {
	explainer, store := newExplainFixture(t)
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "parent", "org:initech", ""),
		edge("org:initech", "read", "group:eng", ""),
		edge("group:eng", "member", "user:alice", ""),
	)

	resp, err := explainer.Explain(context.Background(), explainRequest("read", "alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected allowed")
	}
	wantPath := []Hop{
		{Edge: "repo:api#parent@org:initech", Via: ViaParent},
		{Edge: "org:initech#read@group:eng", Via: ViaGroup},
		{Edge: "group:eng#member@user:alice", Via: ViaDirect},
	}
	if !reflect.DeepEqual(resp.Path, wantPath) {
		t.Errorf("path mismatch:\n got %v\nwant %v", resp.Path, wantPath)
	}
	want := strings.Join([]string{
		"repo:api#parent@org:initech (parent)",
		"org:initech#read@group:eng (group)",
		"group:eng#member@user:alice (direct)",
	}, "\n")
	if resp.Text != want {
		t.Errorf("unexpected text:\n got %q\nwant %q", resp.Text, want)
	}
}

func TestExplainer_Explain_Denied(t *testing.T) {
	explainer, store := newExplainFixture(t)
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "read", "user:alice", ""),
	)

	resp, err := explainer.Explain(context.Background(), explainRequest("read", "mallory"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected denied")
	}
	if resp.Text != "no path found" {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	if resp.Relation != "" || resp.Path != nil {
		t.Errorf("expected empty witness, got relation %q path %v", resp.Relation, resp.Path)
	}
}

func TestExplainer_Explain_Validation(t *testing.T) {
	explainer, _ := newExplainFixture(t)

	req := explainRequest("no good", "alice")
	_, err := explainer.Explain(context.Background(), req)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !entities.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestExplainer_Explain_MatchesCheck(t *testing.T) {
	explainer, store := newExplainFixture(t)
	checker := NewChecker(
		services.NewHierarchyService(store.Hierarchies(), nil, nil, 0),
		NewEvaluator(store.Relations(), 0, nil),
	)
	writeRule(t, store.Hierarchies(), "acme", "repo", "admin", "read")
	seedEdges(t, store.Relations(), "acme",
		edge("repo:api", "parent", "org:initech", ""),
		edge("org:initech", "admin", "group:eng", ""),
		edge("group:eng", "member", "user:alice", ""),
		edge("repo:api", "write", "user:eve", ""),
	)

	for _, subjectID := range []string{"alice", "eve", "mallory"} {
		explained, err := explainer.Explain(context.Background(), explainRequest("read", subjectID))
		if err != nil {
			t.Fatalf("unexpected explain error for %s: %v", subjectID, err)
		}
		checked, err := checker.Check(context.Background(), &CheckRequest{
			Context:     checkContext(),
			EntityType:  "repo",
			EntityID:    "api",
			Permission:  "read",
			SubjectType: "user",
			SubjectID:   subjectID,
		})
		if err != nil {
			t.Fatalf("unexpected check error for %s: %v", subjectID, err)
		}
		if explained.Allowed != checked.Allowed {
			t.Errorf("subject %s: explain=%v but check=%v", subjectID, explained.Allowed, checked.Allowed)
		}
	}
}
