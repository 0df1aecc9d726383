package authorization

import (
	"context"
	"fmt"
	"strings"

	"github.com/orthrus-authz/orthrus/internal/entities"
)

// Explainer answers why a check allows. It runs the same closure and
// traversal as the checker, with tracing on, so its verdict always matches
// what Check would return for the same request.
type Explainer struct {
	hierarchy HierarchyResolver
	evaluator *Evaluator
}

// NewExplainer creates a new Explainer.
func NewExplainer(hierarchy HierarchyResolver, evaluator *Evaluator) *Explainer {
	return &Explainer{
		hierarchy: hierarchy,
		evaluator: evaluator,
	}
}

// ExplainRequest contains the parameters for an explained check.
type ExplainRequest struct {
	Context     entities.AccessContext
	EntityType  string // Resource entity type (e.g., "repo")
	EntityID    string // Resource entity ID (e.g., "api")
	Permission  string // Permission to explain (e.g., "read")
	SubjectType string // Subject type (e.g., "user")
	SubjectID   string // Subject ID (e.g., "alice")
}

// ExplainResponse carries the decision and its justification. On a denial
// everything but Allowed and Text is empty.
type ExplainResponse struct {
	Allowed     bool
	Relation    string   // Closure member the subject was found under
	Implication []string // Implies chain from Relation to the checked permission
	Path        []Hop    // Edge walk connecting subject to resource under Relation
	Text        string   // Human-readable rendering of the above
}

// Explain performs a permission check and reports the first witness found:
// which closure member held, through which implication chain, over which
// edges.
func (e *Explainer) Explain(ctx context.Context, req *ExplainRequest) (*ExplainResponse, error) {
	namespace := req.Context.TenantID
	if err := req.Context.Authorize(namespace); err != nil {
		return nil, err
	}
	if err := validateCheckTarget(req.EntityType, req.EntityID, req.Permission, req.SubjectType, req.SubjectID); err != nil {
		return nil, fmt.Errorf("invalid explain request: %w", err)
	}

	closure, err := e.hierarchy.PermissionClosure(ctx, namespace, req.EntityType, req.Permission)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permission closure: %w", err)
	}

	entity := entities.EntityRef{Type: req.EntityType, ID: req.EntityID}
	query := e.evaluator.NewTracedQuery(namespace, req.SubjectType, req.SubjectID)

	for _, relation := range closure {
		allowed, path, err := query.ConnectedPath(ctx, entity, relation)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %s: %w", relation, err)
		}
		if !allowed {
			continue
		}

		implication, err := e.hierarchy.ImplicationPath(ctx, namespace, req.EntityType, relation, req.Permission)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve implication path: %w", err)
		}

		return &ExplainResponse{
			Allowed:     true,
			Relation:    relation,
			Implication: implication,
			Path:        path,
			Text:        renderExplainText(implication, path),
		}, nil
	}

	return &ExplainResponse{Allowed: false, Text: "no path found"}, nil
}

// renderExplainText renders the witness as one line per step, with the
// implication chain first when the permission was held indirectly.
func renderExplainText(implication []string, path []Hop) string {
	var lines []string
	if len(implication) > 1 {
		lines = append(lines, "hierarchy: "+strings.Join(implication, " -> "))
	}
	for _, hop := range path {
		lines = append(lines, hop.String())
	}
	return strings.Join(lines, "\n")
}
