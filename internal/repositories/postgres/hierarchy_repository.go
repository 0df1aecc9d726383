package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// PostgresHierarchyRepository implements HierarchyRepository using PostgreSQL
type PostgresHierarchyRepository struct {
	db *sql.DB
}

// NewPostgresHierarchyRepository creates a new PostgreSQL hierarchy repository
func NewPostgresHierarchyRepository(db *sql.DB) repositories.HierarchyRepository {
	return &PostgresHierarchyRepository{db: db}
}

// Write inserts a hierarchy rule and returns its ID. Writing a rule that
// already exists returns the existing ID without modifying anything.
func (r *PostgresHierarchyRepository) Write(ctx context.Context, namespace string, rule *entities.HierarchyRule) (string, error) {
	id, err := newEdgeID()
	if err != nil {
		return "", err
	}

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO permission_hierarchies (id, namespace, entity_type, permission, implies, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, entity_type, permission, implies)
		DO UPDATE SET namespace = EXCLUDED.namespace
		RETURNING id
	`
	var storedID string
	err = r.db.QueryRowContext(ctx, query,
		id, namespace, rule.EntityType, rule.Permission, rule.Implies, time.Now(),
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("failed to write hierarchy rule: %w", err)
	}

	return storedID, nil
}

// Delete removes the rule matching the given coordinates.
func (r *PostgresHierarchyRepository) Delete(ctx context.Context, namespace string, entityType, permission, implies string) (bool, error) {
	query := `
		DELETE FROM permission_hierarchies
		WHERE namespace = $1 AND entity_type = $2 AND permission = $3 AND implies = $4
	`
	result, err := r.db.ExecContext(ctx, query, namespace, entityType, permission, implies)
	if err != nil {
		return false, fmt.Errorf("failed to delete hierarchy rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// GetByID retrieves a single rule by ID.
func (r *PostgresHierarchyRepository) GetByID(ctx context.Context, namespace string, id string) (*entities.HierarchyRule, error) {
	query := `
		SELECT id, namespace, entity_type, permission, implies, created_at
		FROM permission_hierarchies
		WHERE namespace = $1 AND id = $2
	`
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, namespace, id))
	if err == sql.ErrNoRows {
		return nil, entities.NewNotFoundError("hierarchy rule", id)
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// List retrieves every rule in the namespace, ordered by insertion.
func (r *PostgresHierarchyRepository) List(ctx context.Context, namespace string) ([]*entities.HierarchyRule, error) {
	query := `
		SELECT id, namespace, entity_type, permission, implies, created_at
		FROM permission_hierarchies
		WHERE namespace = $1
		ORDER BY id
	`
	return r.queryRules(ctx, query, namespace)
}

// ListByEntityType retrieves the namespace's rules for one entity type,
// ordered by insertion.
func (r *PostgresHierarchyRepository) ListByEntityType(ctx context.Context, namespace string, entityType string) ([]*entities.HierarchyRule, error) {
	query := `
		SELECT id, namespace, entity_type, permission, implies, created_at
		FROM permission_hierarchies
		WHERE namespace = $1 AND entity_type = $2
		ORDER BY id
	`
	return r.queryRules(ctx, query, namespace, entityType)
}

// ClearByEntityType removes every rule for the entity type.
func (r *PostgresHierarchyRepository) ClearByEntityType(ctx context.Context, namespace string, entityType string) (int, error) {
	query := `
		DELETE FROM permission_hierarchies
		WHERE namespace = $1 AND entity_type = $2
	`
	result, err := r.db.ExecContext(ctx, query, namespace, entityType)
	if err != nil {
		return 0, fmt.Errorf("failed to clear hierarchy rules: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// Namespaces lists every namespace with at least one rule.
func (r *PostgresHierarchyRepository) Namespaces(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT namespace FROM permission_hierarchies ORDER BY namespace`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespaces: %w", err)
	}

	return namespaces, nil
}

func (r *PostgresHierarchyRepository) queryRules(ctx context.Context, query string, args ...interface{}) ([]*entities.HierarchyRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchy rules: %w", err)
	}
	defer rows.Close()

	var rules []*entities.HierarchyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hierarchy rules: %w", err)
	}

	return rules, nil
}

// scanRule reads one hierarchy rule row from a row scanner.
func scanRule(row interface{ Scan(...interface{}) error }) (*entities.HierarchyRule, error) {
	var rule entities.HierarchyRule
	err := row.Scan(&rule.ID, &rule.Namespace, &rule.EntityType, &rule.Permission, &rule.Implies, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan hierarchy rule: %w", err)
	}
	return &rule, nil
}
