package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/lib/pq"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// PostgresRelationRepository implements RelationRepository using PostgreSQL
type PostgresRelationRepository struct {
	db *sql.DB
}

// NewPostgresRelationRepository creates a new PostgreSQL relation repository
func NewPostgresRelationRepository(db *sql.DB) repositories.RelationRepository {
	return &PostgresRelationRepository{db: db}
}

func newEdgeID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate edge id: %w", err)
	}
	return id.String(), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Write inserts a relationship edge and returns its ID. Writing an edge that
// already exists refreshes its expiry and returns the existing ID, so grants
// are idempotent and re-granting an expired edge revives it.
func (r *PostgresRelationRepository) Write(ctx context.Context, namespace string, tuple *entities.RelationTuple) (string, error) {
	if err := tuple.Validate(); err != nil {
		return "", fmt.Errorf("invalid relation tuple: %w", err)
	}

	id, err := newEdgeID()
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO relationships (
			id, namespace, entity_type, entity_id, relation,
			subject_type, subject_id, subject_relation, expires_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (namespace, entity_type, entity_id, relation, subject_type, subject_id, subject_relation)
		DO UPDATE SET expires_at = EXCLUDED.expires_at
		RETURNING id
	`
	var storedID string
	err = r.db.QueryRowContext(ctx, query,
		id, namespace, tuple.EntityType, tuple.EntityID, tuple.Relation,
		tuple.SubjectType, tuple.SubjectID, tuple.SubjectRelation,
		nullTime(tuple.ExpiresAt), time.Now(),
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("failed to write relation: %w", err)
	}

	return storedID, nil
}

// Delete removes the edge matching the tuple's endpoints.
func (r *PostgresRelationRepository) Delete(ctx context.Context, namespace string, tuple *entities.RelationTuple) (bool, error) {
	if err := tuple.Validate(); err != nil {
		return false, fmt.Errorf("invalid relation tuple: %w", err)
	}

	query := `
		DELETE FROM relationships
		WHERE namespace = $1
			AND entity_type = $2
			AND entity_id = $3
			AND relation = $4
			AND subject_type = $5
			AND subject_id = $6
			AND subject_relation = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		namespace, tuple.EntityType, tuple.EntityID, tuple.Relation,
		tuple.SubjectType, tuple.SubjectID, tuple.SubjectRelation,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete relation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteByFilter removes every edge matching the filter, expired ones
// included, and returns the number removed.
func (r *PostgresRelationRepository) DeleteByFilter(ctx context.Context, namespace string, filter *repositories.RelationFilter) (int, error) {
	clauses, args := filterClauses(filter, []interface{}{namespace}, 2)
	if len(args) == 1 {
		return 0, entities.NewValidationError("filter", "must set at least one field")
	}

	query := `DELETE FROM relationships WHERE namespace = $1` + clauses

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete relations by filter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// DeleteExpired physically removes edges whose expiry has passed.
func (r *PostgresRelationRepository) DeleteExpired(ctx context.Context, namespace string) (int, error) {
	query := `
		DELETE FROM relationships
		WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at <= $2
	`
	result, err := r.db.ExecContext(ctx, query, namespace, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired relations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// Read retrieves edges matching the filter, ordered by insertion.
func (r *PostgresRelationRepository) Read(ctx context.Context, namespace string, filter *repositories.RelationFilter) ([]*entities.RelationTuple, error) {
	query := `
		SELECT id, entity_type, entity_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at
		FROM relationships
		WHERE namespace = $1
	`
	clauses, args := filterClauses(filter, []interface{}{namespace}, 2)
	query += clauses

	if filter == nil || !filter.IncludeExpired {
		query += fmt.Sprintf(" AND (expires_at IS NULL OR expires_at > $%d)", len(args)+1)
		args = append(args, time.Now())
	}

	// Edge IDs are UUIDv7, so ordering by ID restores insertion order.
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read relations: %w", err)
	}
	defer rows.Close()

	var tuples []*entities.RelationTuple
	for rows.Next() {
		tuple, err := scanTuple(rows)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}

	return tuples, nil
}

// GetByID retrieves a single edge by ID. Expired edges count as absent.
func (r *PostgresRelationRepository) GetByID(ctx context.Context, namespace string, id string) (*entities.RelationTuple, error) {
	query := `
		SELECT id, entity_type, entity_id, relation, subject_type, subject_id, subject_relation, expires_at, created_at
		FROM relationships
		WHERE namespace = $1 AND id = $2 AND (expires_at IS NULL OR expires_at > $3)
	`
	row := r.db.QueryRowContext(ctx, query, namespace, id, time.Now())
	tuple, err := scanTuple(row)
	if err == sql.ErrNoRows {
		return nil, entities.NewNotFoundError("relationship", id)
	}
	if err != nil {
		return nil, err
	}
	return tuple, nil
}

// CheckExists checks if a live edge with the tuple's endpoints exists.
func (r *PostgresRelationRepository) CheckExists(ctx context.Context, namespace string, tuple *entities.RelationTuple) (bool, error) {
	if err := tuple.Validate(); err != nil {
		return false, fmt.Errorf("invalid relation tuple: %w", err)
	}

	query := `
		SELECT EXISTS(
			SELECT 1 FROM relationships
			WHERE namespace = $1
				AND entity_type = $2
				AND entity_id = $3
				AND relation = $4
				AND subject_type = $5
				AND subject_id = $6
				AND subject_relation = $7
				AND (expires_at IS NULL OR expires_at > $8)
		)
	`
	var exists bool
	err := r.db.QueryRowContext(ctx, query,
		namespace, tuple.EntityType, tuple.EntityID, tuple.Relation,
		tuple.SubjectType, tuple.SubjectID, tuple.SubjectRelation, time.Now(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check relation existence: %w", err)
	}

	return exists, nil
}

// DistinctEntityIDs lists the distinct IDs of entities of the given type that
// appear on the resource side of a live edge, sorted.
func (r *PostgresRelationRepository) DistinctEntityIDs(ctx context.Context, namespace string, entityType string) ([]string, error) {
	query := `
		SELECT DISTINCT entity_id
		FROM relationships
		WHERE namespace = $1 AND entity_type = $2 AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY entity_id
	`
	rows, err := r.db.QueryContext(ctx, query, namespace, entityType, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list entity ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity ids: %w", err)
	}

	return ids, nil
}

// Count returns the number of live edges in the namespace.
func (r *PostgresRelationRepository) Count(ctx context.Context, namespace string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM relationships
		WHERE namespace = $1 AND (expires_at IS NULL OR expires_at > $2)
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, namespace, time.Now()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count relations: %w", err)
	}
	return count, nil
}

// Namespaces lists every namespace with at least one edge, expired ones
// included so maintenance can reach them.
func (r *PostgresRelationRepository) Namespaces(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT namespace FROM relationships ORDER BY namespace`
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

// filterClauses builds the dynamic WHERE fragments for a filter, numbering
// placeholders from argIdx. List fields use ANY over an array parameter.
func filterClauses(filter *repositories.RelationFilter, args []interface{}, argIdx int) (string, []interface{}) {
	if filter == nil {
		return "", args
	}

	query := ""
	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}
	if len(filter.EntityIDs) > 0 {
		query += fmt.Sprintf(" AND entity_id = ANY($%d)", argIdx)
		args = append(args, pq.Array(filter.EntityIDs))
		argIdx++
	} else if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if len(filter.Relations) > 0 {
		query += fmt.Sprintf(" AND relation = ANY($%d)", argIdx)
		args = append(args, pq.Array(filter.Relations))
		argIdx++
	} else if filter.Relation != "" {
		query += fmt.Sprintf(" AND relation = $%d", argIdx)
		args = append(args, filter.Relation)
		argIdx++
	}
	if filter.SubjectType != "" {
		query += fmt.Sprintf(" AND subject_type = $%d", argIdx)
		args = append(args, filter.SubjectType)
		argIdx++
	}
	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filter.SubjectID)
		argIdx++
	}
	if filter.SubjectRelation != "" {
		query += fmt.Sprintf(" AND subject_relation = $%d", argIdx)
		args = append(args, filter.SubjectRelation)
		argIdx++
	}

	return query, args
}

// scanTuple reads one relationship row from a row scanner.
func scanTuple(row interface{ Scan(...interface{}) error }) (*entities.RelationTuple, error) {
	var tuple entities.RelationTuple
	var expiresAt sql.NullTime

	err := row.Scan(
		&tuple.ID, &tuple.EntityType, &tuple.EntityID, &tuple.Relation,
		&tuple.SubjectType, &tuple.SubjectID, &tuple.SubjectRelation,
		&expiresAt, &tuple.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan relation: %w", err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		tuple.ExpiresAt = &t
	}

	return &tuple, nil
}
