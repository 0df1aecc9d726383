package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/orthrus-authz/orthrus/internal/repositories"
)

// PostgresSnapshotProvider derives snapshot tokens from PostgreSQL's MVCC
// state. txid_current_snapshot() moves whenever a write transaction commits,
// which is exactly the granularity the check cache keys on: the token is
// opaque to callers, only equality matters.
type PostgresSnapshotProvider struct {
	db *sql.DB
}

// NewPostgresSnapshotProvider creates a snapshot provider backed by the
// database's transaction counter.
func NewPostgresSnapshotProvider(db *sql.DB) repositories.SnapshotProvider {
	return &PostgresSnapshotProvider{db: db}
}

// SnapshotToken returns the current snapshot in xmin:xmax:xip form.
func (p *PostgresSnapshotProvider) SnapshotToken(ctx context.Context) (string, error) {
	var token string
	err := p.db.QueryRowContext(ctx, "SELECT txid_current_snapshot()::text").Scan(&token)
	if err != nil {
		return "", fmt.Errorf("failed to get current snapshot: %w", err)
	}
	return token, nil
}
