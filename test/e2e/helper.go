package e2e

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orthrus-authz/orthrus"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/config"
	"github.com/orthrus-authz/orthrus/internal/infrastructure/database"
)

// forEachEngine runs a scenario once per storage backend. The in-memory
// engine always runs. The postgres engine needs INTEGRATION=1 and a
// reachable test database; each run starts from empty tables.
func forEachEngine(t *testing.T, scenario func(t *testing.T, engine *orthrus.Engine)) {
	t.Run("memory", func(t *testing.T) {
		scenario(t, orthrus.NewMemoryEngine())
	})

	t.Run("postgres", func(t *testing.T) {
		if os.Getenv("INTEGRATION") == "" {
			t.Skip("Skipping integration test. Set INTEGRATION=1 to run")
		}
		scenario(t, orthrus.NewPostgresEngine(setupPostgres(t)))
	})
}

// setupPostgres connects to the test database, migrates it and empties the
// tables. The connection is closed when the test finishes.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	require.NoError(t, config.InitConfig("test"))
	cfg, err := config.Load()
	require.NoError(t, err)

	pg, err := database.NewPostgres(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pg.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}
	})

	require.NoError(t, pg.RunMigrations("../../internal/infrastructure/database/migrations/postgres"))

	for _, table := range []string{"relationships", "permission_hierarchies"} {
		_, err := pg.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	return pg.DB
}

func tenantCtx(tenant string) orthrus.AccessContext {
	return orthrus.AccessContext{TenantID: tenant, ActorID: "admin-1", RequestID: "req-1"}
}

func platformCtx(tenant string) orthrus.AccessContext {
	return orthrus.AccessContext{TenantID: tenant, ActorID: "platform-ops", Platform: true}
}

func splitRef(s string) (string, string) {
	parts := strings.SplitN(s, ":", 2)
	return parts[0], parts[1]
}

func grantReq(accessCtx orthrus.AccessContext, entity, relation, subject, subjectRelation string) *orthrus.GrantRequest {
	entityType, entityID := splitRef(entity)
	subjectType, subjectID := splitRef(subject)
	return &orthrus.GrantRequest{
		Context:         accessCtx,
		EntityType:      entityType,
		EntityID:        entityID,
		Relation:        relation,
		SubjectType:     subjectType,
		SubjectID:       subjectID,
		SubjectRelation: subjectRelation,
	}
}

func mustGrant(t *testing.T, engine *orthrus.Engine, accessCtx orthrus.AccessContext, entity, relation, subject, subjectRelation string) {
	t.Helper()
	_, err := engine.Grant(context.Background(), grantReq(accessCtx, entity, relation, subject, subjectRelation))
	require.NoError(t, err, "Grant(%s#%s@%s)", entity, relation, subject)
}

func mustGrantExpiring(t *testing.T, engine *orthrus.Engine, accessCtx orthrus.AccessContext, entity, relation, subject string, expiresAt time.Time) string {
	t.Helper()
	req := grantReq(accessCtx, entity, relation, subject, "")
	req.ExpiresAt = &expiresAt
	id, err := engine.Grant(context.Background(), req)
	require.NoError(t, err, "Grant(%s#%s@%s)", entity, relation, subject)
	return id
}

func mustRule(t *testing.T, engine *orthrus.Engine, accessCtx orthrus.AccessContext, entityType, permission, implies string) {
	t.Helper()
	_, err := engine.AddHierarchy(context.Background(), &orthrus.AddHierarchyRequest{
		Context:    accessCtx,
		EntityType: entityType,
		Permission: permission,
		Implies:    implies,
	})
	require.NoError(t, err, "AddHierarchy(%s: %s => %s)", entityType, permission, implies)
}

func checkAllowed(t *testing.T, engine *orthrus.Engine, accessCtx orthrus.AccessContext, entity, permission, subject string) bool {
	t.Helper()
	entityType, entityID := splitRef(entity)
	subjectType, subjectID := splitRef(subject)
	resp, err := engine.Check(context.Background(), &orthrus.CheckRequest{
		Context:     accessCtx,
		EntityType:  entityType,
		EntityID:    entityID,
		Permission:  permission,
		SubjectType: subjectType,
		SubjectID:   subjectID,
	})
	require.NoError(t, err, "Check(%s#%s@%s)", entity, permission, subject)
	return resp.Allowed
}

func mustExplain(t *testing.T, engine *orthrus.Engine, accessCtx orthrus.AccessContext, entity, permission, subject string) *orthrus.ExplainResponse {
	t.Helper()
	entityType, entityID := splitRef(entity)
	subjectType, subjectID := splitRef(subject)
	resp, err := engine.Explain(context.Background(), &orthrus.ExplainRequest{
		Context:     accessCtx,
		EntityType:  entityType,
		EntityID:    entityID,
		Permission:  permission,
		SubjectType: subjectType,
		SubjectID:   subjectID,
	})
	require.NoError(t, err, "Explain(%s#%s@%s)", entity, permission, subject)
	return resp
}

func readAll(t *testing.T, engine *orthrus.Engine, accessCtx orthrus.AccessContext) []*orthrus.RelationTuple {
	t.Helper()
	tuples, err := engine.ReadRelationships(context.Background(), &orthrus.ReadRelationshipsRequest{Context: accessCtx})
	require.NoError(t, err)
	return tuples
}
