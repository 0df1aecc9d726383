package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orthrus-authz/orthrus"
)

// ListResources returns exactly the resources whose check would allow,
// sorted, honoring the limit.
func TestListResources(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine *orthrus.Engine) {
		acme := tenantCtx("acme")
		ctx := context.Background()

		mustRule(t, engine, acme, "repo", "write", "read")
		mustGrant(t, engine, acme, "repo:api", "write", "user:alice", "")
		mustGrant(t, engine, acme, "repo:web", "read", "team:eng", "member")
		mustGrant(t, engine, acme, "team:eng", "member", "user:alice", "")
		mustGrant(t, engine, acme, "repo:infra", "read", "user:bob", "")

		resp, err := engine.ListResources(ctx, &orthrus.ListResourcesRequest{
			Context:     acme,
			EntityType:  "repo",
			Permission:  "read",
			SubjectType: "user",
			SubjectID:   "alice",
		})
		require.NoError(t, err)
		require.Equal(t, []string{"api", "web"}, resp.EntityIDs)

		resp, err = engine.ListResources(ctx, &orthrus.ListResourcesRequest{
			Context:     acme,
			EntityType:  "repo",
			Permission:  "read",
			SubjectType: "user",
			SubjectID:   "alice",
			Limit:       1,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"api"}, resp.EntityIDs)

		resp, err = engine.ListResources(ctx, &orthrus.ListResourcesRequest{
			Context:     acme,
			EntityType:  "repo",
			Permission:  "read",
			SubjectType: "user",
			SubjectID:   "mallory",
		})
		require.NoError(t, err)
		require.Empty(t, resp.EntityIDs)
	})
}

// ListUsers collects every principal a check would admit: direct holders,
// holders of implying permissions, userset members and parent-side holders.
func TestListUsers(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine *orthrus.Engine) {
		acme := tenantCtx("acme")
		ctx := context.Background()

		mustRule(t, engine, acme, "repo", "write", "read")
		mustGrant(t, engine, acme, "repo:api", "read", "user:alice", "")
		mustGrant(t, engine, acme, "repo:api", "write", "user:bob", "")
		mustGrant(t, engine, acme, "repo:api", "read", "team:eng", "member")
		mustGrant(t, engine, acme, "team:eng", "member", "user:carol", "")
		mustGrant(t, engine, acme, "repo:api", "parent", "org:initech", "")
		mustGrant(t, engine, acme, "org:initech", "read", "user:dave", "")

		resp, err := engine.ListUsers(ctx, &orthrus.ListUsersRequest{
			Context:    acme,
			EntityType: "repo",
			EntityID:   "api",
			Permission: "read",
		})
		require.NoError(t, err)
		require.Equal(t, []string{"alice", "bob", "carol", "dave"}, resp.SubjectIDs)

		resp, err = engine.ListUsers(ctx, &orthrus.ListUsersRequest{
			Context:    acme,
			EntityType: "repo",
			EntityID:   "api",
			Permission: "write",
		})
		require.NoError(t, err)
		require.Equal(t, []string{"bob"}, resp.SubjectIDs)

		resp, err = engine.ListUsers(ctx, &orthrus.ListUsersRequest{
			Context:    acme,
			EntityType: "repo",
			EntityID:   "api",
			Permission: "read",
			Limit:      2,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"alice", "bob"}, resp.SubjectIDs)
	})
}
