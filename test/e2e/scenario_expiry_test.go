package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orthrus-authz/orthrus"
)

// An edge past its expiry stops granting access immediately; the sweep only
// reclaims the storage afterwards.
func TestExpiryFlipsBeforeSweep(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine *orthrus.Engine) {
		acme := tenantCtx("acme")
		ctx := context.Background()

		mustGrantExpiring(t, engine, acme, "repo:api", "read", "user:alice", time.Now().Add(500*time.Millisecond))
		mustGrant(t, engine, acme, "repo:api", "read", "user:bob", "")

		require.True(t, checkAllowed(t, engine, acme, "repo:api", "read", "user:alice"))

		time.Sleep(700 * time.Millisecond)

		require.False(t, checkAllowed(t, engine, acme, "repo:api", "read", "user:alice"),
			"expired edge must deny before any sweep runs")
		require.True(t, checkAllowed(t, engine, acme, "repo:api", "read", "user:bob"))

		removed, err := engine.SweepExpired(ctx, acme)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		require.Len(t, readAll(t, engine, acme), 1)

		removed, err = engine.SweepExpired(ctx, acme)
		require.NoError(t, err)
		require.Zero(t, removed, "second sweep finds nothing")
	})
}

// Re-granting an existing edge keeps its ID and replaces its expiry, so a
// temporary grant can be made permanent before it lapses.
func TestRegrantRefreshesExpiry(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine *orthrus.Engine) {
		acme := tenantCtx("acme")
		ctx := context.Background()

		id1 := mustGrantExpiring(t, engine, acme, "repo:api", "read", "user:alice", time.Now().Add(500*time.Millisecond))

		id2, err := engine.Grant(ctx, grantReq(acme, "repo:api", "read", "user:alice", ""))
		require.NoError(t, err)
		require.Equal(t, id1, id2, "re-grant returns the existing edge")

		time.Sleep(700 * time.Millisecond)

		require.True(t, checkAllowed(t, engine, acme, "repo:api", "read", "user:alice"),
			"the re-grant cleared the expiry")

		removed, err := engine.SweepExpired(ctx, acme)
		require.NoError(t, err)
		require.Zero(t, removed)
	})
}

// A sweep only touches the caller's namespace.
func TestSweepScopedToNamespace(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine *orthrus.Engine) {
		acme := tenantCtx("acme")
		globex := tenantCtx("globex")
		ctx := context.Background()
		past := time.Now().Add(-time.Hour)

		mustGrantExpiring(t, engine, acme, "repo:api", "read", "user:alice", past)
		mustGrantExpiring(t, engine, globex, "repo:web", "read", "user:bob", past)

		removed, err := engine.SweepExpired(ctx, acme)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		// globex still holds its expired row until its own sweep runs.
		removed, err = engine.SweepExpired(ctx, globex)
		require.NoError(t, err)
		require.Equal(t, 1, removed)
	})
}
