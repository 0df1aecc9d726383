package repositories

import "context"

// SnapshotProvider exposes an opaque token that changes whenever stored data
// changes. Check results are cached under a key derived from the token, so a
// stale token simply stops matching instead of requiring explicit
// invalidation on every write.
type SnapshotProvider interface {
	// SnapshotToken returns the current snapshot token.
	SnapshotToken(ctx context.Context) (string, error)
}
