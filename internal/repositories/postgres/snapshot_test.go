package postgres

import (
	"context"
	"testing"

	"github.com/orthrus-authz/orthrus/internal/entities"
)

func TestSnapshotProvider_SnapshotToken(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	provider := NewPostgresSnapshotProvider(db)
	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()

	t.Run("正常系: トークン取得", func(t *testing.T) {
		token, err := provider.SnapshotToken(ctx)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if token == "" {
			t.Fatal("Expected non-empty snapshot token")
		}
	})

	t.Run("正常系: 書き込み後にトークンが変わる", func(t *testing.T) {
		before, err := provider.SnapshotToken(ctx)
		if err != nil {
			t.Fatalf("Failed to get token: %v", err)
		}

		tuple := &entities.RelationTuple{
			EntityType:  "document",
			EntityID:    "doc1",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "alice",
		}
		if _, err := repo.Write(ctx, "tenant1", tuple); err != nil {
			t.Fatalf("Failed to write tuple: %v", err)
		}

		after, err := provider.SnapshotToken(ctx)
		if err != nil {
			t.Fatalf("Failed to get token: %v", err)
		}
		if before == after {
			t.Error("Expected snapshot token to change after write")
		}
	})
}
