package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/orthrus-authz/orthrus/internal/entities"
	"github.com/orthrus-authz/orthrus/internal/repositories"
)

func TestRelationRepository_Write(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()

	t.Run("正常系: リレーション作成成功", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:  "document",
			EntityID:    "doc1",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "alice",
		}

		id, err := repo.Write(ctx, "tenant1", tuple)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if id == "" {
			t.Fatal("Expected non-empty edge ID")
		}
	})

	t.Run("正常系: subject_relation付きリレーション作成", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:      "document",
			EntityID:        "doc2",
			Relation:        "viewer",
			SubjectType:     "organization",
			SubjectID:       "org1",
			SubjectRelation: "member",
		}

		if _, err := repo.Write(ctx, "tenant1", tuple); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	})

	t.Run("正常系: 重複リレーション（冪等性、同じIDを返す）", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:  "document",
			EntityID:    "doc3",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "bob",
		}

		// 1回目
		first, err := repo.Write(ctx, "tenant1", tuple)
		if err != nil {
			t.Fatalf("Expected no error on first write, got: %v", err)
		}

		// 2回目（エラーなし、既存のIDが返る）
		second, err := repo.Write(ctx, "tenant1", tuple)
		if err != nil {
			t.Fatalf("Expected no error on duplicate write, got: %v", err)
		}
		if second != first {
			t.Errorf("Expected duplicate write to return %s, got %s", first, second)
		}
	})

	t.Run("正常系: 重複リレーションでexpires_atが更新される", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:  "document",
			EntityID:    "doc4",
			Relation:    "viewer",
			SubjectType: "user",
			SubjectID:   "carol",
		}

		id, err := repo.Write(ctx, "tenant1", tuple)
		if err != nil {
			t.Fatalf("Expected no error on first write, got: %v", err)
		}

		// 期限付きで再作成
		expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
		tuple.ExpiresAt = &expiry
		if _, err := repo.Write(ctx, "tenant1", tuple); err != nil {
			t.Fatalf("Expected no error on duplicate write, got: %v", err)
		}

		got, err := repo.GetByID(ctx, "tenant1", id)
		if err != nil {
			t.Fatalf("Failed to get edge: %v", err)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiry) {
			t.Errorf("Expected expiry %v, got %v", expiry, got.ExpiresAt)
		}
	})

	t.Run("異常系: 無効なリレーション（entity_type が空）", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:  "",
			EntityID:    "doc1",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "alice",
		}

		if _, err := repo.Write(ctx, "tenant1", tuple); err == nil {
			t.Fatal("Expected validation error, got nil")
		}
	})
}

func TestRelationRepository_Read(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()
	namespace := "tenant2"

	// テストデータの準備
	tuples := []*entities.RelationTuple{
		{EntityType: "document", EntityID: "doc1", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "document", EntityID: "doc1", Relation: "editor", SubjectType: "user", SubjectID: "bob"},
		{EntityType: "document", EntityID: "doc2", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "folder", EntityID: "folder1", Relation: "owner", SubjectType: "user", SubjectID: "charlie"},
	}

	for _, tuple := range tuples {
		if _, err := repo.Write(ctx, namespace, tuple); err != nil {
			t.Fatalf("Failed to write tuple: %v", err)
		}
	}

	t.Run("正常系: フィルタなしで全件取得", func(t *testing.T) {
		results, err := repo.Read(ctx, namespace, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 4 {
			t.Errorf("Expected 4 tuples, got %d", len(results))
		}
	})

	t.Run("正常系: entity_typeでフィルタ", func(t *testing.T) {
		filter := &repositories.RelationFilter{
			EntityType: "document",
		}

		results, err := repo.Read(ctx, namespace, filter)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 3 {
			t.Errorf("Expected 3 tuples, got %d", len(results))
		}
	})

	t.Run("正常系: entity_idでフィルタ", func(t *testing.T) {
		filter := &repositories.RelationFilter{
			EntityType: "document",
			EntityID:   "doc1",
		}

		results, err := repo.Read(ctx, namespace, filter)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 2 {
			t.Errorf("Expected 2 tuples, got %d", len(results))
		}
	})

	t.Run("正常系: subject_idでフィルタ", func(t *testing.T) {
		filter := &repositories.RelationFilter{
			SubjectID: "alice",
		}

		results, err := repo.Read(ctx, namespace, filter)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 2 {
			t.Errorf("Expected 2 tuples, got %d", len(results))
		}
	})

	t.Run("正常系: 複数リレーション名でフィルタ", func(t *testing.T) {
		filter := &repositories.RelationFilter{
			EntityType: "document",
			Relations:  []string{"owner", "editor"},
		}

		results, err := repo.Read(ctx, namespace, filter)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 3 {
			t.Errorf("Expected 3 tuples, got %d", len(results))
		}
	})

	t.Run("正常系: 複合条件でフィルタ", func(t *testing.T) {
		filter := &repositories.RelationFilter{
			EntityType:  "document",
			EntityID:    "doc1",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "alice",
		}

		results, err := repo.Read(ctx, namespace, filter)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 1 {
			t.Errorf("Expected 1 tuple, got %d", len(results))
		}

		if results[0].SubjectID != "alice" {
			t.Errorf("Expected subject_id alice, got %s", results[0].SubjectID)
		}
	})

	t.Run("正常系: 該当なしの場合", func(t *testing.T) {
		filter := &repositories.RelationFilter{
			EntityID: "nonexistent",
		}

		results, err := repo.Read(ctx, namespace, filter)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if len(results) != 0 {
			t.Errorf("Expected 0 tuples, got %d", len(results))
		}
	})
}

func TestRelationRepository_Expiry(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()
	namespace := "tenant3"

	past := time.Now().Add(-time.Hour)
	expired := &entities.RelationTuple{
		EntityType:  "document",
		EntityID:    "doc1",
		Relation:    "viewer",
		SubjectType: "user",
		SubjectID:   "alice",
		ExpiresAt:   &past,
	}
	live := &entities.RelationTuple{
		EntityType:  "document",
		EntityID:    "doc1",
		Relation:    "viewer",
		SubjectType: "user",
		SubjectID:   "bob",
	}

	expiredID, err := repo.Write(ctx, namespace, expired)
	if err != nil {
		t.Fatalf("Failed to write expired tuple: %v", err)
	}
	if _, err := repo.Write(ctx, namespace, live); err != nil {
		t.Fatalf("Failed to write live tuple: %v", err)
	}

	t.Run("正常系: 期限切れリレーションはReadから除外", func(t *testing.T) {
		results, err := repo.Read(ctx, namespace, &repositories.RelationFilter{
			EntityType: "document",
			EntityID:   "doc1",
		})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(results) != 1 || results[0].SubjectID != "bob" {
			t.Errorf("Expected only bob's tuple, got %d tuples", len(results))
		}
	})

	t.Run("正常系: IncludeExpiredで期限切れも取得", func(t *testing.T) {
		results, err := repo.Read(ctx, namespace, &repositories.RelationFilter{
			EntityType:     "document",
			EntityID:       "doc1",
			IncludeExpired: true,
		})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("Expected 2 tuples, got %d", len(results))
		}
	})

	t.Run("正常系: 期限切れリレーションはCheckExistsでfalse", func(t *testing.T) {
		exists, err := repo.CheckExists(ctx, namespace, expired)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if exists {
			t.Error("Expected expired tuple to not exist")
		}
	})

	t.Run("正常系: 期限切れリレーションはGetByIDでNotFound", func(t *testing.T) {
		_, err := repo.GetByID(ctx, namespace, expiredID)
		if !entities.IsNotFoundError(err) {
			t.Errorf("Expected NotFoundError, got: %v", err)
		}
	})

	t.Run("正常系: DeleteExpiredで物理削除", func(t *testing.T) {
		removed, err := repo.DeleteExpired(ctx, namespace)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if removed != 1 {
			t.Errorf("Expected 1 removed, got %d", removed)
		}

		// 生きているリレーションは残る
		count, err := repo.Count(ctx, namespace)
		if err != nil {
			t.Fatalf("Failed to count: %v", err)
		}
		if count != 1 {
			t.Errorf("Expected 1 remaining, got %d", count)
		}
	})
}

func TestRelationRepository_GetByID(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()
	namespace := "tenant4"

	tuple := &entities.RelationTuple{
		EntityType:  "document",
		EntityID:    "doc1",
		Relation:    "owner",
		SubjectType: "user",
		SubjectID:   "alice",
	}

	id, err := repo.Write(ctx, namespace, tuple)
	if err != nil {
		t.Fatalf("Failed to write tuple: %v", err)
	}

	t.Run("正常系: ID指定で取得", func(t *testing.T) {
		got, err := repo.GetByID(ctx, namespace, id)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got.ID != id || got.SubjectID != "alice" {
			t.Errorf("Expected alice's edge %s, got %+v", id, got)
		}
	})

	t.Run("異常系: 存在しないIDはNotFound", func(t *testing.T) {
		_, err := repo.GetByID(ctx, namespace, "00000000-0000-0000-0000-000000000000")
		if !entities.IsNotFoundError(err) {
			t.Errorf("Expected NotFoundError, got: %v", err)
		}
	})

	t.Run("異常系: 別namespaceのIDはNotFound", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "other", id)
		if !entities.IsNotFoundError(err) {
			t.Errorf("Expected NotFoundError, got: %v", err)
		}
	})
}

func TestRelationRepository_Delete(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()
	namespace := "tenant5"

	t.Run("正常系: リレーション削除成功", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:  "document",
			EntityID:    "doc1",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "alice",
		}

		// 作成
		if _, err := repo.Write(ctx, namespace, tuple); err != nil {
			t.Fatalf("Failed to write tuple: %v", err)
		}

		// 削除
		deleted, err := repo.Delete(ctx, namespace, tuple)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !deleted {
			t.Error("Expected delete to report true")
		}

		// 削除されたことを確認
		exists, err := repo.CheckExists(ctx, namespace, tuple)
		if err != nil {
			t.Fatalf("Failed to check existence: %v", err)
		}
		if exists {
			t.Error("Expected tuple to be deleted")
		}
	})

	t.Run("正常系: 存在しないリレーションの削除はfalse", func(t *testing.T) {
		tuple := &entities.RelationTuple{
			EntityType:  "document",
			EntityID:    "nonexistent",
			Relation:    "owner",
			SubjectType: "user",
			SubjectID:   "nobody",
		}

		deleted, err := repo.Delete(ctx, namespace, tuple)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if deleted {
			t.Error("Expected delete to report false")
		}
	})

	t.Run("異常系: 無効なリレーション", func(t *testing.T) {
		invalidTuple := &entities.RelationTuple{
			EntityType: "",
		}

		if _, err := repo.Delete(ctx, namespace, invalidTuple); err == nil {
			t.Fatal("Expected validation error, got nil")
		}
	})
}

func TestRelationRepository_DeleteByFilter(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()
	namespace := "tenant6"

	tuples := []*entities.RelationTuple{
		{EntityType: "document", EntityID: "doc1", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "document", EntityID: "doc2", Relation: "editor", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "folder", EntityID: "folder1", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "document", EntityID: "doc1", Relation: "editor", SubjectType: "user", SubjectID: "bob"},
	}
	for _, tuple := range tuples {
		if _, err := repo.Write(ctx, namespace, tuple); err != nil {
			t.Fatalf("Failed to write tuple: %v", err)
		}
	}

	t.Run("異常系: 空フィルタはバリデーションエラー", func(t *testing.T) {
		_, err := repo.DeleteByFilter(ctx, namespace, &repositories.RelationFilter{})
		if !entities.IsValidationError(err) {
			t.Errorf("Expected ValidationError, got: %v", err)
		}
	})

	t.Run("正常系: subject指定で一括削除（entity_typeで絞り込み）", func(t *testing.T) {
		removed, err := repo.DeleteByFilter(ctx, namespace, &repositories.RelationFilter{
			EntityType:  "document",
			SubjectType: "user",
			SubjectID:   "alice",
		})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if removed != 2 {
			t.Errorf("Expected 2 removed, got %d", removed)
		}

		count, err := repo.Count(ctx, namespace)
		if err != nil {
			t.Fatalf("Failed to count: %v", err)
		}
		if count != 2 {
			t.Errorf("Expected 2 remaining, got %d", count)
		}
	})
}

func TestRelationRepository_DistinctEntityIDs(t *testing.T) {
	db := SetupTestDB(t)
	defer CleanupTestDB(t, db)

	repo := NewPostgresRelationRepository(db)
	ctx := context.Background()
	namespace := "tenant7"

	tuples := []*entities.RelationTuple{
		{EntityType: "document", EntityID: "doc2", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "document", EntityID: "doc1", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
		{EntityType: "document", EntityID: "doc1", Relation: "editor", SubjectType: "user", SubjectID: "bob"},
		{EntityType: "folder", EntityID: "folder1", Relation: "owner", SubjectType: "user", SubjectID: "alice"},
	}
	for _, tuple := range tuples {
		if _, err := repo.Write(ctx, namespace, tuple); err != nil {
			t.Fatalf("Failed to write tuple: %v", err)
		}
	}

	t.Run("正常系: 重複なしでソート済みのentity ID一覧", func(t *testing.T) {
		ids, err := repo.DistinctEntityIDs(ctx, namespace, "document")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		want := []string{"doc1", "doc2"}
		if len(ids) != len(want) {
			t.Fatalf("Expected %v, got %v", want, ids)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("Expected %v, got %v", want, ids)
			}
		}
	})
}
