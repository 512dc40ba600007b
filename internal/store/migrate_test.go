package store

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
)

func tableExists(t *testing.T, ctx context.Context, name string) bool {
	t.Helper()
	var exists bool
	err := testStore.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)", name,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("checking table %s: %v", name, err)
	}
	return exists
}

func migrationCount(t *testing.T, ctx context.Context, pattern string) int {
	t.Helper()
	var count int
	err := testStore.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version LIKE $1", pattern,
	).Scan(&count)
	if err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	return count
}

// --- Migrate ---

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("schema tables exist after startup migrations", func(t *testing.T) {
		for _, name := range []string{
			"firms", "users", "sessions", "cases", "case_members",
			"hearings", "calendar_credentials", "calendar_sync_records",
		} {
			if !tableExists(t, ctx, name) {
				t.Errorf("expected table %s to exist", name)
			}
		}
	})

	t.Run("applies each file once across repeated runs", func(t *testing.T) {
		testFS := fstest.MapFS{
			"910_test_once.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_once_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_once_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '910_test_once.sql'")
		})

		for i := 0; i < 2; i++ {
			if err := testStore.Migrate(ctx, testFS); err != nil {
				t.Fatalf("Migrate run %d: %v", i+1, err)
			}
		}
		if !tableExists(t, ctx, "test_once_tbl") {
			t.Error("expected test_once_tbl to exist")
		}
		if n := migrationCount(t, ctx, "910_test_once.sql"); n != 1 {
			t.Errorf("expected 1 migration record, got %d", n)
		}
	})

	t.Run("failed file is rolled back and not recorded", func(t *testing.T) {
		testFS := fstest.MapFS{
			"911_test_bad.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_bad_tbl (id INT); NOT VALID SQL;")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_bad_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '911_test_bad.sql'")
		})

		if err := testStore.Migrate(ctx, testFS); err == nil {
			t.Fatal("expected error for bad SQL, got nil")
		}
		if tableExists(t, ctx, "test_bad_tbl") {
			t.Error("partial migration should have been rolled back")
		}
		if n := migrationCount(t, ctx, "911_test_bad.sql"); n != 0 {
			t.Error("bad migration should not be recorded")
		}
	})

	t.Run("files run in name order", func(t *testing.T) {
		testFS := fstest.MapFS{
			"913_test_order_b.sql": &fstest.MapFile{Data: []byte("ALTER TABLE test_order_tbl ADD COLUMN name TEXT;")},
			"912_test_order_a.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_order_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_order_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version LIKE '91%_test_order%'")
		})

		if err := testStore.Migrate(ctx, testFS); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if n := migrationCount(t, ctx, "91%_test_order%"); n != 2 {
			t.Errorf("expected 2 migration records, got %d", n)
		}
	})

	t.Run("edited applied file is refused", func(t *testing.T) {
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_edit_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = '914_test_edit.sql'")
		})
		original := fstest.MapFS{
			"914_test_edit.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_edit_tbl (id INT);")},
		}
		if err := testStore.Migrate(ctx, original); err != nil {
			t.Fatalf("Migrate: %v", err)
		}

		edited := fstest.MapFS{
			"914_test_edit.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_edit_tbl (id BIGINT);")},
		}
		if err := testStore.Migrate(ctx, edited); !errors.Is(err, ErrMigrationChanged) {
			t.Errorf("expected ErrMigrationChanged, got %v", err)
		}
	})

	t.Run("empty filesystem is a no-op", func(t *testing.T) {
		if err := testStore.Migrate(ctx, fstest.MapFS{}); err != nil {
			t.Fatalf("Migrate with empty FS: %v", err)
		}
	})
}
