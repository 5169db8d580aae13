// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.DB
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"V1__widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"V2__gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY);")},
		"V2__gadgets.down.sql": {Data: []byte("DROP TABLE gadgets;")},
		"README.md":            {Data: []byte("ignored")},
		"Vx__bad.up.sql":       {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not found")
	}

	version, err := m.CurrentVersion(context.Background())
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0", version, err)
	}
}

// TestUp_appliesInOrder verifies pending migrations are applied and recorded.
func TestUp_appliesInOrder(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "widgets") || !tableExists(t, db, "gadgets") {
		t.Error("migration tables not created")
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Version != 1 || applied[0].Description != "widgets" {
		t.Errorf("applied[0] = %+v", applied[0])
	}
	if len(applied[1].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[1].Checksum))
	}

	// Second run is a no-op.
	if err := m.Up(ctx); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_checksumMismatch verifies edited migrations are detected.
func TestUp_checksumMismatch(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	fsys := testMigrations()

	if err := NewMigrator(db, fsys).Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__widgets.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE widgets (id INTEGER);")}
	err := NewMigrator(db, fsys).Up(ctx)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Up() error = %v, want checksum mismatch", err)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(ctx); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	if tableExists(t, db, "gadgets") {
		t.Error("gadgets table should be dropped")
	}
	if !tableExists(t, db, "widgets") {
		t.Error("widgets table should remain")
	}
	if v, _ := m.CurrentVersion(ctx); v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	ctx := context.Background()
	m := NewMigrator(openMemory(t), fstest.MapFS{})
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(ctx); err == nil {
		t.Error("Down() with no migrations should fail")
	}
}

// TestMigrations_embedded verifies the bundled schema applies cleanly.
func TestMigrations_embedded(t *testing.T) {
	db := openMemory(t)
	if err := NewMigrator(db, Migrations()).Up(context.Background()); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "records") {
		t.Error("records table not created")
	}
}
