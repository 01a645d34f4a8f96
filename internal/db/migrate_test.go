// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestNewMigrator verifies Migrator initialization.
func TestNewMigrator(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{}

	m := NewMigrator(db, fsys)
	if m == nil {
		t.Fatal("NewMigrator() returned nil")
	}
	if m.db != db {
		t.Error("Migrator.db not set correctly")
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestParseMigrationName verifies file name parsing.
func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name    string
		version int
		desc    string
		ok      bool
	}{
		{"V1__initial_schema.up.sql", 1, "initial_schema", true},
		{"V12__add_index.up.sql", 12, "add_index", true},
		{"V1__initial_schema.down.sql", 0, "", false},
		{"V0__zero.up.sql", 0, "", false},
		{"1__no_prefix.up.sql", 0, "", false},
		{"Vx__bad.up.sql", 0, "", false},
		{"V2__.up.sql", 0, "", false},
		{"README.md", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := parseMigrationName(tt.name)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if f.version != tt.version || f.description != tt.desc {
				t.Errorf("got (%d, %q), want (%d, %q)", f.version, f.description, tt.version, tt.desc)
			}
		})
	}
}

// TestUp_noMigrations verifies Up succeeds when no migrations exist.
func TestUp_noMigrations(t *testing.T) {
	m := NewMigrator(openRaw(t), fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Errorf("Up() with no migrations failed: %v", err)
	}
}

// TestUp_appliesInOrder verifies migrations apply by version, not by file name order.
func TestUp_appliesInOrder(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"V10__add_column.up.sql": {Data: []byte(`ALTER TABLE t ADD COLUMN extra TEXT;`)},
		"V2__create.up.sql":      {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
		"V2__create.down.sql":    {Data: []byte(`DROP TABLE t;`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	pending, err := m.Pending()
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 2 || pending[0] != 2 || pending[1] != 10 {
		t.Errorf("Pending() = %v, want [2 10]", pending)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t (id, extra) VALUES (1, 'x')"); err != nil {
		t.Errorf("migrated table unusable: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("len(applied) = %d, want 2", len(applied))
	}
	if applied[0].Description != "create" || len(applied[0].Checksum) != 64 {
		t.Errorf("applied[0] = %+v", applied[0])
	}

	// Running Up again should skip already applied migrations
	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_checksumMismatch verifies an edited applied migration is refused.
func TestUp_checksumMismatch(t *testing.T) {
	db := openRaw(t)
	fsys := fstest.MapFS{
		"V1__create.up.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__create.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE t (id TEXT);`)}
	err := m.Up()
	if !apperrors.Is(err, apperrors.ErrMigration) {
		t.Errorf("Up() error = %v, want MIGRATION_ERROR", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken migration is not recorded.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE ok (id INTEGER); CREATE TABLE;`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err == nil {
		t.Fatal("Up() with broken SQL should fail")
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='records'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("records table should be dropped")
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	m := NewMigrator(openRaw(t), fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil {
		t.Fatal("Down() with no migrations should return error")
	}
	if !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Error message should mention 'no migrations to rollback', got: %v", err)
	}
}
