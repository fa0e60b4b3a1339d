package database

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeCreatesDatabasePath(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "folders.db")

	db, err := Initialize(dbPath)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected database directory to exist: %v", err)
	}
}

func TestOpenTenantCreatesBothDatabases(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tenant_acme")

	folders, documents, err := OpenTenant(dir)
	if err != nil {
		t.Fatalf("OpenTenant failed: %v", err)
	}
	defer folders.Close()
	defer documents.Close()

	if _, err := os.Stat(filepath.Join(dir, FolderDBName)); err != nil {
		t.Fatalf("expected folder database file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DocumentDBName)); err != nil {
		t.Fatalf("expected document database file: %v", err)
	}

	var count int
	if err := folders.QueryRow(`SELECT COUNT(*) FROM folders`).Scan(&count); err != nil {
		t.Fatalf("expected folders table to exist: %v", err)
	}
	if err := documents.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		t.Fatalf("expected documents table to exist: %v", err)
	}

	// Reopening an existing tenant must be idempotent.
	folders2, documents2, err := OpenTenant(dir)
	if err != nil {
		t.Fatalf("OpenTenant second run failed: %v", err)
	}
	folders2.Close()
	documents2.Close()
}

func TestFolderSchemaEnforcesUniqueSiblingNames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tenant_1")

	folders, documents, err := OpenTenant(dir)
	if err != nil {
		t.Fatalf("OpenTenant failed: %v", err)
	}
	defer folders.Close()
	defer documents.Close()

	insert := `INSERT INTO folders (cid, parent, name, created_from) VALUES (?, ?, ?, ?)`
	if _, err := folders.Exec(insert, 1, 0, "Email attachments", 42); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := folders.Exec(insert, 1, 0, "Email attachments", 42); err == nil {
		t.Fatal("expected unique constraint violation for duplicate sibling name")
	}

	// Same name is allowed for a different owner or a different parent.
	if _, err := folders.Exec(insert, 1, 0, "Email attachments", 43); err != nil {
		t.Fatalf("same name under different owner failed: %v", err)
	}
	if _, err := folders.Exec(insert, 1, 5, "Email attachments", 42); err != nil {
		t.Fatalf("same name under different parent failed: %v", err)
	}
}
