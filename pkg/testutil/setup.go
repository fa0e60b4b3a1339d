package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/attachlink/attachlink/pkg/database"
	_ "github.com/mattn/go-sqlite3"
)

// TestTenant holds the databases of one throwaway tenant schema.
type TestTenant struct {
	Dir       string
	Folders   *sql.DB
	Documents *sql.DB
}

// SetupTenant creates a temporary tenant schema directory with initialized
// folder and document databases, and returns a cleanup function.
func SetupTenant(t *testing.T) (*TestTenant, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "attachlink-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	cleanupTmpDir := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.Logf("Failed to remove temp directory %q: %v", tmpDir, err)
		}
	}

	dir := filepath.Join(tmpDir, "tenant_1")
	folders, documents, err := database.OpenTenant(dir)
	if err != nil {
		cleanupTmpDir()
		t.Fatalf("Failed to open tenant databases: %v", err)
	}

	cleanup := func() {
		if err := documents.Close(); err != nil {
			t.Logf("Failed to close document database: %v", err)
		}
		if err := folders.Close(); err != nil {
			t.Logf("Failed to close folder database: %v", err)
		}
		cleanupTmpDir()
	}

	return &TestTenant{Dir: dir, Folders: folders, Documents: documents}, cleanup
}

// SetupTenantsRoot creates a base directory holding the given tenant schema
// names, each with initialized databases, and closes them all on cleanup.
func SetupTenantsRoot(t *testing.T, names ...string) (string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "attachlink-tenants-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	cleanupTmpDir := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.Logf("Failed to remove temp directory %q: %v", tmpDir, err)
		}
	}

	for _, name := range names {
		folders, documents, err := database.OpenTenant(filepath.Join(tmpDir, name))
		if err != nil {
			cleanupTmpDir()
			t.Fatalf("Failed to open tenant %q: %v", name, err)
		}
		// The registry under test reopens these; the setup handles are only
		// needed to create the schema files.
		if err := documents.Close(); err != nil {
			t.Logf("Failed to close document database: %v", err)
		}
		if err := folders.Close(); err != nil {
			t.Logf("Failed to close folder database: %v", err)
		}
	}

	return tmpDir, cleanupTmpDir
}
