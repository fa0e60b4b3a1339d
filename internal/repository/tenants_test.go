package repository

import (
	"errors"
	"testing"

	"github.com/attachlink/attachlink/pkg/testutil"
)

func TestRegistryGetOpensExistingTenant(t *testing.T) {
	base, cleanup := testutil.SetupTenantsRoot(t, "tenant_a", "tenant_b")
	defer cleanup()

	registry := NewTenantRegistry(base)
	defer registry.Close()

	tenant, err := registry.Get("tenant_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tenant.Schema != "tenant_a" {
		t.Fatalf("unexpected schema: %q", tenant.Schema)
	}
	if err := tenant.Folders.Ping(); err != nil {
		t.Fatalf("folder store ping: %v", err)
	}
	if err := tenant.Documents.Ping(); err != nil {
		t.Fatalf("document store ping: %v", err)
	}

	// Second lookup returns the cached handle.
	again, err := registry.Get("tenant_a")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again != tenant {
		t.Fatal("expected cached tenant instance")
	}
}

func TestRegistryGetMissingTenant(t *testing.T) {
	base, cleanup := testutil.SetupTenantsRoot(t)
	defer cleanup()

	registry := NewTenantRegistry(base)
	defer registry.Close()

	if _, err := registry.Get("nope"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got: %v", err)
	}
}

func TestRegistryRejectsBadSchemaNames(t *testing.T) {
	base, cleanup := testutil.SetupTenantsRoot(t)
	defer cleanup()

	registry := NewTenantRegistry(base)
	defer registry.Close()

	for _, schema := range []string{"", "..", "a/b", `a\b`, "a.b"} {
		if _, err := registry.Get(schema); err == nil {
			t.Fatalf("expected rejection for schema %q", schema)
		}
	}
}

func TestRegistryCreateAndList(t *testing.T) {
	base, cleanup := testutil.SetupTenantsRoot(t, "tenant_b")
	defer cleanup()

	registry := NewTenantRegistry(base)
	defer registry.Close()

	if _, err := registry.Create("tenant_a"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	schemas, err := registry.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(schemas) != 2 || schemas[0] != "tenant_a" || schemas[1] != "tenant_b" {
		t.Fatalf("unexpected schema list: %v", schemas)
	}
}
