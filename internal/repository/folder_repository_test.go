package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/attachlink/attachlink/internal/models"
	"github.com/attachlink/attachlink/pkg/testutil"
)

func newFolderRepo(t *testing.T) (*FolderRepository, func()) {
	t.Helper()
	tenant, cleanup := testutil.SetupTenant(t)
	return NewFolderRepository(tenant.Folders), cleanup
}

func mustCreateFolder(t *testing.T, repo *FolderRepository, cid int, parent int64, name string, owner int, meta map[string]any) int64 {
	t.Helper()
	tx, err := repo.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id, err := tx.CreateFolder(cid, parent, name, owner, nil, meta)
	if err != nil {
		tx.Rollback()
		t.Fatalf("CreateFolder(%q): %v", name, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

func TestCreateFolderDuplicateName(t *testing.T) {
	repo, cleanup := newFolderRepo(t)
	defer cleanup()

	mustCreateFolder(t, repo, 1, 0, "Quarterly report", 7, nil)

	tx, err := repo.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.CreateFolder(1, 0, "Quarterly report", 7, nil, nil); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got: %v", err)
	}
}

func TestCreateFolderSameNameDifferentOwner(t *testing.T) {
	repo, cleanup := newFolderRepo(t)
	defer cleanup()

	mustCreateFolder(t, repo, 1, 0, "Email attachments", 7, nil)
	mustCreateFolder(t, repo, 1, 0, "Email attachments", 8, nil)
}

func TestRenameFolder(t *testing.T) {
	repo, cleanup := newFolderRepo(t)
	defer cleanup()

	id := mustCreateFolder(t, repo, 1, 0, "Old name", 7, nil)
	mustCreateFolder(t, repo, 1, 0, "Taken", 7, nil)

	tx, err := repo.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.RenameFolder(1, id, "Taken"); !errors.Is(err, ErrDuplicateName) {
		tx.Rollback()
		t.Fatalf("expected ErrDuplicateName, got: %v", err)
	}
	tx.Rollback()

	tx, err = repo.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.RenameFolder(1, id, "New name"); err != nil {
		tx.Rollback()
		t.Fatalf("RenameFolder: %v", err)
	}
	if err := tx.RenameFolder(1, 99999, "Whatever"); !errors.Is(err, ErrFolderNotFound) {
		tx.Rollback()
		t.Fatalf("expected ErrFolderNotFound, got: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	folder, err := repo.GetFolder(context.Background(), 1, id)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if folder.Name != "New name" {
		t.Fatalf("expected renamed folder, got %q", folder.Name)
	}
}

func TestFindPersonalFolder(t *testing.T) {
	repo, cleanup := newFolderRepo(t)
	defer cleanup()

	id := mustCreateFolder(t, repo, 1, 0, "Email attachments", 7, nil)
	mustCreateFolder(t, repo, 1, 0, "Email attachments", 8, nil)

	folder, err := repo.FindPersonalFolder(context.Background(), 1, 7, "Email attachments")
	if err != nil {
		t.Fatalf("FindPersonalFolder: %v", err)
	}
	if folder.ID != id {
		t.Fatalf("expected folder %d, got %d", id, folder.ID)
	}

	if _, err := repo.FindPersonalFolder(context.Background(), 1, 9, "Email attachments"); !errors.Is(err, ErrFolderNotFound) {
		t.Fatalf("expected ErrFolderNotFound, got: %v", err)
	}
}

func TestFindExpiring(t *testing.T) {
	repo, cleanup := newFolderRepo(t)
	defer cleanup()

	key := models.ExpiryMetadataKey("primary")
	stamped := mustCreateFolder(t, repo, 1, 0, "Stamped", 7, map[string]any{key: int64(1700000000000)})
	mustCreateFolder(t, repo, 1, 0, "Plain", 7, nil)
	foreign := mustCreateFolder(t, repo, 2, 0, "Foreign stamp", 9, map[string]any{models.ExpiryMetadataKey("replica"): int64(5)})

	candidates, err := repo.FindExpiring(context.Background())
	if err != nil {
		t.Fatalf("FindExpiring: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}

	byID := make(map[int64]models.ExpiredFolder, len(candidates))
	for _, c := range candidates {
		byID[c.FolderID] = c
	}
	c, ok := byID[stamped]
	if !ok {
		t.Fatal("expected stamped folder among candidates")
	}
	if c.ContextID != 1 || c.OwnerID != 7 {
		t.Fatalf("unexpected candidate identity: %+v", c)
	}
	millis, ok := models.ExpiryFromMeta(c.Meta, key)
	if !ok || millis != 1700000000000 {
		t.Fatalf("unexpected expiry from meta: %d %v", millis, ok)
	}

	// The foreign-stamped row is a candidate but carries nothing under this
	// instance's key.
	if c, ok := byID[foreign]; !ok {
		t.Fatal("expected foreign-stamped folder among candidates")
	} else if _, ok := models.ExpiryFromMeta(c.Meta, key); ok {
		t.Fatal("foreign stamp must not parse under this instance's key")
	}
}

func TestUpdateMetaAndPermissions(t *testing.T) {
	repo, cleanup := newFolderRepo(t)
	defer cleanup()

	id := mustCreateFolder(t, repo, 1, 0, "Shared", 7, nil)

	tx, err := repo.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	perms := []models.Permission{
		{Entity: 7, Bits: models.PermFullControl},
		{Guest: true, Bits: models.PermGuestReadOnly},
	}
	if err := tx.UpdatePermissions(1, id, perms); err != nil {
		tx.Rollback()
		t.Fatalf("UpdatePermissions: %v", err)
	}
	if err := tx.UpdateMeta(1, id, map[string]any{"expiration-date-primary": int64(99)}); err != nil {
		tx.Rollback()
		t.Fatalf("UpdateMeta: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	folder, err := repo.GetFolder(context.Background(), 1, id)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if len(folder.Permissions) != 2 {
		t.Fatalf("expected 2 permission entries, got %d", len(folder.Permissions))
	}
	if millis, ok := models.ExpiryFromMeta(folder.Meta, "expiration-date-primary"); !ok || millis != 99 {
		t.Fatalf("unexpected stored expiry: %d %v", millis, ok)
	}
}
