package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attachlink/attachlink/internal/repository"
)

// StorageTransaction couples one folder-store and one document-store
// transaction behind a single begin/commit/rollback/finish lifecycle.
// Documents commit before folders: documents reference folders, so a folder
// must not be locked in while it still has no visible documents. Rollback
// keeps the same order for symmetry.
//
// Finish must run on every exit path (defer it right after Begin). It
// releases both inner transactions even when commit or rollback failed, and
// is safe to call after either.
type StorageTransaction struct {
	folders   *repository.FolderTx
	documents *repository.DocumentTx

	documentsDone bool
	foldersDone   bool
	finished      bool
}

// BeginStorageTransaction opens the two inner transactions. Neither store may
// be touched before this returns.
func BeginStorageTransaction(ctx context.Context, tenant *repository.Tenant) (*StorageTransaction, error) {
	folders, err := tenant.Folders.Begin(ctx)
	if err != nil {
		return nil, err
	}
	documents, err := tenant.Documents.Begin(ctx)
	if err != nil {
		_ = folders.Rollback()
		return nil, err
	}
	return &StorageTransaction{folders: folders, documents: documents}, nil
}

func (t *StorageTransaction) Folders() *repository.FolderTx {
	return t.folders
}

func (t *StorageTransaction) Documents() *repository.DocumentTx {
	return t.documents
}

// Commit commits the document store first, then the folder store. A failure
// after partial success is reported, never retried; the caller decides
// whether to roll back the rest.
func (t *StorageTransaction) Commit() error {
	if !t.documentsDone {
		if err := t.documents.Commit(); err != nil {
			return fmt.Errorf("commit document store: %w", err)
		}
		t.documentsDone = true
	}
	if !t.foldersDone {
		if err := t.folders.Commit(); err != nil {
			return fmt.Errorf("commit folder store after document store: %w", err)
		}
		t.foldersDone = true
	}
	return nil
}

// Rollback rolls back whatever has not committed, document store first.
func (t *StorageTransaction) Rollback() error {
	var firstErr error
	if !t.documentsDone {
		if err := t.documents.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) && firstErr == nil {
			firstErr = fmt.Errorf("rollback document store: %w", err)
		}
		t.documentsDone = true
	}
	if !t.foldersDone {
		if err := t.folders.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) && firstErr == nil {
			firstErr = fmt.Errorf("rollback folder store: %w", err)
		}
		t.foldersDone = true
	}
	return firstErr
}

// Finish releases both inner transactions, rolling back anything still
// pending. Idempotent.
func (t *StorageTransaction) Finish() {
	if t.finished {
		return
	}
	t.finished = true
	_ = t.Rollback()
}
