package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attachlink/attachlink/internal/models"
	"github.com/mattn/go-sqlite3"
)

// FolderRecord is one row of the folder store.
type FolderRecord struct {
	ID          int64
	ContextID   int
	Parent      int64
	Name        string
	CreatedFrom int
	Permissions []models.Permission
	Meta        map[string]any
}

// FolderRepository is the folder half of the attachment store. Writes go
// through a FolderTx so the storage transaction can coordinate the commit
// with the document store.
type FolderRepository struct {
	db *sql.DB
}

func NewFolderRepository(db *sql.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

func (r *FolderRepository) Close() error {
	return r.db.Close()
}

func (r *FolderRepository) Ping() error {
	return r.db.Ping()
}

// Begin starts a folder-store transaction.
func (r *FolderRepository) Begin(ctx context.Context) (*FolderTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin folder transaction: %w", err)
	}
	return &FolderTx{tx: tx}, nil
}

func (r *FolderRepository) GetFolder(ctx context.Context, cid int, fuid int64) (*FolderRecord, error) {
	return scanFolder(r.db.QueryRowContext(ctx, `
		SELECT fuid, cid, parent, name, created_from, permissions, meta
		FROM folders WHERE cid = ? AND fuid = ?
	`, cid, fuid))
}

// FindPersonalFolder looks up one user's root-level attachment parent folder.
func (r *FolderRepository) FindPersonalFolder(ctx context.Context, cid, userID int, name string) (*FolderRecord, error) {
	return scanFolder(r.db.QueryRowContext(ctx, `
		SELECT fuid, cid, parent, name, created_from, permissions, meta
		FROM folders WHERE cid = ? AND parent = 0 AND created_from = ? AND name = ?
	`, cid, userID, name))
}

// GetSubfolders returns all folders under the given parent.
func (r *FolderRepository) GetSubfolders(ctx context.Context, cid int, parent int64) ([]*FolderRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fuid, cid, parent, name, created_from, permissions, meta
		FROM folders WHERE cid = ? AND parent = ? ORDER BY name
	`, cid, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*FolderRecord
	for rows.Next() {
		f, err := scanFolderRows(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// FindExpiring returns every folder carrying any storage instance's expiry
// metadata. The substring scan over the serialized meta column is the one
// on-disk contract the sweeper depends on.
func (r *FolderRepository) FindExpiring(ctx context.Context) ([]models.ExpiredFolder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cid, fuid, created_from, meta FROM folders
		WHERE meta LIKE '%"expiration-date-%'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []models.ExpiredFolder
	for rows.Next() {
		var c models.ExpiredFolder
		var rawMeta string
		if err := rows.Scan(&c.ContextID, &c.FolderID, &c.OwnerID, &rawMeta); err != nil {
			return nil, err
		}
		c.Meta = unmarshalMeta(rawMeta)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// FolderTx is a transaction on the folder store.
type FolderTx struct {
	tx *sql.Tx
}

func (t *FolderTx) Commit() error {
	return t.tx.Commit()
}

func (t *FolderTx) Rollback() error {
	return t.tx.Rollback()
}

// CreateFolder inserts a folder and returns its id. A name collision under
// the same parent surfaces as ErrDuplicateName.
func (t *FolderTx) CreateFolder(cid int, parent int64, name string, createdFrom int, perms []models.Permission, meta map[string]any) (int64, error) {
	res, err := t.tx.Exec(`
		INSERT INTO folders (cid, parent, name, created_from, permissions, meta)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cid, parent, name, createdFrom, marshalPermissions(perms), marshalMeta(meta))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateName
		}
		return 0, err
	}
	return res.LastInsertId()
}

// RenameFolder changes a folder's display name. A collision with a sibling
// surfaces as ErrDuplicateName.
func (t *FolderTx) RenameFolder(cid int, fuid int64, name string) error {
	res, err := t.tx.Exec(`
		UPDATE folders SET name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE cid = ? AND fuid = ?
	`, name, cid, fuid)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrFolderNotFound
	}
	return nil
}

func (t *FolderTx) DeleteFolder(cid int, fuid int64) error {
	_, err := t.tx.Exec(`DELETE FROM folders WHERE cid = ? AND fuid = ?`, cid, fuid)
	return err
}

// UpdatePermissions replaces the folder's access list. Only the permissions
// column is touched.
func (t *FolderTx) UpdatePermissions(cid int, fuid int64, perms []models.Permission) error {
	res, err := t.tx.Exec(`
		UPDATE folders SET permissions = ?, updated_at = CURRENT_TIMESTAMP
		WHERE cid = ? AND fuid = ?
	`, marshalPermissions(perms), cid, fuid)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrFolderNotFound
	}
	return nil
}

// UpdateMeta replaces the folder's metadata map. Only the meta column is
// touched; callers read-modify-write so unrelated keys survive.
func (t *FolderTx) UpdateMeta(cid int, fuid int64, meta map[string]any) error {
	res, err := t.tx.Exec(`
		UPDATE folders SET meta = ?, updated_at = CURRENT_TIMESTAMP
		WHERE cid = ? AND fuid = ?
	`, marshalMeta(meta), cid, fuid)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrFolderNotFound
	}
	return nil
}

func (t *FolderTx) GetFolder(cid int, fuid int64) (*FolderRecord, error) {
	return scanFolder(t.tx.QueryRow(`
		SELECT fuid, cid, parent, name, created_from, permissions, meta
		FROM folders WHERE cid = ? AND fuid = ?
	`, cid, fuid))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row *sql.Row) (*FolderRecord, error) {
	f, err := scanFolderRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	return f, err
}

func scanFolderRows(row rowScanner) (*FolderRecord, error) {
	f := &FolderRecord{}
	var rawPerms, rawMeta string
	if err := row.Scan(&f.ID, &f.ContextID, &f.Parent, &f.Name, &f.CreatedFrom, &rawPerms, &rawMeta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawPerms), &f.Permissions); err != nil {
		f.Permissions = nil
	}
	f.Meta = unmarshalMeta(rawMeta)
	return f, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func marshalPermissions(perms []models.Permission) string {
	if perms == nil {
		perms = []models.Permission{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func marshalMeta(meta map[string]any) string {
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalMeta tolerates malformed metadata; a row another writer corrupted
// must not take the whole scan down.
func unmarshalMeta(raw string) map[string]any {
	meta := map[string]any{}
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return map[string]any{}
	}
	return meta
}
