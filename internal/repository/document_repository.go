package repository

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DocumentRecord is one row of the document store. Data is loaded lazily.
type DocumentRecord struct {
	ID          string
	ContextID   int
	FolderID    int64
	Name        string
	MimeType    string
	Size        int64
	Meta        map[string]any
	CreatedFrom int
}

// DocumentRepository is the document half of the attachment store.
type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Close() error {
	return r.db.Close()
}

func (r *DocumentRepository) Ping() error {
	return r.db.Ping()
}

// Begin starts a document-store transaction.
func (r *DocumentRepository) Begin(ctx context.Context) (*DocumentTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin document transaction: %w", err)
	}
	return &DocumentTx{tx: tx}, nil
}

func (r *DocumentRepository) GetDocument(ctx context.Context, cid int, id string) (*DocumentRecord, error) {
	doc, err := scanDocument(r.db.QueryRowContext(ctx, `
		SELECT id, cid, folder_id, name, mime_type, size_bytes, meta, created_from
		FROM documents WHERE cid = ? AND id = ?
	`, cid, id))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocuments lists a folder's documents with minimal fields; content blobs
// are not loaded until OpenData is called.
func (r *DocumentRepository) GetDocuments(ctx context.Context, cid int, folderID int64) ([]*DocumentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cid, folder_id, name, mime_type, size_bytes, meta, created_from
		FROM documents WHERE cid = ? AND folder_id = ? ORDER BY created_at, id
	`, cid, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// OpenData returns a reader over the stored content of one document.
func (r *DocumentRepository) OpenData(ctx context.Context, cid int, id string) (io.ReadCloser, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT data FROM documents WHERE cid = ? AND id = ?
	`, cid, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetUsage sums the stored bytes of one user's documents. The result is a
// snapshot, never cached.
func (r *DocumentRepository) GetUsage(ctx context.Context, cid, userID int) (int64, error) {
	var usage sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(size_bytes) FROM documents WHERE cid = ? AND created_from = ?
	`, cid, userID).Scan(&usage)
	if err != nil {
		return 0, err
	}
	return usage.Int64, nil
}

// DocumentTx is a transaction on the document store.
type DocumentTx struct {
	tx *sql.Tx
}

func (t *DocumentTx) Commit() error {
	return t.tx.Commit()
}

func (t *DocumentTx) Rollback() error {
	return t.tx.Rollback()
}

// SaveDocument inserts a document with its content.
func (t *DocumentTx) SaveDocument(doc *DocumentRecord, data []byte) error {
	_, err := t.tx.Exec(`
		INSERT INTO documents (id, cid, folder_id, name, mime_type, size_bytes, data, meta, created_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.ContextID, doc.FolderID, doc.Name, doc.MimeType, doc.Size, data, marshalMeta(doc.Meta), doc.CreatedFrom)
	return err
}

// UpdateMeta replaces a document's metadata map; content and every other
// column are untouched.
func (t *DocumentTx) UpdateMeta(cid int, id string, meta map[string]any) error {
	res, err := t.tx.Exec(`
		UPDATE documents SET meta = ? WHERE cid = ? AND id = ?
	`, marshalMeta(meta), cid, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// RemoveDocuments deletes the given documents in one batched statement.
func (t *DocumentTx) RemoveDocuments(cid int, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, cid)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := t.tx.Exec(
		`DELETE FROM documents WHERE cid = ? AND id IN (`+placeholders+`)`, args...)
	return err
}

// RemoveFolderDocuments deletes every document of a folder.
func (t *DocumentTx) RemoveFolderDocuments(cid int, folderID int64) error {
	_, err := t.tx.Exec(`DELETE FROM documents WHERE cid = ? AND folder_id = ?`, cid, folderID)
	return err
}

// GetDocuments lists a folder's documents inside the transaction.
func (t *DocumentTx) GetDocuments(cid int, folderID int64) ([]*DocumentRecord, error) {
	rows, err := t.tx.Query(`
		SELECT id, cid, folder_id, name, mime_type, size_bytes, meta, created_from
		FROM documents WHERE cid = ? AND folder_id = ? ORDER BY created_at, id
	`, cid, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*DocumentRecord
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row *sql.Row) (*DocumentRecord, error) {
	doc, err := scanDocumentRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return doc, err
}

func scanDocumentRows(row rowScanner) (*DocumentRecord, error) {
	doc := &DocumentRecord{}
	var rawMeta string
	if err := row.Scan(&doc.ID, &doc.ContextID, &doc.FolderID, &doc.Name, &doc.MimeType, &doc.Size, &rawMeta, &doc.CreatedFrom); err != nil {
		return nil, err
	}
	doc.Meta = unmarshalMeta(rawMeta)
	return doc, nil
}
