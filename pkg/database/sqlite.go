package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Each tenant schema is a directory holding two independent SQLite databases:
// folders.db and documents.db. They are separate resources on purpose — the
// storage transaction coordinates a commit across both, documents first.
const (
	FolderDBName   = "folders.db"
	DocumentDBName = "documents.db"
)

func Initialize(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	// SQLite handles concurrency differently, but we still set reasonable limits
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	const maxPingAttempts = 5
	pingDelay := 200 * time.Millisecond
	var pingErr error
	for attempt := 1; attempt <= maxPingAttempts; attempt++ {
		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		if attempt < maxPingAttempts {
			time.Sleep(pingDelay)
			if pingDelay < 2*time.Second {
				pingDelay *= 2
			}
		}
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", maxPingAttempts, pingErr)
	}

	// Enable WAL mode for better concurrent read/write performance
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait up to 5 seconds when the database is locked by another writer
	// instead of failing immediately with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	return db, nil
}

// InitFolderSchema creates the folder tables and indexes. Safe to call on
// every startup because every statement uses IF NOT EXISTS.
//
// The meta column is a serialized JSON object. The sweeper discovers expiring
// folders with a substring scan over it (meta LIKE '%"expiration-date-%'), so
// any change to the representation must keep that query shape working.
func InitFolderSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS folders (
			fuid INTEGER PRIMARY KEY AUTOINCREMENT,
			cid INTEGER NOT NULL,
			parent INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			created_from INTEGER NOT NULL,
			permissions TEXT NOT NULL DEFAULT '[]',
			meta TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_name ON folders(cid, parent, created_from, name);
		CREATE INDEX IF NOT EXISTS idx_folders_cid_created_from ON folders(cid, created_from);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize folder schema: %w", err)
	}
	return nil
}

// InitDocumentSchema creates the document tables and indexes.
func InitDocumentSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			cid INTEGER NOT NULL,
			folder_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			data BLOB,
			meta TEXT NOT NULL DEFAULT '{}',
			created_from INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_documents_cid_folder_id ON documents(cid, folder_id);
		CREATE INDEX IF NOT EXISTS idx_documents_cid_created_from ON documents(cid, created_from);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return nil
}

// OpenTenant opens (creating if needed) the folder and document databases of
// one tenant schema directory and initializes both schemas.
func OpenTenant(dir string) (folders *sql.DB, documents *sql.DB, err error) {
	folders, err = Initialize(filepath.Join(dir, FolderDBName))
	if err != nil {
		return nil, nil, fmt.Errorf("open folder store: %w", err)
	}
	if err = InitFolderSchema(folders); err != nil {
		_ = folders.Close()
		return nil, nil, err
	}

	documents, err = Initialize(filepath.Join(dir, DocumentDBName))
	if err != nil {
		_ = folders.Close()
		return nil, nil, fmt.Errorf("open document store: %w", err)
	}
	if err = InitDocumentSchema(documents); err != nil {
		_ = folders.Close()
		_ = documents.Close()
		return nil, nil, err
	}

	return folders, documents, nil
}
