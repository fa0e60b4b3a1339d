package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/attachlink/attachlink/internal/config"
	"github.com/attachlink/attachlink/internal/models"
	"github.com/attachlink/attachlink/internal/repository"
	"github.com/attachlink/attachlink/pkg/logger"
	"github.com/attachlink/attachlink/pkg/sanitize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrNotFolderOwner = errors.New("folder belongs to another user")
	ErrNoFiles        = errors.New("no files to store")
)

// IncomingFile is one attachment handed over by the compose pipeline.
// MimeType may be empty; the content is sniffed then. Size may be -1 when
// the pipeline does not know it up front.
type IncomingFile struct {
	Name     string
	MimeType string
	Size     int64
	Data     io.Reader
}

// StoreRequest creates one share folder and stores the message's attachments
// into it.
type StoreRequest struct {
	Schema     string
	ContextID  int
	UserID     int
	FolderName string
	Password   *string
	Expiration *time.Time
	AutoDelete bool
	Files      []IncomingFile
}

// parentKey identifies one user's attachment parent folder.
type parentKey struct {
	schema string
	cid    int
	user   int
}

// ParentCache remembers resolved parent-folder ids per (schema, context,
// user) so repeated stores skip the lookup. An explicit cache instead of a
// session scratchpad.
type ParentCache struct {
	mu  sync.RWMutex
	ids map[parentKey]int64
}

func NewParentCache() *ParentCache {
	return &ParentCache{ids: make(map[parentKey]int64)}
}

func (c *ParentCache) get(k parentKey) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[k]
	return id, ok
}

func (c *ParentCache) set(k parentKey, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[k] = id
}

func (c *ParentCache) invalidate(k parentKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, k)
}

// AttachmentStorage is the orchestrating entry point used by the compose
// pipeline. One instance is constructed at process start and explicitly
// stopped at shutdown; it owns the tenant registry handles.
type AttachmentStorage struct {
	registry  *repository.TenantRegistry
	cfg       *config.Config
	codec     *ReferenceCodec
	parents   *ParentCache
	storageID string
}

func NewAttachmentStorage(registry *repository.TenantRegistry, cfg *config.Config) (*AttachmentStorage, error) {
	codec, err := NewReferenceCodec(cfg.Reference.Passphrase)
	if err != nil {
		return nil, err
	}
	return &AttachmentStorage{
		registry:  registry,
		cfg:       cfg,
		codec:     codec,
		parents:   NewParentCache(),
		storageID: cfg.Storage.StorageID,
	}, nil
}

// Codec exposes the reference codec to the mail-header boundary.
func (s *AttachmentStorage) Codec() *ReferenceCodec {
	return s.codec
}

// Stop releases every tenant database handle.
func (s *AttachmentStorage) Stop() {
	if err := s.registry.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close tenant databases")
	}
}

// StoreAttachments creates a share folder (collision-safe name), stores every
// file into it, applies the guest grant and expiry stamping, and returns the
// immutable result plus the reference identifying the share event.
func (s *AttachmentStorage) StoreAttachments(ctx context.Context, req *StoreRequest) (*models.StoredAttachments, *models.ShareReference, error) {
	if len(req.Files) == 0 {
		return nil, nil, ErrNoFiles
	}

	tenant, err := s.registry.Get(req.Schema)
	if err != nil {
		return nil, nil, err
	}

	contents, totalSize, err := readIncoming(req.Files)
	if err != nil {
		return nil, nil, err
	}

	quota, err := s.GetStorageQuota(ctx, req.Schema, req.ContextID, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !quota.HasAvailableSpace(totalSize) {
		return nil, nil, ErrQuotaExceeded
	}

	expiry := req.Expiration
	if req.AutoDelete && expiry == nil && s.cfg.Share.DefaultExpiry > 0 {
		e := time.Now().Add(s.cfg.Share.DefaultExpiry)
		expiry = &e
	}

	txn, err := BeginStorageTransaction(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	defer txn.Finish()

	parentID, err := s.ensureParentFolder(ctx, tenant, txn, req.Schema, req.ContextID, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	guest, err := BuildGuestPermission(req.Password, expiry)
	if err != nil {
		return nil, nil, err
	}
	perms := []models.Permission{OwnerPermission(req.UserID), guest}

	meta := map[string]any{}
	if req.AutoDelete && expiry != nil {
		meta[models.ExpiryMetadataKey(s.storageID)] = expiry.UnixMilli()
	}

	var folderID int64
	folderName, err := WithUniqueName(req.FolderName, s.cfg.Storage.MaxNameAttempts, func(name string) error {
		var createErr error
		folderID, createErr = txn.Folders().CreateFolder(req.ContextID, parentID, name, req.UserID, perms, meta)
		return createErr
	})
	if err != nil {
		return nil, nil, err
	}

	items, err := s.saveDocuments(txn, req.ContextID, req.UserID, folderID, contents, req.AutoDelete, expiry)
	if err != nil {
		return nil, nil, err
	}

	if err := txn.Commit(); err != nil {
		return nil, nil, err
	}

	folderItem := models.Item{ID: formatFolderID(folderID), Name: folderName}
	stored := &models.StoredAttachments{Folder: folderItem, Attachments: items}
	ref := &models.ShareReference{
		ShareToken: uuid.New().String(),
		Items:      items,
		Folder:     folderItem,
		Expiration: expiry,
		Password:   req.Password,
		UserID:     req.UserID,
		ContextID:  req.ContextID,
	}

	logger.Audit("attachments_stored", fmt.Sprintf("%d", req.UserID), map[string]string{
		"schema":    req.Schema,
		"folder_id": folderItem.ID,
		"files":     fmt.Sprintf("%d", len(items)),
	})

	return stored, ref, nil
}

// AppendAttachments stores additional files into an existing share folder.
// Files inherit the folder's expiry stamp so the sweeper treats the whole
// share uniformly.
func (s *AttachmentStorage) AppendAttachments(ctx context.Context, schema string, cid, userID int, folderID int64, files []IncomingFile) ([]models.Item, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	tenant, err := s.registry.Get(schema)
	if err != nil {
		return nil, err
	}

	folder, err := tenant.Folders.GetFolder(ctx, cid, folderID)
	if err != nil {
		return nil, err
	}
	if folder.CreatedFrom != userID {
		return nil, ErrNotFolderOwner
	}

	contents, totalSize, err := readIncoming(files)
	if err != nil {
		return nil, err
	}

	quota, err := s.GetStorageQuota(ctx, schema, cid, userID)
	if err != nil {
		return nil, err
	}
	if !quota.HasAvailableSpace(totalSize) {
		return nil, ErrQuotaExceeded
	}

	var expiry *time.Time
	if millis, ok := models.ExpiryFromMeta(folder.Meta, models.ExpiryMetadataKey(s.storageID)); ok {
		t := millisToTime(millis)
		expiry = &t
	}

	txn, err := BeginStorageTransaction(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer txn.Finish()

	items, err := s.saveDocuments(txn, cid, userID, folderID, contents, expiry != nil, expiry)
	if err != nil {
		return nil, err
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteFolder removes a share folder and all its documents.
func (s *AttachmentStorage) DeleteFolder(ctx context.Context, schema string, cid, userID int, folderID int64) error {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return err
	}

	folder, err := tenant.Folders.GetFolder(ctx, cid, folderID)
	if err != nil {
		return err
	}
	if folder.CreatedFrom != userID {
		return ErrNotFolderOwner
	}

	txn, err := BeginStorageTransaction(ctx, tenant)
	if err != nil {
		return err
	}
	defer txn.Finish()

	if err := txn.Documents().RemoveFolderDocuments(cid, folderID); err != nil {
		return err
	}
	if err := txn.Folders().DeleteFolder(cid, folderID); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	logger.Audit("share_folder_deleted", fmt.Sprintf("%d", userID), map[string]string{
		"schema":    schema,
		"folder_id": formatFolderID(folderID),
	})
	return nil
}

// RenameFolder renames a share folder, resolving sibling collisions the same
// way creation does. Returns the name that stuck.
func (s *AttachmentStorage) RenameFolder(ctx context.Context, schema string, cid, userID int, folderID int64, newName string) (string, error) {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return "", err
	}

	folder, err := tenant.Folders.GetFolder(ctx, cid, folderID)
	if err != nil {
		return "", err
	}
	if folder.CreatedFrom != userID {
		return "", ErrNotFolderOwner
	}

	txn, err := BeginStorageTransaction(ctx, tenant)
	if err != nil {
		return "", err
	}
	defer txn.Finish()

	name, err := WithUniqueName(newName, s.cfg.Storage.MaxNameAttempts, func(name string) error {
		return txn.Folders().RenameFolder(cid, folderID, name)
	})
	if err != nil {
		return "", err
	}

	if err := txn.Commit(); err != nil {
		return "", err
	}
	return name, nil
}

// UpdateShareSettings reapplies password/expiry/auto-delete on an existing
// share folder. Idempotent for identical inputs.
func (s *AttachmentStorage) UpdateShareSettings(ctx context.Context, schema string, settings ShareSettings) error {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return err
	}

	folder, err := tenant.Folders.GetFolder(ctx, settings.ContextID, settings.FolderID)
	if err != nil {
		return err
	}
	if folder.CreatedFrom != settings.OwnerID {
		return ErrNotFolderOwner
	}

	txn, err := BeginStorageTransaction(ctx, tenant)
	if err != nil {
		return err
	}
	defer txn.Finish()

	if err := ApplyShareSettings(txn, s.storageID, settings); err != nil {
		return err
	}
	return txn.Commit()
}

// GetStorageQuota returns a point-in-time usage snapshot against the
// configured limit. Never cached; the compose pipeline uses it to decide
// attach-inline versus share.
func (s *AttachmentStorage) GetStorageQuota(ctx context.Context, schema string, cid, userID int) (models.StorageQuota, error) {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return models.StorageQuota{}, err
	}

	usage, err := tenant.Documents.GetUsage(ctx, cid, userID)
	if err != nil {
		return models.StorageQuota{}, err
	}
	return models.StorageQuota{UsageBytes: usage, LimitBytes: s.cfg.Storage.DefaultQuotaBytes}, nil
}

// ResolveGuestFolder lists a share folder for an anonymous recipient after
// enforcing the guest gate (expiry, then password).
func (s *AttachmentStorage) ResolveGuestFolder(ctx context.Context, schema string, cid int, folderID int64, password *string) (models.Item, []models.FileItem, error) {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return models.Item{}, nil, err
	}

	folder, err := resolveGuestFolder(ctx, tenant, cid, folderID, password, time.Now())
	if err != nil {
		return models.Item{}, nil, err
	}

	docs, err := tenant.Documents.GetDocuments(ctx, cid, folderID)
	if err != nil {
		return models.Item{}, nil, err
	}

	files := make([]models.FileItem, 0, len(docs))
	for _, doc := range docs {
		docID := doc.ID
		files = append(files, models.FileItem{
			Item:     models.Item{ID: docID, Name: doc.Name},
			Size:     doc.Size,
			MimeType: doc.MimeType,
			Data: func() (io.ReadCloser, error) {
				return tenant.Documents.OpenData(ctx, cid, docID)
			},
		})
	}

	return models.Item{ID: formatFolderID(folder.ID), Name: folder.Name}, files, nil
}

// OpenGuestDocument streams one document for an anonymous recipient after
// enforcing the guest gate.
func (s *AttachmentStorage) OpenGuestDocument(ctx context.Context, schema string, cid int, folderID int64, docID string, password *string) (*models.FileItem, io.ReadCloser, error) {
	tenant, err := s.registry.Get(schema)
	if err != nil {
		return nil, nil, err
	}

	if _, err := resolveGuestFolder(ctx, tenant, cid, folderID, password, time.Now()); err != nil {
		return nil, nil, err
	}

	doc, err := tenant.Documents.GetDocument(ctx, cid, docID)
	if err != nil {
		return nil, nil, err
	}
	if doc.FolderID != folderID {
		return nil, nil, repository.ErrDocumentNotFound
	}

	data, err := tenant.Documents.OpenData(ctx, cid, docID)
	if err != nil {
		return nil, nil, err
	}

	file := &models.FileItem{
		Item:     models.Item{ID: doc.ID, Name: doc.Name},
		Size:     doc.Size,
		MimeType: doc.MimeType,
	}
	return file, data, nil
}

// ensureParentFolder resolves (creating if missing) the per-user folder that
// share folders live under, consulting the parent cache first.
func (s *AttachmentStorage) ensureParentFolder(ctx context.Context, tenant *repository.Tenant, txn *StorageTransaction, schema string, cid, userID int) (int64, error) {
	key := parentKey{schema: schema, cid: cid, user: userID}
	if id, ok := s.parents.get(key); ok {
		// Verify the cached folder still exists; a concurrent delete or a
		// sweep may have removed it.
		if _, err := tenant.Folders.GetFolder(ctx, cid, id); err == nil {
			return id, nil
		}
		s.parents.invalidate(key)
	}

	existing, err := tenant.Folders.FindPersonalFolder(ctx, cid, userID, s.cfg.Storage.ParentFolderName)
	if err == nil {
		s.parents.set(key, existing.ID)
		return existing.ID, nil
	}
	if !errors.Is(err, repository.ErrFolderNotFound) {
		return 0, err
	}

	id, err := txn.Folders().CreateFolder(cid, 0, s.cfg.Storage.ParentFolderName, userID,
		[]models.Permission{OwnerPermission(userID)}, nil)
	if err != nil {
		// A concurrent store may have created it between the lookup and the
		// insert; fall back to the committed row.
		if errors.Is(err, repository.ErrDuplicateName) {
			existing, lookupErr := tenant.Folders.FindPersonalFolder(ctx, cid, userID, s.cfg.Storage.ParentFolderName)
			if lookupErr == nil {
				s.parents.set(key, existing.ID)
				return existing.ID, nil
			}
		}
		return 0, err
	}
	// Not cached yet: the row is only visible after this transaction commits.
	return id, nil
}

type incomingContent struct {
	name     string
	mimeType string
	data     []byte
}

// readIncoming drains every file's reader and fills in missing sizes and
// MIME types (sniffed from content).
func readIncoming(files []IncomingFile) ([]incomingContent, int64, error) {
	contents := make([]incomingContent, 0, len(files))
	var total int64
	for _, f := range files {
		data, err := io.ReadAll(f.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("read attachment %q: %w", f.Name, err)
		}
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = mimetype.Detect(data).String()
		}
		contents = append(contents, incomingContent{name: sanitize.SanitizeFilename(f.Name), mimeType: mimeType, data: data})
		total += int64(len(data))
	}
	return contents, total, nil
}

func (s *AttachmentStorage) saveDocuments(txn *StorageTransaction, cid, userID int, folderID int64, contents []incomingContent, autoDelete bool, expiry *time.Time) ([]models.Item, error) {
	var stampKey string
	var stampMillis int64
	if autoDelete && expiry != nil {
		stampKey = models.ExpiryMetadataKey(s.storageID)
		stampMillis = expiry.UnixMilli()
	}

	items := make([]models.Item, 0, len(contents))
	for _, content := range contents {
		doc := &repository.DocumentRecord{
			ID:          uuid.New().String(),
			ContextID:   cid,
			FolderID:    folderID,
			Name:        content.name,
			MimeType:    content.mimeType,
			Size:        int64(len(content.data)),
			CreatedFrom: userID,
		}
		if stampKey != "" {
			doc.Meta = map[string]any{stampKey: stampMillis}
		}
		if err := txn.Documents().SaveDocument(doc, content.data); err != nil {
			return nil, fmt.Errorf("save attachment %q: %w", content.name, err)
		}
		items = append(items, models.Item{ID: doc.ID, Name: doc.Name})
	}
	return items, nil
}

func formatFolderID(id int64) string {
	return fmt.Sprintf("%d", id)
}
