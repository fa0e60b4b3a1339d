package handler

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/attachlink/attachlink/internal/config"
	"github.com/attachlink/attachlink/internal/repository"
	"github.com/attachlink/attachlink/internal/service"
	"github.com/attachlink/attachlink/pkg/response"
	"github.com/gofiber/fiber/v2"
)

// AttachmentHandler is the HTTP boundary the compose pipeline calls. The
// pipeline itself (thresholds, share-or-inline decisions) lives upstream;
// this layer only translates requests into facade operations.
type AttachmentHandler struct {
	storage *service.AttachmentStorage
	cfg     *config.Config
}

func NewAttachmentHandler(storage *service.AttachmentStorage, cfg *config.Config) *AttachmentHandler {
	return &AttachmentHandler{storage: storage, cfg: cfg}
}

// Store creates a share folder and stores the message's attachments into it.
// Multipart form: context_id, user_id, folder_name, optional password,
// expires_at (RFC 3339), auto_delete, plus one or more "file" parts.
func (h *AttachmentHandler) Store(c *fiber.Ctx) error {
	cid, userID, err := callerIdentity(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	folderName := c.FormValue("folder_name")
	if folderName == "" {
		return response.BadRequest(c, "folder_name is required")
	}

	var password *string
	if p := c.FormValue("password"); p != "" {
		password = &p
	}

	expiry, err := parseExpiry(c.FormValue("expires_at"))
	if err != nil {
		return response.BadRequest(c, "expires_at must be RFC 3339")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.BadRequest(c, "multipart form required")
	}
	fileHeaders := form.File["file"]
	if len(fileHeaders) == 0 {
		return response.BadRequest(c, "at least one file is required")
	}

	files := make([]service.IncomingFile, 0, len(fileHeaders))
	var totalBytes int64
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			return response.InternalError(c, "failed to read file")
		}
		defer f.Close()
		files = append(files, service.IncomingFile{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Data:     f,
		})
		totalBytes += fh.Size
	}

	req := &service.StoreRequest{
		Schema:     c.Params("schema"),
		ContextID:  cid,
		UserID:     userID,
		FolderName: folderName,
		Password:   password,
		Expiration: expiry,
		AutoDelete: c.FormValue("auto_delete") == "true",
		Files:      files,
	}

	stored, ref, err := h.storage.StoreAttachments(c.Context(), req)
	if err != nil {
		return storageError(c, err)
	}

	encoded, err := h.storage.Codec().Encode(ref)
	if err != nil {
		return response.InternalError(c, "failed to encode share reference")
	}

	folderID, _ := strconv.ParseInt(stored.Folder.ID, 10, 64)
	linkToken, err := service.IssueGuestToken(h.cfg.Share.GuestTokenSecret, req.Schema, cid, folderID, expiry)
	if err != nil {
		return response.InternalError(c, "failed to issue share link")
	}

	RecordShareCreated(float64(totalBytes))

	return response.Success(c, fiber.Map{
		"folder":           stored.Folder,
		"attachments":      stored.Attachments,
		"share_token":      ref.ShareToken,
		"share_url":        fmt.Sprintf("%s/%s", h.cfg.Share.BaseURL, linkToken),
		"reference":        encoded,
		"reference_header": service.FoldHeaderValue(encoded, service.ShareReferenceHeader),
	})
}

// Append stores additional files into an existing share folder.
func (h *AttachmentHandler) Append(c *fiber.Ctx) error {
	cid, userID, err := callerIdentity(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}
	folderID, err := strconv.ParseInt(c.Params("folderID"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "invalid folder id")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.BadRequest(c, "multipart form required")
	}
	fileHeaders := form.File["file"]
	if len(fileHeaders) == 0 {
		return response.BadRequest(c, "at least one file is required")
	}

	files := make([]service.IncomingFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			return response.InternalError(c, "failed to read file")
		}
		defer f.Close()
		files = append(files, service.IncomingFile{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Data:     f,
		})
	}

	items, err := h.storage.AppendAttachments(c.Context(), c.Params("schema"), cid, userID, folderID, files)
	if err != nil {
		return storageError(c, err)
	}
	return response.Success(c, fiber.Map{"attachments": items})
}

// Delete removes a share folder and everything in it.
func (h *AttachmentHandler) Delete(c *fiber.Ctx) error {
	cid, userID, err := callerIdentity(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}
	folderID, err := strconv.ParseInt(c.Params("folderID"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "invalid folder id")
	}

	if err := h.storage.DeleteFolder(c.Context(), c.Params("schema"), cid, userID, folderID); err != nil {
		return storageError(c, err)
	}
	return response.Success(c, fiber.Map{"deleted": true})
}

// Rename changes a share folder's display name, resolving collisions.
func (h *AttachmentHandler) Rename(c *fiber.Ctx) error {
	cid, userID, err := callerIdentity(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}
	folderID, err := strconv.ParseInt(c.Params("folderID"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "invalid folder id")
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil || body.Name == "" {
		return response.BadRequest(c, "name is required")
	}

	name, err := h.storage.RenameFolder(c.Context(), c.Params("schema"), cid, userID, folderID, body.Name)
	if err != nil {
		return storageError(c, err)
	}
	return response.Success(c, fiber.Map{"name": name})
}

// UpdateSettings reapplies share settings (password, expiry, auto-delete) on
// an existing folder.
func (h *AttachmentHandler) UpdateSettings(c *fiber.Ctx) error {
	cid, userID, err := callerIdentity(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}
	folderID, err := strconv.ParseInt(c.Params("folderID"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "invalid folder id")
	}

	var body struct {
		Password   *string `json:"password"`
		ExpiresAt  *string `json:"expires_at"`
		AutoDelete bool    `json:"auto_delete"`
	}
	if err := c.BodyParser(&body); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	var expiry *time.Time
	if body.ExpiresAt != nil {
		expiry, err = parseExpiry(*body.ExpiresAt)
		if err != nil {
			return response.BadRequest(c, "expires_at must be RFC 3339")
		}
	}

	settings := service.ShareSettings{
		ContextID:  cid,
		FolderID:   folderID,
		OwnerID:    userID,
		Password:   body.Password,
		Expiry:     expiry,
		AutoDelete: body.AutoDelete,
	}
	if err := h.storage.UpdateShareSettings(c.Context(), c.Params("schema"), settings); err != nil {
		return storageError(c, err)
	}
	return response.Success(c, fiber.Map{"updated": true})
}

// Quota returns the caller's storage usage snapshot.
func (h *AttachmentHandler) Quota(c *fiber.Ctx) error {
	cid, userID, err := callerIdentity(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	quota, err := h.storage.GetStorageQuota(c.Context(), c.Params("schema"), cid, userID)
	if err != nil {
		return storageError(c, err)
	}
	return response.Success(c, quota)
}

// Resolve decodes a share reference header value back into the share it
// identifies, for the message-generation layer handling replies and sent
// copies.
func (h *AttachmentHandler) Resolve(c *fiber.Ctx) error {
	var body struct {
		Reference string `json:"reference"`
	}
	if err := c.BodyParser(&body); err != nil || body.Reference == "" {
		return response.BadRequest(c, "reference is required")
	}

	ref, err := h.storage.Codec().Decode(body.Reference)
	if err != nil {
		if errors.Is(err, service.ErrMalformedReference) {
			return response.BadRequest(c, "malformed share reference")
		}
		return response.InternalError(c, "failed to decode share reference")
	}
	return response.Success(c, ref)
}

// callerIdentity reads the (context, user) pair the compose pipeline sends
// with every call.
func callerIdentity(c *fiber.Ctx) (cid int, userID int, err error) {
	cid, err = strconv.Atoi(firstValue(c, "context_id"))
	if err != nil {
		return 0, 0, errors.New("context_id is required")
	}
	userID, err = strconv.Atoi(firstValue(c, "user_id"))
	if err != nil {
		return 0, 0, errors.New("user_id is required")
	}
	return cid, userID, nil
}

// firstValue reads a field from the form body, falling back to the query.
func firstValue(c *fiber.Ctx, key string) string {
	if v := c.FormValue(key); v != "" {
		return v
	}
	return c.Query(key)
}

func parseExpiry(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	utc := t.UTC()
	return &utc, nil
}

// storageError maps facade errors onto HTTP statuses.
func storageError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrQuotaExceeded):
		return response.Error(c, fiber.StatusInsufficientStorage, "storage quota exceeded")
	case errors.Is(err, service.ErrNameAttemptsExhausted):
		return response.Error(c, fiber.StatusConflict, "could not find a free folder name")
	case errors.Is(err, service.ErrNotFolderOwner):
		return response.Forbidden(c, "folder belongs to another user")
	case errors.Is(err, service.ErrNoFiles):
		return response.BadRequest(c, "no files to store")
	case errors.Is(err, repository.ErrFolderNotFound):
		return response.NotFound(c, "folder not found")
	case errors.Is(err, repository.ErrDocumentNotFound):
		return response.NotFound(c, "document not found")
	case errors.Is(err, repository.ErrStorageUnavailable):
		return response.Error(c, fiber.StatusServiceUnavailable, "attachment storage unavailable")
	default:
		return response.InternalError(c, "attachment operation failed")
	}
}
