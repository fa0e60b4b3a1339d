package handler

import (
	"errors"
	"fmt"

	"github.com/attachlink/attachlink/internal/config"
	"github.com/attachlink/attachlink/internal/repository"
	"github.com/attachlink/attachlink/internal/service"
	"github.com/attachlink/attachlink/pkg/response"
	"github.com/attachlink/attachlink/pkg/sanitize"
	"github.com/gofiber/fiber/v2"
)

// GuestHandler serves anonymous recipients following a share link. The link
// token pins the folder; the guest permission's password and expiry gate the
// actual access.
type GuestHandler struct {
	storage *service.AttachmentStorage
	cfg     *config.Config
}

func NewGuestHandler(storage *service.AttachmentStorage, cfg *config.Config) *GuestHandler {
	return &GuestHandler{storage: storage, cfg: cfg}
}

// List shows the shared folder's contents.
func (h *GuestHandler) List(c *fiber.Ctx) error {
	claims, err := h.parseLink(c)
	if err != nil {
		RecordGuestAccessFailure("invalid_token")
		return response.Unauthorized(c, "invalid or expired share link")
	}

	folder, files, err := h.storage.ResolveGuestFolder(c.Context(), claims.Schema, claims.ContextID, claims.FolderID, sharePassword(c))
	if err != nil {
		return guestError(c, err)
	}

	type listedFile struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		MimeType string `json:"mime_type"`
	}
	listed := make([]listedFile, 0, len(files))
	for _, f := range files {
		listed = append(listed, listedFile{ID: f.ID, Name: f.Name, Size: f.Size, MimeType: f.MimeType})
	}

	return response.Success(c, fiber.Map{
		"folder": folder,
		"files":  listed,
	})
}

// Download streams one shared document.
func (h *GuestHandler) Download(c *fiber.Ctx) error {
	claims, err := h.parseLink(c)
	if err != nil {
		RecordGuestAccessFailure("invalid_token")
		return response.Unauthorized(c, "invalid or expired share link")
	}

	file, data, err := h.storage.OpenGuestDocument(c.Context(), claims.Schema, claims.ContextID, claims.FolderID, c.Params("id"), sharePassword(c))
	if err != nil {
		return guestError(c, err)
	}
	defer data.Close()

	RecordGuestDownload()

	c.Set(fiber.HeaderContentType, file.MimeType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", sanitize.SanitizeForHeader(file.Name)))
	if file.Size >= 0 {
		return c.SendStream(data, int(file.Size))
	}
	return c.SendStream(data)
}

func (h *GuestHandler) parseLink(c *fiber.Ctx) (*service.GuestLinkClaims, error) {
	return service.ParseGuestToken(h.cfg.Share.GuestTokenSecret, c.Params("token"))
}

// sharePassword reads the optional guest password from the request.
func sharePassword(c *fiber.Ctx) *string {
	if p := c.Get("X-Share-Password"); p != "" {
		return &p
	}
	if p := c.Query("password"); p != "" {
		return &p
	}
	return nil
}

func guestError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrPasswordRequired):
		RecordGuestAccessFailure("password_required")
		return response.Unauthorized(c, "password required")
	case errors.Is(err, service.ErrInvalidPassword):
		RecordGuestAccessFailure("invalid_password")
		return response.Unauthorized(c, "invalid password")
	case errors.Is(err, service.ErrShareExpired):
		RecordGuestAccessFailure("expired")
		return response.Error(c, fiber.StatusGone, "share has expired")
	case errors.Is(err, service.ErrNoGuestAccess):
		RecordGuestAccessFailure("no_guest_access")
		return response.Forbidden(c, "folder is not shared")
	case errors.Is(err, repository.ErrFolderNotFound):
		return response.NotFound(c, "share not found")
	case errors.Is(err, repository.ErrDocumentNotFound):
		return response.NotFound(c, "document not found")
	case errors.Is(err, repository.ErrStorageUnavailable):
		return response.Error(c, fiber.StatusServiceUnavailable, "attachment storage unavailable")
	default:
		return response.InternalError(c, "share access failed")
	}
}
