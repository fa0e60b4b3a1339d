package models

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Item identifies a stored folder or document by its storage-assigned id and
// display name. Immutable once returned.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileItem is an Item plus the document attributes needed to stream it back.
// Size is -1 when unknown. Data opens the stored content lazily.
type FileItem struct {
	Item
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`

	// Data is set by the repository layer; nil for listing-only results.
	Data func() (io.ReadCloser, error) `json:"-"`
}

// StoredAttachments is the immutable result of a successful store operation.
type StoredAttachments struct {
	Folder      Item   `json:"folder"`
	Attachments []Item `json:"attachments"`
}

// ShareReference is the durable identity of one share event. It round-trips
// through the encrypted header token and is never mutated after creation.
type ShareReference struct {
	ShareToken string     `json:"token"`
	Items      []Item     `json:"items"`
	Folder     Item       `json:"folder"`
	Expiration *time.Time `json:"expiration,omitempty"`
	Password   *string    `json:"password,omitempty"`
	UserID     int        `json:"user"`
	ContextID  int        `json:"context"`
}

// StorageQuota is a point-in-time snapshot; it is never cached.
type StorageQuota struct {
	UsageBytes int64 `json:"usage_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
}

// UnlimitedQuota reports available space for any request.
var UnlimitedQuota = StorageQuota{UsageBytes: 0, LimitBytes: -1}

// HasAvailableSpace reports whether n more bytes fit under the limit.
// A negative limit means unlimited.
func (q StorageQuota) HasAvailableSpace(n int64) bool {
	return q.LimitBytes < 0 || q.UsageBytes+n <= q.LimitBytes
}

// Permission bits. A share folder carries exactly two entries: the owner with
// full control and one anonymous guest entry with read-only rights.
const (
	PermReadFolder = 1 << iota
	PermReadObjects
	PermWriteObjects
	PermDeleteObjects
	PermCreateSubfolders
	PermAdmin
)

// PermFullControl is the owner grant on a share folder.
const PermFullControl = PermReadFolder | PermReadObjects | PermWriteObjects |
	PermDeleteObjects | PermCreateSubfolders | PermAdmin

// PermGuestReadOnly is the only grant ever issued to an anonymous recipient.
const PermGuestReadOnly = PermReadFolder | PermReadObjects

// Permission is one entry in a folder's access list. Guest entries have no
// entity and may be gated by a bcrypt password hash and an expiry.
type Permission struct {
	Entity       int        `json:"entity"`
	Guest        bool       `json:"guest,omitempty"`
	Bits         int        `json:"bits"`
	PasswordHash *string    `json:"password_hash,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ReadOnly reports whether the entry grants no write, delete or admin rights.
func (p Permission) ReadOnly() bool {
	return p.Bits&(PermWriteObjects|PermDeleteObjects|PermCreateSubfolders|PermAdmin) == 0
}

// ExpiryMetadataKey returns the per-storage metadata key carrying a folder's
// or document's expiry as epoch millis. Multiple storage instances can stamp
// metadata on the same store without colliding because the key embeds the
// storage id.
func ExpiryMetadataKey(storageID string) string {
	return fmt.Sprintf("expiration-date-%s", storageID)
}

// ExpiryFromMeta reads the expiry millis stored under key. Metadata is a
// loosely typed map that other storage instances also write into, so an
// absent or unparseable value means "no expiry for this instance", never an
// error.
func ExpiryFromMeta(meta map[string]any, key string) (int64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		millis, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return millis, true
	case string:
		millis, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return millis, true
	default:
		return 0, false
	}
}

// ExpiredFolder is a sweeper-internal candidate row, built per scan.
type ExpiredFolder struct {
	FolderID  int64
	ContextID int
	OwnerID   int
	Meta      map[string]any
}
