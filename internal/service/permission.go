package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attachlink/attachlink/internal/models"
	"github.com/attachlink/attachlink/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrShareExpired     = errors.New("share has expired")
	ErrNoGuestAccess    = errors.New("folder has no guest access")
	ErrInvalidLinkToken = errors.New("invalid or expired share link token")
)

// OwnerPermission is the owning user's full-control entry on a share folder.
func OwnerPermission(userID int) models.Permission {
	return models.Permission{
		Entity: userID,
		Bits:   models.PermFullControl,
	}
}

// BuildGuestPermission creates the anonymous-recipient grant: read-only
// folder and object rights, never write, delete or admin, optionally gated
// by a password and an expiry.
func BuildGuestPermission(password *string, expiry *time.Time) (models.Permission, error) {
	perm := models.Permission{
		Guest: true,
		Bits:  models.PermGuestReadOnly,
	}

	if password != nil && *password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			return models.Permission{}, err
		}
		hashedStr := string(hashed)
		perm.PasswordHash = &hashedStr
	}
	if expiry != nil {
		e := *expiry
		perm.ExpiresAt = &e
	}

	return perm, nil
}

// VerifyGuestAccess checks a guest entry's expiry and password gate.
func VerifyGuestAccess(perm models.Permission, password *string, now time.Time) error {
	if perm.ExpiresAt != nil && perm.ExpiresAt.Before(now) {
		return ErrShareExpired
	}
	if perm.PasswordHash != nil {
		if password == nil || *password == "" {
			return ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*perm.PasswordHash), []byte(*password)); err != nil {
			return ErrInvalidPassword
		}
	}
	return nil
}

// GuestEntry returns the folder's anonymous grant, if any.
func GuestEntry(perms []models.Permission) (models.Permission, bool) {
	for _, p := range perms {
		if p.Guest {
			return p, true
		}
	}
	return models.Permission{}, false
}

// ShareSettings are the durable share options applied to an existing folder.
type ShareSettings struct {
	ContextID  int
	FolderID   int64
	OwnerID    int
	Password   *string
	Expiry     *time.Time
	AutoDelete bool
}

// ApplyShareSettings mutates durable state inside the given transaction:
//
//   - auto-delete with an expiry stamps every existing document's metadata
//     with this storage instance's expiry key (content untouched, unrelated
//     metadata keys survive);
//   - a password or expiry rebuilds the folder's access list to exactly
//     {owner full control, guest read-only} and, when auto-delete was
//     requested, stamps the folder's own expiry metadata.
//
// Reapplying the same settings yields the same final permission set and
// metadata.
func ApplyShareSettings(txn *StorageTransaction, storageID string, s ShareSettings) error {
	key := models.ExpiryMetadataKey(storageID)

	if s.AutoDelete && s.Expiry != nil {
		docs, err := txn.Documents().GetDocuments(s.ContextID, s.FolderID)
		if err != nil {
			return fmt.Errorf("list folder documents: %w", err)
		}
		millis := s.Expiry.UnixMilli()
		for _, doc := range docs {
			meta := doc.Meta
			if meta == nil {
				meta = map[string]any{}
			}
			meta[key] = millis
			if err := txn.Documents().UpdateMeta(s.ContextID, doc.ID, meta); err != nil {
				return fmt.Errorf("stamp document expiry: %w", err)
			}
		}
	}

	if s.Password == nil && s.Expiry == nil {
		return nil
	}

	guest, err := BuildGuestPermission(s.Password, s.Expiry)
	if err != nil {
		return err
	}
	perms := []models.Permission{OwnerPermission(s.OwnerID), guest}
	if err := txn.Folders().UpdatePermissions(s.ContextID, s.FolderID, perms); err != nil {
		return fmt.Errorf("update folder permissions: %w", err)
	}

	if s.AutoDelete && s.Expiry != nil {
		folder, err := txn.Folders().GetFolder(s.ContextID, s.FolderID)
		if err != nil {
			return err
		}
		meta := folder.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		meta[key] = s.Expiry.UnixMilli()
		if err := txn.Folders().UpdateMeta(s.ContextID, s.FolderID, meta); err != nil {
			return fmt.Errorf("stamp folder expiry: %w", err)
		}
	}

	return nil
}

// GuestLinkClaims identify the share folder a guest link points at.
type GuestLinkClaims struct {
	Schema    string `json:"schema"`
	ContextID int    `json:"cid"`
	FolderID  int64  `json:"folder"`
	jwt.RegisteredClaims
}

// IssueGuestToken signs the token embedded in a share URL. The expiry claim
// mirrors the guest permission's expiry; a share without one gets a token
// without one.
func IssueGuestToken(secret, schema string, contextID int, folderID int64, expiry *time.Time) (string, error) {
	claims := &GuestLinkClaims{
		Schema:    schema,
		ContextID: contextID,
		FolderID:  folderID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if expiry != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiry)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseGuestToken validates a share link token and returns its claims.
func ParseGuestToken(secret, tokenString string) (*GuestLinkClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GuestLinkClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing algorithm is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidLinkToken
	}

	claims, ok := token.Claims.(*GuestLinkClaims)
	if !ok {
		return nil, ErrInvalidLinkToken
	}
	return claims, nil
}

// resolveGuestFolder loads a folder and enforces its guest gate.
func resolveGuestFolder(ctx context.Context, tenant *repository.Tenant, cid int, folderID int64, password *string, now time.Time) (*repository.FolderRecord, error) {
	folder, err := tenant.Folders.GetFolder(ctx, cid, folderID)
	if err != nil {
		return nil, err
	}
	guest, ok := GuestEntry(folder.Permissions)
	if !ok {
		return nil, ErrNoGuestAccess
	}
	if err := VerifyGuestAccess(guest, password, now); err != nil {
		return nil, err
	}
	return folder, nil
}
