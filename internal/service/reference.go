package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attachlink/attachlink/internal/models"
	"github.com/attachlink/attachlink/pkg/logger"
	"golang.org/x/crypto/pbkdf2"
)

// Mail headers carrying a share between the transport copy and the sender's
// retained copy. The reference header holds the encrypted token; the others
// are consumed by the message-generation layer.
const (
	ShareReferenceHeader = "X-Share-Reference"
	ShareTypeHeader      = "X-Share-Type"
	ShareURLHeader       = "X-Share-URL"
)

// headerLineLimit is the practical folded-line width of a mail header.
const headerLineLimit = 76

// ErrMalformedReference is returned when a token cannot be decrypted or
// parsed. Surfaced as illegal input, never silently defaulted.
var ErrMalformedReference = errors.New("malformed share reference")

const (
	referenceKDFSalt       = "attachlink.reference.v1"
	referenceKDFIterations = 4096
)

// wireItem and wireReference are the compact serialized form of a
// ShareReference. Expiration travels as epoch millis.
type wireItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireReference struct {
	Token      string     `json:"token"`
	ContextID  int        `json:"cid"`
	UserID     int        `json:"user"`
	Folder     wireItem   `json:"folder"`
	Items      []wireItem `json:"items"`
	Expiration *int64     `json:"expiry,omitempty"`
	Password   *string    `json:"password,omitempty"`
}

// ReferenceCodec turns a ShareReference into an opaque, URL- and header-safe
// string and back. The key is process-wide, derived from a configured
// passphrase; it prevents casual tampering and inspection of header values,
// not confidentiality against an operator with the configuration.
type ReferenceCodec struct {
	aead cipher.AEAD
}

func NewReferenceCodec(passphrase string) (*ReferenceCodec, error) {
	if passphrase == "" {
		return nil, errors.New("reference passphrase must not be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(referenceKDFSalt), referenceKDFIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("derive reference cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("derive reference cipher: %w", err)
	}

	return &ReferenceCodec{aead: aead}, nil
}

// Encode serializes and encrypts a reference. The result contains only
// base64url characters and is safe inside a mail header once folded.
func (c *ReferenceCodec) Encode(ref *models.ShareReference) (string, error) {
	if ref == nil || ref.Folder.ID == "" {
		return "", errors.New("reference must carry a folder")
	}

	wire := wireReference{
		Token:     ref.ShareToken,
		ContextID: ref.ContextID,
		UserID:    ref.UserID,
		Folder:    wireItem{ID: ref.Folder.ID, Name: ref.Folder.Name},
		Password:  ref.Password,
	}
	for _, item := range ref.Items {
		wire.Items = append(wire.Items, wireItem{ID: item.ID, Name: item.Name})
	}
	if ref.Expiration != nil {
		millis := ref.Expiration.UnixMilli()
		wire.Expiration = &millis
	}

	plaintext, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("serialize reference: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate reference nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode. Folding whitespace is stripped first, so both the
// raw token and a folded header value decode. A decryption or format failure
// is ErrMalformedReference; anything past authenticated decryption failing to
// parse should not happen and is logged as an internal condition.
func (c *ReferenceCodec) Decode(encoded string) (*models.ShareReference, error) {
	compact := UnfoldHeaderValue(encoded)

	sealed, err := base64.RawURLEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReference, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(sealed) <= nonceSize {
		return nil, fmt.Errorf("%w: token too short", ErrMalformedReference)
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReference, err)
	}

	var wire wireReference
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		logger.Error().Err(err).Msg("Authenticated share reference failed to parse")
		return nil, fmt.Errorf("%w: %v", ErrMalformedReference, err)
	}

	ref := &models.ShareReference{
		ShareToken: wire.Token,
		ContextID:  wire.ContextID,
		UserID:     wire.UserID,
		Folder:     models.Item{ID: wire.Folder.ID, Name: wire.Folder.Name},
		Password:   wire.Password,
	}
	for _, item := range wire.Items {
		ref.Items = append(ref.Items, models.Item{ID: item.ID, Name: item.Name})
	}
	if wire.Expiration != nil {
		t := millisToTime(*wire.Expiration)
		ref.Expiration = &t
	}

	return ref, nil
}

// millisToTime restores an epoch-millis expiration. UTC, because the wire
// form carries no zone.
func millisToTime(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}

// FoldHeaderValue chunks an encoded token for a mail header. The first line
// is shortened by the header name's width (plus ": "); continuation lines are
// space-separated so standard header folding applies.
func FoldHeaderValue(token, headerName string) string {
	firstWidth := headerLineLimit - len(headerName) - 2
	if firstWidth < 1 {
		firstWidth = 1
	}

	var b strings.Builder
	width := firstWidth
	for len(token) > width {
		b.WriteString(token[:width])
		b.WriteByte(' ')
		token = token[width:]
		width = headerLineLimit
	}
	b.WriteString(token)
	return b.String()
}

// UnfoldHeaderValue strips every whitespace character a folded header value
// picked up in transport.
func UnfoldHeaderValue(folded string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, folded)
}
