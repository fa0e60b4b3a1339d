package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/attachlink/attachlink/internal/models"
)

func testCodec(t *testing.T) *ReferenceCodec {
	t.Helper()
	codec, err := NewReferenceCodec("test-passphrase")
	if err != nil {
		t.Fatalf("NewReferenceCodec: %v", err)
	}
	return codec
}

func TestReferenceRoundTrip(t *testing.T) {
	codec := testCodec(t)

	expiry := time.UnixMilli(time.Now().Add(48*time.Hour).UnixMilli()).UTC()
	password := "guest-secret"
	ref := &models.ShareReference{
		ShareToken: "tok-1",
		ContextID:  42,
		UserID:     7,
		Folder:     models.Item{ID: "folder-10", Name: "Quarterly report"},
		Items: []models.Item{
			{ID: "doc-1", Name: "report.pdf"},
			{ID: "doc-2", Name: "summary.xlsx"},
		},
		Expiration: &expiry,
		Password:   &password,
	}

	encoded, err := codec.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.ContainsAny(encoded, " \t\r\n=+/") {
		t.Fatalf("encoded token must be base64url without padding: %q", encoded)
	}

	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.ShareToken != ref.ShareToken || decoded.ContextID != ref.ContextID || decoded.UserID != ref.UserID {
		t.Fatalf("identity fields mismatch: %+v", decoded)
	}
	if decoded.Folder != ref.Folder {
		t.Fatalf("folder mismatch: %+v", decoded.Folder)
	}
	if len(decoded.Items) != 2 || decoded.Items[0] != ref.Items[0] || decoded.Items[1] != ref.Items[1] {
		t.Fatalf("items mismatch: %+v", decoded.Items)
	}
	if decoded.Expiration == nil || !decoded.Expiration.Equal(expiry) {
		t.Fatalf("expiration mismatch: %v", decoded.Expiration)
	}
	if decoded.Password == nil || *decoded.Password != password {
		t.Fatalf("password mismatch: %v", decoded.Password)
	}
}

func TestReferenceRoundTripWithoutOptionalFields(t *testing.T) {
	codec := testCodec(t)

	ref := &models.ShareReference{
		ShareToken: "tok-2",
		ContextID:  1,
		UserID:     2,
		Folder:     models.Item{ID: "folder-3", Name: "Attachments"},
	}

	encoded, err := codec.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Expiration != nil || decoded.Password != nil {
		t.Fatalf("expected absent optional fields, got: %+v", decoded)
	}
}

func TestEncodeRequiresFolder(t *testing.T) {
	codec := testCodec(t)

	if _, err := codec.Encode(nil); err == nil {
		t.Fatal("expected error for nil reference")
	}
	if _, err := codec.Encode(&models.ShareReference{ShareToken: "tok"}); err == nil {
		t.Fatal("expected error for reference without folder")
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	codec := testCodec(t)

	encoded, err := codec.Encode(&models.ShareReference{
		ShareToken: "tok",
		Folder:     models.Item{ID: "f", Name: "n"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Flip one character of the ciphertext.
	tampered := []byte(encoded)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	if _, err := codec.Decode(string(tampered)); !errors.Is(err, ErrMalformedReference) {
		t.Fatalf("expected ErrMalformedReference, got: %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	codec := testCodec(t)

	for _, input := range []string{"", "!!not-base64!!", "c2hvcnQ"} {
		if _, err := codec.Decode(input); !errors.Is(err, ErrMalformedReference) {
			t.Fatalf("input %q: expected ErrMalformedReference, got: %v", input, err)
		}
	}
}

func TestDecodeRejectsForeignKey(t *testing.T) {
	codec := testCodec(t)
	other, err := NewReferenceCodec("another-passphrase")
	if err != nil {
		t.Fatalf("NewReferenceCodec: %v", err)
	}

	encoded, err := codec.Encode(&models.ShareReference{
		ShareToken: "tok",
		Folder:     models.Item{ID: "f", Name: "n"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := other.Decode(encoded); !errors.Is(err, ErrMalformedReference) {
		t.Fatalf("expected ErrMalformedReference, got: %v", err)
	}
}

func TestFoldHeaderValue(t *testing.T) {
	token := strings.Repeat("a", 300)

	folded := FoldHeaderValue(token, ShareReferenceHeader)
	chunks := strings.Split(folded, " ")
	if len(chunks) < 2 {
		t.Fatalf("expected a folded value, got %d chunks", len(chunks))
	}

	// The first chunk must fit after "X-Share-Reference: " within the line limit.
	if len(ShareReferenceHeader)+2+len(chunks[0]) > headerLineLimit {
		t.Fatalf("first chunk too long: %d chars", len(chunks[0]))
	}
	for i, chunk := range chunks[1:] {
		if len(chunk) > headerLineLimit {
			t.Fatalf("continuation chunk %d too long: %d chars", i+1, len(chunk))
		}
	}

	if got := UnfoldHeaderValue(folded); got != token {
		t.Fatalf("unfold mismatch: got %d chars, want %d", len(got), len(token))
	}
}

func TestFoldHeaderValueShortToken(t *testing.T) {
	token := "short"
	if got := FoldHeaderValue(token, ShareReferenceHeader); got != token {
		t.Fatalf("short token must not fold, got %q", got)
	}
}

func TestDecodeFoldedHeaderValue(t *testing.T) {
	codec := testCodec(t)

	ref := &models.ShareReference{
		ShareToken: "tok",
		ContextID:  1,
		UserID:     2,
		Folder:     models.Item{ID: "folder", Name: "A rather long folder name to force folding"},
		Items: []models.Item{
			{ID: "doc-1", Name: "an attachment with a long descriptive file name.pdf"},
		},
	}
	encoded, err := codec.Encode(ref)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	folded := FoldHeaderValue(encoded, ShareReferenceHeader)
	decoded, err := codec.Decode(folded)
	if err != nil {
		t.Fatalf("Decode folded: %v", err)
	}
	if decoded.Folder != ref.Folder {
		t.Fatalf("folder mismatch after folding: %+v", decoded.Folder)
	}
}
