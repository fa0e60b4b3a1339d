package models

import (
	"encoding/json"
	"testing"
)

func TestHasAvailableSpace(t *testing.T) {
	tests := []struct {
		name  string
		quota StorageQuota
		n     int64
		want  bool
	}{
		{
			name:  "fits exactly",
			quota: StorageQuota{UsageBytes: 80, LimitBytes: 100},
			n:     20,
			want:  true,
		},
		{
			name:  "one byte over",
			quota: StorageQuota{UsageBytes: 80, LimitBytes: 100},
			n:     21,
			want:  false,
		},
		{
			name:  "zero bytes always fit",
			quota: StorageQuota{UsageBytes: 100, LimitBytes: 100},
			n:     0,
			want:  true,
		},
		{
			name:  "unlimited",
			quota: UnlimitedQuota,
			n:     1 << 40,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.quota.HasAvailableSpace(tt.n); got != tt.want {
				t.Fatalf("HasAvailableSpace(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestPermissionReadOnly(t *testing.T) {
	guest := Permission{Guest: true, Bits: PermGuestReadOnly}
	if !guest.ReadOnly() {
		t.Fatal("guest grant must be read-only")
	}

	owner := Permission{Entity: 7, Bits: PermFullControl}
	if owner.ReadOnly() {
		t.Fatal("owner grant must not be read-only")
	}

	writer := Permission{Bits: PermReadFolder | PermWriteObjects}
	if writer.ReadOnly() {
		t.Fatal("write bit must defeat read-only")
	}
}

func TestExpiryMetadataKey(t *testing.T) {
	if got := ExpiryMetadataKey("primary"); got != "expiration-date-primary" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestExpiryFromMeta(t *testing.T) {
	key := ExpiryMetadataKey("primary")

	tests := []struct {
		name       string
		value      any
		wantMillis int64
		wantOK     bool
	}{
		{name: "float64 from json decode", value: float64(1700000000000), wantMillis: 1700000000000, wantOK: true},
		{name: "int64", value: int64(42), wantMillis: 42, wantOK: true},
		{name: "int", value: 42, wantMillis: 42, wantOK: true},
		{name: "json number", value: json.Number("1700000000000"), wantMillis: 1700000000000, wantOK: true},
		{name: "numeric string", value: "1700000000000", wantMillis: 1700000000000, wantOK: true},
		{name: "garbage string", value: "soon", wantOK: false},
		{name: "wrong type", value: []any{1}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			millis, ok := ExpiryFromMeta(map[string]any{key: tt.value}, key)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && millis != tt.wantMillis {
				t.Fatalf("millis = %d, want %d", millis, tt.wantMillis)
			}
		})
	}

	if _, ok := ExpiryFromMeta(map[string]any{"other-key": int64(1)}, key); ok {
		t.Fatal("absent key must report no expiry")
	}
	if _, ok := ExpiryFromMeta(nil, key); ok {
		t.Fatal("nil meta must report no expiry")
	}

	// Another storage instance's stamp is invisible under this instance's key.
	otherKey := ExpiryMetadataKey("replica")
	meta := map[string]any{otherKey: int64(1700000000000)}
	if _, ok := ExpiryFromMeta(meta, key); ok {
		t.Fatal("foreign storage stamp must not match")
	}
}
