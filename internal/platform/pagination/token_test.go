package pagination

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ID:        "01HTZX5J8Q",
	}

	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) || decoded.ID != cursor.ID {
		t.Fatalf("cursor mismatch: %+v", decoded)
	}
}

func TestEncodeTokenZeroCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestDecodeTokenInvalid(t *testing.T) {
	for name, token := range map[string]string{
		"garbage":  "not-base64!!!",
		"non-json": "bm90LWpzb24",
	} {
		if _, err := DecodeToken(token); !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("%s: expected ErrInvalidPageToken, got %v", name, err)
		}
	}
}

func TestDecodeTokenEmpty(t *testing.T) {
	cursor, err := DecodeToken("  ")
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if !cursor.Zero() {
		t.Fatalf("expected zero cursor, got %+v", cursor)
	}
}

func TestClampPageSize(t *testing.T) {
	cases := map[int]int{
		-5:  DefaultPageSize,
		0:   DefaultPageSize,
		20:  20,
		100: 100,
		500: MaxPageSize,
	}
	for in, want := range cases {
		if got := ClampPageSize(in); got != want {
			t.Fatalf("ClampPageSize(%d) = %d, want %d", in, got, want)
		}
	}
}
