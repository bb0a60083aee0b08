package wire

import (
	"testing"
	"time"
)

func mustDecode(t *testing.T, b []byte) Meta {
	t.Helper()
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return m
}

func TestRoundTrip(t *testing.T) {
	now := time.Now()
	cases := []Meta{
		{CreatedAt: now, Size: 0},
		{CreatedAt: now, ExpiresAt: now.Add(time.Hour), Size: 40},
		{CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), Size: 1 << 40},
	}
	for _, tc := range cases {
		got := mustDecode(t, Encode(tc))
		if !got.CreatedAt.Equal(tc.CreatedAt) {
			t.Fatalf("createdAt mismatch: got %v want %v", got.CreatedAt, tc.CreatedAt)
		}
		if !got.ExpiresAt.Equal(tc.ExpiresAt) {
			t.Fatalf("expiresAt mismatch: got %v want %v", got.ExpiresAt, tc.ExpiresAt)
		}
		if got.Size != tc.Size {
			t.Fatalf("size mismatch: got %d want %d", got.Size, tc.Size)
		}
	}
}

func TestNeverExpires(t *testing.T) {
	m := mustDecode(t, Encode(Meta{CreatedAt: time.Now(), Size: 1}))
	if !m.ExpiresAt.IsZero() {
		t.Fatalf("zero ExpiresAt must survive the round trip, got %v", m.ExpiresAt)
	}
	if m.Expired(time.Now().Add(1000 * time.Hour)) {
		t.Fatalf("entry without expiration must never report expired")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	m := Meta{CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour), Size: 1}
	if !m.Expired(now) {
		t.Fatalf("entry past ExpiresAt must report expired")
	}
	if m.Expired(now.Add(-90 * time.Minute)) {
		t.Fatalf("entry before ExpiresAt must not report expired")
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	enc := Encode(Meta{CreatedAt: time.Now(), Size: 3})

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := Decode(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := Decode(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// truncated buffer
	if _, err := Decode(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	// trailing junk
	if _, err := Decode(append(append([]byte(nil), enc...), 0xDE, 0xAD)); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}

	// empty
	if _, err := Decode(nil); err == nil {
		t.Fatalf("expected error on empty input")
	}
}
