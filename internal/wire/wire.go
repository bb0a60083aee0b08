// Package wire defines the binary frame of the metadata sidecar written next
// to every committed payload. The sidecar carries what a directory stat alone
// cannot: the entry's expiration and the payload size recorded at commit time.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("fscache: corrupt metadata")
	magic4     = [...]byte{'F', 'S', 'C', 'E'}
)

// Meta is the per-entry metadata stored in the sidecar file.
// A zero ExpiresAt means the entry never expires.
type Meta struct {
	CreatedAt time.Time
	ExpiresAt time.Time
	Size      int64
}

// Expired reports whether the entry is past its expiration at now.
func (m Meta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame: magic(4) | ver(1) | createdAt unixnano(u64 be) | expiresAt unixnano(u64 be, 0=never) | size(u64 be)
func Encode(m Meta) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 8 + 8 + 8)

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte

	binary.BigEndian.PutUint64(u8[:], uint64(m.CreatedAt.UnixNano()))
	buf.Write(u8[:])

	var exp uint64
	if !m.ExpiresAt.IsZero() {
		exp = uint64(m.ExpiresAt.UnixNano())
	}
	binary.BigEndian.PutUint64(u8[:], exp)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(m.Size))
	buf.Write(u8[:])

	return buf.Bytes()
}

func Decode(b []byte) (Meta, error) {
	const frame = 4 + 1 + 8 + 8 + 8
	if len(b) != frame || !hasMagic(b) || b[4] != version {
		return Meta{}, ErrCorrupt
	}

	off := 5

	created := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	exp := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	size := int64(binary.BigEndian.Uint64(b[off : off+8]))
	if size < 0 {
		return Meta{}, ErrCorrupt
	}

	m := Meta{
		CreatedAt: time.Unix(0, created),
		Size:      size,
	}
	if exp != 0 {
		m.ExpiresAt = time.Unix(0, int64(exp))
	}
	return m, nil
}
