package fscache

import (
	"fmt"

	"github.com/unkn0wn-root/fscache/internal/lockfile"
)

// ErrWouldBlock reports a non-blocking lock acquisition that could not be
// granted because another holder (in this process or another one) owns the
// slot. KeyMutex.TryLock folds it into its (false, nil) result; the sentinel
// is exported for callers matching lock refusals with errors.Is.
var ErrWouldBlock = lockfile.ErrWouldBlock

// CodecError reports a value that could not be serialized or deserialized.
// The entry is left uncommitted (encode) or untouched on disk (decode).
type CodecError struct {
	Op  string // "encode" or "decode"
	Key string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("fscache: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// TransferError reports a failed raw file commit: a movable rename across
// filesystems, or an unreadable source. A failed move is never degraded to a
// copy behind the caller's back.
type TransferError struct {
	Key    string
	Source string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("fscache: transfer %q from %s: %v", e.Key, e.Source, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
