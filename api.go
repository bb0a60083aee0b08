package fscache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/fscache/codec"
)

// DefaultCacheSize caps a cache directory at 1 GiB unless configured.
const DefaultCacheSize int64 = 1 << 30

// KeyMutex is the per-key computation mutex handed to the orchestrating
// cache-region layer. TryLock returning (false, nil) means another process
// (or goroutine) holds the mutex, typically "someone else is already
// computing this value".
type KeyMutex interface {
	Lock() error
	TryLock() (bool, error)
	Unlock() error
}

// Backend is the untyped surface shared by both variants, used by
// orchestrators that select a backend by identifier (see Open).
type Backend interface {
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Mutex(key string) KeyMutex
	Close(ctx context.Context) error
}

// Cache is the generic (serializing) variant: any V a Codec can handle is
// stored as a file under the cache directory. All processes configured with
// the same BaseDir share one logical cache; cross-process safety comes from
// advisory byte-range locks on a small pool of lock files.
//
// A miss is (zero, false, nil), never an error.
type Cache[V any] interface {
	Backend

	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Set(ctx context.Context, key string, value V) error

	// Multi variants are plain per-key loops; no cross-key atomicity.
	GetMulti(ctx context.Context, keys []string) (values map[string]V, missing []string, err error)
	SetMulti(ctx context.Context, items map[string]V) error
	DeleteMulti(ctx context.Context, keys []string) error
}

// Options tune the generic cache. Only BaseDir is required; others have
// zero-value-friendly defaults.
type Options[V any] struct {
	// Required. Must be dedicated to one logical cache instance.
	BaseDir string

	CacheSize  int64         // bytes; 0 => 1 GiB, negative => unbounded
	Expiration time.Duration // per-entry TTL; 0 => never expires

	// Locking degrades to in-process mutexes when set: correct for a single
	// process, not safe across processes. The default (false) uses OS
	// advisory byte-range locks, which require POSIX fcntl semantics.
	NoDistributedLock bool

	Codec  c.Codec[V] // nil => codec.Msgpack[V]
	Logger Logger     // nil => NopLogger
	Hooks  Hooks      // nil => NopHooks
}

// New builds the generic file-backed cache.
func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
