package fscache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/unkn0wn-root/fscache/internal/lockfile"
	"github.com/unkn0wn-root/fscache/internal/store"
	"github.com/unkn0wn-root/fscache/internal/util"
)

// RawOptions tune the raw (file-transfer) variant.
type RawOptions struct {
	// Required. Must be dedicated to one logical cache instance.
	BaseDir string

	CacheSize  int64         // bytes; 0 => 1 GiB, negative => unbounded
	Expiration time.Duration // per-entry TTL; 0 => never expires

	// See Options.NoDistributedLock.
	NoDistributedLock bool

	// FileMovable makes SetFile take ownership of the source and relocate it
	// into the cache directory with a rename (zero copy). The source must be
	// on the cache directory's filesystem; a cross-filesystem move fails
	// with *TransferError instead of silently degrading to a copy. With the
	// default (false), the source's bytes are copied and the source stays
	// owned by the caller.
	FileMovable bool

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// RawCache stores existing files directly, without serialization. Meant for
// payloads that already live on disk and are large enough that an encode
// round trip through memory is unreasonable.
type RawCache struct {
	store *store.Store
	locks *lockfile.Manager
	log   Logger
	hooks Hooks

	expiration time.Duration
	movable    bool
}

// NewRaw builds the raw file-transfer cache.
func NewRaw(opts RawOptions) (*RawCache, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("fscache: base dir is required")
	}

	cacheSize := coalesce[int64](opts.CacheSize, DefaultCacheSize)
	if cacheSize < 0 {
		cacheSize = 0
	}

	locks := lockfile.NewManager(lockfile.Config{
		Dir:         opts.BaseDir,
		Distributed: !opts.NoDistributedLock,
	})
	st, err := store.New(store.Config{
		BaseDir:   opts.BaseDir,
		CacheSize: cacheSize,
		Locks:     locks,
	})
	if err != nil {
		_ = locks.Close()
		return nil, err
	}

	return &RawCache{
		store:      st,
		locks:      locks,
		log:        coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		expiration: opts.Expiration,
		movable:    opts.FileMovable,
	}, nil
}

func (rc *RawCache) Close(context.Context) error {
	return rc.locks.Close()
}

// GetFile returns the committed payload file for key, positioned at offset 0.
// The caller owns the returned handle and must close it. A miss (absent or
// expired entry) is (nil, false, nil).
//
// The handle stays readable even if the entry is evicted or replaced after
// GetFile returns: the rename/unlink only detaches the name, not open
// descriptors.
func (rc *RawCache) GetFile(ctx context.Context, key string) (*os.File, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	name := util.MangleKey(key)
	h, err := rc.locks.Acquire(lockfile.RWFile, name, lockfile.Shared, true)
	if err != nil {
		return nil, false, err
	}
	defer h.Release()

	f, _, err := rc.store.Open(name, time.Now())
	if errors.Is(err, store.ErrExpired) {
		rc.hooks.EntryExpired(name)
		return nil, false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// SetFile commits the file at path under key, honoring FileMovable.
func (rc *RawCache) SetFile(ctx context.Context, key, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := util.MangleKey(key)
	now := time.Now()

	if rc.movable {
		return rc.setMovable(name, key, path, now)
	}

	staged, n, err := rc.store.StageFile(path)
	if err != nil {
		return &TransferError{Key: key, Source: path, Err: err}
	}

	prunePass(rc.store, rc.log, rc.hooks, now, n, name)

	h, err := rc.locks.Acquire(lockfile.RWFile, name, lockfile.Exclusive, true)
	if err != nil {
		return err
	}
	defer h.Release()

	return rc.store.Commit(name, staged, entryMeta(now, n, rc.expiration))
}

func (rc *RawCache) setMovable(name, key, path string, now time.Time) error {
	info, err := os.Stat(path)
	if err != nil {
		return &TransferError{Key: key, Source: path, Err: err}
	}

	prunePass(rc.store, rc.log, rc.hooks, now, info.Size(), name)

	h, err := rc.locks.Acquire(lockfile.RWFile, name, lockfile.Exclusive, true)
	if err != nil {
		return err
	}
	defer h.Release()

	err = rc.store.CommitMove(name, path, entryMeta(now, info.Size(), rc.expiration))
	if err != nil {
		if errors.Is(err, store.ErrCrossDevice) {
			return &TransferError{Key: key, Source: path, Err: err}
		}
		return err
	}
	return nil
}

func (rc *RawCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteEntry(rc.store, rc.locks, util.MangleKey(key))
}

func (rc *RawCache) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return existsEntry(rc.store, rc.locks, util.MangleKey(key))
}

func (rc *RawCache) Mutex(key string) KeyMutex {
	return newKeyMutex(rc.locks, util.MangleKey(key))
}
