package fscache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	c "github.com/unkn0wn-root/fscache/codec"
	"github.com/unkn0wn-root/fscache/internal/lockfile"
	"github.com/unkn0wn-root/fscache/internal/store"
	"github.com/unkn0wn-root/fscache/internal/util"
	"github.com/unkn0wn-root/fscache/internal/wire"
)

type cache[V any] struct {
	store *store.Store
	locks *lockfile.Manager
	codec c.Codec[V]
	log   Logger
	hooks Hooks

	expiration time.Duration
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("fscache: base dir is required")
	}

	cacheSize := coalesce[int64](opts.CacheSize, DefaultCacheSize)
	if cacheSize < 0 {
		cacheSize = 0 // unbounded, store skips size-based eviction
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

	cc := &cache[V]{
		store:      st,
		locks:      locks,
		log:        coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		expiration: opts.Expiration,
	}
	if opts.Codec != nil {
		cc.codec = opts.Codec
	} else {
		cc.codec = c.Msgpack[V]{}
	}
	return cc, nil
}

func (cc *cache[V]) Close(context.Context) error {
	return cc.locks.Close()
}

func (cc *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	name := util.MangleKey(key)
	payload, ok, err := readPayload(cc.store, cc.locks, cc.hooks, name)
	if err != nil || !ok {
		return zero, false, err
	}

	v, err := cc.codec.Decode(payload)
	if err != nil {
		return zero, false, &CodecError{Op: "decode", Key: key, Err: err}
	}
	return v, true, nil
}

func (cc *cache[V]) Set(ctx context.Context, key string, value V) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := cc.codec.Encode(value)
	if err != nil {
		return &CodecError{Op: "encode", Key: key, Err: err}
	}

	name := util.MangleKey(key)
	now := time.Now()

	prunePass(cc.store, cc.log, cc.hooks, now, int64(len(payload)), name)

	staged, n, err := cc.store.Stage(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	h, err := cc.locks.Acquire(lockfile.RWFile, name, lockfile.Exclusive, true)
	if err != nil {
		return err
	}
	defer h.Release()

	return cc.store.Commit(name, staged, entryMeta(now, n, cc.expiration))
}

func (cc *cache[V]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return deleteEntry(cc.store, cc.locks, util.MangleKey(key))
}

func (cc *cache[V]) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return existsEntry(cc.store, cc.locks, util.MangleKey(key))
}

func (cc *cache[V]) GetMulti(ctx context.Context, keys []string) (map[string]V, []string, error) {
	out := make(map[string]V, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok, err := cc.Get(ctx, k)
		if err != nil {
			return out, missing, err
		}
		if ok {
			out[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	return out, missing, nil
}

func (cc *cache[V]) SetMulti(ctx context.Context, items map[string]V) error {
	for k, v := range items {
		if err := cc.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (cc *cache[V]) DeleteMulti(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := cc.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (cc *cache[V]) Mutex(key string) KeyMutex {
	return newKeyMutex(cc.locks, util.MangleKey(key))
}

// Shared plumbing between the generic and raw variants. Both operate on
// storage names (mangled keys); lock slots and entry paths derive from the
// same name, so lock identity always matches data identity.

func readPayload(st *store.Store, locks *lockfile.Manager, hooks Hooks, name string) ([]byte, bool, error) {
	h, err := locks.Acquire(lockfile.RWFile, name, lockfile.Shared, true)
	if err != nil {
		return nil, false, err
	}
	defer h.Release()

	f, _, err := st.Open(name, time.Now())
	if errors.Is(err, store.ErrExpired) {
		hooks.EntryExpired(name)
		return nil, false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("fscache: read payload: %w", err)
	}
	return b, true, nil
}

func deleteEntry(st *store.Store, locks *lockfile.Manager, name string) error {
	h, err := locks.Acquire(lockfile.RWFile, name, lockfile.Exclusive, true)
	if err != nil {
		return err
	}
	defer h.Release()
	return st.Delete(name)
}

func existsEntry(st *store.Store, locks *lockfile.Manager, name string) (bool, error) {
	h, err := locks.Acquire(lockfile.RWFile, name, lockfile.Shared, true)
	if err != nil {
		return false, err
	}
	defer h.Release()
	return st.Exists(name, time.Now())
}

// prunePass runs the eviction engine ahead of a write to name. A transient
// overshoot by the incoming entry itself is allowed; errors are logged, not
// fatal to the write.
func prunePass(st *store.Store, log Logger, hooks Hooks, now time.Time, incoming int64, name string) {
	rep, err := st.Prune(now, incoming, name)
	if err != nil {
		log.Warn("prune failed", Fields{"err": err})
		return
	}
	if rep.Expired+rep.Evicted+rep.Skipped > 0 {
		log.Debug("prune pass", Fields{
			"expired": rep.Expired,
			"evicted": rep.Evicted,
			"skipped": rep.Skipped,
			"freed":   rep.Freed,
		})
		hooks.PrunePass(rep.Expired, rep.Evicted, rep.Skipped, rep.Freed)
	}
}

func entryMeta(now time.Time, size int64, expiration time.Duration) wire.Meta {
	m := wire.Meta{CreatedAt: now, Size: size}
	if expiration > 0 {
		m.ExpiresAt = now.Add(expiration)
	}
	return m
}

// keyMutex is the orchestrator-facing mutex for one key: an exclusive slot in
// the mutex lock file, independent of the rw slot guarding the entry's data.
type keyMutex struct {
	locks *lockfile.Manager
	name  string

	mu sync.Mutex // guards h
	h  *lockfile.Handle
}

func newKeyMutex(locks *lockfile.Manager, name string) *keyMutex {
	return &keyMutex{locks: locks, name: name}
}

func (m *keyMutex) Lock() error {
	h, err := m.locks.Acquire(lockfile.MutexFile, m.name, lockfile.Exclusive, true)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.h = h
	m.mu.Unlock()
	return nil
}

func (m *keyMutex) TryLock() (bool, error) {
	h, err := m.locks.Acquire(lockfile.MutexFile, m.name, lockfile.Exclusive, false)
	if errors.Is(err, ErrWouldBlock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.h = h
	m.mu.Unlock()
	return true, nil
}

func (m *keyMutex) Unlock() error {
	m.mu.Lock()
	h := m.h
	m.h = nil
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Release()
}
