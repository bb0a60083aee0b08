// Package store owns the on-disk representation of cache entries under a base
// directory: deterministic naming, the stage-then-rename commit protocol, and
// the size/expiration bookkeeping the eviction pass runs on.
//
// Layout under the base directory:
//
//	values/<name>.payload   committed value bytes
//	values/<name>.meta      metadata sidecar (see internal/wire)
//	values/.tmp-*           transient staging files
//	mutex.lock, rw.lock     lock-file pool (owned by internal/lockfile)
//
// Names are mangled keys (sha256 hex), produced by the caller. A value is
// never edited in place: writers stage in values/ (same filesystem, so the
// final step is one atomic rename) and commit under the key's exclusive lock.
// Readers see either the old complete entry or the new one, never a partial
// write. Abandoned staging files are cleaned up by the prune pass.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/unkn0wn-root/fscache/internal/lockfile"
	"github.com/unkn0wn-root/fscache/internal/wire"
)

const (
	payloadExt  = ".payload"
	metaExt     = ".meta"
	stagePrefix = ".tmp-"

	dirPerm = 0o755
)

var (
	// ErrExpired marks an entry whose expiration has passed. Callers treat
	// it as a miss; the file is reclaimed lazily by the prune pass.
	ErrExpired = errors.New("fscache: entry expired")

	// ErrCrossDevice is returned by a movable commit when source and cache
	// directory live on different filesystems. There is no copy fallback.
	ErrCrossDevice = errors.New("fscache: source on different filesystem")
)

// Config for New. Locks must be the manager for the same base directory.
type Config struct {
	BaseDir   string
	CacheSize int64 // <= 0: no size-based eviction
	Locks     *lockfile.Manager
}

type Store struct {
	baseDir   string
	valuesDir string
	cacheSize int64
	locks     *lockfile.Manager
}

func New(cfg Config) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("fscache: base dir is required")
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("fscache: resolve base dir: %w", err)
	}
	values := filepath.Join(base, "values")
	if err := os.MkdirAll(values, dirPerm); err != nil {
		return nil, fmt.Errorf("fscache: create values dir: %w", err)
	}
	return &Store{
		baseDir:   base,
		valuesDir: values,
		cacheSize: cfg.CacheSize,
		locks:     cfg.Locks,
	}, nil
}

func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) payloadPath(name string) string {
	return filepath.Join(s.valuesDir, name+payloadExt)
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.valuesDir, name+metaExt)
}

// Stage copies r into a fresh staging file inside the values directory and
// returns its path and size. Staging happens outside any lock; only the
// rename in Commit needs the key's exclusive lock.
func (s *Store) Stage(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.valuesDir, stagePrefix+"*")
	if err != nil {
		return "", 0, fmt.Errorf("fscache: create staging file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("fscache: stage payload: %w", err)
	}
	return tmp.Name(), n, nil
}

// StageFile copies the file at src into a staging file. The source is opened
// read-only and left untouched.
func (s *Store) StageFile(src string) (string, int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("fscache: open source file: %w", err)
	}
	defer f.Close()
	return s.Stage(f)
}

// Commit makes a staged payload visible under name. The sidecar is written
// first (atomically), then the payload lands with a single rename. Callers
// hold the key's exclusive lock across Commit.
func (s *Store) Commit(name, staged string, meta wire.Meta) error {
	if err := s.writeMeta(name, meta); err != nil {
		_ = os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, s.payloadPath(name)); err != nil {
		_ = os.Remove(staged)
		_ = os.Remove(s.metaPath(name))
		return fmt.Errorf("fscache: commit payload: %w", err)
	}
	return nil
}

// CommitMove takes ownership of the file at src and renames it directly to
// the final payload path. If src is on a different filesystem the rename
// fails with ErrCrossDevice; degrading to a copy silently is deliberately not
// done. Callers hold the key's exclusive lock.
func (s *Store) CommitMove(name, src string, meta wire.Meta) error {
	if err := s.writeMeta(name, meta); err != nil {
		return err
	}
	if err := os.Rename(src, s.payloadPath(name)); err != nil {
		_ = os.Remove(s.metaPath(name))
		var lerr *os.LinkError
		if errors.As(err, &lerr) && errors.Is(lerr.Err, unix.EXDEV) {
			return fmt.Errorf("%w: %s", ErrCrossDevice, src)
		}
		return fmt.Errorf("fscache: move payload: %w", err)
	}
	return nil
}

func (s *Store) writeMeta(name string, meta wire.Meta) error {
	b := wire.Encode(meta)
	if err := atomic.WriteFile(s.metaPath(name), bytes.NewReader(b)); err != nil {
		return fmt.Errorf("fscache: write metadata: %w", err)
	}
	return nil
}

// Open returns the committed payload for name, positioned at offset 0.
// Missing entries return fs.ErrNotExist; entries past their expiration return
// ErrExpired. Callers hold the key's shared lock.
func (s *Store) Open(name string, now time.Time) (*os.File, wire.Meta, error) {
	meta, err := s.Stat(name)
	if err != nil {
		return nil, wire.Meta{}, err
	}
	if meta.Expired(now) {
		return nil, meta, ErrExpired
	}
	f, err := os.Open(s.payloadPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, wire.Meta{}, fmt.Errorf("fscache: payload missing: %w", err)
		}
		return nil, wire.Meta{}, fmt.Errorf("fscache: open payload: %w", err)
	}
	return f, meta, nil
}

// Stat reads the entry's sidecar. A missing or corrupt sidecar is reported as
// fs.ErrNotExist: the entry is not (or no longer) fully committed.
func (s *Store) Stat(name string) (wire.Meta, error) {
	b, err := os.ReadFile(s.metaPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return wire.Meta{}, err
		}
		return wire.Meta{}, fmt.Errorf("fscache: read metadata: %w", err)
	}
	meta, err := wire.Decode(b)
	if err != nil {
		// Treat as not-present; the prune pass clears the debris.
		return wire.Meta{}, fs.ErrNotExist
	}
	return meta, nil
}

// Exists reports whether a committed, unexpired entry is present.
func (s *Store) Exists(name string, now time.Time) (bool, error) {
	meta, err := s.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if meta.Expired(now) {
		return false, nil
	}
	if _, err := os.Stat(s.payloadPath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("fscache: stat payload: %w", err)
	}
	return true, nil
}

// Delete removes the entry's files. Absence is not an error. Callers hold the
// key's exclusive lock.
func (s *Store) Delete(name string) error {
	if err := removeIfPresent(s.payloadPath(name)); err != nil {
		return err
	}
	return removeIfPresent(s.metaPath(name))
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fscache: remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
