package store

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/fscache/internal/lockfile"
	"github.com/unkn0wn-root/fscache/internal/wire"
)

func newTestStore(t *testing.T, cacheSize int64) (*Store, *lockfile.Manager) {
	t.Helper()
	dir := t.TempDir()
	locks := lockfile.NewManager(lockfile.Config{Dir: dir, Distributed: true})
	t.Cleanup(func() { _ = locks.Close() })
	s, err := New(Config{BaseDir: dir, CacheSize: cacheSize, Locks: locks})
	require.NoError(t, err)
	return s, locks
}

func putEntry(t *testing.T, s *Store, name, payload string, meta wire.Meta) {
	t.Helper()
	staged, n, err := s.Stage(strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	meta.Size = n
	require.NoError(t, s.Commit(name, staged, meta))
}

func readEntry(t *testing.T, s *Store, name string, now time.Time) (string, wire.Meta, error) {
	t.Helper()
	f, meta, err := s.Open(name, now)
	if err != nil {
		return "", meta, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(b), meta, nil
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	putEntry(t, s, "k1", "hello world", wire.Meta{CreatedAt: now})

	got, meta, err := readEntry(t, s, "k1", now)
	require.NoError(t, err)
	require.Equal(t, "hello world", got)
	require.Equal(t, int64(len("hello world")), meta.Size)
	require.True(t, meta.ExpiresAt.IsZero())
}

func TestOpenMissing(t *testing.T) {
	s, _ := newTestStore(t, 0)

	_, _, err := s.Open("absent", time.Now())
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpenExpired(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	putEntry(t, s, "k1", "v", wire.Meta{
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	})

	_, _, err := s.Open("k1", now)
	require.ErrorIs(t, err, ErrExpired)

	// The file is still physically present; removal is lazy.
	_, statErr := os.Stat(s.payloadPath("k1"))
	require.NoError(t, statErr)
}

func TestCommitReplacesWhole(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	putEntry(t, s, "k1", "old value", wire.Meta{CreatedAt: now})
	putEntry(t, s, "k1", "new", wire.Meta{CreatedAt: now})

	got, meta, err := readEntry(t, s, "k1", now)
	require.NoError(t, err)
	require.Equal(t, "new", got)
	require.Equal(t, int64(3), meta.Size)

	// No staging leftovers after commit.
	dirents, err := os.ReadDir(s.valuesDir)
	require.NoError(t, err)
	for _, de := range dirents {
		require.False(t, strings.HasPrefix(de.Name(), stagePrefix), "leftover %s", de.Name())
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	putEntry(t, s, "k1", "v", wire.Meta{CreatedAt: now})
	require.NoError(t, s.Delete("k1"))

	_, _, err := s.Open("k1", now)
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, s.Delete("k1"))
}

func TestExists(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	ok, err := s.Exists("k1", now)
	require.NoError(t, err)
	require.False(t, ok)

	putEntry(t, s, "k1", "v", wire.Meta{CreatedAt: now})
	ok, err = s.Exists("k1", now)
	require.NoError(t, err)
	require.True(t, ok)

	putEntry(t, s, "k2", "v", wire.Meta{CreatedAt: now, ExpiresAt: now.Add(-time.Second)})
	ok, err = s.Exists("k2", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStageFileLeavesSourceIntact(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "source.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload bytes"), 0o644))

	staged, n, err := s.StageFile(src)
	require.NoError(t, err)
	require.Equal(t, int64(13), n)
	require.NoError(t, s.Commit("k1", staged, wire.Meta{CreatedAt: now, Size: n}))

	// Source unchanged.
	b, err := os.ReadFile(src)
	require.NoError(t, err)
	require.Equal(t, "payload bytes", string(b))

	got, _, err := readEntry(t, s, "k1", now)
	require.NoError(t, err)
	require.Equal(t, "payload bytes", got)
}

func TestCommitMoveTakesOwnership(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	// Source inside the cache directory guarantees the same filesystem.
	src := filepath.Join(s.valuesDir, "movable-src")
	require.NoError(t, os.WriteFile(src, []byte("moved"), 0o644))

	require.NoError(t, s.CommitMove("k1", src, wire.Meta{CreatedAt: now, Size: 5}))

	// Original path is gone.
	_, err := os.Stat(src)
	require.ErrorIs(t, err, fs.ErrNotExist)

	got, _, err := readEntry(t, s, "k1", now)
	require.NoError(t, err)
	require.Equal(t, "moved", got)
}

func TestCommitMoveMissingSource(t *testing.T) {
	s, _ := newTestStore(t, 0)

	err := s.CommitMove("k1", filepath.Join(t.TempDir(), "nope"), wire.Meta{CreatedAt: time.Now()})
	require.Error(t, err)

	// Failed commit leaves nothing behind.
	_, _, err = s.Open("k1", time.Now())
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestStatCorruptSidecarIsMiss(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	putEntry(t, s, "k1", "v", wire.Meta{CreatedAt: now})
	require.NoError(t, os.WriteFile(s.metaPath("k1"), []byte("garbage"), 0o644))

	_, _, err := s.Open("k1", now)
	require.ErrorIs(t, err, fs.ErrNotExist)
}
