package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/fscache/internal/lockfile"
	"github.com/unkn0wn-root/fscache/internal/wire"
)

func TestPruneEvictsOldestForBudget(t *testing.T) {
	s, _ := newTestStore(t, 100)
	now := time.Now()
	payload := strings.Repeat("x", 40)

	putEntry(t, s, "k1", payload, wire.Meta{CreatedAt: now.Add(-3 * time.Minute)})
	putEntry(t, s, "k2", payload, wire.Meta{CreatedAt: now.Add(-2 * time.Minute)})

	// Simulates the pass a third 40-byte put runs before committing:
	// 80 committed + 40 incoming > 100, so the oldest entry must go.
	rep, err := s.Prune(now, 40, "")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Evicted)
	require.Equal(t, int64(40), rep.Freed)
	require.Equal(t, int64(40), rep.Total)

	ok, err := s.Exists("k1", now)
	require.NoError(t, err)
	require.False(t, ok, "oldest entry should be evicted")

	ok, err = s.Exists("k2", now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPruneWithinBudgetEvictsNothing(t *testing.T) {
	s, _ := newTestStore(t, 100)
	now := time.Now()

	putEntry(t, s, "k1", strings.Repeat("x", 40), wire.Meta{CreatedAt: now})

	rep, err := s.Prune(now, 40, "")
	require.NoError(t, err)
	require.Zero(t, rep.Evicted)
	require.Zero(t, rep.Expired)
	require.Equal(t, int64(40), rep.Total)
}

func TestPruneRemovesExpiredFirst(t *testing.T) {
	s, _ := newTestStore(t, 100)
	now := time.Now()

	putEntry(t, s, "expired", strings.Repeat("e", 60), wire.Meta{
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	})
	putEntry(t, s, "old", strings.Repeat("o", 40), wire.Meta{CreatedAt: now.Add(-30 * time.Minute)})
	putEntry(t, s, "fresh", strings.Repeat("f", 40), wire.Meta{CreatedAt: now})

	// 140 committed + 0 incoming: dropping the expired 60 bytes is enough,
	// so no live entry is evicted.
	rep, err := s.Prune(now, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)
	require.Zero(t, rep.Evicted)
	require.Equal(t, int64(80), rep.Total)

	ok, _ := s.Exists("old", now)
	require.True(t, ok)
	ok, _ = s.Exists("fresh", now)
	require.True(t, ok)
}

func TestPruneSkipsLockedEntries(t *testing.T) {
	s, locks := newTestStore(t, 40)
	now := time.Now()

	putEntry(t, s, "busy", strings.Repeat("b", 40), wire.Meta{CreatedAt: now.Add(-time.Hour)})
	putEntry(t, s, "idle", strings.Repeat("i", 40), wire.Meta{CreatedAt: now})

	// A reader holds the oldest entry; the pass must skip it and move on
	// rather than block.
	h, err := locks.Acquire(lockfile.RWFile, "busy", lockfile.Shared, true)
	require.NoError(t, err)
	defer h.Release()

	rep, err := s.Prune(now, 40, "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, rep.Skipped, 1)

	ok, _ := s.Exists("busy", now)
	require.True(t, ok, "locked entry must survive the pass")
}

func TestPruneOnlyOnePassAtATime(t *testing.T) {
	s, locks := newTestStore(t, 10)
	now := time.Now()

	putEntry(t, s, "k1", strings.Repeat("x", 40), wire.Meta{CreatedAt: now.Add(-time.Hour)})

	guard, err := locks.Acquire(lockfile.RWFile, pruneGuardKey, lockfile.Exclusive, true)
	require.NoError(t, err)
	defer guard.Release()

	// Guard is busy: the pass is a no-op, not an error.
	rep, err := s.Prune(now, 0, "")
	require.NoError(t, err)
	require.Equal(t, PruneReport{}, rep)

	ok, _ := s.Exists("k1", now)
	require.True(t, ok)
}

func TestPruneSweepsStaleStagingFiles(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	stale := filepath.Join(s.valuesDir, stagePrefix+"stale")
	require.NoError(t, os.WriteFile(stale, []byte("abandoned"), 0o644))
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(s.valuesDir, stagePrefix+"fresh")
	require.NoError(t, os.WriteFile(fresh, []byte("in-flight"), 0o644))

	_, err := s.Prune(now, 0, "")
	require.NoError(t, err)

	_, err = os.Stat(stale)
	require.Error(t, err, "stale staging file should be swept")
	_, err = os.Stat(fresh)
	require.NoError(t, err, "young staging file must be left alone")
}

func TestPruneDiscountsReplacedEntry(t *testing.T) {
	s, _ := newTestStore(t, 100)
	now := time.Now()
	payload := strings.Repeat("x", 40)

	putEntry(t, s, "k1", payload, wire.Meta{CreatedAt: now.Add(-2 * time.Minute)})
	putEntry(t, s, "k2", payload, wire.Meta{CreatedAt: now.Add(-time.Minute)})

	// Overwriting k2 swaps its 40 bytes for the incoming 40: the directory
	// stays at 80 once the write lands, so nothing may be evicted.
	rep, err := s.Prune(now, 40, "k2")
	require.NoError(t, err)
	require.Zero(t, rep.Evicted)
	require.Zero(t, rep.Skipped)

	ok, err := s.Exists("k1", now)
	require.NoError(t, err)
	require.True(t, ok, "unrelated entry must survive an overwrite that fits")
}

func TestPruneNeverEvictsReplacedEntry(t *testing.T) {
	s, _ := newTestStore(t, 40)
	now := time.Now()

	putEntry(t, s, "k1", strings.Repeat("x", 40), wire.Meta{CreatedAt: now.Add(-time.Hour)})

	// The incoming write cannot fit, but the only candidate is the entry
	// being overwritten; removing it here would be pointless churn since the
	// commit replaces it anyway.
	rep, err := s.Prune(now, 60, "k1")
	require.NoError(t, err)
	require.Zero(t, rep.Evicted)

	ok, err := s.Exists("k1", now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPruneClearsSizeMismatch(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	putEntry(t, s, "good", "intact", wire.Meta{CreatedAt: now})
	putEntry(t, s, "bad", "original", wire.Meta{CreatedAt: now})

	// Payload corrupted after commit: its byte count no longer matches the
	// sidecar, so the pass must reclaim the pair.
	require.NoError(t, os.WriteFile(s.payloadPath("bad"), []byte("overwritten longer"), 0o644))

	rep, err := s.Prune(now, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)

	ok, err := s.Exists("bad", now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Exists("good", now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPruneClearsDebris(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	// Payload without sidecar: not a committed entry, reclaim on sight.
	require.NoError(t, os.WriteFile(s.payloadPath("orphan"), []byte("x"), 0o644))

	rep, err := s.Prune(now, 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)

	_, err = os.Stat(s.payloadPath("orphan"))
	require.Error(t, err)
}
