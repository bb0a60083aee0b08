package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/unkn0wn-root/fscache/internal/lockfile"
)

// pruneGuardKey reserves one slot in the rw lock file so at most one process
// runs a prune pass over a directory at a time. A busy guard means someone
// else is already pruning; the pass is simply skipped.
const pruneGuardKey = "!prune"

// staleStageAge is how old an abandoned staging file must be before the prune
// pass reclaims it. Young staging files may belong to an in-flight commit.
const staleStageAge = time.Hour

// PruneReport summarizes one eviction pass.
type PruneReport struct {
	Expired int   // entries removed because their expiration passed
	Evicted int   // entries removed to satisfy the size budget
	Skipped int   // candidates left alone because their lock was busy
	Freed   int64 // bytes reclaimed
	Total   int64 // committed bytes remaining after the pass
}

type entryDesc struct {
	name      string
	size      int64 // payload bytes; the sidecar does not count against the budget
	createdAt time.Time
	expiresAt time.Time
	debris    bool // sidecar missing or corrupt, or payload missing; reclaim first
}

// Prune enforces the size budget: expired entries go first, then the oldest
// entries until committed bytes plus the incoming write fit the budget or no
// evictable entries remain. Every removal takes that entry's exclusive lock
// non-blocking; busy entries are skipped, so a pass never starves a reader
// but may be partial. Stale staging files are swept along the way.
//
// replacing names the entry the incoming write will overwrite ("" for a new
// key). Its current bytes vanish when the write commits, so they are
// discounted from the budget and the entry itself is never an eviction
// candidate.
func (s *Store) Prune(now time.Time, incoming int64, replacing string) (PruneReport, error) {
	guard, err := s.locks.Acquire(lockfile.RWFile, pruneGuardKey, lockfile.Exclusive, false)
	if errors.Is(err, lockfile.ErrWouldBlock) {
		// Another process is pruning this directory right now.
		return PruneReport{}, nil
	}
	if err != nil {
		return PruneReport{}, err
	}
	defer guard.Release()

	entries, total, err := s.scan(now)
	if err != nil {
		return PruneReport{}, err
	}

	var rep PruneReport
	rep.Total = total

	// Expired entries and commit debris come off first, for free.
	remaining := entries[:0]
	for _, e := range entries {
		if !e.debris && (e.expiresAt.IsZero() || e.expiresAt.After(now)) {
			remaining = append(remaining, e)
			continue
		}
		ok, err := s.tryEvict(e.name)
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.Skipped++
			remaining = append(remaining, e)
			continue
		}
		rep.Expired++
		rep.Freed += e.size
		rep.Total -= e.size
	}

	if s.cacheSize <= 0 {
		return rep, nil
	}

	var discount int64
	for _, e := range remaining {
		if e.name == replacing {
			discount = e.size
			break
		}
	}

	// Oldest first for size-based eviction.
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].createdAt.Before(remaining[j].createdAt)
	})
	for _, e := range remaining {
		if rep.Total-discount+incoming <= s.cacheSize {
			break
		}
		if e.name == replacing {
			continue
		}
		ok, err := s.tryEvict(e.name)
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.Skipped++
			continue
		}
		rep.Evicted++
		rep.Freed += e.size
		rep.Total -= e.size
	}
	return rep, nil
}

// tryEvict removes one entry under its exclusive lock, or reports false when
// the lock is held elsewhere (entry mid-read or mid-write).
func (s *Store) tryEvict(name string) (bool, error) {
	h, err := s.locks.Acquire(lockfile.RWFile, name, lockfile.Exclusive, false)
	if errors.Is(err, lockfile.ErrWouldBlock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer h.Release()
	if err := s.Delete(name); err != nil {
		return false, err
	}
	return true, nil
}

// scan derives the aggregate size view from the values directory listing plus
// per-entry sidecars. The directory itself is the source of truth; there is
// no separate index to drift out of sync.
func (s *Store) scan(now time.Time) ([]entryDesc, int64, error) {
	dirents, err := os.ReadDir(s.valuesDir)
	if err != nil {
		return nil, 0, fmt.Errorf("fscache: list values dir: %w", err)
	}

	type onDisk struct {
		payloadSize int64
		mtime       time.Time
		hasPayload  bool
		hasMeta     bool
	}
	seen := make(map[string]*onDisk)
	look := func(name string) *onDisk {
		d, ok := seen[name]
		if !ok {
			d = &onDisk{}
			seen[name] = d
		}
		return d
	}
	for _, de := range dirents {
		fname := de.Name()
		if strings.HasPrefix(fname, stagePrefix) {
			s.sweepStage(filepath.Join(s.valuesDir, fname), now)
			continue
		}
		if name, ok := strings.CutSuffix(fname, payloadExt); ok {
			info, err := de.Info()
			if err != nil {
				continue // racing delete
			}
			d := look(name)
			d.payloadSize = info.Size()
			d.mtime = info.ModTime()
			d.hasPayload = true
		} else if name, ok := strings.CutSuffix(fname, metaExt); ok {
			look(name).hasMeta = true
		}
	}

	var total int64
	entries := make([]entryDesc, 0, len(seen))
	for name, d := range seen {
		e := entryDesc{name: name, size: d.payloadSize, createdAt: d.mtime}
		if !d.hasPayload || !d.hasMeta {
			e.debris = true
		} else {
			meta, err := s.Stat(name)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				e.debris = true
			case err != nil:
				return nil, 0, err
			case meta.Size != d.payloadSize:
				// The sidecar disagrees with the bytes on disk: one of the
				// pair was corrupted after commit. Reclaim the entry.
				e.debris = true
			default:
				e.createdAt = meta.CreatedAt
				e.expiresAt = meta.ExpiresAt
			}
		}
		total += e.size
		entries = append(entries, e)
	}
	return entries, total, nil
}

func (s *Store) sweepStage(path string, now time.Time) {
	info, err := os.Stat(path)
	if err != nil || now.Sub(info.ModTime()) < staleStageAge {
		return
	}
	_ = os.Remove(path)
}
