// Package lockfile coordinates cross-process access to a shared cache
// directory using POSIX advisory byte-range locks (fcntl) on a small fixed
// pool of lock files.
//
// Each logical key maps to a one-byte range at a stable offset inside one of
// the pool files. The mapping is offset = xxhash(key) % slotSpace and MUST NOT
// change for the lifetime of a cache directory: processes sharing the
// directory agree on lock identity only through this scheme. Two keys may hash
// to the same slot; that is false contention, never false sharing of data.
//
// Lock files are never deleted or truncated while any process uses the
// directory. Only the OS-level lock state on them is transient, so there is no
// "stale lock file" to reclaim and no delete-vs-open race.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// Pool file names inside the cache base directory.
const (
	MutexFile = "mutex.lock" // computation mutexes handed to the orchestrator
	RWFile    = "rw.lock"    // entry read/write and eviction locks
)

// slotSpace bounds the byte offsets used inside a lock file. Changing it
// invalidates lock compatibility across cache instances sharing a directory.
const slotSpace = 1 << 30

// Mode selects shared (reader) or exclusive (writer/evictor) acquisition.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// ErrWouldBlock is returned by non-blocking Acquire when the slot is held
// incompatibly by another holder (in this process or another one).
var ErrWouldBlock = errors.New("lockfile: would block")

// Offset returns the byte offset for key inside a pool file.
func Offset(key string) int64 {
	return int64(xxhash.Sum64String(key) % slotSpace)
}

type slotID struct {
	file   string
	offset int64
}

// slot pairs the in-process lock with the refcount for the OS range lock.
// POSIX locks do not conflict between goroutines of one process and are
// dropped for the whole process on any unlock of the range, so only the first
// holder takes the OS lock and only the last one releases it.
type slot struct {
	mu   sync.RWMutex
	osMu sync.Mutex
	refs int
}

// Manager maps keys to lock slots and owns the pool of open lock-file
// handles. Handles are opened on first use and stay open until Close: closing
// a descriptor mid-run would drop every POSIX lock this process holds on that
// file, so the registry keeps them alive for the Manager's lifetime.
//
// With Distributed=false no OS locks are taken at all and coordination
// degrades to in-process mutexes: correct for a single process, unsafe across
// processes. Callers choose this explicitly.
type Manager struct {
	dir         string
	distributed bool

	mu    sync.Mutex
	files map[string]*os.File
	slots map[slotID]*slot

	closed bool
}

// Config for NewManager. Dir is the cache base directory holding the pool
// files; Distributed selects OS advisory locking.
type Config struct {
	Dir         string
	Distributed bool
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		dir:         cfg.Dir,
		distributed: cfg.Distributed,
		files:       make(map[string]*os.File),
		slots:       make(map[slotID]*slot),
	}
}

// Handle represents one held lock slot. Release is safe to call more than
// once; callers release via defer so every exit path of the critical section
// drops the lock.
type Handle struct {
	m    *Manager
	s    *slot
	id   slotID
	mode Mode
	once sync.Once
}

// Acquire locks the slot for key inside the named pool file. In blocking mode
// it waits indefinitely; otherwise it returns ErrWouldBlock immediately when
// the slot cannot be granted.
func (m *Manager) Acquire(file, key string, mode Mode, blocking bool) (*Handle, error) {
	id := slotID{file: file, offset: Offset(key)}
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}

	if !m.lockLocal(s, mode, blocking) {
		return nil, ErrWouldBlock
	}

	if m.distributed {
		if err := m.lockOS(s, id, mode, blocking); err != nil {
			m.unlockLocal(s, mode)
			return nil, err
		}
	}

	return &Handle{m: m, s: s, id: id, mode: mode}, nil
}

// Release drops the lock. Idempotent.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		if h.m.distributed {
			err = h.m.unlockOS(h.s, h.id)
		}
		h.m.unlockLocal(h.s, h.mode)
	})
	return err
}

func (m *Manager) lockLocal(s *slot, mode Mode, blocking bool) bool {
	switch {
	case mode == Exclusive && blocking:
		s.mu.Lock()
	case mode == Exclusive:
		return s.mu.TryLock()
	case blocking:
		s.mu.RLock()
	default:
		return s.mu.TryRLock()
	}
	return true
}

func (m *Manager) unlockLocal(s *slot, mode Mode) {
	if mode == Exclusive {
		s.mu.Unlock()
	} else {
		s.mu.RUnlock()
	}
}

// lockOS takes the fcntl range lock for the first holder of the slot. Shared
// holders after the first only bump the refcount: the process already owns a
// compatible lock on the range.
func (m *Manager) lockOS(s *slot, id slotID, mode Mode, blocking bool) error {
	s.osMu.Lock()
	defer s.osMu.Unlock()

	if s.refs > 0 {
		s.refs++
		return nil
	}

	f, err := m.handle(id.file)
	if err != nil {
		return err
	}

	typ := int16(unix.F_RDLCK)
	if mode == Exclusive {
		typ = unix.F_WRLCK
	}
	cmd := unix.F_SETLK
	if blocking {
		cmd = unix.F_SETLKW
	}

	flk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  id.offset,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.Fd(), cmd, &flk); err != nil {
		if !blocking && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)) {
			return ErrWouldBlock
		}
		return fmt.Errorf("lockfile: fcntl %s offset %d: %w", id.file, id.offset, err)
	}

	s.refs = 1
	return nil
}

func (m *Manager) unlockOS(s *slot, id slotID) error {
	s.osMu.Lock()
	defer s.osMu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}

	f, err := m.handle(id.file)
	if err != nil {
		return err
	}
	flk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  id.offset,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flk); err != nil {
		return fmt.Errorf("lockfile: unlock %s offset %d: %w", id.file, id.offset, err)
	}
	return nil
}

func (m *Manager) slot(id slotID) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("lockfile: manager closed")
	}
	s, ok := m.slots[id]
	if !ok {
		s = &slot{}
		m.slots[id] = s
	}
	return s, nil
}

// handle returns the open descriptor for a pool file, opening it on first
// use. The descriptor is cached and kept open until Close.
func (m *Manager) handle(file string) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("lockfile: manager closed")
	}
	if f, ok := m.files[file]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(m.dir, file), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", file, err)
	}
	m.files[file] = f
	return f, nil
}

// Close tears down the handle registry. The caller must not hold any locks
// from this Manager when calling Close; closing the descriptors releases all
// OS locks this process holds on the pool files.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for name, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lockfile: close %s: %w", name, err)
		}
		delete(m.files, name)
	}
	return firstErr
}
