// Package fscache implements a process-shared, file-backed key/value cache.
// Values live as files under a dedicated base directory; cooperating
// processes on the same host coordinate through advisory byte-range locks on
// a small fixed pool of lock files, so no central server is needed. Writes
// commit with a stage-then-rename protocol (readers never observe partial
// entries), a size budget is enforced by evicting expired and then oldest
// entries on each write, and lock files are never deleted, which removes the
// classic stale-lock-file race.
//
// Two variants share the same directory format: the generic variant
// serializes any value through a pluggable Codec, and the raw variant
// transfers existing files into the cache directly (optionally by rename,
// without copying).
//
// The locking mechanism requires POSIX fcntl byte-range locks; this is a
// declared environment requirement, not a negotiable feature.
package fscache
