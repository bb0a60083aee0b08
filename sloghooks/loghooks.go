package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/fscache"
)

type Options struct {
	// Sampling to avoid floods on hot read paths; 0/1 = log all.
	ExpiredEvery uint64
}

// Hooks logs cache events through slog. Expired-entry events are sampled
// because a popular expired key can fire on every read until the next prune.
type Hooks struct {
	l    *slog.Logger
	opts Options

	expiredCtr atomic.Uint64
}

var _ fscache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EntryExpired(name string) {
	if h.l == nil || !sample(h.opts.ExpiredEvery, &h.expiredCtr) {
		return
	}
	h.l.Debug("fscache.entry_expired", "name", name)
}

func (h *Hooks) PrunePass(expired, evicted, skipped int, freed int64) {
	if h.l == nil {
		return
	}
	h.l.Info("fscache.prune_pass",
		"expired", expired,
		"evicted", evicted,
		"skipped", skipped,
		"freed_bytes", freed)
}
