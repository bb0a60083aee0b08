// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/fscache"
//	"github.com/unkn0wn-root/fscache/sloghooks"
//	asynchook "github.com/unkn0wn-root/fscache/hooks/async"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ExpiredEvery: 10, // sample logs: ~every 10th expired-entry event
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := fscache.New[User](fscache.Options[User]{
//	    BaseDir: "/var/cache/users",
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/fscache"
)

type Hooks struct {
	inner fscache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ fscache.Hooks = (*Hooks)(nil)

func New(inner fscache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) EntryExpired(name string) { h.try(func() { h.inner.EntryExpired(name) }) }
func (h *Hooks) PrunePass(expired, evicted, skipped int, freed int64) {
	h.try(func() { h.inner.PrunePass(expired, evicted, skipped, freed) })
}
