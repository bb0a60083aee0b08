package fscache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
//
// Names passed to hooks are storage names (mangled keys), not caller keys.
type Hooks interface {
	// A read found the entry past its expiration. It was treated as a miss
	// and left on disk for the next prune pass.
	EntryExpired(name string)

	// A prune pass completed. skipped counts candidates whose lock was busy
	// and were left alone.
	PrunePass(expired, evicted, skipped int, freed int64)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EntryExpired(string)            {}
func (NopHooks) PrunePass(int, int, int, int64) {}
