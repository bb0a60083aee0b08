package fscache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	c "github.com/unkn0wn-root/fscache/codec"
)

// Backend identifiers an orchestrating cache-region framework uses to select
// a variant at region-configuration time.
const (
	BackendGeneric = "fs.generic" // serializing variant (Cache[[]byte] when opened by name)
	BackendRaw     = "fs.raw"     // file-transfer variant
)

// Arguments is the untyped configuration surface passed when a backend is
// selected by identifier. It is the union of Options and RawOptions minus the
// codec: by-name construction cannot carry a value type, so the generic
// variant opens as Cache[[]byte] and the orchestrator layers its own
// serialization on top (or type-asserts and wraps).
type Arguments struct {
	BaseDir           string
	CacheSize         int64
	Expiration        time.Duration
	NoDistributedLock bool
	FileMovable       bool // raw variant only
	Logger            Logger
	Hooks             Hooks
}

// Factory builds a backend from orchestrator arguments.
type Factory func(Arguments) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		BackendGeneric: openGeneric,
		BackendRaw:     openRaw,
	}
)

// Register adds (or replaces) a backend factory under name. Meant for
// wrapping variants, e.g. a backend decorating one of the built-ins.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Open constructs the backend registered under name.
func Open(name string, args Arguments) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fscache: unknown backend %q (have %v)", name, registered())
	}
	return f(args)
}

func registered() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func openGeneric(args Arguments) (Backend, error) {
	return New[[]byte](Options[[]byte]{
		Codec:             c.Bytes{},
		BaseDir:           args.BaseDir,
		CacheSize:         args.CacheSize,
		Expiration:        args.Expiration,
		NoDistributedLock: args.NoDistributedLock,
		Logger:            args.Logger,
		Hooks:             args.Hooks,
	})
}

func openRaw(args Arguments) (Backend, error) {
	return NewRaw(RawOptions{
		BaseDir:           args.BaseDir,
		CacheSize:         args.CacheSize,
		Expiration:        args.Expiration,
		NoDistributedLock: args.NoDistributedLock,
		FileMovable:       args.FileMovable,
		Logger:            args.Logger,
		Hooks:             args.Hooks,
	})
}
