package engine

import (
	"fmt"
	"runtime"

	"github.com/and3k5/wasmer/internal/wasm"
)

// Tunables are the resource limits the engine applies to every module and instance.
type Tunables struct {
	// MemoryMaxPages caps the memory of every instance, whatever the module declares.
	MemoryMaxPages uint32
	// MaxStackBytes is the stack budget of each instance, charged by every frame on entry.
	MaxStackBytes int64
	// MaxCallDepth caps the frames of one invocation. Zero means only MaxStackBytes applies.
	MaxCallDepth int
	// CompileConcurrency bounds the functions compiled in parallel.
	CompileConcurrency int
}

// DefaultTunables returns 4 GiB of memory, a 1 MiB stack and GOMAXPROCS compile workers.
func DefaultTunables() Tunables {
	return Tunables{
		MemoryMaxPages:     wasm.MemoryMaxPages,
		MaxStackBytes:      1 << 20,
		CompileConcurrency: runtime.GOMAXPROCS(0),
	}
}

func (t *Tunables) validate() error {
	switch {
	case t.MemoryMaxPages > wasm.MemoryMaxPages:
		return fmt.Errorf("memory max pages %d exceeds %d", t.MemoryMaxPages, wasm.MemoryMaxPages)
	case t.MaxStackBytes <= 0:
		return fmt.Errorf("invalid max stack bytes %d", t.MaxStackBytes)
	case t.MaxCallDepth < 0:
		return fmt.Errorf("invalid max call depth %d", t.MaxCallDepth)
	case t.CompileConcurrency <= 0:
		return fmt.Errorf("invalid compile concurrency %d", t.CompileConcurrency)
	}
	return nil
}
