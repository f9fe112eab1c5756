package instance

import (
	"sync"

	"github.com/and3k5/wasmer/internal/vm"
)

// Store is the arena of live instances, keyed by generation tagged handles. Instances refer to each other by
// handle, never by pointer, so closing an instance never depends on who imports it: a handle of a closed instance
// simply stops resolving.
//
// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	slots []slot
	// released holds reusable slot indexes. An index is added in Remove and popped in Insert, which avoids index
	// space explosion.
	released []uint32
}

type slot struct {
	gen uint32
	ctx *vm.Context
}

var _ vm.Registry = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// handle packs a slot index and generation. Index zero is reserved, so the zero Handle never resolves.
func handle(idx, gen uint32) vm.Handle {
	return vm.Handle(uint64(gen)<<32 | uint64(idx+1))
}

func split(h vm.Handle) (idx, gen uint32, ok bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, 0, false
	}
	return lo - 1, uint32(h >> 32), true
}

// Insert adds ctx and returns its handle, also assigned to ctx.Handle.
func (s *Store) Insert(ctx *vm.Context) vm.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx uint32
	if n := len(s.released); n > 0 {
		idx, s.released = s.released[n-1], s.released[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}
	sl := &s.slots[idx]
	sl.ctx = ctx
	ctx.Handle = handle(idx, sl.gen)
	return ctx.Handle
}

// Lookup implements vm.Registry Lookup
func (s *Store) Lookup(h vm.Handle) (*vm.Context, bool) {
	idx, gen, ok := split(h)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(idx) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[idx]
	if sl.gen != gen || sl.ctx == nil {
		return nil, false
	}
	return sl.ctx, true
}

// Remove releases the slot of h. It returns false if h was not live.
func (s *Store) Remove(h vm.Handle) bool {
	idx, gen, ok := split(h)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.slots) {
		return false
	}
	sl := &s.slots[idx]
	if sl.gen != gen || sl.ctx == nil {
		return false
	}
	sl.ctx = nil
	sl.gen++
	s.released = append(s.released, idx)
	return true
}

// Len is the number of live instances.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots) - len(s.released)
}
