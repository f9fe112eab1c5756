package engine

import (
	"sync"

	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

// SignatureRegistry assigns engine wide IDs to function signatures. Equal signatures always get the same ID, so
// call_indirect compares IDs across every instance of the engine.
//
// SignatureRegistry is safe for concurrent use.
type SignatureRegistry struct {
	mu  sync.RWMutex
	ids map[string]vm.SignatureID
	// types are the registered signatures, by ID.
	types []wasm.FunctionType
}

// NewSignatureRegistry returns an empty registry.
func NewSignatureRegistry() *SignatureRegistry {
	return &SignatureRegistry{ids: map[string]vm.SignatureID{}}
}

// Register returns the ID of ft, assigning the next one on first use.
func (r *SignatureRegistry) Register(ft *wasm.FunctionType) vm.SignatureID {
	key := ft.String()
	r.mu.RLock()
	id, ok := r.ids[key]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok = r.ids[key]; ok {
		return id
	}
	id = vm.SignatureID(len(r.types))
	r.ids[key] = id
	r.types = append(r.types, wasm.FunctionType{
		Params:  append([]wasm.ValueType(nil), ft.Params...),
		Results: append([]wasm.ValueType(nil), ft.Results...),
	})
	return id
}

// Lookup returns the signature of id.
func (r *SignatureRegistry) Lookup(id vm.SignatureID) (*wasm.FunctionType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.types) {
		return nil, false
	}
	return &r.types[id], true
}

// Len is the number of distinct signatures.
func (r *SignatureRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
