package vm

import (
	"errors"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/wasm"
)

// TableMaxElements caps the size of a table that declares no maximum, or a larger one.
const TableMaxElements = 10_000_000

// ErrImmutableGlobal is returned when setting a global that is not mutable.
var ErrImmutableGlobal = errors.New("global is immutable")

// Handle identifies an instance in its store. Handles are generation tagged, so a handle of a closed instance
// never resolves to an instance that later reused its slot. The zero Handle is invalid.
type Handle uint64

// SignatureID is the engine wide identifier of a function signature. Equal signatures have equal IDs.
type SignatureID = uint32

// NullSignatureID is the TypeID of an uninitialized table element.
const NullSignatureID = SignatureID(0xffffffff)

// FunctionRef is a function of a specific instance, as held by tables and cross-instance imports.
type FunctionRef struct {
	// Instance is the owner of the function, or zero for an uninitialized table element.
	Instance Handle
	// Index is the index in the function namespace of the owner's module.
	Index wasm.Index
	// TypeID is the signature of the function, compared by call_indirect.
	TypeID SignatureID
}

// IsNull is true for an uninitialized table element.
func (r FunctionRef) IsNull() bool { return r.Instance == 0 }

// TableInstance is a funcref table. Compiled code never resizes it. The embedder grows it through Grow, which
// must not be called during a call.
type TableInstance struct {
	Elements []FunctionRef
	Min      uint32
	Max      *uint32
}

// NewTableInstance returns a table of min uninitialized elements.
func NewTableInstance(min uint32, max *uint32) *TableInstance {
	t := &TableInstance{Elements: make([]FunctionRef, min), Min: min, Max: max}
	t.Reset()
	return t
}

// Reset sets every element to null.
func (t *TableInstance) Reset() {
	for i := range t.Elements {
		t.Elements[i] = FunctionRef{TypeID: NullSignatureID}
	}
}

// Size is the number of elements.
func (t *TableInstance) Size() uint32 { return uint32(len(t.Elements)) }

// Grow appends delta null elements and returns the previous size. It returns false, leaving the table unchanged,
// when the new size would exceed Max or TableMaxElements.
func (t *TableInstance) Grow(delta uint32) (uint32, bool) {
	prev := uint32(len(t.Elements))
	limit := uint64(TableMaxElements)
	if t.Max != nil && uint64(*t.Max) < limit {
		limit = uint64(*t.Max)
	}
	n := uint64(prev) + uint64(delta)
	if n > limit {
		return prev, false
	}
	if delta == 0 {
		return prev, true
	}
	grown := make([]FunctionRef, n)
	copy(grown, t.Elements)
	for i := prev; i < uint32(n); i++ {
		grown[i] = FunctionRef{TypeID: NullSignatureID}
	}
	t.Elements = grown
	return prev, true
}

var _ api.Table = (*TableInstance)(nil)

// GlobalInstance is a global slot. Imported globals share the slot of the exporter.
type GlobalInstance struct {
	Type wasm.GlobalType
	Val  uint64
}

// NewGlobal returns the api.Global view of g.
func NewGlobal(g *GlobalInstance) api.Global { return global{g: g} }

type global struct {
	g *GlobalInstance
}

func (g global) Type() api.ValueType { return g.g.Type.ValType }

func (g global) Mutable() bool { return g.g.Type.Mutable }

func (g global) Get() uint64 { return g.g.Val }

func (g global) Set(v uint64) error {
	if !g.g.Type.Mutable {
		return ErrImmutableGlobal
	}
	if g.g.Type.ValType == wasm.ValueTypeI32 || g.g.Type.ValType == wasm.ValueTypeF32 {
		v = uint64(uint32(v))
	}
	g.g.Val = v
	return nil
}
