package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/platform"
	"github.com/and3k5/wasmer/internal/wasm"
)

// ErrResourceExhausted is returned when the host cannot provide the memory or mappings a module needs.
var ErrResourceExhausted = errors.New("resource exhausted")

var (
	reserveMemory = platform.ReserveLinearMemory
	commitMemory  = (*platform.LinearMemory).Commit
)

// MemoryInstance represents a linear memory, and implements api.Memory.
//
// Buffer is the live memory: its length is the current size, and compiled code bounds checks against it on every
// access. Grow replaces Buffer, so nothing may keep a slice of it across a call into Wasm. The address space for Max
// pages is reserved up front and returned once the MemoryInstance is unreachable.
type MemoryInstance struct {
	Buffer   []byte
	Min, Max uint32

	mem *platform.LinearMemory
}

var _ api.Memory = (*MemoryInstance)(nil)

// NewMemoryInstance reserves max pages and commits min. A failed reservation fails with ErrResourceExhausted.
func NewMemoryInstance(min, max uint32) (*MemoryInstance, error) {
	mem, err := reserveMemory(wasm.MemoryPagesToBytesNum(min), wasm.MemoryPagesToBytesNum(max))
	if err != nil {
		return nil, fmt.Errorf("%w: memory of %s: %w", ErrResourceExhausted, PagesToUnitOfBytes(max), err)
	}
	m := &MemoryInstance{Buffer: mem.Bytes(), Min: min, Max: max, mem: mem}
	runtime.AddCleanup(m, func(mem *platform.LinearMemory) { _ = mem.Release() }, mem)
	return m, nil
}

// Size implements api.Memory Size
func (m *MemoryInstance) Size() uint32 {
	return uint32(len(m.Buffer))
}

// PageSize returns the current memory buffer size in pages.
func (m *MemoryInstance) PageSize() uint32 {
	return uint32(uint64(len(m.Buffer)) >> wasm.MemoryPageSizeInBits)
}

// hasSize returns true if Len is sufficient for sizeInBytes at the given offset.
func (m *MemoryInstance) hasSize(offset uint32, sizeInBytes uint32) bool {
	return uint64(offset)+uint64(sizeInBytes) <= uint64(len(m.Buffer)) // uint64 prevents overflow on add
}

// ReadByte implements api.Memory ReadByte
func (m *MemoryInstance) ReadByte(offset uint32) (byte, bool) {
	if !m.hasSize(offset, 1) {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint32Le implements api.Memory ReadUint32Le
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset : offset+4]), true
}

// ReadUint64Le implements api.Memory ReadUint64Le
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset : offset+8]), true
}

// Read implements api.Memory Read
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, byteCount) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte implements api.Memory WriteByte
func (m *MemoryInstance) WriteByte(offset uint32, v byte) bool {
	if !m.hasSize(offset, 1) {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint32Le implements api.Memory WriteUint32Le
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteUint64Le implements api.Memory WriteUint64Le
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// Write implements api.Memory Write
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(offset, uint32(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// Grow implements api.Memory Grow. Growing beyond Max, or past what the host can commit, leaves the memory
// untouched. New pages are zeroed and existing bytes are preserved.
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	currentPages := m.PageSize()
	if uint64(currentPages)+uint64(deltaPages) > uint64(m.Max) {
		return currentPages, false
	}
	if deltaPages == 0 {
		return currentPages, true
	}

	if err := commitMemory(m.mem, wasm.MemoryPagesToBytesNum(currentPages+deltaPages)); err != nil {
		return currentPages, false
	}
	m.Buffer = m.mem.Bytes()
	return currentPages, true
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64 Ki"
//
// See https://www.w3.org/TR/wasm-core-1/#memory-instances%E2%91%A0
func PagesToUnitOfBytes(pages uint32) string {
	k := uint64(pages) * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	g := m / 1024
	if g < 1024 {
		return fmt.Sprintf("%d Gi", g)
	}
	return fmt.Sprintf("%d Ti", g/1024)
}
