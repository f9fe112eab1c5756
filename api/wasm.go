// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// ExternTypeName returns the text format field name of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly 1.0 (20191205).
//
// All values cross the host boundary as uint64:
//   - ValueTypeI32 - uint64(uint32(int32))
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 and DecodeF32
//   - ValueTypeF64 - EncodeF64 and DecodeF64
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as a string.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// FunctionType is the signature of a function: its parameter and result types.
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

// String returns a stable key such as "i32i32_i64", or "v_v" for no params and results.
func (t *FunctionType) String() string {
	var b strings.Builder
	writeTypes(&b, t.Params)
	b.WriteByte('_')
	writeTypes(&b, t.Results)
	return b.String()
}

func writeTypes(b *strings.Builder, ts []ValueType) {
	if len(ts) == 0 {
		b.WriteByte('v')
		return
	}
	for _, vt := range ts {
		b.WriteString(ValueTypeName(vt))
	}
}

// Equal returns true when both signatures have identical params and results.
func (t *FunctionType) Equal(o *FunctionType) bool {
	if t == nil || o == nil {
		return t == o
	}
	return string(t.Params) == string(o.Params) && string(t.Results) == string(o.Results)
}

// Memory allows restricted access to a module's linear memory. Offsets are in bytes.
//
// Note: All read and write functions return false when the range is out of bounds of the current size.
type Memory interface {
	// Size returns the current size in bytes.
	Size() uint32

	// Grow increases memory by the delta in pages (65536 bytes per page). The return val is the previous memory
	// size in pages, or false if the delta was ignored as it exceeds the maximum.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	ReadByte(offset uint32) (byte, bool)
	ReadUint32Le(offset uint32) (uint32, bool)
	ReadUint64Le(offset uint32) (uint64, bool)
	Read(offset, byteCount uint32) ([]byte, bool)

	WriteByte(offset uint32, v byte) bool
	WriteUint32Le(offset, v uint32) bool
	WriteUint64Le(offset uint32, v uint64) bool
	Write(offset uint32, v []byte) bool
}

// Table is an exported funcref table.
type Table interface {
	// Size is the number of elements.
	Size() uint32
	// Grow appends deltaElements null elements and returns the previous size. It returns false, leaving the table
	// unchanged, when the new size would exceed the maximum of the table.
	Grow(deltaElements uint32) (previousElements uint32, ok bool)
}

// Global is an exported global. Its value is encoded as documented on ValueType.
type Global interface {
	Type() ValueType
	Mutable() bool
	Get() uint64
	// Set changes the value, and fails for a global that is not mutable.
	Set(v uint64) error
}

// Caller is the view a host function has of the instance that called it.
type Caller interface {
	// Memory is the linear memory of the calling instance, or nil if it has none.
	Memory() Memory
}

// HostFunc is the Go implementation of an imported function. params are in signature order and the returned slice
// must hold exactly one value per result type. A non-nil error aborts the calling instance with a host trap.
type HostFunc func(ctx context.Context, caller Caller, params []uint64) ([]uint64, error)

// HostFunction is a Go function tagged with its WebAssembly signature. The tag is checked against the importing
// module when linking.
type HostFunction struct {
	Name string
	Type FunctionType
	Fn   HostFunc
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}
