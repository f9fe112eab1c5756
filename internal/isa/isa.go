// Package isa defines the portable machine code emitted by compilers and executed by the vm.
//
// Code is a sequence of fixed width 16 byte words:
//
//	[0]    Op
//	[1]    Flags
//	[2:4]  C, little endian uint16
//	[4:8]  A, little endian uint32
//	[8:16] B, little endian uint64
//
// Fixed width words make every branch target and relocation a plain byte offset, so code can be concatenated,
// relocated and sealed read-only without decoding it.
package isa

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the size of one instruction in bytes.
const WordSize = 16

// OffsetB is the offset of the B operand within a word. Relocations patch this field.
const OffsetB = 8

// Op is the operation of an instruction.
type Op byte

const (
	// OpEntry starts every function. C is the param count, A the declared local count and B packs the result
	// count in the high 32 bits with the maximum operand stack height in the low 32 bits.
	OpEntry Op = iota + 1
	// OpUnreachable traps with the unreachable reason.
	OpUnreachable
	// OpMeter subtracts B from the metering counter, trapping when it is insufficient.
	OpMeter
	// OpLoopGuard checks the interrupt flag. It is emitted at the start of each loop body.
	OpLoopGuard
	// OpBr jumps to the function relative offset B after dropping A values below the top C values.
	OpBr
	// OpBrIf pops an i32 and behaves as OpBr when it is not zero.
	OpBrIf
	// OpBrUnless pops an i32 and behaves as OpBr when it is zero.
	OpBrUnless
	// OpBrTable pops an i32 index and is followed by A+1 OpBrTableEntry words, the last being the default.
	OpBrTable
	// OpBrTableEntry is a branch target of OpBrTable with the same operand layout as OpBr.
	OpBrTableEntry
	// OpReturn returns the top C values to the caller.
	OpReturn
	// OpCall calls the function at index A, whose code starts at the absolute offset B.
	OpCall
	// OpCallImport calls the imported function at index A.
	OpCallImport
	// OpCallIndirect pops a table offset and calls through table C with the expected type index A.
	OpCallIndirect
	OpDrop
	// OpSelect pops a condition and two values, pushing the first if the condition is not zero.
	OpSelect
	OpLocalGet
	OpLocalSet
	OpLocalTee
	OpGlobalGet
	OpGlobalSet
	// OpLoad pops an address and pushes the value of kind Flags at the address plus the static offset B.
	OpLoad
	// OpStore pops a value and an address, storing the value with kind Flags at the address plus B.
	OpStore
	OpMemorySize
	OpMemoryGrow
	// OpMemoryCopy pops the length, the source and the destination.
	OpMemoryCopy
	// OpMemoryFill pops the length, the byte value and the destination.
	OpMemoryFill
	// OpConst pushes B.
	OpConst
	// OpNumeric applies the WebAssembly numeric opcode held in Flags, in the range 0x45 to 0xc4.
	OpNumeric
	// OpSatTrunc applies the saturating truncation whose 0xfc sub-opcode is held in Flags.
	OpSatTrunc

	opEnd
)

// FlagReturn is set on a branch whose target is the function frame. It returns C values.
const FlagReturn = byte(1)

var opNames = [...]string{
	OpEntry:          "entry",
	OpUnreachable:    "unreachable",
	OpMeter:          "meter",
	OpLoopGuard:      "loop_guard",
	OpBr:             "br",
	OpBrIf:           "br_if",
	OpBrUnless:       "br_unless",
	OpBrTable:        "br_table",
	OpBrTableEntry:   "br_table_entry",
	OpReturn:         "return",
	OpCall:           "call",
	OpCallImport:     "call_import",
	OpCallIndirect:   "call_indirect",
	OpDrop:           "drop",
	OpSelect:         "select",
	OpLocalGet:       "local.get",
	OpLocalSet:       "local.set",
	OpLocalTee:       "local.tee",
	OpGlobalGet:      "global.get",
	OpGlobalSet:      "global.set",
	OpLoad:           "load",
	OpStore:          "store",
	OpMemorySize:     "memory.size",
	OpMemoryGrow:     "memory.grow",
	OpMemoryCopy:     "memory.copy",
	OpMemoryFill:     "memory.fill",
	OpConst:          "const",
	OpNumeric:        "numeric",
	OpSatTrunc:       "sat_trunc",
}

func (o Op) String() string {
	if o > 0 && o < opEnd {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

// Valid is true for a known operation.
func (o Op) Valid() bool { return o > 0 && o < opEnd }

// MemoryKind is the Flags of OpLoad and OpStore.
type MemoryKind = byte

const (
	MemI32 MemoryKind = iota
	MemI64
	MemF32
	MemF64
	MemI32Load8S
	MemI32Load8U
	MemI32Load16S
	MemI32Load16U
	MemI64Load8S
	MemI64Load8U
	MemI64Load16S
	MemI64Load16U
	MemI64Load32S
	MemI64Load32U
	MemStore8
	MemStore16
	MemStore32
)

// MemoryKindSize returns the number of bytes accessed by the kind.
func MemoryKindSize(k MemoryKind) uint64 {
	switch k {
	case MemI64, MemF64:
		return 8
	case MemI32Load8S, MemI32Load8U, MemI64Load8S, MemI64Load8U, MemStore8:
		return 1
	case MemI32Load16S, MemI32Load16U, MemI64Load16S, MemI64Load16U, MemStore16:
		return 2
	}
	return 4
}

// Instruction is the decoded form of one word.
type Instruction struct {
	Op    Op
	Flags byte
	C     uint16
	A     uint32
	B     uint64
}

// Append encodes the instruction at the end of code.
func (i Instruction) Append(code []byte) []byte {
	var w [WordSize]byte
	i.Put(w[:])
	return append(code, w[:]...)
}

// Put encodes the instruction into the first WordSize bytes of b.
func (i Instruction) Put(b []byte) {
	_ = b[WordSize-1]
	b[0] = byte(i.Op)
	b[1] = i.Flags
	binary.LittleEndian.PutUint16(b[2:], i.C)
	binary.LittleEndian.PutUint32(b[4:], i.A)
	binary.LittleEndian.PutUint64(b[8:], i.B)
}

// Decode reads the instruction at offset pc of code. The caller ensures pc+WordSize is within code.
func Decode(code []byte, pc int) Instruction {
	w := code[pc : pc+WordSize]
	return Instruction{
		Op:    Op(w[0]),
		Flags: w[1],
		C:     binary.LittleEndian.Uint16(w[2:]),
		A:     binary.LittleEndian.Uint32(w[4:]),
		B:     binary.LittleEndian.Uint64(w[8:]),
	}
}

// PatchB overwrites the B operand of the instruction at offset pc.
func PatchB(code []byte, pc int, v uint64) {
	binary.LittleEndian.PutUint64(code[pc+OffsetB:], v)
}

// ReadB reads the B operand of the instruction at offset pc.
func ReadB(code []byte, pc int) uint64 {
	return binary.LittleEndian.Uint64(code[pc+OffsetB:])
}

// PackEntry packs the B operand of OpEntry.
func PackEntry(results uint32, maxStack uint32) uint64 {
	return uint64(results)<<32 | uint64(maxStack)
}

// UnpackEntry is the inverse of PackEntry.
func UnpackEntry(b uint64) (results uint32, maxStack uint32) {
	return uint32(b >> 32), uint32(b)
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s flags=%d c=%d a=%d b=%#x", i.Op, i.Flags, i.C, i.A, i.B)
}
