package isa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstruction_AppendDecode(t *testing.T) {
	instrs := []Instruction{
		{Op: OpEntry, C: 2, A: 1, B: PackEntry(1, 12)},
		{Op: OpBr, Flags: FlagReturn, C: 1, A: 3, B: 0x30},
		{Op: OpConst, B: 0xffffffffffffffff},
		{Op: OpLoad, Flags: MemI64Load32U, B: 0x1000},
	}

	var code []byte
	for _, i := range instrs {
		code = i.Append(code)
	}
	require.Equal(t, len(instrs)*WordSize, len(code))

	for n, expected := range instrs {
		require.Equal(t, expected, Decode(code, n*WordSize))
	}
}

func TestPatchB(t *testing.T) {
	code := Instruction{Op: OpCall, A: 7}.Append(nil)
	PatchB(code, 0, 0x1234)
	require.Equal(t, uint64(0x1234), ReadB(code, 0))
	require.Equal(t, Instruction{Op: OpCall, A: 7, B: 0x1234}, Decode(code, 0))
}

func TestPackEntry(t *testing.T) {
	results, maxStack := UnpackEntry(PackEntry(3, 0xffffffff))
	require.Equal(t, uint32(3), results)
	require.Equal(t, uint32(0xffffffff), maxStack)
}

func TestOp_String(t *testing.T) {
	require.Equal(t, "call_indirect", OpCallIndirect.String())
	require.Equal(t, "sat_trunc", OpSatTrunc.String())
	require.Equal(t, "op(0)", Op(0).String())
	require.False(t, Op(0).Valid())
	require.False(t, opEnd.Valid())
	require.True(t, OpEntry.Valid())
}

func TestMemoryKindSize(t *testing.T) {
	require.Equal(t, uint64(4), MemoryKindSize(MemI32))
	require.Equal(t, uint64(8), MemoryKindSize(MemF64))
	require.Equal(t, uint64(1), MemoryKindSize(MemStore8))
	require.Equal(t, uint64(2), MemoryKindSize(MemI64Load16S))
	require.Equal(t, uint64(4), MemoryKindSize(MemI64Load32U))
}
