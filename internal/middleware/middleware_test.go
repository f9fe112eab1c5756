package middleware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	parser "github.com/wippyai/wasm-runtime/wasm"
)

// i32.const 300, local.get 0, i32.add, end
var addBody = []byte{0x41, 0xac, 0x02, 0x20, 0x00, 0x6a, 0x0b}

func TestDecode(t *testing.T) {
	ops, err := Decode(addBody)
	require.NoError(t, err)
	require.Equal(t, 4, len(ops))

	var offsets []uint32
	var opcodes []byte
	for _, o := range ops {
		offsets = append(offsets, o.Offset)
		opcodes = append(opcodes, o.Opcode)
	}
	require.Equal(t, []uint32{0, 3, 5, 6}, offsets)
	require.Equal(t, []byte{parser.OpI32Const, parser.OpLocalGet, parser.OpI32Add, parser.OpEnd}, opcodes)
	require.Equal(t, parser.I32Imm{Value: 300}, ops[0].Imm)

	_, err = Decode([]byte{0xff})
	require.Error(t, err)
}

// appendOp appends an operator with the given opcode, recording the order middleware ran in.
type appendOp struct {
	name string
	op   byte
	err  error
}

func (a *appendOp) Name() string        { return a.name }
func (a *appendOp) Fingerprint() string { return a.name }
func (a *appendOp) Transform(_ *FunctionContext, ops []Operator) ([]Operator, error) {
	if a.err != nil {
		return nil, a.err
	}
	return append(ops, Operator{Instruction: parser.Instruction{Opcode: a.op}}), nil
}

type limiter struct {
	appendOp
	points uint64
}

func (l *limiter) InitialPoints() uint64 { return l.points }

func TestChain_Apply(t *testing.T) {
	t.Run("in order", func(t *testing.T) {
		c := NewChain(&appendOp{name: "a", op: parser.OpNop}, &appendOp{name: "b", op: parser.OpDrop})
		ops, err := c.Apply(&FunctionContext{}, nil)
		require.NoError(t, err)
		require.Equal(t, 2, len(ops))
		require.Equal(t, parser.OpNop, ops[0].Opcode)
		require.Equal(t, parser.OpDrop, ops[1].Opcode)
	})

	t.Run("nil chain", func(t *testing.T) {
		var c *Chain
		ops, err := c.Apply(&FunctionContext{}, []Operator{{}})
		require.NoError(t, err)
		require.Equal(t, 1, len(ops))
		require.Equal(t, 0, c.Len())
		require.Equal(t, "", c.Fingerprint())
	})

	t.Run("rejected", func(t *testing.T) {
		boom := errors.New("boom")
		c := NewChain(&appendOp{name: "a"}, &appendOp{name: "b", err: boom})
		_, err := c.Apply(&FunctionContext{}, nil)
		require.ErrorIs(t, err, ErrRejected)
		require.ErrorIs(t, err, boom)
		require.EqualError(t, err, "middleware[b]: rejected by middleware: boom")
	})
}

func TestChain_Fingerprint(t *testing.T) {
	ab := NewChain(&appendOp{name: "a"}, &appendOp{name: "b"})
	ba := NewChain(&appendOp{name: "b"}, &appendOp{name: "a"})
	require.Equal(t, "a;b", ab.Fingerprint())
	require.NotEqual(t, ab.Fingerprint(), ba.Fingerprint())
}

func TestChain_InitialPoints(t *testing.T) {
	points, metered := NewChain(&appendOp{name: "a"}).InitialPoints()
	require.False(t, metered)
	require.Zero(t, points)

	points, metered = NewChain(&limiter{points: 5}, &limiter{points: 9}).InitialPoints()
	require.True(t, metered)
	require.Equal(t, uint64(9), points)
}

func TestOperator_IsMeter(t *testing.T) {
	meter := Operator{Instruction: parser.Instruction{Opcode: OpMeter, Imm: MeterImm{Cost: 1}}}
	require.True(t, meter.IsMeter())

	other := Operator{Instruction: parser.Instruction{Opcode: OpMeter}}
	require.False(t, other.IsMeter())
}
