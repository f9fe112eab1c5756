package vm

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/isa"
	"github.com/and3k5/wasmer/internal/wasm"
)

var (
	vtI32 = wasm.ValueTypeI32
	vtF32 = wasm.ValueTypeF32

	v_i32   = wasm.FunctionType{Results: []wasm.ValueType{vtI32}}
	i32_i32 = wasm.FunctionType{Params: []wasm.ValueType{vtI32}, Results: []wasm.ValueType{vtI32}}
)

func entry(params uint16, locals, results, maxStack uint32) isa.Instruction {
	return isa.Instruction{Op: isa.OpEntry, C: params, A: locals, B: isa.PackEntry(results, maxStack)}
}

func op(o isa.Op) isa.Instruction { return isa.Instruction{Op: o} }

func localGet(idx uint32) isa.Instruction { return isa.Instruction{Op: isa.OpLocalGet, A: idx} }

func i32Const(v int32) isa.Instruction { return isa.Instruction{Op: isa.OpConst, B: uint64(uint32(v))} }

func numeric(code byte) isa.Instruction { return isa.Instruction{Op: isa.OpNumeric, Flags: code} }

func ret(n uint16) isa.Instruction { return isa.Instruction{Op: isa.OpReturn, C: n} }

func br(target uint64, drop uint32, keep uint16) isa.Instruction {
	return isa.Instruction{Op: isa.OpBr, A: drop, C: keep, B: target}
}

type recordingOwner struct {
	err   error
	traps []*Trap
}

func (o *recordingOwner) Check() error   { return o.err }
func (o *recordingOwner) OnTrap(t *Trap) { o.traps = append(o.traps, t) }

type registry map[Handle]*Context

func (r registry) Lookup(h Handle) (*Context, bool) {
	c, ok := r[h]
	return c, ok
}

// testContext lays out bodies as the defined functions of m, in order.
func testContext(m *wasm.Module, bodies ...[]isa.Instruction) *Context {
	ctx := NewContext(1<<20, 0)
	ctx.Handle = 1
	ctx.Module = m
	ctx.Owner = &recordingOwner{}
	code := &Code{}
	for _, body := range bodies {
		code.Entries = append(code.Entries, uint32(len(code.Image)))
		for _, in := range body {
			code.Image = in.Append(code.Image)
		}
	}
	ctx.Code = code
	ids := map[string]SignatureID{}
	for i := range m.Types {
		key := m.Types[i].String()
		id, ok := ids[key]
		if !ok {
			id = SignatureID(len(ids))
			ids[key] = id
		}
		ctx.TypeIDs = append(ctx.TypeIDs, id)
	}
	return ctx
}

func TestCall_Add(t *testing.T) {
	m := &wasm.Module{
		Types:     []wasm.FunctionType{{Params: []wasm.ValueType{vtI32, vtI32}, Results: []wasm.ValueType{vtI32}}},
		Functions: []wasm.Index{0},
	}
	ctx := testContext(m, []isa.Instruction{
		entry(2, 0, 1, 2), localGet(0), localGet(1), numeric(0x6a), ret(1),
	})

	results, err := Call(context.Background(), ctx, 0, []uint64{api.EncodeI32(-3), 5})
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
	require.Equal(t, int64(1<<20), ctx.StackRemaining())
}

func TestCall_InvalidInvocation(t *testing.T) {
	m := &wasm.Module{Types: []wasm.FunctionType{i32_i32}, Functions: []wasm.Index{0}}
	ctx := testContext(m, []isa.Instruction{entry(1, 0, 1, 1), localGet(0), ret(1)})

	_, err := Call(context.Background(), ctx, 1, nil)
	require.EqualError(t, err, "function[1] out of range")

	_, err = Call(context.Background(), ctx, 0, nil)
	require.EqualError(t, err, "expected 1 params, but passed 0")
}

func TestCall_Traps(t *testing.T) {
	binary := wasm.FunctionType{Params: []wasm.ValueType{vtI32, vtI32}, Results: []wasm.ValueType{vtI32}}
	truncF32 := wasm.FunctionType{Params: []wasm.ValueType{vtF32}, Results: []wasm.ValueType{vtI32}}

	tests := []struct {
		name     string
		ft       wasm.FunctionType
		body     []isa.Instruction
		params   []uint64
		expected error
	}{
		{
			name:     "i32.div_s by zero",
			ft:       binary,
			body:     []isa.Instruction{entry(2, 0, 1, 2), localGet(0), localGet(1), numeric(0x6d), ret(1)},
			params:   []uint64{1, 0},
			expected: ErrIntegerDivideByZero,
		},
		{
			name:     "i32.div_s overflow",
			ft:       binary,
			body:     []isa.Instruction{entry(2, 0, 1, 2), localGet(0), localGet(1), numeric(0x6d), ret(1)},
			params:   []uint64{api.EncodeI32(math.MinInt32), api.EncodeI32(-1)},
			expected: ErrIntegerOverflow,
		},
		{
			name:     "i32.rem_u by zero",
			ft:       binary,
			body:     []isa.Instruction{entry(2, 0, 1, 2), localGet(0), localGet(1), numeric(0x70), ret(1)},
			params:   []uint64{1, 0},
			expected: ErrIntegerDivideByZero,
		},
		{
			name:     "i32.trunc_f32_s NaN",
			ft:       truncF32,
			body:     []isa.Instruction{entry(1, 0, 1, 1), localGet(0), numeric(0xa8), ret(1)},
			params:   []uint64{api.EncodeF32(float32(math.NaN()))},
			expected: ErrInvalidConversionToInteger,
		},
		{
			name:     "i32.trunc_f32_s out of range",
			ft:       truncF32,
			body:     []isa.Instruction{entry(1, 0, 1, 1), localGet(0), numeric(0xa8), ret(1)},
			params:   []uint64{api.EncodeF32(2147483648)},
			expected: ErrIntegerOverflow,
		},
		{
			name:     "unreachable",
			ft:       v_i32,
			body:     []isa.Instruction{entry(0, 0, 1, 0), op(isa.OpUnreachable)},
			expected: ErrUnreachable,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := &wasm.Module{Types: []wasm.FunctionType{tc.ft}, Functions: []wasm.Index{0}}
			ctx := testContext(m, tc.body)

			_, err := Call(context.Background(), ctx, 0, tc.params)
			require.ErrorIs(t, err, tc.expected)

			owner := ctx.Owner.(*recordingOwner)
			require.Equal(t, 1, len(owner.traps))
			require.Equal(t, err, owner.traps[0])
			require.Equal(t, int64(1<<20), ctx.StackRemaining())
		})
	}
}

func TestCall_TruncNegativeFraction(t *testing.T) {
	m := &wasm.Module{
		Types:     []wasm.FunctionType{{Params: []wasm.ValueType{vtF32}, Results: []wasm.ValueType{vtI32}}},
		Functions: []wasm.Index{0},
	}
	ctx := testContext(m, []isa.Instruction{entry(1, 0, 1, 1), localGet(0), numeric(0xa9), ret(1)})

	// trunc(-0.9) is -0, which converts to 0 without trapping.
	results, err := Call(context.Background(), ctx, 0, []uint64{api.EncodeF32(-0.9)})
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, results)
}

func TestCall_Branches(t *testing.T) {
	t.Run("br drops below kept values", func(t *testing.T) {
		m := &wasm.Module{Types: []wasm.FunctionType{v_i32}, Functions: []wasm.Index{0}}
		ctx := testContext(m, []isa.Instruction{
			entry(0, 0, 1, 3),     // 0
			i32Const(1),           // 16
			i32Const(2),           // 32
			i32Const(3),           // 48
			br(96, 2, 1),          // 64
			op(isa.OpUnreachable), // 80
			ret(1),                // 96
		})
		results, err := Call(context.Background(), ctx, 0, nil)
		require.NoError(t, err)
		require.Equal(t, []uint64{3}, results)
	})

	t.Run("br to the function frame returns", func(t *testing.T) {
		m := &wasm.Module{Types: []wasm.FunctionType{v_i32}, Functions: []wasm.Index{0}}
		returning := br(0, 0, 1)
		returning.Flags = isa.FlagReturn
		ctx := testContext(m, []isa.Instruction{
			entry(0, 0, 1, 2), i32Const(1), i32Const(2), returning, op(isa.OpUnreachable),
		})
		results, err := Call(context.Background(), ctx, 0, nil)
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, results)
	})

	t.Run("br_table", func(t *testing.T) {
		m := &wasm.Module{Types: []wasm.FunctionType{i32_i32}, Functions: []wasm.Index{0}}
		ctx := testContext(m, []isa.Instruction{
			entry(1, 0, 1, 2),                // 0
			localGet(0),                      // 16
			{Op: isa.OpBrTable, A: 2},        // 32
			{Op: isa.OpBrTableEntry, B: 96},  // 48
			{Op: isa.OpBrTableEntry, B: 128}, // 64
			{Op: isa.OpBrTableEntry, B: 160}, // 80
			i32Const(10), ret(1),             // 96
			i32Const(20), ret(1),             // 128
			i32Const(30), ret(1),             // 160
		})
		for _, tc := range []struct{ in, out uint64 }{{0, 10}, {1, 20}, {2, 30}, {99, 30}} {
			results, err := Call(context.Background(), ctx, 0, []uint64{tc.in})
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.out}, results, tc.in)
		}
	})

	t.Run("br_if", func(t *testing.T) {
		m := &wasm.Module{Types: []wasm.FunctionType{i32_i32}, Functions: []wasm.Index{0}}
		ctx := testContext(m, []isa.Instruction{
			entry(1, 0, 1, 2),                // 0
			i32Const(7),                      // 16
			localGet(0),                      // 32
			{Op: isa.OpBrIf, B: 80, C: 1},    // 48
			{Op: isa.OpNumeric, Flags: 0x45}, // 64 i32.eqz
			ret(1),                           // 80
		})
		results, err := Call(context.Background(), ctx, 0, []uint64{1})
		require.NoError(t, err)
		require.Equal(t, []uint64{7}, results)

		results, err = Call(context.Background(), ctx, 0, []uint64{0})
		require.NoError(t, err)
		require.Equal(t, []uint64{0}, results)
	})
}

func TestCall_Memory(t *testing.T) {
	load := func(offset uint64) []isa.Instruction {
		return []isa.Instruction{
			entry(1, 0, 1, 1), localGet(0), {Op: isa.OpLoad, Flags: isa.MemI32, B: offset}, ret(1),
		}
	}
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32_i32},
		Functions: []wasm.Index{0, 0},
		Memory:    &wasm.Memory{Min: 1, Max: 2},
	}
	ctx := testContext(m, load(0), load(math.MaxUint32))
	ctx.Memory = newMemory(t, 1, 2)
	require.True(t, ctx.Memory.WriteUint32Le(65532, 0xdeadbeef))

	results, err := Call(context.Background(), ctx, 0, []uint64{65532})
	require.NoError(t, err)
	require.Equal(t, []uint64{0xdeadbeef}, results)

	for _, tc := range []struct {
		fn   wasm.Index
		addr uint64
	}{
		{fn: 0, addr: 65533},
		{fn: 0, addr: math.MaxUint32},
		{fn: 1, addr: math.MaxUint32}, // address plus static offset must not wrap
	} {
		_, err = Call(context.Background(), ctx, tc.fn, []uint64{tc.addr})
		require.ErrorIs(t, err, ErrOutOfBoundsMemoryAccess)
	}
}

func TestCall_MemoryGrowWithinMax(t *testing.T) {
	m := &wasm.Module{
		Types:     []wasm.FunctionType{i32_i32, {Params: []wasm.ValueType{vtI32}}, v_i32},
		Functions: []wasm.Index{0, 1, 2},
		Memory:    &wasm.Memory{Min: 1, Max: 2, IsMaxEncoded: true},
	}
	ctx := testContext(m,
		[]isa.Instruction{entry(1, 0, 1, 1), localGet(0), op(isa.OpMemoryGrow), ret(1)},
		[]isa.Instruction{entry(1, 0, 0, 2), localGet(0), i32Const(1), {Op: isa.OpStore, Flags: isa.MemI32}, ret(0)},
		[]isa.Instruction{entry(0, 0, 1, 1), op(isa.OpMemorySize), ret(1)},
	)
	ctx.Memory = newMemory(t, 1, 2)
	bg := context.Background()

	_, err := Call(bg, ctx, 1, []uint64{65536})
	require.ErrorIs(t, err, ErrOutOfBoundsMemoryAccess)

	results, err := Call(bg, ctx, 0, []uint64{1})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)

	results, err = Call(bg, ctx, 0, []uint64{1})
	require.NoError(t, err)
	require.Equal(t, []uint64{0xffffffff}, results)

	results, err = Call(bg, ctx, 2, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)

	_, err = Call(bg, ctx, 1, []uint64{2*65536 - 4})
	require.NoError(t, err)
	_, err = Call(bg, ctx, 1, []uint64{2*65536 - 3})
	require.ErrorIs(t, err, ErrOutOfBoundsMemoryAccess)
}

func TestCall_Metering(t *testing.T) {
	m := &wasm.Module{Types: []wasm.FunctionType{v_i32}, Functions: []wasm.Index{0}}
	ctx := testContext(m, []isa.Instruction{
		entry(0, 0, 1, 1), {Op: isa.OpMeter, B: 5}, i32Const(7), ret(1),
	})
	ctx.SetMeter(12)

	for _, remaining := range []uint64{7, 2} {
		_, err := Call(context.Background(), ctx, 0, nil)
		require.NoError(t, err)
		require.Equal(t, remaining, ctx.Meter())
	}

	_, err := Call(context.Background(), ctx, 0, nil)
	require.ErrorIs(t, err, ErrMeteringExhausted)
	// An insufficient budget is not consumed.
	require.Equal(t, uint64(2), ctx.Meter())
}

func TestCall_Interrupt(t *testing.T) {
	m := &wasm.Module{Types: []wasm.FunctionType{{}}, Functions: []wasm.Index{0}}
	ctx := testContext(m, []isa.Instruction{
		entry(0, 0, 0, 0),   // 0
		op(isa.OpLoopGuard), // 16
		br(16, 0, 0),        // 32
	})

	t.Run("pending", func(t *testing.T) {
		ctx.Interrupt()
		_, err := Call(context.Background(), ctx, 0, nil)
		require.ErrorIs(t, err, ErrInterrupted)
	})

	t.Run("infinite loop", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			ctx.Interrupt()
		}()
		_, err := Call(context.Background(), ctx, 0, nil)
		require.ErrorIs(t, err, ErrInterrupted)
	})
}

func TestCall_StackOverflow(t *testing.T) {
	m := &wasm.Module{
		Types:         []wasm.FunctionType{{}},
		Functions:     []wasm.Index{0},
		FunctionNames: map[wasm.Index]string{0: "recurse"},
	}
	body := []isa.Instruction{entry(0, 0, 0, 0), {Op: isa.OpCall, A: 0, B: 0}, ret(0)}

	t.Run("budget", func(t *testing.T) {
		ctx := testContext(m, body)
		ctx.stackBudget, ctx.stackRemaining = 4096, 4096

		_, err := Call(context.Background(), ctx, 0, nil)
		require.ErrorIs(t, err, ErrCallStackOverflow)
		require.Equal(t, int64(4096), ctx.StackRemaining())

		var trap *Trap
		require.True(t, errors.As(err, &trap))
		require.Equal(t, 4096/FrameOverhead+1, len(trap.Frames))
		require.Equal(t, "recurse", trap.Frames[0].Name)
		require.True(t, trap.Reason.Fatal())
	})

	t.Run("depth", func(t *testing.T) {
		ctx := testContext(m, body)
		ctx.MaxCallDepth = 10

		_, err := Call(context.Background(), ctx, 0, nil)
		require.ErrorIs(t, err, ErrCallStackOverflow)
	})
}

func TestCall_CallIndirect(t *testing.T) {
	m := &wasm.Module{
		Types:     []wasm.FunctionType{v_i32, i32_i32},
		Functions: []wasm.Index{0, 1, 1},
		Tables:    []wasm.Table{{Min: 3}},
	}
	ctx := testContext(m,
		[]isa.Instruction{entry(0, 0, 1, 1), i32Const(42), ret(1)},
		[]isa.Instruction{entry(1, 0, 1, 1), localGet(0), {Op: isa.OpCallIndirect, A: 0, C: 0}, ret(1)},
		[]isa.Instruction{entry(1, 0, 1, 1), localGet(0), ret(1)},
	)
	table := NewTableInstance(3, nil)
	table.Elements[0] = FunctionRef{Instance: ctx.Handle, Index: 0, TypeID: ctx.TypeIDs[0]}
	table.Elements[1] = FunctionRef{Instance: ctx.Handle, Index: 2, TypeID: ctx.TypeIDs[1]}
	ctx.Tables = []*TableInstance{table}

	results, err := Call(context.Background(), ctx, 1, []uint64{0})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	for _, tc := range []struct {
		offset   uint64
		expected error
	}{
		{offset: 1, expected: ErrIndirectCallTypeMismatch},
		{offset: 2, expected: ErrInvalidTableAccess},
		{offset: 5, expected: ErrInvalidTableAccess},
	} {
		_, err = Call(context.Background(), ctx, 1, []uint64{tc.offset})
		require.ErrorIs(t, err, tc.expected)
	}
}

func hostModule() *wasm.Module {
	return &wasm.Module{
		Types:     []wasm.FunctionType{v_i32},
		Imports:   []wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "fail", DescFunc: 0}},
		Functions: []wasm.Index{0},
		Exports:   []wasm.Export{{Type: wasm.ExternTypeFunc, Name: "run", Index: 1}},
	}
}

func TestCall_Host(t *testing.T) {
	m := hostModule()
	body := []isa.Instruction{entry(0, 0, 1, 1), {Op: isa.OpCallImport, A: 0}, ret(1)}

	t.Run("ok", func(t *testing.T) {
		ctx := testContext(m, body)
		ctx.Memory = newMemory(t, 1, 1)
		ctx.Imports = []ImportedFunction{{Type: &m.Types[0], Host: &api.HostFunction{
			Fn: func(_ context.Context, caller api.Caller, _ []uint64) ([]uint64, error) {
				return []uint64{uint64(caller.Memory().Size())}, nil
			},
		}}}

		results, err := Call(context.Background(), ctx, 1, nil)
		require.NoError(t, err)
		require.Equal(t, []uint64{65536}, results)
	})

	t.Run("error", func(t *testing.T) {
		ctx := testContext(m, body)
		boom := errors.New("boom")
		ctx.Imports = []ImportedFunction{{Type: &m.Types[0], Host: &api.HostFunction{
			Fn: func(context.Context, api.Caller, []uint64) ([]uint64, error) { return nil, boom },
		}}}

		_, err := Call(context.Background(), ctx, 1, nil)
		require.ErrorIs(t, err, ErrHostTrap)
		require.ErrorIs(t, err, boom)
		require.EqualError(t, err, "wasm runtime error: host function failed: boom\nwasm backtrace:\n\t0: env.fail\n\t1: run")
	})

	t.Run("result count", func(t *testing.T) {
		ctx := testContext(m, body)
		ctx.Imports = []ImportedFunction{{Type: &m.Types[0], Host: &api.HostFunction{
			Fn: func(context.Context, api.Caller, []uint64) ([]uint64, error) { return nil, nil },
		}}}

		_, err := Call(context.Background(), ctx, 1, nil)
		require.ErrorIs(t, err, ErrHostTrap)
		require.Contains(t, err.Error(), "expected 1 results, but returned 0")
	})

	t.Run("trapped during the host call", func(t *testing.T) {
		ctx := testContext(m, body)
		owner := ctx.Owner.(*recordingOwner)
		ctx.Imports = []ImportedFunction{{Type: &m.Types[0], Host: &api.HostFunction{
			Fn: func(context.Context, api.Caller, []uint64) ([]uint64, error) {
				owner.err = ErrInstanceTrapped
				return []uint64{1}, nil
			},
		}}}

		_, err := Call(context.Background(), ctx, 1, nil)
		require.ErrorIs(t, err, ErrInstanceTrapped)
	})

	t.Run("panic", func(t *testing.T) {
		ctx := testContext(m, body)
		ctx.Imports = []ImportedFunction{{Type: &m.Types[0], Host: &api.HostFunction{
			Fn: func(context.Context, api.Caller, []uint64) ([]uint64, error) { panic("oops") },
		}}}

		_, err := Call(context.Background(), ctx, 1, nil)
		require.ErrorIs(t, err, ErrRuntimeFault)
		require.Equal(t, int64(1<<20), ctx.StackRemaining())
	})
}

func TestCall_MalformedCode(t *testing.T) {
	m := &wasm.Module{Types: []wasm.FunctionType{v_i32}, Functions: []wasm.Index{0}}
	tests := []struct {
		name string
		body []isa.Instruction
	}{
		{name: "invalid instruction", body: []isa.Instruction{entry(0, 0, 1, 1), {}}},
		{name: "local out of frame", body: []isa.Instruction{entry(0, 0, 1, 1), localGet(5), ret(1)}},
		{name: "global out of range", body: []isa.Instruction{entry(0, 0, 1, 1), {Op: isa.OpGlobalGet, A: 3}, ret(1)}},
		{name: "branch out of code", body: []isa.Instruction{entry(0, 0, 1, 1), br(1<<20, 0, 0)}},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(m, tc.body)
			_, err := Call(context.Background(), ctx, 0, nil)
			require.ErrorIs(t, err, ErrRuntimeFault)
			require.Equal(t, int64(1<<20), ctx.StackRemaining())
		})
	}
}

func TestCall_CrossInstance(t *testing.T) {
	callee := &wasm.Module{Types: []wasm.FunctionType{v_i32}, Functions: []wasm.Index{0, 0}}
	b := testContext(callee,
		[]isa.Instruction{entry(0, 0, 1, 1), i32Const(7), ret(1)},
		[]isa.Instruction{entry(0, 0, 1, 0), op(isa.OpUnreachable)},
	)
	b.Handle = 2

	caller := hostModule()
	newCaller := func(reg registry, idx wasm.Index) *Context {
		a := testContext(caller, []isa.Instruction{entry(0, 0, 1, 1), {Op: isa.OpCallImport, A: 0}, ret(1)})
		a.Imports = []ImportedFunction{{Type: &caller.Types[0], Ref: FunctionRef{Instance: 2, Index: idx}}}
		a.Registry = reg
		reg[a.Handle] = a
		return a
	}

	t.Run("ok", func(t *testing.T) {
		a := newCaller(registry{2: b}, 0)
		results, err := Call(context.Background(), a, 1, nil)
		require.NoError(t, err)
		require.Equal(t, []uint64{7}, results)

		// The import itself is callable.
		results, err = Call(context.Background(), a, 0, nil)
		require.NoError(t, err)
		require.Equal(t, []uint64{7}, results)
	})

	t.Run("trap notifies both instances", func(t *testing.T) {
		b.Owner = &recordingOwner{}
		a := newCaller(registry{2: b}, 1)
		_, err := Call(context.Background(), a, 1, nil)
		require.ErrorIs(t, err, ErrUnreachable)
		require.Equal(t, 1, len(a.Owner.(*recordingOwner).traps))
		require.Equal(t, 1, len(b.Owner.(*recordingOwner).traps))
	})

	t.Run("trapped", func(t *testing.T) {
		b.Owner = &recordingOwner{err: ErrInstanceTrapped}
		a := newCaller(registry{2: b}, 0)
		_, err := Call(context.Background(), a, 1, nil)
		require.ErrorIs(t, err, ErrInstanceTrapped)
	})

	t.Run("closed", func(t *testing.T) {
		a := newCaller(registry{}, 0)
		_, err := Call(context.Background(), a, 1, nil)
		require.ErrorIs(t, err, ErrInstanceClosed)
	})
}
