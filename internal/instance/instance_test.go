package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/compiler/singlepass"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

var (
	i32 = wasm.ValueTypeI32
	i64 = wasm.ValueTypeI64

	binaryI32 = wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}}
	nullary   = wasm.FunctionType{}
	constI32  = wasm.FunctionType{Results: []wasm.ValueType{i32}}
	unaryI32  = wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}
)

var (
	divS        = []byte{0x20, 0x00, 0x20, 0x01, 0x6d, 0x0b}
	callImport0 = []byte{0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b}
	recurse     = []byte{0x10, 0x00, 0x0b}
	unreachable = []byte{0x00, 0x0b}
	spin        = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b}
	// grow is memory.grow 1, returning the previous size in pages or -1.
	grow = []byte{0x41, 0x01, 0x40, 0x00, 0x0b}
	// const42 returns 42.
	const42 = []byte{0x41, 0x2a, 0x0b}
	// callIndirect calls the element at its param with type 0.
	callIndirect = []byte{0x20, 0x00, 0x11, 0x00, 0x00, 0x0b}
)

// testCode is a Code which counts releases.
type testCode struct {
	code     *vm.Code
	released int
}

func (c *testCode) VMCode() *vm.Code { return c.code }
func (c *testCode) Release()         { c.released++ }

// testSignatures numbers signatures by their string form.
type testSignatures map[string]vm.SignatureID

func (s testSignatures) Register(ft *wasm.FunctionType) vm.SignatureID {
	key := ft.String()
	id, ok := s[key]
	if !ok {
		id = vm.SignatureID(len(s))
		s[key] = id
	}
	return id
}

// compile compiles and lays out every defined function of m.
func compile(t *testing.T, m *wasm.Module) *testCode {
	mctx := compiler.NewModuleContext(m)
	c := compiler.Compiler(singlepass.New())
	code := &vm.Code{}
	var relocs [][]compiler.Relocation
	for i := range m.Code {
		cf, err := c.Compile(mctx, mctx.ImportedFunctions+uint32(i), m.Code[i].Body, nil)
		require.NoError(t, err)
		code.Entries = append(code.Entries, uint32(len(code.Image)))
		code.Image = append(code.Image, cf.Code...)
		code.SourceMaps = append(code.SourceMaps, cf.SourceMap)
		relocs = append(relocs, cf.Relocations)
	}
	for i, rs := range relocs {
		for _, r := range rs {
			target := uint64(code.Entries[r.Target-mctx.ImportedFunctions]) + uint64(r.Addend)
			at := code.Entries[i] + r.Offset
			for b := 0; b < 8; b++ {
				code.Image[int(at)+b] = byte(target >> (8 * b))
			}
		}
	}
	return &testCode{code: code}
}

type fixture struct {
	store *Store
	sigs  testSignatures
}

func newFixture() *fixture {
	return &fixture{store: NewStore(), sigs: testSignatures{}}
}

func (f *fixture) config(name string) Config {
	return Config{
		Name:           name,
		Store:          f.store,
		Signatures:     f.sigs,
		MemoryMaxPages: wasm.MemoryMaxPages,
		MaxStackBytes:  1 << 20,
		MaxCallDepth:   10000,
	}
}

func (f *fixture) instantiate(t *testing.T, name string, m *wasm.Module, r Resolver) *Instance {
	require.NoError(t, m.Validate(wasm.MemoryMaxPages))
	code := compile(t, m)
	i, err := Instantiate(context.Background(), m, code, r, f.config(name))
	require.NoError(t, err)
	require.Equal(t, Ready, i.State())
	return i
}

// divModule exports "div", i32.div_s.
func divModule() *wasm.Module {
	return &wasm.Module{
		Types:     []wasm.FunctionType{binaryI32},
		Functions: []wasm.Index{0},
		Code:      []wasm.Code{{Body: divS}},
		Exports:   []wasm.Export{{Type: wasm.ExternTypeFunc, Name: "div", Index: 0}},
	}
}

// proxyModule imports env.div and exports "call", which calls it.
func proxyModule() *wasm.Module {
	return &wasm.Module{
		Types:     []wasm.FunctionType{binaryI32},
		Imports:   []wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "div", DescFunc: 0}},
		Functions: []wasm.Index{0},
		Code:      []wasm.Code{{Body: callImport0}},
		Exports:   []wasm.Export{{Type: wasm.ExternTypeFunc, Name: "call", Index: 1}},
	}
}

func TestInstance_Call(t *testing.T) {
	f := newFixture()
	i := f.instantiate(t, "div", divModule(), nil)
	defer i.Close()

	res, err := i.CallExport(context.Background(), "div", api.EncodeI32(-9), 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{api.EncodeI32(-3)}, res)

	_, err = i.CallExport(context.Background(), "missing")
	require.EqualError(t, err, `"missing" is not an exported function in module "div"`)

	require.Equal(t, &binaryI32, i.ExportedFunctionType("div"))
	require.Nil(t, i.ExportedFunctionType("missing"))
}

func TestInstance_TrapIsSticky(t *testing.T) {
	f := newFixture()
	i := f.instantiate(t, "div", divModule(), nil)
	defer i.Close()
	ctx := context.Background()

	_, err := i.CallExport(ctx, "div", 1, 0)
	require.ErrorIs(t, err, vm.ErrIntegerDivideByZero)
	require.Equal(t, Trapped, i.State())
	require.Equal(t, vm.IntegerDivideByZero, i.Trap().Reason)

	// Every call fails with the original trap until Reset, even one which would succeed.
	_, err = i.CallExport(ctx, "div", 6, 3)
	require.ErrorIs(t, err, vm.ErrInstanceTrapped)
	require.ErrorIs(t, err, vm.ErrIntegerDivideByZero)

	require.NoError(t, i.Reset())
	require.Equal(t, Ready, i.State())
	require.Nil(t, i.Trap())

	res, err := i.CallExport(ctx, "div", 6, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, res)

	// Reset of a Ready instance does nothing.
	require.NoError(t, i.Reset())
}

func TestInstance_ResetAfterFatalTrap(t *testing.T) {
	f := newFixture()
	m := &wasm.Module{
		Types:     []wasm.FunctionType{nullary},
		Functions: []wasm.Index{0},
		Code:      []wasm.Code{{Body: recurse}},
	}
	i := f.instantiate(t, "recurse", m, nil)
	defer i.Close()

	_, err := i.Call(context.Background(), 0)
	require.ErrorIs(t, err, vm.ErrCallStackOverflow)
	require.Equal(t, Trapped, i.State())

	err = i.Reset()
	require.ErrorIs(t, err, ErrFatalTrap)
	require.Equal(t, Trapped, i.State())
}

func TestInstance_Close(t *testing.T) {
	f := newFixture()
	m := divModule()
	require.NoError(t, m.Validate(wasm.MemoryMaxPages))
	code := compile(t, m)
	i, err := Instantiate(context.Background(), m, code, nil, f.config("div"))
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Len())

	require.NoError(t, i.Close())
	require.Equal(t, Closed, i.State())
	require.Equal(t, 0, f.store.Len())
	require.Equal(t, 1, code.released)

	_, err = i.CallExport(context.Background(), "div", 6, 3)
	require.ErrorIs(t, err, vm.ErrInstanceClosed)

	err = i.Reset()
	require.EqualError(t, err, "cannot reset a closed instance")

	// Close is idempotent.
	require.NoError(t, i.Close())
	require.Equal(t, 1, code.released)
}

func TestInstance_CrossInstance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.instantiate(t, "a", divModule(), nil)

	div, ok := a.Export("div")
	require.True(t, ok)
	require.Equal(t, a.Handle(), div.Func.Instance)

	imports := Imports{}
	imports.Define("env", "div", div)
	b := f.instantiate(t, "b", proxyModule(), imports)
	defer b.Close()

	res, err := b.CallExport(ctx, "call", 6, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, res)

	// A trap unwinds both instances, so both are trapped.
	_, err = b.CallExport(ctx, "call", 1, 0)
	require.ErrorIs(t, err, vm.ErrIntegerDivideByZero)
	require.Equal(t, Trapped, a.State())
	require.Equal(t, Trapped, b.State())
	require.NoError(t, a.Reset())
	require.NoError(t, b.Reset())

	// The handle of a closed instance no longer resolves.
	require.NoError(t, a.Close())
	_, err = b.CallExport(ctx, "call", 6, 3)
	require.ErrorIs(t, err, vm.ErrInstanceClosed)
	require.Equal(t, Trapped, b.State())

	// Nor does it resolve once another instance reused the slot.
	require.NoError(t, b.Reset())
	c := f.instantiate(t, "c", divModule(), nil)
	defer c.Close()
	require.NotEqual(t, div.Func.Instance, c.Handle())
	_, err = b.CallExport(ctx, "call", 6, 3)
	require.ErrorIs(t, err, vm.ErrInstanceClosed)
}

func TestInstance_HostFunction(t *testing.T) {
	f := newFixture()
	errBoom := errors.New("boom")
	var calls int
	host := &api.HostFunction{
		Name: "div",
		Type: binaryI32,
		Fn: func(_ context.Context, _ api.Caller, params []uint64) ([]uint64, error) {
			calls++
			if params[1] == 0 {
				return nil, errBoom
			}
			return []uint64{api.EncodeI32(int32(params[0]) / int32(params[1]))}, nil
		},
	}
	imports := Imports{}
	imports.Define("env", "div", HostFunction(host))
	i := f.instantiate(t, "proxy", proxyModule(), imports)
	defer i.Close()

	res, err := i.CallExport(context.Background(), "call", 8, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{4}, res)

	_, err = i.CallExport(context.Background(), "call", 8, 0)
	require.ErrorIs(t, err, vm.ErrHostTrap)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 2, calls)

	// A defined function exports as a reference into its instance.
	e, ok := i.Export("call")
	require.True(t, ok)
	require.Nil(t, e.Host)
	require.Equal(t, i.Handle(), e.Func.Instance)
}

func TestInstantiate_LinkErrors(t *testing.T) {
	one, two := uint32(1), uint32(2)
	host := &api.HostFunction{Name: "f", Type: binaryI32, Fn: func(context.Context, api.Caller, []uint64) ([]uint64, error) {
		return []uint64{0}, nil
	}}
	mem, err := vm.NewMemoryInstance(1, 4)
	require.NoError(t, err)
	table := vm.NewTableInstance(1, &two)
	global := &vm.GlobalInstance{Type: wasm.GlobalType{ValType: i64}}

	tests := []struct {
		name     string
		imp      wasm.Import
		provided *Extern
		kind     LinkErrorKind
		expected string
	}{
		{
			name:     "unsatisfied",
			imp:      wasm.Import{Type: wasm.ExternTypeFunc, DescFunc: 0},
			kind:     Unsatisfied,
			expected: "import[env.x]: unsatisfied import: func not provided",
		},
		{
			name:     "kind",
			imp:      wasm.Import{Type: wasm.ExternTypeFunc, DescFunc: 0},
			provided: &Extern{Type: wasm.ExternTypeMemory, Memory: mem},
			kind:     KindMismatch,
			expected: "import[env.x]: kind mismatch: expected func, but got memory",
		},
		{
			name:     "signature",
			imp:      wasm.Import{Type: wasm.ExternTypeFunc, DescFunc: 1},
			provided: func() *Extern { e := HostFunction(host); return &e }(),
			kind:     SignatureMismatch,
			expected: "import[env.x]: signature mismatch: expected v_v, but got i32i32_i32",
		},
		{
			name:     "memory min",
			imp:      wasm.Import{Type: wasm.ExternTypeMemory, DescMem: &wasm.Memory{Min: 2}},
			provided: &Extern{Type: wasm.ExternTypeMemory, Memory: mem},
			kind:     LimitsMismatch,
			expected: "import[env.x]: limits mismatch: minimum size 2 pages, but imported memory has 1",
		},
		{
			name:     "memory max",
			imp:      wasm.Import{Type: wasm.ExternTypeMemory, DescMem: &wasm.Memory{Min: 1, Max: 2, IsMaxEncoded: true}},
			provided: &Extern{Type: wasm.ExternTypeMemory, Memory: mem},
			kind:     LimitsMismatch,
			expected: "import[env.x]: limits mismatch: maximum size 2 pages, but imported memory may grow to 4",
		},
		{
			name:     "table max",
			imp:      wasm.Import{Type: wasm.ExternTypeTable, DescTable: &wasm.Table{Min: 1, Max: &one}},
			provided: &Extern{Type: wasm.ExternTypeTable, Table: table},
			kind:     LimitsMismatch,
			expected: "import[env.x]: limits mismatch: maximum size mismatch",
		},
		{
			name:     "global type",
			imp:      wasm.Import{Type: wasm.ExternTypeGlobal, DescGlobal: &wasm.GlobalType{ValType: i32}},
			provided: &Extern{Type: wasm.ExternTypeGlobal, Global: global},
			kind:     TypeMismatch,
			expected: "import[env.x]: type mismatch: expected i32, but got i64",
		},
		{
			name:     "global mutability",
			imp:      wasm.Import{Type: wasm.ExternTypeGlobal, DescGlobal: &wasm.GlobalType{ValType: i64, Mutable: true}},
			provided: &Extern{Type: wasm.ExternTypeGlobal, Global: global},
			kind:     TypeMismatch,
			expected: "import[env.x]: type mismatch: mutability mismatch",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			tc.imp.Module, tc.imp.Name = "env", "x"
			m := &wasm.Module{Types: []wasm.FunctionType{binaryI32, nullary}, Imports: []wasm.Import{tc.imp}}
			imports := Imports{}
			if tc.provided != nil {
				imports.Define("env", "x", *tc.provided)
			}
			code := &testCode{code: &vm.Code{}}

			_, err := Instantiate(context.Background(), m, code, imports, f.config("linked"))
			require.ErrorIs(t, err, ErrLink)
			var le *LinkError
			require.True(t, errors.As(err, &le))
			require.Equal(t, tc.kind, le.Kind)
			require.EqualError(t, err, tc.expected)

			require.Equal(t, 0, f.store.Len())
			require.Equal(t, 1, code.released)
		})
	}
}

func TestInstantiate_SegmentsCheckedBeforeWrite(t *testing.T) {
	f := newFixture()
	exporter := f.instantiate(t, "exporter", &wasm.Module{
		Memory:  &wasm.Memory{Min: 1},
		Tables:  []wasm.Table{{Min: 1}},
		Exports: []wasm.Export{{Type: wasm.ExternTypeMemory, Name: "mem"}, {Type: wasm.ExternTypeTable, Name: "table"}},
	}, nil)
	defer exporter.Close()

	imports := Imports{}
	for _, name := range []string{"mem", "table"} {
		e, ok := exporter.Export(name)
		require.True(t, ok)
		imports.Define("env", name, e)
	}

	i32Const := func(v uint64) wasm.ConstantExpression {
		return wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: v}
	}
	base := func() *wasm.Module {
		return &wasm.Module{
			Types: []wasm.FunctionType{constI32},
			Imports: []wasm.Import{
				{Type: wasm.ExternTypeMemory, Module: "env", Name: "mem", DescMem: &wasm.Memory{Min: 1}},
				{Type: wasm.ExternTypeTable, Module: "env", Name: "table", DescTable: &wasm.Table{Min: 1}},
			},
			Functions: []wasm.Index{0},
			Code:      []wasm.Code{{Body: const42}},
			Elements:  []wasm.ElementSegment{{OffsetExpr: i32Const(0), Init: []wasm.Index{0}}},
			Data:      []wasm.DataSegment{{OffsetExpr: i32Const(0), Init: []byte("hi")}},
		}
	}

	tests := []struct {
		name     string
		mutate   func(m *wasm.Module)
		expected error
	}{
		{
			name: "data out of bounds",
			mutate: func(m *wasm.Module) {
				m.Data = append(m.Data, wasm.DataSegment{OffsetExpr: i32Const(65535), Init: []byte("xy")})
			},
			expected: vm.ErrOutOfBoundsMemoryAccess,
		},
		{
			name: "data offset wraps",
			mutate: func(m *wasm.Module) {
				m.Data = append(m.Data, wasm.DataSegment{OffsetExpr: i32Const(0xffffffff), Init: []byte("xy")})
			},
			expected: vm.ErrOutOfBoundsMemoryAccess,
		},
		{
			name: "element out of bounds",
			mutate: func(m *wasm.Module) {
				m.Elements = append(m.Elements, wasm.ElementSegment{OffsetExpr: i32Const(1), Init: []wasm.Index{0}})
			},
			expected: vm.ErrInvalidTableAccess,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := base()
			tc.mutate(m)
			code := compile(t, m)
			_, err := Instantiate(context.Background(), m, code, imports, f.config("importer"))
			require.ErrorIs(t, err, tc.expected)

			require.Equal(t, []byte{0, 0}, exporter.Memory().Buffer[:2])
			require.True(t, exporter.ctx.Tables[0].Elements[0].IsNull())
			require.Equal(t, 1, code.released)
		})
	}

	// Without the faulty segment, both are written.
	i := f.instantiate(t, "importer", base(), imports)
	defer i.Close()
	require.Equal(t, []byte("hi"), exporter.Memory().Buffer[:2])
	require.Equal(t, i.Handle(), exporter.ctx.Tables[0].Elements[0].Instance)
}

func TestInstance_CallIndirect(t *testing.T) {
	f := newFixture()
	m := &wasm.Module{
		Types:     []wasm.FunctionType{constI32, unaryI32},
		Functions: []wasm.Index{0, 1},
		Tables:    []wasm.Table{{Min: 3}},
		Code:      []wasm.Code{{Body: const42}, {Body: callIndirect}},
		Elements: []wasm.ElementSegment{{
			OffsetExpr: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Value: 0},
			Init:       []wasm.Index{0, 1},
		}},
	}
	i := f.instantiate(t, "indirect", m, nil)
	defer i.Close()

	tests := []struct {
		name     string
		elem     uint64
		expected error
	}{
		{name: "type mismatch", elem: 1, expected: vm.ErrIndirectCallTypeMismatch},
		{name: "null", elem: 2, expected: vm.ErrInvalidTableAccess},
		{name: "out of bounds", elem: 3, expected: vm.ErrInvalidTableAccess},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, i.Reset())
			_, err := i.Call(context.Background(), 1, tc.elem)
			require.ErrorIs(t, err, tc.expected)
		})
	}

	require.NoError(t, i.Reset())
	res, err := i.Call(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)
}

func TestInstantiate_Memory(t *testing.T) {
	m := &wasm.Module{
		Types:     []wasm.FunctionType{constI32},
		Functions: []wasm.Index{0},
		Memory:    &wasm.Memory{Min: 1, Max: 2, IsMaxEncoded: true},
		Code:      []wasm.Code{{Body: grow}},
	}

	t.Run("declared maximum", func(t *testing.T) {
		f := newFixture()
		i := f.instantiate(t, "grow", m, nil)
		defer i.Close()

		res, err := i.Call(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, res)
		require.Equal(t, uint32(2), i.Memory().PageSize())

		res, err = i.Call(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(uint32(0xffffffff))}, res)
		require.Equal(t, uint32(2), i.Memory().PageSize())
	})

	t.Run("limit below declared maximum", func(t *testing.T) {
		f := newFixture()
		cfg := f.config("grow")
		cfg.MemoryMaxPages = 1
		i, err := Instantiate(context.Background(), m, compile(t, m), nil, cfg)
		require.NoError(t, err)
		defer i.Close()

		res, err := i.Call(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(uint32(0xffffffff))}, res)
	})

	t.Run("limit below minimum", func(t *testing.T) {
		f := newFixture()
		cfg := f.config("grow")
		cfg.MemoryMaxPages = 0
		code := compile(t, m)
		_, err := Instantiate(context.Background(), m, code, nil, cfg)
		require.ErrorIs(t, err, vm.ErrResourceExhausted)
		require.EqualError(t, err, "resource exhausted: memory of 64 Ki exceeds the limit of 0 Ki")
		require.Equal(t, 1, code.released)
	})
}

func TestInstantiate_Globals(t *testing.T) {
	f := newFixture()
	imported := &vm.GlobalInstance{Type: wasm.GlobalType{ValType: i32}, Val: 7}
	imports := Imports{}
	imports.Define("env", "base", Extern{Type: wasm.ExternTypeGlobal, Global: imported})

	m := &wasm.Module{
		Imports: []wasm.Import{{Type: wasm.ExternTypeGlobal, Module: "env", Name: "base", DescGlobal: &wasm.GlobalType{ValType: i32}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: i32}, Init: wasm.ConstantExpression{Opcode: wasm.OpcodeGlobalGet, Value: 0}},
			{Type: wasm.GlobalType{ValType: i64, Mutable: true}, Init: wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Value: 3}},
		},
		Exports: []wasm.Export{{Type: wasm.ExternTypeGlobal, Name: "copy", Index: 1}},
	}
	i := f.instantiate(t, "globals", m, imports)
	defer i.Close()

	require.Equal(t, 3, len(i.ctx.Globals))
	require.Same(t, imported, i.ctx.Globals[0])
	require.Equal(t, uint64(7), i.ctx.Globals[1].Val)
	require.Equal(t, uint64(3), i.ctx.Globals[2].Val)

	e, ok := i.Export("copy")
	require.True(t, ok)
	require.Same(t, i.ctx.Globals[1], e.Global)

	g := i.ExportedGlobal("copy")
	require.Equal(t, uint64(7), g.Get())
	require.ErrorIs(t, g.Set(8), vm.ErrImmutableGlobal)
	require.Equal(t, uint64(7), i.ctx.Globals[1].Val)
	require.Nil(t, i.ExportedGlobal("missing"))
	require.Nil(t, i.ExportedTable("copy"))
}

func TestInstantiate_StartFailure(t *testing.T) {
	f := newFixture()
	start := wasm.Index(0)
	m := &wasm.Module{
		Types:     []wasm.FunctionType{nullary},
		Functions: []wasm.Index{0},
		Code:      []wasm.Code{{Body: unreachable}},
		Start:     &start,
	}
	require.NoError(t, m.Validate(wasm.MemoryMaxPages))
	code := compile(t, m)

	_, err := Instantiate(context.Background(), m, code, nil, f.config("start"))
	require.ErrorIs(t, err, vm.ErrUnreachable)
	require.Contains(t, err.Error(), "module[start] start function failed: wasm runtime error: unreachable")
	require.Equal(t, 0, f.store.Len())
	require.Equal(t, 1, code.released)
}

func TestInstance_Interrupt(t *testing.T) {
	f := newFixture()
	m := &wasm.Module{
		Types:     []wasm.FunctionType{nullary},
		Functions: []wasm.Index{0},
		Code:      []wasm.Code{{Body: spin}},
	}
	i := f.instantiate(t, "spin", m, nil)
	defer i.Close()

	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := i.Call(ctx, 0)
		require.ErrorIs(t, err, vm.ErrInterrupted)
		require.Equal(t, Trapped, i.State())
		require.NoError(t, i.Reset())
	})

	t.Run("done context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := i.Call(ctx, 0)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, Ready, i.State())
	})

	t.Run("other goroutine", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			i.Interrupt()
		}()
		_, err := i.Call(context.Background(), 0)
		require.ErrorIs(t, err, vm.ErrInterrupted)
		require.NoError(t, i.Reset())
	})
}

func TestInstance_CancelAfterReturn(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host := &api.HostFunction{
		Name: "div",
		Type: binaryI32,
		Fn: func(_ context.Context, _ api.Caller, params []uint64) ([]uint64, error) {
			cancel()
			return []uint64{params[0] / params[1]}, nil
		},
	}
	imports := Imports{}
	imports.Define("env", "div", HostFunction(host))
	i := f.instantiate(t, "proxy", proxyModule(), imports)
	defer i.Close()

	// No guard runs after the host function returns, so the cancelled call still completes.
	res, err := i.CallExport(ctx, "call", 4, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, res)

	// Let the cancellation callback run, then make sure it only targeted the finished call.
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)

	callCtx, callCancel := context.WithCancel(context.Background())
	defer callCancel()
	for _, c := range []context.Context{context.Background(), callCtx} {
		res, err = i.CallExport(c, "call", 9, 3)
		require.NoError(t, err)
		require.Equal(t, []uint64{3}, res)
		require.Equal(t, Ready, i.State())
	}
}

func TestInstance_Metering(t *testing.T) {
	f := newFixture()
	m := divModule()
	cfg := f.config("metered")
	cfg.Metered, cfg.MeterPoints = true, 100
	i, err := Instantiate(context.Background(), m, compile(t, m), nil, cfg)
	require.NoError(t, err)
	defer i.Close()

	require.Equal(t, uint64(100), i.MeteringRemaining())
	i.SetMeteringRemaining(5)
	require.Equal(t, uint64(5), i.MeteringRemaining())
}
