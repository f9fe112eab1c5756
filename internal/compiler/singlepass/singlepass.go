// Package singlepass is a compiler backend emitting isa code in a single pass over the instruction stream.
//
// The operand stack height is tracked statically, so every branch knows how many values it drops and keeps.
// Forward branches are patched at the end of their block, and code after an unconditional transfer of control is
// skipped until the enclosing block ends.
package singlepass

import (
	"errors"
	"fmt"
	"math"

	parser "github.com/wippyai/wasm-runtime/wasm"

	"github.com/and3k5/wasmer/internal/compiler"
	"github.com/and3k5/wasmer/internal/isa"
	"github.com/and3k5/wasmer/internal/middleware"
	"github.com/and3k5/wasmer/internal/vm"
	"github.com/and3k5/wasmer/internal/wasm"
)

// Name is the registered name of this backend.
const Name = "singlepass"

func init() {
	compiler.Register(Name, func() compiler.Compiler { return New() })
}

// Compiler is stateless and safe for concurrent use.
type Compiler struct{}

var _ compiler.Compiler = (*Compiler)(nil)

// New returns a Compiler.
func New() *Compiler { return &Compiler{} }

// Name implements compiler.Compiler Name
func (*Compiler) Name() string { return Name }

// Compile implements compiler.Compiler Compile
func (*Compiler) Compile(mctx *compiler.ModuleContext, index wasm.Index, body []byte, chain *middleware.Chain) (*compiler.CompiledFunction, error) {
	if index < mctx.ImportedFunctions {
		return nil, compiler.NewCompileError(compiler.InternalCompilerError, index, 0, errors.New("imported function has no body"))
	}
	ft := mctx.Module.TypeOfFunction(index)
	if ft == nil {
		return nil, compiler.NewCompileError(compiler.InternalCompilerError, index, 0, errors.New("function out of range"))
	}

	ops, err := middleware.Decode(body)
	if err != nil {
		return nil, compiler.NewCompileError(compiler.InternalCompilerError, index, 0, err)
	}
	fctx := &middleware.FunctionContext{Module: mctx.Module, Index: index, Type: ft}
	if ops, err = chain.Apply(fctx, ops); err != nil {
		return nil, compiler.NewCompileError(compiler.InstrumentationRejected, index, 0, err)
	}

	e := &emitter{
		mctx:   mctx,
		index:  index,
		ft:     ft,
		locals: mctx.Module.LocalTypes(index),
	}
	return e.compile(ops)
}

type controlKind byte

const (
	kindFunction controlKind = iota
	kindBlock
	kindLoop
	kindIf
)

type control struct {
	kind            controlKind
	params, results int
	// height is the operand stack height below the params of the block.
	height int
	// start is the offset of a loop's first instruction, the target of branches to the loop.
	start uint32
	// branches are the offsets of the words branching to the end of the block.
	branches []uint32
	// elseBranch is the offset of the br_unless of an if, or -1 once it is patched.
	elseBranch int
	// dead is true for a block entered in unreachable code. Nothing of it is emitted.
	dead bool
}

// arity is the number of values a branch to this block carries.
func (c *control) arity() int {
	if c.kind == kindLoop {
		return c.params
	}
	return c.results
}

type emitter struct {
	mctx   *compiler.ModuleContext
	index  wasm.Index
	ft     *wasm.FunctionType
	locals []wasm.ValueType

	code      []byte
	relocs    []compiler.Relocation
	traps     []compiler.TrapSite
	sourceMap []vm.SourcePosition

	controls          []*control
	height, maxHeight int
	unreachable       bool
	// offset is the body offset of the operator being compiled.
	offset uint32
}

func (e *emitter) errorf(kind compiler.ErrorKind, format string, args ...interface{}) error {
	return compiler.NewCompileError(kind, e.index, e.offset, fmt.Errorf(format, args...))
}

func (e *emitter) pc() uint32 { return uint32(len(e.code)) }

func (e *emitter) emit(in isa.Instruction) uint32 {
	at := e.pc()
	if n := len(e.sourceMap); n == 0 || e.sourceMap[n-1].BytecodeOffset != e.offset {
		e.sourceMap = append(e.sourceMap, vm.SourcePosition{CodeOffset: at, BytecodeOffset: e.offset})
	}
	e.code = in.Append(e.code)
	return at
}

// trap records that the next emitted instruction may trap.
func (e *emitter) trap(reason vm.Reason) {
	e.traps = append(e.traps, compiler.TrapSite{Offset: e.pc(), Reason: reason})
}

func (e *emitter) top() *control { return e.controls[len(e.controls)-1] }

func (e *emitter) pop(n int) error {
	if e.height-n < e.top().height {
		return e.errorf(compiler.InternalCompilerError, "operand stack underflow")
	}
	e.height -= n
	return nil
}

func (e *emitter) push(n int) {
	e.height += n
	if e.height > e.maxHeight {
		e.maxHeight = e.height
	}
}

func (e *emitter) compile(ops []middleware.Operator) (*compiler.CompiledFunction, error) {
	nparams, nlocals := len(e.ft.Params), len(e.locals)-len(e.ft.Params)
	if nlocals < 0 {
		return nil, e.errorf(compiler.InternalCompilerError, "function has no code")
	}
	if nparams > math.MaxUint16 || len(e.ft.Results) > math.MaxUint16 {
		return nil, e.errorf(compiler.UnsupportedFeature, "too many params or results")
	}

	e.controls = []*control{{kind: kindFunction, results: len(e.ft.Results), elseBranch: -1}}
	e.trap(vm.StackOverflow)
	e.trap(vm.Interrupted)
	entry := e.emit(isa.Instruction{Op: isa.OpEntry, C: uint16(nparams), A: uint32(nlocals)})

	for i := range ops {
		e.offset = ops[i].Offset
		if err := e.op(&ops[i]); err != nil {
			return nil, err
		}
		if len(e.controls) == 0 {
			if i != len(ops)-1 {
				return nil, e.errorf(compiler.InternalCompilerError, "instructions after the end of the function")
			}
			break
		}
	}
	if len(e.controls) != 0 {
		return nil, e.errorf(compiler.InternalCompilerError, "function body is not terminated")
	}

	isa.PatchB(e.code, int(entry), isa.PackEntry(uint32(len(e.ft.Results)), uint32(e.maxHeight)))
	return &compiler.CompiledFunction{
		Index:       e.index,
		Code:        e.code,
		Relocations: e.relocs,
		TrapSites:   e.traps,
		SourceMap:   e.sourceMap,
		FrameSize:   uint32(len(e.locals) + e.maxHeight),
	}, nil
}

func (e *emitter) blockType(bt int32) (params, results int, err error) {
	switch {
	case bt == -64: // empty
		return 0, 0, nil
	case bt >= -4 && bt <= -1: // i32, i64, f32, f64
		return 0, 1, nil
	case bt >= 0 && int(bt) < len(e.mctx.Module.Types):
		ft := &e.mctx.Module.Types[bt]
		return len(ft.Params), len(ft.Results), nil
	}
	return 0, 0, e.errorf(compiler.UnsupportedFeature, "block type %d", bt)
}

func (e *emitter) op(o *middleware.Operator) error {
	switch o.Opcode {
	case parser.OpBlock, parser.OpLoop, parser.OpIf:
		return e.enter(o)
	case parser.OpElse:
		return e.elseOp()
	case parser.OpEnd:
		return e.end()
	}
	if e.unreachable {
		return nil
	}

	switch op := o.Opcode; {
	case o.IsMeter():
		e.trap(vm.MeteringExhausted)
		e.emit(isa.Instruction{Op: isa.OpMeter, B: o.Imm.(middleware.MeterImm).Cost})

	case op == parser.OpUnreachable:
		e.trap(vm.Unreachable)
		e.emit(isa.Instruction{Op: isa.OpUnreachable})
		e.unreachable = true

	case op == parser.OpNop:

	case op == parser.OpBr:
		if err := e.branch(isa.OpBr, o.Imm.(parser.BranchImm).LabelIdx); err != nil {
			return err
		}
		e.unreachable = true

	case op == parser.OpBrIf:
		if err := e.pop(1); err != nil {
			return err
		}
		return e.branch(isa.OpBrIf, o.Imm.(parser.BranchImm).LabelIdx)

	case op == parser.OpBrTable:
		imm := o.Imm.(parser.BrTableImm)
		if err := e.pop(1); err != nil {
			return err
		}
		e.emit(isa.Instruction{Op: isa.OpBrTable, A: uint32(len(imm.Labels))})
		for _, l := range append(imm.Labels[:len(imm.Labels):len(imm.Labels)], imm.Default) {
			if err := e.branch(isa.OpBrTableEntry, l); err != nil {
				return err
			}
		}
		e.unreachable = true

	case op == parser.OpReturn:
		if err := e.branch(isa.OpReturn, uint32(len(e.controls)-1)); err != nil {
			return err
		}
		e.unreachable = true

	case op == parser.OpCall:
		return e.call(o.Imm.(parser.CallImm).FuncIdx)

	case op == parser.OpCallIndirect:
		return e.callIndirect(o.Imm.(parser.CallIndirectImm))

	case op == parser.OpDrop:
		if err := e.pop(1); err != nil {
			return err
		}
		e.emit(isa.Instruction{Op: isa.OpDrop})

	case op == parser.OpSelect || op == parser.OpSelectType:
		if imm, ok := o.Imm.(parser.SelectTypeImm); ok {
			for _, t := range imm.Types {
				if !isNumeric(byte(t)) {
					return e.errorf(compiler.UnsupportedFeature, "select of type %#x", byte(t))
				}
			}
		}
		if err := e.pop(3); err != nil {
			return err
		}
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpSelect})

	case op == parser.OpLocalGet || op == parser.OpLocalSet || op == parser.OpLocalTee:
		return e.local(op, o.Imm.(parser.LocalImm).LocalIdx)

	case op == parser.OpGlobalGet || op == parser.OpGlobalSet:
		return e.global(op, o.Imm.(parser.GlobalImm).GlobalIdx)

	case op >= parser.OpI32Load && op <= parser.OpI64Store32:
		return e.memoryAccess(op, o.Imm.(parser.MemoryImm))

	case op == parser.OpMemorySize || op == parser.OpMemoryGrow:
		if e.mctx.Memory == nil {
			return e.errorf(compiler.InternalCompilerError, "memory instruction without memory")
		}
		if o.Imm.(parser.MemoryIdxImm).MemIdx != 0 {
			return e.errorf(compiler.UnsupportedFeature, "multiple memories")
		}
		if op == parser.OpMemoryGrow {
			if err := e.pop(1); err != nil {
				return err
			}
			e.push(1)
			e.emit(isa.Instruction{Op: isa.OpMemoryGrow})
		} else {
			e.push(1)
			e.emit(isa.Instruction{Op: isa.OpMemorySize})
		}

	case op == parser.OpI32Const:
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpConst, B: uint64(uint32(o.Imm.(parser.I32Imm).Value))})
	case op == parser.OpI64Const:
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpConst, B: uint64(o.Imm.(parser.I64Imm).Value)})
	case op == parser.OpF32Const:
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpConst, B: uint64(math.Float32bits(o.Imm.(parser.F32Imm).Value))})
	case op == parser.OpF64Const:
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpConst, B: math.Float64bits(o.Imm.(parser.F64Imm).Value)})

	case op >= parser.OpI32Eqz && op <= parser.OpI64Extend32S:
		return e.numeric(op)

	case op == parser.OpPrefixMisc:
		return e.misc(o.Imm.(parser.MiscImm))

	default:
		return e.errorf(compiler.UnsupportedFeature, "opcode %#x", op)
	}
	return nil
}

func isNumeric(t byte) bool {
	switch t {
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64:
		return true
	}
	return false
}

func (e *emitter) enter(o *middleware.Operator) error {
	kind := kindBlock
	switch o.Opcode {
	case parser.OpLoop:
		kind = kindLoop
	case parser.OpIf:
		kind = kindIf
	}
	params, results, err := e.blockType(o.Imm.(parser.BlockImm).Type)
	if err != nil {
		return err
	}
	if e.unreachable {
		e.controls = append(e.controls, &control{kind: kind, dead: true, elseBranch: -1})
		return nil
	}

	if kind == kindIf {
		if err = e.pop(1); err != nil {
			return err
		}
	}
	if e.height-params < e.top().height {
		return e.errorf(compiler.InternalCompilerError, "operand stack underflow")
	}
	c := &control{kind: kind, params: params, results: results, height: e.height - params, elseBranch: -1}
	switch kind {
	case kindLoop:
		c.start = e.pc()
		e.trap(vm.Interrupted)
		e.emit(isa.Instruction{Op: isa.OpLoopGuard})
	case kindIf:
		c.elseBranch = int(e.emit(isa.Instruction{Op: isa.OpBrUnless}))
	}
	e.controls = append(e.controls, c)
	return nil
}

func (e *emitter) elseOp() error {
	c := e.top()
	if c.kind != kindIf {
		return e.errorf(compiler.InternalCompilerError, "else outside of if")
	}
	if c.dead {
		return nil
	}
	if !e.unreachable {
		if e.height != c.height+c.results {
			return e.errorf(compiler.InternalCompilerError, "operand stack height %d at else, expected %d", e.height-c.height, c.results)
		}
		c.branches = append(c.branches, e.emit(isa.Instruction{Op: isa.OpBr, C: uint16(c.results)}))
	}
	isa.PatchB(e.code, c.elseBranch, uint64(e.pc()))
	c.elseBranch = -1
	e.height = c.height + c.params
	e.unreachable = false
	return nil
}

func (e *emitter) end() error {
	c := e.top()
	e.controls = e.controls[:len(e.controls)-1]
	if c.dead {
		return nil
	}

	if c.kind == kindFunction {
		if !e.unreachable {
			if e.height != c.results {
				return e.errorf(compiler.InternalCompilerError, "operand stack height %d at the end of the function, expected %d", e.height, c.results)
			}
			e.emit(isa.Instruction{Op: isa.OpReturn, C: uint16(c.results)})
		}
		return nil
	}

	if !e.unreachable && e.height != c.height+c.results {
		return e.errorf(compiler.InternalCompilerError, "operand stack height %d at the end of the block, expected %d", e.height-c.height, c.results)
	}
	end := uint64(e.pc())
	if c.elseBranch >= 0 {
		isa.PatchB(e.code, c.elseBranch, end)
	}
	for _, at := range c.branches {
		isa.PatchB(e.code, int(at), end)
	}
	e.height = c.height
	e.push(c.results)
	e.unreachable = false
	return nil
}

// branch emits a branch of kind op to the label. OpReturn is a branch to the function frame.
func (e *emitter) branch(op isa.Op, label uint32) error {
	if int(label) >= len(e.controls) {
		return e.errorf(compiler.InternalCompilerError, "branch to label %d out of %d", label, len(e.controls))
	}
	c := e.controls[len(e.controls)-1-int(label)]
	arity := c.arity()
	if e.height-arity < 0 || (c.kind != kindFunction && e.height-c.height-arity < 0) {
		return e.errorf(compiler.InternalCompilerError, "operand stack underflow")
	}

	in := isa.Instruction{Op: op, C: uint16(arity)}
	if c.kind == kindFunction {
		if op != isa.OpReturn {
			in.Flags = isa.FlagReturn
		}
		e.emit(in)
		return nil
	}
	in.A = uint32(e.height - c.height - arity)
	if c.kind == kindLoop {
		in.B = uint64(c.start)
		e.emit(in)
		return nil
	}
	c.branches = append(c.branches, e.emit(in))
	return nil
}

func (e *emitter) call(idx wasm.Index) error {
	ft := e.mctx.Module.TypeOfFunction(idx)
	if ft == nil {
		return e.errorf(compiler.InternalCompilerError, "call to function[%d] out of range", idx)
	}
	if err := e.pop(len(ft.Params)); err != nil {
		return err
	}
	if idx < e.mctx.ImportedFunctions {
		e.trap(vm.HostTrap)
		e.emit(isa.Instruction{Op: isa.OpCallImport, A: idx})
	} else {
		at := e.emit(isa.Instruction{Op: isa.OpCall, A: idx})
		e.relocs = append(e.relocs, compiler.Relocation{
			Offset: at + isa.OffsetB,
			Kind:   compiler.RelocFunctionEntry,
			Target: idx,
		})
	}
	e.push(len(ft.Results))
	return nil
}

func (e *emitter) callIndirect(imm parser.CallIndirectImm) error {
	if int(imm.TypeIdx) >= len(e.mctx.Module.Types) {
		return e.errorf(compiler.InternalCompilerError, "type[%d] out of range", imm.TypeIdx)
	}
	if int(imm.TableIdx) >= len(e.mctx.Tables) || imm.TableIdx > math.MaxUint16 {
		return e.errorf(compiler.InternalCompilerError, "table[%d] out of range", imm.TableIdx)
	}
	ft := &e.mctx.Module.Types[imm.TypeIdx]
	if err := e.pop(1 + len(ft.Params)); err != nil {
		return err
	}
	e.trap(vm.OutOfBoundsTable)
	e.trap(vm.IndirectCallTypeMismatch)
	e.emit(isa.Instruction{Op: isa.OpCallIndirect, A: imm.TypeIdx, C: uint16(imm.TableIdx)})
	e.push(len(ft.Results))
	return nil
}

func (e *emitter) local(op byte, idx uint32) error {
	if int(idx) >= len(e.locals) {
		return e.errorf(compiler.InternalCompilerError, "local[%d] out of range", idx)
	}
	switch op {
	case parser.OpLocalGet:
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpLocalGet, A: idx})
	case parser.OpLocalSet:
		if err := e.pop(1); err != nil {
			return err
		}
		e.emit(isa.Instruction{Op: isa.OpLocalSet, A: idx})
	default:
		if err := e.pop(1); err != nil {
			return err
		}
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpLocalTee, A: idx})
	}
	return nil
}

func (e *emitter) global(op byte, idx uint32) error {
	if int(idx) >= len(e.mctx.Globals) {
		return e.errorf(compiler.InternalCompilerError, "global[%d] out of range", idx)
	}
	if op == parser.OpGlobalGet {
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpGlobalGet, A: idx})
		return nil
	}
	if !e.mctx.Globals[idx].Mutable {
		return e.errorf(compiler.InternalCompilerError, "global[%d] is immutable", idx)
	}
	if err := e.pop(1); err != nil {
		return err
	}
	e.emit(isa.Instruction{Op: isa.OpGlobalSet, A: idx})
	return nil
}

// memoryKinds maps load and store opcodes, from i32.load to i64.store32, to their isa.MemoryKind.
var memoryKinds = [...]isa.MemoryKind{
	isa.MemI32, isa.MemI64, isa.MemF32, isa.MemF64,
	isa.MemI32Load8S, isa.MemI32Load8U, isa.MemI32Load16S, isa.MemI32Load16U,
	isa.MemI64Load8S, isa.MemI64Load8U, isa.MemI64Load16S, isa.MemI64Load16U, isa.MemI64Load32S, isa.MemI64Load32U,
	isa.MemI32, isa.MemI64, isa.MemF32, isa.MemF64,
	isa.MemStore8, isa.MemStore16, isa.MemStore8, isa.MemStore16, isa.MemStore32,
}

func (e *emitter) memoryAccess(op byte, imm parser.MemoryImm) error {
	if e.mctx.Memory == nil {
		return e.errorf(compiler.InternalCompilerError, "memory instruction without memory")
	}
	if imm.MemIdx != 0 {
		return e.errorf(compiler.UnsupportedFeature, "multiple memories")
	}
	if imm.Offset > math.MaxUint32 {
		return e.errorf(compiler.UnsupportedFeature, "64-bit memory offset %d", imm.Offset)
	}
	in := isa.Instruction{Flags: memoryKinds[op-parser.OpI32Load], B: imm.Offset}
	if op <= parser.OpI64Load32U {
		in.Op = isa.OpLoad
		if err := e.pop(1); err != nil {
			return err
		}
		e.push(1)
	} else {
		in.Op = isa.OpStore
		if err := e.pop(2); err != nil {
			return err
		}
	}
	e.trap(vm.OutOfBoundsMemory)
	e.emit(in)
	return nil
}

// numericPops is the number of operands of a numeric opcode. Every numeric opcode pushes one result.
func numericPops(op byte) int {
	switch {
	case op == parser.OpI32Eqz, op == parser.OpI64Eqz,
		op >= parser.OpI32Clz && op <= parser.OpI32Popcnt,
		op >= parser.OpI64Clz && op <= parser.OpI64Popcnt,
		op >= parser.OpF32Abs && op <= parser.OpF32Sqrt,
		op >= parser.OpF64Abs && op <= parser.OpF64Sqrt,
		op >= parser.OpI32WrapI64:
		return 1
	}
	return 2
}

func (e *emitter) numeric(op byte) error {
	if err := e.pop(numericPops(op)); err != nil {
		return err
	}
	e.push(1)
	switch {
	case op == parser.OpI32DivS, op == parser.OpI64DivS:
		e.trap(vm.IntegerDivideByZero)
		e.trap(vm.IntegerOverflow)
	case op >= parser.OpI32DivS && op <= parser.OpI32RemU, op >= parser.OpI64DivS && op <= parser.OpI64RemU:
		e.trap(vm.IntegerDivideByZero)
	case op >= parser.OpI32TruncF32S && op <= parser.OpI32TruncF64U, op >= parser.OpI64TruncF32S && op <= parser.OpI64TruncF64U:
		// NaN is not a conversion overflow.
		e.trap(vm.IntegerOverflow)
		e.trap(vm.InvalidConversionToInteger)
	}
	e.emit(isa.Instruction{Op: isa.OpNumeric, Flags: op})
	return nil
}

func (e *emitter) misc(imm parser.MiscImm) error {
	switch sub := imm.SubOpcode; {
	case sub <= parser.MiscI64TruncSatF64U:
		if err := e.pop(1); err != nil {
			return err
		}
		e.push(1)
		e.emit(isa.Instruction{Op: isa.OpSatTrunc, Flags: byte(sub)})
	case sub == parser.MiscMemoryCopy || sub == parser.MiscMemoryFill:
		if e.mctx.Memory == nil {
			return e.errorf(compiler.InternalCompilerError, "memory instruction without memory")
		}
		for _, m := range imm.Operands {
			if m != 0 {
				return e.errorf(compiler.UnsupportedFeature, "multiple memories")
			}
		}
		if err := e.pop(3); err != nil {
			return err
		}
		e.trap(vm.OutOfBoundsMemory)
		if sub == parser.MiscMemoryCopy {
			e.emit(isa.Instruction{Op: isa.OpMemoryCopy})
		} else {
			e.emit(isa.Instruction{Op: isa.OpMemoryFill})
		}
	default:
		return e.errorf(compiler.UnsupportedFeature, "opcode 0xfc %#x", sub)
	}
	return nil
}
