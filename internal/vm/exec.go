package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and3k5/wasmer/internal/isa"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/wasm"
)

// FrameOverhead is the number of bytes each frame charges to the stack budget in addition to its value slots.
const FrameOverhead = 64

// frame is a call frame of a function defined in ctx.Module.
type frame struct {
	ctx *Context
	fn  wasm.Index
	// entry is the absolute offset of the function's OpEntry, and the base of branch targets.
	entry int
	// pc is the absolute offset of the next instruction. In caller frames, this is the return address.
	pc int
	// base is the index of the first local (param 0) in the value stack.
	base int
	// charge is what this frame took from ctx.stackRemaining, refunded on return or unwind.
	charge int64
}

// callEngine holds the value stack and frames of one invocation. Host functions that call back into Wasm start a
// new callEngine, so Go's stack only grows with host reentrancy.
type callEngine struct {
	goctx  context.Context
	root   *Context
	// gen is the invocation generation of root when the call began, zero when it was not started by BeginCall.
	gen    uint64
	stack  []uint64
	frames []frame
}

// Call invokes the function funcIdx of ctx. params and results are encoded as in api. A failure in compiled code
// is returned as a *Trap after every instance whose frames were unwound was notified.
func Call(goctx context.Context, ctx *Context, funcIdx wasm.Index, params []uint64) (results []uint64, err error) {
	ft := ctx.FunctionType(funcIdx)
	if ft == nil {
		return nil, fmt.Errorf("function[%d] out of range", funcIdx)
	}
	if len(params) != len(ft.Params) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(ft.Params), len(params))
	}

	ce := &callEngine{goctx: goctx, root: ctx, gen: ctx.call, stack: make([]uint64, 0, 64)}
	defer func() {
		// Host functions may panic, and artifact validation checks the layout and relocations but not the operands
		// of each instruction. Either becomes a RuntimeFault instead of crashing the embedder.
		if v := recover(); v != nil {
			pc := -1
			if n := len(ce.frames); n > 0 {
				pc = ce.frames[n-1].pc - isa.WordSize
			}
			results, err = nil, ce.raise(RuntimeFault, pc, fmt.Errorf("%v", v))
		}
	}()

	for i, p := range params {
		if ft.Params[i] == wasm.ValueTypeI32 {
			p = uint64(uint32(p))
		}
		ce.stack = append(ce.stack, p)
	}
	if t := ce.callIndex(ctx, funcIdx, -1); t != nil {
		return nil, t
	}
	if len(ce.frames) > 0 {
		if t := ce.run(); t != nil {
			return nil, t
		}
	}

	n := len(ft.Results)
	results = make([]uint64, n)
	copy(results, ce.stack[len(ce.stack)-n:])
	return results, nil
}

func (ce *callEngine) push(v uint64) {
	ce.stack = append(ce.stack, v)
}

func (ce *callEngine) pop() (v uint64) {
	n := len(ce.stack) - 1
	v = ce.stack[n]
	ce.stack = ce.stack[:n]
	return
}

func (ce *callEngine) peek() uint64 {
	return ce.stack[len(ce.stack)-1]
}

// drop removes drop values below the top keep values.
func (ce *callEngine) drop(drop, keep int) {
	if drop == 0 {
		return
	}
	top := len(ce.stack)
	copy(ce.stack[top-drop-keep:], ce.stack[top-keep:])
	ce.stack = ce.stack[:top-drop]
}

func (ce *callEngine) pushFrame(ctx *Context, fn wasm.Index, entry int) {
	ce.frames = append(ce.frames, frame{ctx: ctx, fn: fn, entry: entry, pc: entry})
}

// callIndex calls the function idx in the namespace of ctx. Defined functions are pushed as a frame for run, host
// functions are invoked immediately.
func (ce *callEngine) callIndex(ctx *Context, idx wasm.Index, pc int) *Trap {
	imported := ctx.ImportedFunctionCount()
	if idx < imported {
		imp := &ctx.Imports[idx]
		if imp.Host != nil {
			return ce.callHost(ctx, idx, imp, pc)
		}
		return ce.invoke(ctx, imp.Ref, pc)
	}
	defined := idx - imported
	if int(defined) >= len(ctx.Code.Entries) {
		return ce.raise(RuntimeFault, pc, fmt.Errorf("function[%d] has no code", idx))
	}
	ce.pushFrame(ctx, idx, int(ctx.Code.Entries[defined]))
	return nil
}

// invoke calls ref, which may belong to another instance.
func (ce *callEngine) invoke(from *Context, ref FunctionRef, pc int) *Trap {
	if ref.IsNull() {
		return ce.raise(OutOfBoundsTable, pc, nil)
	}
	target := from
	if ref.Instance != from.Handle {
		var ok bool
		if from.Registry != nil {
			target, ok = from.Registry.Lookup(ref.Instance)
		}
		if !ok {
			return ce.raise(InstanceClosed, pc, nil)
		}
		if target.Owner != nil {
			if r := ownerReason(target.Owner); r != ReasonNone {
				return ce.raise(r, pc, nil)
			}
		}
	}
	return ce.callIndex(target, ref.Index, pc)
}

func ownerReason(o Owner) Reason {
	err := o.Check()
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInstanceClosed):
		return InstanceClosed
	default:
		return InstanceTrapped
	}
}

func (ce *callEngine) callHost(ctx *Context, idx wasm.Index, imp *ImportedFunction, pc int) *Trap {
	if ctx.MaxCallDepth > 0 && len(ce.frames)+1 > ctx.MaxCallDepth {
		return ce.raise(StackOverflow, pc, nil)
	}
	ft := imp.Type
	n := len(ft.Params)
	params := make([]uint64, n)
	copy(params, ce.stack[len(ce.stack)-n:])
	ce.stack = ce.stack[:len(ce.stack)-n]

	if ctx.Log.Enabled(logging.LogScopeHost, zapcore.DebugLevel) {
		ctx.Log.For(logging.LogScopeHost).Debug("host call",
			zap.String("function", ctx.Module.FunctionName(idx)),
			logging.Values("params", ft.Params, params))
	}

	results, err := imp.Host.Fn(ce.goctx, caller{ctx: ctx}, params)
	if err != nil {
		return ce.raiseHost(ctx, idx, pc, err)
	}
	if len(results) != len(ft.Results) {
		return ce.raiseHost(ctx, idx, pc, fmt.Errorf("expected %d results, but returned %d", len(ft.Results), len(results)))
	}
	// A host function may have called back into this instance, and that call may have trapped.
	if ctx.Owner != nil {
		if r := ownerReason(ctx.Owner); r != ReasonNone {
			return ce.raise(r, pc, nil)
		}
	}
	for i, r := range results {
		if ft.Results[i] == wasm.ValueTypeI32 {
			r = uint64(uint32(r))
		}
		ce.push(r)
	}
	return nil
}

// interrupted reports whether the invocation must trap at a guard in ctx, consuming an Interrupt request.
func (ce *callEngine) interrupted(ctx *Context) bool {
	if ctx.interrupt.CompareAndSwap(true, false) {
		return true
	}
	return ce.gen != 0 && ce.root.cancelled.Load() == ce.gen
}

func (ce *callEngine) raiseHost(ctx *Context, idx wasm.Index, pc int, cause error) *Trap {
	t := ce.raise(HostTrap, pc, cause)
	host := Frame{FunctionIndex: idx, Name: ctx.Module.FunctionName(idx), BytecodeOffset: -1}
	t.Frames = append([]Frame{host}, t.Frames...)
	return t
}

// raise is the single trap path. It captures the backtrace, refunds every frame's stack charge, notifies the owner
// of every unwound instance and resets the engine. pc is the absolute offset of the faulting instruction in the
// innermost frame, or negative when the fault happened outside of compiled code.
func (ce *callEngine) raise(reason Reason, pc int, cause error) *Trap {
	t := &Trap{Reason: reason, BytecodeOffset: -1, Cause: cause}
	if pc >= 0 {
		t.Offset = uint32(pc)
	}

	owners := []*Context{ce.root}
	for i := len(ce.frames) - 1; i >= 0; i-- {
		f := &ce.frames[i]
		at := f.pc - isa.WordSize // the call instruction in caller frames
		if i == len(ce.frames)-1 && pc >= 0 {
			at = pc
		}
		rel := uint32(0)
		if at > f.entry {
			rel = uint32(at - f.entry)
		}
		bc := f.ctx.Code.BytecodeOffset(int(f.fn-f.ctx.ImportedFunctionCount()), rel)
		if i == len(ce.frames)-1 {
			t.BytecodeOffset = bc
		}
		t.Frames = append(t.Frames, Frame{
			FunctionIndex:  f.fn,
			Name:           f.ctx.Module.FunctionName(f.fn),
			Offset:         rel,
			BytecodeOffset: bc,
		})

		f.ctx.stackRemaining += f.charge
		seen := false
		for _, o := range owners {
			if o == f.ctx {
				seen = true
				break
			}
		}
		if !seen {
			owners = append(owners, f.ctx)
		}
	}
	ce.frames = ce.frames[:0]
	ce.stack = ce.stack[:0]

	for _, o := range owners {
		if o.Log.Enabled(logging.LogScopeTrap, zapcore.DebugLevel) {
			o.Log.For(logging.LogScopeTrap).Debug("trap",
				zap.Uint64("instance", uint64(o.Handle)),
				zap.Stringer("reason", reason),
				zap.Uint32("offset", t.Offset))
		}
		if o.Owner != nil {
			o.Owner.OnTrap(t)
		}
	}
	return t
}

// run executes frames until the outermost returns.
func (ce *callEngine) run() *Trap {
	f := &ce.frames[len(ce.frames)-1]
	ctx := f.ctx
	code := ctx.Code.Image

	for {
		pc := f.pc
		if pc < 0 || pc+isa.WordSize > len(code) {
			return ce.raise(RuntimeFault, pc, fmt.Errorf("pc %#x out of code", pc))
		}
		in := isa.Decode(code, pc)
		f.pc = pc + isa.WordSize

		switch in.Op {
		case isa.OpEntry:
			nparams, nlocals := int(in.C), int(in.A)
			_, maxStack := isa.UnpackEntry(in.B)
			f.base = len(ce.stack) - nparams
			if ctx.MaxCallDepth > 0 && len(ce.frames) > ctx.MaxCallDepth {
				return ce.raise(StackOverflow, pc, nil)
			}
			charge := int64(nparams+nlocals+int(maxStack))*8 + FrameOverhead
			if ctx.stackRemaining < charge {
				return ce.raise(StackOverflow, pc, nil)
			}
			ctx.stackRemaining -= charge
			f.charge = charge
			if ce.interrupted(ctx) {
				return ce.raise(Interrupted, pc, nil)
			}
			for i := 0; i < nlocals; i++ {
				ce.stack = append(ce.stack, 0)
			}

		case isa.OpUnreachable:
			return ce.raise(Unreachable, pc, nil)

		case isa.OpMeter:
			if ctx.meter < in.B {
				return ce.raise(MeteringExhausted, pc, nil)
			}
			ctx.meter -= in.B

		case isa.OpLoopGuard:
			if ce.interrupted(ctx) {
				return ce.raise(Interrupted, pc, nil)
			}

		case isa.OpBr, isa.OpBrIf, isa.OpBrUnless, isa.OpBrTable:
			target := in
			switch in.Op {
			case isa.OpBrIf:
				if uint32(ce.pop()) == 0 {
					continue
				}
			case isa.OpBrUnless:
				if uint32(ce.pop()) != 0 {
					continue
				}
			case isa.OpBrTable:
				idx := uint32(ce.pop())
				if idx > in.A {
					idx = in.A
				}
				at := pc + isa.WordSize*(1+int(idx))
				if at+isa.WordSize > len(code) {
					return ce.raise(RuntimeFault, pc, fmt.Errorf("br_table entry %#x out of code", at))
				}
				target = isa.Decode(code, at)
			}
			if target.Flags&isa.FlagReturn != 0 {
				if ce.ret(int(target.C)) {
					return nil
				}
				f = &ce.frames[len(ce.frames)-1]
				ctx, code = f.ctx, f.ctx.Code.Image
				continue
			}
			ce.drop(int(target.A), int(target.C))
			f.pc = f.entry + int(target.B)

		case isa.OpBrTableEntry:
			return ce.raise(RuntimeFault, pc, errors.New("fell into a br_table entry"))

		case isa.OpReturn:
			if ce.ret(int(in.C)) {
				return nil
			}
			f = &ce.frames[len(ce.frames)-1]
			ctx, code = f.ctx, f.ctx.Code.Image

		case isa.OpCall:
			ce.pushFrame(ctx, in.A, int(in.B))
			f = &ce.frames[len(ce.frames)-1]

		case isa.OpCallImport, isa.OpCallIndirect:
			depth := len(ce.frames)
			var t *Trap
			if in.Op == isa.OpCallImport {
				t = ce.callIndex(ctx, in.A, pc)
			} else {
				t = ce.callIndirect(ctx, in, pc)
			}
			if t != nil {
				return t
			}
			// A host call returns in place. Anything else pushed a frame.
			if len(ce.frames) != depth {
				f = &ce.frames[len(ce.frames)-1]
				ctx, code = f.ctx, f.ctx.Code.Image
			}

		case isa.OpDrop:
			ce.stack = ce.stack[:len(ce.stack)-1]

		case isa.OpSelect:
			c := ce.pop()
			v2 := ce.pop()
			if uint32(c) == 0 {
				ce.stack[len(ce.stack)-1] = v2
			}

		case isa.OpLocalGet:
			ce.push(ce.stack[f.base+int(in.A)])
		case isa.OpLocalSet:
			ce.stack[f.base+int(in.A)] = ce.pop()
		case isa.OpLocalTee:
			ce.stack[f.base+int(in.A)] = ce.peek()
		case isa.OpGlobalGet:
			ce.push(ctx.Globals[in.A].Val)
		case isa.OpGlobalSet:
			ctx.Globals[in.A].Val = ce.pop()

		case isa.OpLoad:
			mem := ctx.Memory.Buffer
			ea := uint64(uint32(ce.pop())) + in.B
			if ea+isa.MemoryKindSize(in.Flags) > uint64(len(mem)) {
				return ce.raise(OutOfBoundsMemory, pc, nil)
			}
			ce.push(load(mem[ea:], in.Flags))

		case isa.OpStore:
			v := ce.pop()
			mem := ctx.Memory.Buffer
			ea := uint64(uint32(ce.pop())) + in.B
			if ea+isa.MemoryKindSize(in.Flags) > uint64(len(mem)) {
				return ce.raise(OutOfBoundsMemory, pc, nil)
			}
			store(mem[ea:], in.Flags, v)

		case isa.OpMemorySize:
			ce.push(uint64(ctx.Memory.PageSize()))

		case isa.OpMemoryGrow:
			delta := uint32(ce.pop())
			if prev, ok := ctx.Memory.Grow(delta); ok {
				ce.push(uint64(prev))
			} else {
				ce.push(0xffffffff) // = -1 in signed 32-bit integer.
			}

		case isa.OpMemoryCopy:
			n := uint64(uint32(ce.pop()))
			src := uint64(uint32(ce.pop()))
			dst := uint64(uint32(ce.pop()))
			mem := ctx.Memory.Buffer
			if src+n > uint64(len(mem)) || dst+n > uint64(len(mem)) {
				return ce.raise(OutOfBoundsMemory, pc, nil)
			}
			copy(mem[dst:dst+n], mem[src:src+n])

		case isa.OpMemoryFill:
			n := uint64(uint32(ce.pop()))
			v := byte(ce.pop())
			dst := uint64(uint32(ce.pop()))
			mem := ctx.Memory.Buffer
			if dst+n > uint64(len(mem)) {
				return ce.raise(OutOfBoundsMemory, pc, nil)
			}
			fill := mem[dst : dst+n]
			for i := range fill {
				fill[i] = v
			}

		case isa.OpConst:
			ce.push(in.B)

		case isa.OpNumeric:
			if r := ce.numeric(in.Flags); r != ReasonNone {
				return ce.raise(r, pc, nil)
			}

		case isa.OpSatTrunc:
			ce.satTrunc(in.Flags)

		default:
			return ce.raise(RuntimeFault, pc, fmt.Errorf("invalid instruction %s", in.Op))
		}
	}
}

// ret returns keep values from the current frame. It is true when the outermost frame returned.
func (ce *callEngine) ret(keep int) bool {
	f := &ce.frames[len(ce.frames)-1]
	copy(ce.stack[f.base:], ce.stack[len(ce.stack)-keep:])
	ce.stack = ce.stack[:f.base+keep]
	f.ctx.stackRemaining += f.charge
	ce.frames = ce.frames[:len(ce.frames)-1]
	return len(ce.frames) == 0
}

func (ce *callEngine) callIndirect(ctx *Context, in isa.Instruction, pc int) *Trap {
	offset := uint32(ce.pop())
	if int(in.C) >= len(ctx.Tables) {
		return ce.raise(OutOfBoundsTable, pc, nil)
	}
	table := ctx.Tables[in.C]
	if uint64(offset) >= uint64(len(table.Elements)) {
		return ce.raise(OutOfBoundsTable, pc, nil)
	}
	ref := table.Elements[offset]
	if ref.IsNull() {
		return ce.raise(OutOfBoundsTable, pc, nil)
	}
	if ref.TypeID != ctx.TypeIDs[in.A] {
		return ce.raise(IndirectCallTypeMismatch, pc, nil)
	}
	return ce.invoke(ctx, ref, pc)
}

func load(b []byte, kind isa.MemoryKind) uint64 {
	switch kind {
	case isa.MemI32, isa.MemF32, isa.MemI64Load32U:
		return uint64(binary.LittleEndian.Uint32(b))
	case isa.MemI64, isa.MemF64:
		return binary.LittleEndian.Uint64(b)
	case isa.MemI32Load8S:
		return uint64(uint32(int32(int8(b[0]))))
	case isa.MemI32Load8U, isa.MemI64Load8U:
		return uint64(b[0])
	case isa.MemI32Load16S:
		return uint64(uint32(int32(int16(binary.LittleEndian.Uint16(b)))))
	case isa.MemI32Load16U, isa.MemI64Load16U:
		return uint64(binary.LittleEndian.Uint16(b))
	case isa.MemI64Load8S:
		return uint64(int64(int8(b[0])))
	case isa.MemI64Load16S:
		return uint64(int64(int16(binary.LittleEndian.Uint16(b))))
	case isa.MemI64Load32S:
		return uint64(int64(int32(binary.LittleEndian.Uint32(b))))
	}
	panic(fmt.Sprintf("invalid load kind %d", kind))
}

func store(b []byte, kind isa.MemoryKind, v uint64) {
	switch kind {
	case isa.MemI32, isa.MemF32, isa.MemStore32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case isa.MemI64, isa.MemF64:
		binary.LittleEndian.PutUint64(b, v)
	case isa.MemStore8:
		b[0] = byte(v)
	case isa.MemStore16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		panic(fmt.Sprintf("invalid store kind %d", kind))
	}
}

// f32 and f64 keep floats in their raw bit form on the stack.
func f32(v uint64) float32 { return math.Float32frombits(uint32(v)) }
func f64(v uint64) float64 { return math.Float64frombits(v) }
