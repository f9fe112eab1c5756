// Package vm is the runtime context of an instance and the executor of compiled code.
//
// A Context is the fixed record every compiled function runs against: the live memory, tables, globals, the import
// table, the signature IDs of the module's types, the remaining stack budget, the metering counter and the
// interrupt flag. Every fault goes through a single trap path that builds a *Trap and unwinds to the invocation
// boundary. No Go panic crosses that boundary.
package vm

import (
	"sync/atomic"

	"github.com/and3k5/wasmer/api"
	"github.com/and3k5/wasmer/internal/logging"
	"github.com/and3k5/wasmer/internal/wasm"
)

// SourcePosition maps a function relative code offset to the offset of the instruction in the function body.
type SourcePosition struct {
	CodeOffset     uint32
	BytecodeOffset uint32
}

// Code is a loaded, sealed code image shared by every instance of a module.
type Code struct {
	// Image is the relocated, read-only code of every function defined in the module.
	Image []byte
	// Entries are the absolute offsets in Image of each defined function, in definition order.
	Entries []uint32
	// SourceMaps are optional per function source maps, sorted by CodeOffset.
	SourceMaps [][]SourcePosition
}

// BytecodeOffset returns the body offset of the instruction at the function relative code offset, or -1.
func (c *Code) BytecodeOffset(definedIdx int, codeOffset uint32) int64 {
	if definedIdx >= len(c.SourceMaps) {
		return -1
	}
	sm := c.SourceMaps[definedIdx]
	// Binary search for the last position at or before codeOffset.
	lo, hi := 0, len(sm)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if sm[mid].CodeOffset <= codeOffset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return -1
	}
	return int64(sm[lo-1].BytecodeOffset)
}

// ImportedFunction is a resolved function import. Exactly one of Host and Ref is set.
type ImportedFunction struct {
	Type *wasm.FunctionType
	// Host is set for a function implemented in Go.
	Host *api.HostFunction
	// Ref is the exporting instance's function for a Wasm to Wasm import.
	Ref FunctionRef
}

// Registry resolves instance handles, so cross-instance references never own each other.
type Registry interface {
	Lookup(h Handle) (*Context, bool)
}

// Owner is the instance a Context belongs to.
type Owner interface {
	// Check returns a non-nil error when the instance must not be entered, because it is trapped or closed.
	Check() error
	// OnTrap is called once for each instance whose frames were unwound by the trap.
	OnTrap(t *Trap)
}

// Context is the runtime state of one instance.
type Context struct {
	Handle  Handle
	Module  *wasm.Module
	Code    *Code
	Memory  *MemoryInstance
	Tables  []*TableInstance
	Globals []*GlobalInstance
	Imports []ImportedFunction
	// TypeIDs are the signature IDs of Module.Types, by type index.
	TypeIDs []SignatureID

	Registry Registry
	Owner    Owner
	Log      *logging.Scoped

	// MaxCallDepth caps the number of frames of a single invocation, counting every instance involved.
	MaxCallDepth int

	// stackRemaining is the stack budget in bytes. Each frame charges its size on entry and refunds it on return.
	stackRemaining int64
	stackBudget    int64
	meter          uint64
	interrupt      atomic.Bool
	// call is the generation of the current invocation. cancelled holds the generation a done context.Context
	// asked to stop, so a cancellation that lands after its invocation returned never reaches a later one.
	call      uint64
	cancelled atomic.Uint64
}

// NewContext returns a Context with the given stack budget in bytes.
func NewContext(stackBudget int64, maxCallDepth int) *Context {
	return &Context{stackRemaining: stackBudget, stackBudget: stackBudget, MaxCallDepth: maxCallDepth}
}

// StackRemaining is the remaining stack budget in bytes.
func (c *Context) StackRemaining() int64 { return c.stackRemaining }

// ResetStack refunds the whole stack budget.
func (c *Context) ResetStack() { c.stackRemaining = c.stackBudget }

// Meter returns the remaining metering budget.
func (c *Context) Meter() uint64 { return c.meter }

// SetMeter sets the metering budget. It must not be called while the instance executes.
func (c *Context) SetMeter(v uint64) { c.meter = v }

// Interrupt requests the running or next call to trap at its next guard check. Safe from any goroutine.
func (c *Context) Interrupt() { c.interrupt.Store(true) }

// ClearInterrupt drops a pending interrupt.
func (c *Context) ClearInterrupt() { c.interrupt.Store(false) }

// BeginCall starts a new invocation generation and returns it. It must be called by the goroutine making the call.
func (c *Context) BeginCall() uint64 {
	c.call++
	return c.call
}

// Cancel interrupts the invocation gen, including the frames it runs in other instances. It has no effect once a later invocation began. Safe from any goroutine.
func (c *Context) Cancel(gen uint64) { c.cancelled.Store(gen) }

// ImportedFunctionCount is the number of function imports, which precede defined functions in the namespace.
func (c *Context) ImportedFunctionCount() uint32 { return uint32(len(c.Imports)) }

// FunctionType returns the signature of the function at idx in the namespace of the module.
func (c *Context) FunctionType(idx wasm.Index) *wasm.FunctionType {
	return c.Module.TypeOfFunction(idx)
}

// caller implements api.Caller for host functions.
type caller struct {
	ctx *Context
}

func (c caller) Memory() api.Memory {
	if c.ctx.Memory == nil {
		return nil
	}
	return c.ctx.Memory
}
